package main

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/researchd/internal/bus"
	otelPkg "github.com/basket/researchd/internal/otel"
	"github.com/basket/researchd/internal/persistence"
)

// activePhases are the phases a worker actively drives under a lease.
var activePhases = map[string]bool{
	"planning":   true,
	"executing":  true,
	"reflecting": true,
	"reporting":  true,
}

// observeMetrics feeds job lifecycle events from the bus into the daemon's
// metric instruments. Instruments are no-ops when telemetry is disabled, so
// this runs unconditionally.
func observeMetrics(ctx context.Context, b *bus.Bus, store *persistence.Store, m *otelPkg.Metrics) {
	sub := b.Subscribe("")
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				switch ev.Topic {
				case bus.TopicJobStateChanged:
					e, ok := ev.Payload.(bus.JobStateChangedEvent)
					if !ok {
						continue
					}
					if e.NewPhase == "planning" {
						m.JobsStarted.Add(ctx, 1)
					}
					// Lease-holding phase entered or left.
					if activePhases[e.NewPhase] && !activePhases[e.OldPhase] {
						m.ActiveJobs.Add(ctx, 1)
					} else if !activePhases[e.NewPhase] && activePhases[e.OldPhase] {
						m.ActiveJobs.Add(ctx, -1)
					}
				case bus.TopicJobCompleted:
					m.JobsCompleted.Add(ctx, 1)
					recordJobDuration(ctx, store, m, jobIDFromPayload(ev.Payload))
				case bus.TopicJobFailed:
					reason := ""
					if p, ok := ev.Payload.(map[string]any); ok {
						reason, _ = p["reason"].(string)
					}
					m.JobsFailed.Add(ctx, 1, metric.WithAttributes(
						otelPkg.AttrReason.String(reason)))
					recordJobDuration(ctx, store, m, jobIDFromPayload(ev.Payload))
				case bus.TopicApprovalPending:
					m.ApprovalsPending.Add(ctx, 1)
				case bus.TopicApprovalDecided:
					m.ApprovalsPending.Add(ctx, -1)
				}
			}
		}
	}()
}

func jobIDFromPayload(payload any) string {
	if p, ok := payload.(map[string]any); ok {
		if id, ok := p["job_id"].(string); ok {
			return id
		}
	}
	return ""
}

// recordJobDuration measures submission to terminal phase from the job row.
func recordJobDuration(ctx context.Context, store *persistence.Store, m *otelPkg.Metrics, jobID string) {
	if store == nil || jobID == "" {
		return
	}
	j, err := store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	m.JobDuration.Record(ctx, j.UpdatedAt.Sub(j.CreatedAt).Seconds())
}
