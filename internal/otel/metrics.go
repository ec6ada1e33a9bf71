package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	// JobsStarted counts jobs claimed from the queue.
	JobsStarted metric.Int64Counter
	// JobsCompleted counts jobs reaching the completed phase.
	JobsCompleted metric.Int64Counter
	// JobsFailed counts jobs reaching the failed phase, by reason attribute.
	JobsFailed metric.Int64Counter
	// JobDuration is wall-clock seconds from submission to terminal phase.
	JobDuration metric.Float64Histogram
	// ToolCalls counts arbitrated invocations, by tool and outcome attributes.
	ToolCalls metric.Int64Counter
	// ToolCallDuration is one capability call in seconds, by tool attribute.
	ToolCallDuration metric.Float64Histogram
	// TokensUsed counts tokens attributed to jobs.
	TokensUsed metric.Int64Counter
	// CheckpointDuration is checkpoint capture latency in seconds.
	CheckpointDuration metric.Float64Histogram
	// ActiveJobs tracks jobs currently leased by workers.
	ActiveJobs metric.Int64UpDownCounter
	// ApprovalsPending tracks approval requests awaiting a decision.
	ApprovalsPending metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobsStarted, err = meter.Int64Counter("researchd.jobs.started",
		metric.WithDescription("Jobs claimed from the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter("researchd.jobs.completed",
		metric.WithDescription("Jobs reaching the completed phase"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsFailed, err = meter.Int64Counter("researchd.jobs.failed",
		metric.WithDescription("Jobs reaching the failed phase"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("researchd.job.duration",
		metric.WithDescription("Job wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("researchd.tool.calls",
		metric.WithDescription("Arbitrated tool invocations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("researchd.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("researchd.tokens.used",
		metric.WithDescription("Tokens attributed to research jobs"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointDuration, err = meter.Float64Histogram("researchd.checkpoint.duration",
		metric.WithDescription("Checkpoint capture latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveJobs, err = meter.Int64UpDownCounter("researchd.jobs.active",
		metric.WithDescription("Jobs currently leased by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsPending, err = meter.Int64UpDownCounter("researchd.approvals.pending",
		metric.WithDescription("Approval requests awaiting a decision"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
