// Package worker runs the claim-and-execute loop: a fixed pool of workers
// polls the store for runnable jobs, leases them, and drives each through the
// runner. Infrastructure failures route through the store's retry handling;
// everything job-semantic is the runner's business.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/researchd/internal/bus"
	"github.com/basket/researchd/internal/job"
	"github.com/basket/researchd/internal/persistence"
	"github.com/basket/researchd/internal/runner"
	"github.com/basket/researchd/internal/shared"
)

// JobRunner is the per-job execution surface the pool depends on.
// *runner.Runner satisfies it.
type JobRunner interface {
	Run(ctx context.Context, j *job.Job) (runner.Outcome, error)
}

// Config tunes the pool. Zero values select defaults.
type Config struct {
	// WorkerCount is the number of concurrent claim loops. Default 4.
	WorkerCount int
	// PollInterval is the idle sleep between claim attempts. Default 500ms.
	PollInterval time.Duration
	// JobTimeout bounds one run slice of a claimed job. Default 10m.
	JobTimeout time.Duration
	// HeartbeatInterval is the lease renewal cadence. Default 10s.
	HeartbeatInterval time.Duration
	Bus               *bus.Bus
	Logger            *slog.Logger
}

const (
	defaultWorkerCount       = 4
	defaultPollInterval      = 500 * time.Millisecond
	defaultJobTimeout        = 10 * time.Minute
	defaultHeartbeatInterval = 10 * time.Second
)

// Status is a point-in-time snapshot of the pool.
type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveJobs  int32  `json:"active_jobs"`
	LastError   string `json:"last_error,omitempty"`
}

type Pool struct {
	store  *persistence.Store
	runner JobRunner
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	activeJobs atomic.Int32
	lastError  atomic.Pointer[string]
}

func New(store *persistence.Store, jr JobRunner, cfg Config) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:  store,
		runner: jr,
		cfg:    cfg,
		bus:    cfg.Bus,
		logger: logger,
	}
}

// Start launches the worker loops. Safe to call once; subsequent calls are
// no-ops. Loops exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		if n, err := p.store.RequeueExpiredLeases(ctx); err != nil {
			p.logger.Error("startup lease recovery failed", "error", err.Error())
		} else if n > 0 {
			p.logger.Info("recovered expired leases on startup", "count", n)
		}
		for i := 0; i < p.cfg.WorkerCount; i++ {
			workerID := fmt.Sprintf("%s-w%d", hostname(), i+1)
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.worker(ctx, workerID)
			}()
		}
	})
}

// Wait blocks until every worker loop has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Drain waits for in-flight jobs to reach their next checkpoint within the
// timeout. Jobs still leased after that are recovered by lease expiry on the
// next startup.
func (p *Pool) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool drained cleanly")
	case <-time.After(timeout):
		p.logger.Warn("worker pool drain timeout; leased jobs recover via lease expiry", "timeout", timeout.String())
	}
}

func (p *Pool) worker(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	logger := p.logger.With("worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := p.store.RequeueExpiredLeases(ctx); err != nil {
			p.setLastError(fmt.Errorf("requeue expired leases: %w", err))
		}

		j, err := p.store.ClaimNextRunnableJob(ctx, workerID)
		if err != nil {
			p.setLastError(err)
		}
		if err != nil || j == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		p.handleJob(ctx, workerID, j, logger)
	}
}

func (p *Pool) handleJob(ctx context.Context, workerID string, j *job.Job, logger *slog.Logger) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithWorkerID(ctx, workerID)
	logger.Info("job claimed", "job_id", j.ID, "phase", string(j.Phase), "trace_id", traceID)

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	p.activeJobs.Add(1)
	defer p.activeJobs.Add(-1)

	// Lease renewal for the duration of the slice. The runner observes the
	// cancel flag itself at step boundaries; losing the lease cancels the
	// slice so two workers never drive the same job.
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		hb := time.NewTicker(p.cfg.HeartbeatInterval)
		defer hb.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-hb.C:
				ok, err := p.store.HeartbeatLease(context.Background(), j.ID, workerID)
				if err != nil {
					p.setLastError(fmt.Errorf("lease heartbeat: %w", err))
					continue
				}
				if !ok {
					p.setLastError(fmt.Errorf("lease heartbeat rejected for job %s", j.ID))
					cancel()
					return
				}
			}
		}
	}()

	outcome, err := p.runner.Run(jobCtx, j)
	cancel()
	<-hbDone

	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("job slice timeout: %w", err)
		}
		p.setLastError(err)
		decision, hfErr := p.store.HandleJobFailure(context.Background(), j.ID, err.Error())
		if hfErr != nil {
			p.setLastError(fmt.Errorf("handle job failure: %w", hfErr))
			return
		}
		logger.Warn("job slice failed",
			"job_id", j.ID,
			"outcome", string(decision.Outcome),
			"attempt", decision.Attempt,
			"reason_code", decision.ReasonCode,
			"error", err.Error())
		return
	}

	logger.Info("job slice finished", "job_id", j.ID, "outcome", string(outcome))
	p.publish("worker.job_done", map[string]string{
		"job_id":    j.ID,
		"worker_id": workerID,
		"outcome":   string(outcome),
	})
}

func (p *Pool) publish(topic string, payload map[string]string) {
	if p.bus != nil {
		p.bus.Publish(topic, payload)
	}
}

func (p *Pool) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	p.lastError.Store(&msg)
}

// Status reports a snapshot of the pool.
func (p *Pool) Status() Status {
	st := Status{
		WorkerCount: p.cfg.WorkerCount,
		ActiveJobs:  p.activeJobs.Load(),
	}
	if ptr := p.lastError.Load(); ptr != nil {
		st.LastError = *ptr
	}
	return st
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "researchd"
	}
	return h
}
