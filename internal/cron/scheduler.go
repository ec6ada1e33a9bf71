// Package cron runs the daemon's periodic maintenance: expired-lease requeue,
// short-term memory sweep, checkpoint pruning for terminal jobs, and optional
// database backups, each on its own cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/researchd/internal/job"
	"github.com/basket/researchd/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the scheduler's dependencies and schedules.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger
	// Interval is the tick resolution. Default 1 minute.
	Interval time.Duration

	// SweepSchedule fires the lease/memory sweep. Default every minute.
	SweepSchedule string
	// BackupSchedule fires a VACUUM INTO backup. Empty disables backups.
	BackupSchedule string
	// BackupDir receives timestamped backup files.
	BackupDir string
	// CheckpointKeep is how many checkpoints to retain per terminal job during
	// the sweep. 0 disables pruning.
	CheckpointKeep int
}

type task struct {
	name     string
	schedule cronlib.Schedule
	nextRun  time.Time
	run      func(ctx context.Context) error
}

// Scheduler ticks at a fixed resolution and fires due maintenance tasks.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration
	tasks    []*task

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler from the config. Invalid cron expressions
// fail construction rather than silently never firing.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}

	sweepExpr := cfg.SweepSchedule
	if sweepExpr == "" {
		sweepExpr = "* * * * *"
	}
	if err := s.addTask("sweep", sweepExpr, func(ctx context.Context) error {
		return s.sweep(ctx, cfg.CheckpointKeep)
	}); err != nil {
		return nil, err
	}

	if cfg.BackupSchedule != "" {
		dir := cfg.BackupDir
		if dir == "" {
			dir = "."
		}
		if err := s.addTask("backup", cfg.BackupSchedule, func(ctx context.Context) error {
			dest := filepath.Join(dir, fmt.Sprintf("researchd-%s.db", time.Now().UTC().Format("20060102-150405")))
			return s.store.Backup(ctx, dest)
		}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Scheduler) addTask(name, expr string, run func(ctx context.Context) error) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse %s schedule %q: %w", name, expr, err)
	}
	s.tasks = append(s.tasks, &task{
		name:     name,
		schedule: sched,
		nextRun:  sched.Next(time.Now()),
		run:      run,
	})
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval.String(), "tasks", len(s.tasks))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run the sweep once at startup, then on schedule.
	s.fire(ctx, s.tasks[0])

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, t := range s.tasks {
				if now.Before(t.nextRun) {
					continue
				}
				s.fire(ctx, t)
				t.nextRun = t.schedule.Next(now)
			}
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, t *task) {
	if err := t.run(ctx); err != nil {
		s.logger.Error("maintenance task failed", "task", t.name, "error", err.Error())
		return
	}
	s.logger.Debug("maintenance task ran", "task", t.name)
}

// sweep is the core maintenance pass: requeue lapsed leases, drop expired
// short-term memory, and prune old checkpoints on terminal jobs.
func (s *Scheduler) sweep(ctx context.Context, checkpointKeep int) error {
	requeued, err := s.store.RequeueExpiredLeases(ctx)
	if err != nil {
		return fmt.Errorf("requeue expired leases: %w", err)
	}
	swept, err := s.store.SweepExpiredShortTerm(ctx)
	if err != nil {
		return fmt.Errorf("sweep short-term memory: %w", err)
	}

	var pruned int64
	if checkpointKeep > 0 {
		for _, phase := range []job.Phase{job.PhaseCompleted, job.PhaseFailed, job.PhaseCancelled} {
			jobs, err := s.store.ListJobs(ctx, phase, 100)
			if err != nil {
				return fmt.Errorf("list %s jobs: %w", phase, err)
			}
			for _, j := range jobs {
				n, err := s.store.PruneCheckpoints(ctx, j.ID, checkpointKeep)
				if err != nil {
					return fmt.Errorf("prune checkpoints for %s: %w", j.ID, err)
				}
				pruned += n
			}
		}
	}

	if requeued > 0 || swept > 0 || pruned > 0 {
		s.logger.Info("maintenance sweep",
			"leases_requeued", requeued,
			"memory_swept", swept,
			"checkpoints_pruned", pruned)
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
