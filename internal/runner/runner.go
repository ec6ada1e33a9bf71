// Package runner drives one leased job through its phases: plan, execute
// subtask waves, reflect, report. Every slice of progress ends at a durable
// checkpoint; the runner can be killed at any point and a later run resumes
// without repeating recorded side effects.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/researchd/internal/job"
	"github.com/basket/researchd/internal/memory"
	rdotel "github.com/basket/researchd/internal/otel"
	"github.com/basket/researchd/internal/persistence"
	"github.com/basket/researchd/internal/policy"
	"github.com/basket/researchd/internal/report"
	"github.com/basket/researchd/internal/safety"
	"github.com/basket/researchd/internal/shared"
	"github.com/basket/researchd/internal/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/basket/researchd/internal/runner")

// Planner decomposes a task into subtasks. It is a pluggable capability,
// typically backed by a model client outside this module.
type Planner interface {
	// Plan produces the initial subtask plan for a job.
	Plan(ctx context.Context, j *job.Job) (*job.Plan, error)
	// Refine produces a smaller follow-up plan when reflection finds coverage
	// insufficient. An empty plan means there is nothing further worth doing.
	Refine(ctx context.Context, j *job.Job, st *job.State) (*job.Plan, error)
}

// Arbiter is the tool invocation surface the runner depends on.
// *tools.Registry satisfies it.
type Arbiter interface {
	Invoke(ctx context.Context, req tools.Request) (job.ToolCall, error)
}

// Outcome classifies how a run slice ended.
type Outcome string

const (
	// OutcomeCompleted: the job reached completed; result stored.
	OutcomeCompleted Outcome = "completed"
	// OutcomeSuspended: the job is waiting on a human approval decision.
	OutcomeSuspended Outcome = "suspended"
	// OutcomeFailed: the job reached the failed terminal phase.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled: a cancellation request was honored at a step boundary.
	OutcomeCancelled Outcome = "cancelled"
)

// Config tunes the runner. Zero values select defaults.
type Config struct {
	// SubtaskConcurrency bounds concurrent subtasks within one job. Default 4.
	SubtaskConcurrency int
	// JoinTimeout bounds one executing wave; subtasks still pending when it
	// fires are failed with JoinTimeout. Default 2m.
	JoinTimeout time.Duration
	// ReplanDepth bounds reflecting -> executing cycles. Default 2.
	ReplanDepth int
	// Metrics receives per-call and per-checkpoint measurements. Nil skips
	// recording.
	Metrics *rdotel.Metrics
	Logger  *slog.Logger
}

const (
	defaultSubtaskConcurrency = 4
	defaultJoinTimeout        = 2 * time.Minute
	defaultReplanDepth        = 2
)

type Runner struct {
	store   *persistence.Store
	arbiter Arbiter
	mem     *memory.Manager
	planner Planner
	cfg     Config
	logger  *slog.Logger
}

func New(store *persistence.Store, arbiter Arbiter, mem *memory.Manager, planner Planner, cfg Config) *Runner {
	if cfg.SubtaskConcurrency <= 0 {
		cfg.SubtaskConcurrency = defaultSubtaskConcurrency
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.ReplanDepth <= 0 {
		cfg.ReplanDepth = defaultReplanDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, arbiter: arbiter, mem: mem, planner: planner, cfg: cfg, logger: logger}
}

// Run drives a leased job until it completes, fails, suspends for approval,
// or observes a cancellation request. A returned error means an
// infrastructure failure the worker should route through retry handling;
// job-level failures are recorded on the job and return OutcomeFailed with a
// nil error.
func (r *Runner) Run(ctx context.Context, j *job.Job) (Outcome, error) {
	ctx = shared.WithJobID(ctx, j.ID)
	logger := r.logger.With("job_id", j.ID)

	st, outcome, err := r.loadState(ctx, j, logger)
	if st == nil {
		return outcome, err
	}

	// A resolved approval carried in the state unlocks the gated action.
	approvedPayload, outcome, err := r.consumeApproval(ctx, j, st)
	if outcome != "" || err != nil {
		return outcome, err
	}

	for {
		cancelled, err := r.store.IsCancelRequested(ctx, j.ID)
		if err != nil {
			return "", fmt.Errorf("read cancel flag: %w", err)
		}
		if cancelled {
			if err := r.checkpoint(ctx, j, st); err != nil {
				return "", err
			}
			if _, err := r.store.CancelJob(ctx, j.ID, "cancel requested"); err != nil {
				return "", err
			}
			r.releaseMemory(ctx, j.ID)
			return OutcomeCancelled, nil
		}

		current, err := r.store.GetJob(ctx, j.ID)
		if err != nil {
			return "", err
		}
		phase := current.Phase

		if phase == job.PhaseExecuting || phase == job.PhaseReflecting {
			if exceeded, o, err := r.enforceBudget(ctx, j, st, phase); exceeded {
				if o != "" || err != nil {
					return o, err
				}
				continue // moved to reporting with partial results
			}
		}

		switch phase {
		case job.PhaseQueued:
			if ok, err := r.transition(ctx, j.ID, job.PhasePlanning, "", ""); err != nil || !ok {
				return "", fmt.Errorf("enter planning (ok=%v): %w", ok, err)
			}

		case job.PhasePlanning:
			o, err := r.plan(ctx, j, st, logger)
			if o != "" || err != nil {
				return o, err
			}

		case job.PhaseExecuting:
			o, err := r.execute(ctx, j, st, approvedPayload, logger)
			if o != "" || err != nil {
				return o, err
			}
			approvedPayload = ""

		case job.PhaseReflecting:
			o, err := r.reflect(ctx, j, st, logger)
			if o != "" || err != nil {
				return o, err
			}

		case job.PhaseReporting:
			return r.reportPhase(ctx, j, st, approvedPayload, logger)

		case job.PhaseWaitingApproval:
			return OutcomeSuspended, nil

		case job.PhaseCompleted:
			return OutcomeCompleted, nil
		case job.PhaseFailed:
			return OutcomeFailed, nil
		case job.PhaseCancelled:
			return OutcomeCancelled, nil

		default:
			return "", fmt.Errorf("job %s in unknown phase %q", j.ID, phase)
		}
	}
}

// loadState resumes from the latest checkpoint, or starts fresh. Version
// mismatches and corrupt blobs fail the job rather than guessing.
func (r *Runner) loadState(ctx context.Context, j *job.Job, logger *slog.Logger) (*job.State, Outcome, error) {
	cp, err := r.store.LatestCheckpoint(ctx, j.ID)
	if errors.Is(err, persistence.ErrNoCheckpoint) {
		return job.NewState(time.Now()), "", nil
	}
	if err != nil {
		return nil, "", err
	}
	st, err := job.DecodeState(cp.State)
	if err != nil {
		reason := job.ReasonCheckpointCorruption
		if errors.Is(err, job.ErrStateVersionMismatch) {
			reason = job.ReasonChkVersionMismatch
		}
		logger.Error("checkpoint unusable", "seq", cp.Seq, "error", err.Error())
		if failErr := r.store.FailJob(ctx, j.ID, reason, err.Error(), nil); failErr != nil {
			return nil, "", failErr
		}
		return nil, OutcomeFailed, nil
	}
	logger.Info("resumed from checkpoint", "seq", cp.Seq, "phase", string(cp.Phase))
	return st, "", nil
}

// consumeApproval resolves a pending approval reference carried in the state.
// An approved decision yields the payload the approval covers; a still-pending
// one keeps the job suspended.
func (r *Runner) consumeApproval(ctx context.Context, j *job.Job, st *job.State) (string, Outcome, error) {
	if st.PendingApprovalID == "" {
		return "", "", nil
	}
	req, err := r.store.GetApproval(ctx, st.PendingApprovalID)
	if errors.Is(err, persistence.ErrNotFound) {
		st.PendingApprovalID = ""
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	switch req.Decision {
	case job.ApprovalApproved:
		st.PendingApprovalID = ""
		return req.Payload, "", nil
	case job.ApprovalDenied:
		if err := r.store.FailJob(ctx, j.ID, job.ReasonApprovalDenied, req.Comment, nil); err != nil {
			return "", "", err
		}
		return "", OutcomeFailed, nil
	default:
		return "", OutcomeSuspended, nil
	}
}

// enforceBudget is the step-boundary constraint check. Exceeding tokens or
// wall-clock time routes to reporting with partial results when policy allows
// it, otherwise fails the job with BudgetExceeded.
func (r *Runner) enforceBudget(ctx context.Context, j *job.Job, st *job.State, phase job.Phase) (bool, Outcome, error) {
	overTokens := j.Constraints.BudgetTokens > 0 && st.TokensUsed >= j.Constraints.BudgetTokens
	limit := j.Constraints.TimeLimit()
	overTime := limit > 0 && time.Since(st.StartedAt) >= limit
	if !overTokens && !overTime {
		return false, "", nil
	}
	detail := "token budget exhausted"
	if overTime {
		detail = "time limit exceeded"
	}
	if j.Policy.AllowPartial {
		st.Partial = true
		if err := r.checkpoint(ctx, j, st); err != nil {
			return true, "", err
		}
		if ok, err := r.transition(ctx, j.ID, job.PhaseReporting, job.ReasonBudgetExceeded, detail); err != nil || !ok {
			return true, "", fmt.Errorf("enter reporting on budget (ok=%v): %w", ok, err)
		}
		return true, "", nil
	}
	if err := r.store.FailJob(ctx, j.ID, job.ReasonBudgetExceeded, detail, nil); err != nil {
		return true, "", err
	}
	r.releaseMemory(ctx, j.ID)
	return true, OutcomeFailed, nil
}

func (r *Runner) plan(ctx context.Context, j *job.Job, st *job.State, logger *slog.Logger) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "runner.plan", trace.WithAttributes(attribute.String("job.id", j.ID)))
	defer span.End()

	if st.Plan == nil {
		plan, err := r.planner.Plan(ctx, j)
		if err != nil {
			logger.Warn("planning failed", "error", err.Error())
			if failErr := r.store.FailJob(ctx, j.ID, job.ReasonPlanningError, err.Error(), nil); failErr != nil {
				return "", failErr
			}
			return OutcomeFailed, nil
		}
		normalizePlan(plan)
		st.Plan = plan
		logger.Info("plan produced", "subtasks", len(plan.Subtasks))
	}
	if err := r.checkpoint(ctx, j, st); err != nil {
		return "", err
	}
	if ok, err := r.transition(ctx, j.ID, job.PhaseExecuting, "", ""); err != nil || !ok {
		return "", fmt.Errorf("enter executing (ok=%v): %w", ok, err)
	}
	return "", nil
}

func normalizePlan(plan *job.Plan) {
	for i := range plan.Subtasks {
		if plan.Subtasks[i].ID == "" {
			plan.Subtasks[i].ID = fmt.Sprintf("s%d", i+1)
		}
		if plan.Subtasks[i].Status == "" {
			plan.Subtasks[i].Status = job.SubtaskPending
		}
	}
}

func (r *Runner) execute(ctx context.Context, j *job.Job, st *job.State, approvedPayload string, logger *slog.Logger) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "runner.execute", trace.WithAttributes(attribute.String("job.id", j.ID)))
	defer span.End()

	if st.Plan == nil {
		if err := r.store.FailJob(ctx, j.ID, job.ReasonCheckpointCorruption, "executing phase with no plan in state", nil); err != nil {
			return "", err
		}
		return OutcomeFailed, nil
	}

	suspendOn, err := r.executeWave(ctx, j, st, approvedPayload, logger)
	if err != nil {
		return "", err
	}

	if err := r.checkpoint(ctx, j, st); err != nil {
		return "", err
	}
	if err := r.store.UpdateProgress(ctx, j.ID, st.Progress()); err != nil {
		return "", err
	}

	if suspendOn != nil {
		return r.suspend(ctx, j, st, job.PhaseExecuting, policy.ActionToolCall, suspendOn.ID,
			fmt.Sprintf("tool call %s for subtask %s requires approval", suspendOn.Tool, suspendOn.ID))
	}

	// Critical-path failure propagates to the job.
	for _, sub := range st.Plan.Subtasks {
		if sub.Status == job.SubtaskFailed && sub.Critical {
			if err := r.store.FailJob(ctx, j.ID, job.ReasonCriticalSubtaskFailed,
				fmt.Sprintf("critical subtask %s: %s", sub.ID, sub.Error), nil); err != nil {
				return "", err
			}
			r.releaseMemory(ctx, j.ID)
			return OutcomeFailed, nil
		}
	}

	if st.AllSubtasksTerminal() {
		if ok, err := r.transition(ctx, j.ID, job.PhaseReflecting, "", ""); err != nil || !ok {
			return "", fmt.Errorf("enter reflecting (ok=%v): %w", ok, err)
		}
	}
	return "", nil
}

type waveResult struct {
	idx  int
	call job.ToolCall
	err  error
}

// executeWave dispatches all pending subtasks concurrently up to the per-job
// limit and joins on completion or the join timeout. Subtasks whose tool call
// is already recorded as succeeded are skipped, never re-dispatched.
func (r *Runner) executeWave(ctx context.Context, j *job.Job, st *job.State, approvedPayload string, logger *slog.Logger) (*job.Subtask, error) {
	var pending []int
	for i := range st.Plan.Subtasks {
		sub := &st.Plan.Subtasks[i]
		if sub.Status.Terminal() {
			continue
		}
		if st.SucceededToolCall(sub.Tool, sub.Input) {
			// Resume idempotence: the recorded call stands in for re-execution.
			prior := st.FindToolCall(sub.Tool, sub.Input)
			sub.Status = job.SubtaskSucceeded
			sub.Result = prior.Output
			r.attachFinding(ctx, j.ID, st, sub, prior)
			continue
		}
		if seen, err := r.store.SeenToolCall(ctx, j.ID, sub.Tool, sub.Input); err == nil && seen {
			// The call executed before a crash landed its checkpoint. The output
			// is lost but the side effect happened; never repeat it.
			sub.Status = job.SubtaskSucceeded
			logger.Warn("tool call output lost to crash window, skipping re-dispatch",
				"subtask", sub.ID, "tool", sub.Tool)
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	waveCtx, cancelWave := context.WithCancel(ctx)
	defer cancelWave()

	sem := make(chan struct{}, r.cfg.SubtaskConcurrency)
	results := make(chan waveResult, len(pending))
	var wg sync.WaitGroup
	for _, idx := range pending {
		sub := &st.Plan.Subtasks[idx]
		sub.Status = job.SubtaskRunning
		wg.Add(1)
		go func(idx int, sub job.Subtask) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-waveCtx.Done():
				results <- waveResult{idx: idx, err: waveCtx.Err()}
				return
			}
			callCtx := shared.WithSubtaskID(waveCtx, sub.ID)
			maxAttempts := 0
			if sub.MaxRetries > 0 {
				maxAttempts = sub.MaxRetries + 1
			}
			call, err := r.arbiter.Invoke(callCtx, tools.Request{
				Tool:         sub.Tool,
				Input:        sub.Input,
				TargetDomain: sub.TargetDomain,
				Policy:       j.Policy,
				Approved:     approvedPayload != "" && approvedPayload == sub.ID,
				MaxAttempts:  maxAttempts,
			})
			results <- waveResult{idx: idx, call: call, err: err}
		}(idx, *sub)
	}

	joinTimer := time.NewTimer(r.cfg.JoinTimeout)
	defer joinTimer.Stop()

	var suspendOn *job.Subtask
	received := 0
	timedOut := false
	for received < len(pending) && !timedOut {
		select {
		case res := <-results:
			received++
			sub := &st.Plan.Subtasks[res.idx]
			r.applyResult(ctx, j, st, sub, res, &suspendOn, logger)
		case <-joinTimer.C:
			timedOut = true
			cancelWave()
		case <-ctx.Done():
			cancelWave()
			wg.Wait()
			return nil, ctx.Err()
		}
	}
	if timedOut {
		// Drain what already finished, then fail the stragglers.
		wg.Wait()
		close(results)
		for res := range results {
			sub := &st.Plan.Subtasks[res.idx]
			r.applyResult(ctx, j, st, sub, res, &suspendOn, logger)
		}
		for i := range st.Plan.Subtasks {
			sub := &st.Plan.Subtasks[i]
			if sub.Status == job.SubtaskRunning {
				sub.Status = job.SubtaskFailed
				sub.FailReason = job.ReasonJoinTimeout
				sub.Error = "subtask still pending at join timeout"
				logger.Warn("subtask join timeout", "subtask", sub.ID)
			}
		}
	} else {
		wg.Wait()
	}
	return suspendOn, nil
}

func (r *Runner) applyResult(ctx context.Context, j *job.Job, st *job.State, sub *job.Subtask, res waveResult, suspendOn **job.Subtask, logger *slog.Logger) {
	if res.err != nil && errors.Is(res.err, context.Canceled) {
		// Cancelled by the join timeout; the timeout pass marks it.
		return
	}
	if res.err != nil && errors.Is(res.err, tools.ErrApprovalRequired) {
		// Back to pending; the wave suspends and the subtask re-dispatches
		// after the decision.
		sub.Status = job.SubtaskPending
		if *suspendOn == nil {
			*suspendOn = sub
		}
		return
	}
	if res.call.Tool != "" || res.err == nil {
		st.ToolCalls = append(st.ToolCalls, res.call)
		st.TokensUsed += res.call.TokensUsed
		if r.cfg.Metrics != nil && res.call.Tool != "" {
			r.cfg.Metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
				rdotel.AttrToolName.String(res.call.Tool),
				rdotel.AttrToolOutcome.String(string(res.call.Outcome))))
			r.cfg.Metrics.ToolCallDuration.Record(ctx, float64(res.call.DurationMs)/1000,
				metric.WithAttributes(rdotel.AttrToolName.String(res.call.Tool)))
			if res.call.TokensUsed > 0 {
				r.cfg.Metrics.TokensUsed.Add(ctx, int64(res.call.TokensUsed))
			}
		}
	}
	sub.Retries = res.call.Attempts
	if res.err == nil {
		sub.Status = job.SubtaskSucceeded
		sub.Result = res.call.Output
		if err := r.store.RecordToolCall(ctx, j.ID, sub.Tool, sub.Input); err != nil {
			logger.Warn("tool call dedup record failed", "subtask", sub.ID, "error", err.Error())
		}
		r.attachFinding(ctx, j.ID, st, sub, &res.call)
		return
	}
	sub.Status = job.SubtaskFailed
	sub.Error = res.err.Error()
	if errors.Is(res.err, tools.ErrDenied) {
		sub.FailReason = job.ReasonPolicyViolation
	}
	logger.Warn("subtask failed", "subtask", sub.ID, "tool", sub.Tool, "error", res.err.Error())
}

// attachFinding records a succeeded subtask as a verified finding and mirrors
// it into both memory tiers.
func (r *Runner) attachFinding(ctx context.Context, jobID string, st *job.State, sub *job.Subtask, call *job.ToolCall) {
	for _, f := range st.Findings {
		if f.SubtaskID == sub.ID {
			return
		}
	}
	data, leaks := safety.Scrub(call.Output)
	if len(leaks) > 0 {
		r.logger.Warn("scrubbed leaked secrets from tool output",
			"job_id", jobID, "subtask", sub.ID, "patterns", safety.Describe(leaks))
	}
	finding := job.Finding{
		SubtaskID: sub.ID,
		Summary:   sub.Description,
		Data:      data,
		Citations: call.Citations,
		Verified:  len(call.Citations) > 0,
	}
	st.Findings = append(st.Findings, finding)
	if r.mem != nil {
		if err := r.mem.Remember(ctx, jobID, "finding:"+sub.ID, data); err != nil {
			r.logger.Warn("short-term memory write failed", "job_id", jobID, "error", err.Error())
		}
		if finding.Verified {
			if err := r.mem.Record(ctx, jobID, sub.Description, data); err != nil {
				r.logger.Warn("long-term memory write failed", "job_id", jobID, "error", err.Error())
			}
		}
	}
}

// reflect decides whether gathered evidence is sufficient to report, needs
// another bounded planning cycle, or exhausts the job.
func (r *Runner) reflect(ctx context.Context, j *job.Job, st *job.State, logger *slog.Logger) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "runner.reflect", trace.WithAttributes(attribute.String("job.id", j.ID)))
	defer span.End()

	citations := len(st.Citations())
	claims := len(st.Findings)
	if policy.CitationsSufficient(j.Policy, citations, claims) {
		if err := r.checkpoint(ctx, j, st); err != nil {
			return "", err
		}
		if ok, err := r.transition(ctx, j.ID, job.PhaseReporting, "", ""); err != nil || !ok {
			return "", fmt.Errorf("enter reporting (ok=%v): %w", ok, err)
		}
		return "", nil
	}

	if st.ReplanCycles >= r.cfg.ReplanDepth {
		if j.Policy.AllowPartial {
			st.Partial = true
			if err := r.checkpoint(ctx, j, st); err != nil {
				return "", err
			}
			if ok, err := r.transition(ctx, j.ID, job.PhaseReporting, job.ReasonReplanDepthExceeded, "replan depth reached with partial evidence"); err != nil || !ok {
				return "", fmt.Errorf("enter reporting partial (ok=%v): %w", ok, err)
			}
			return "", nil
		}
		if err := r.store.FailJob(ctx, j.ID, job.ReasonReplanDepthExceeded,
			fmt.Sprintf("citations %d below required floor after %d replan cycles", citations, st.ReplanCycles), nil); err != nil {
			return "", err
		}
		r.releaseMemory(ctx, j.ID)
		return OutcomeFailed, nil
	}

	refined, err := r.planner.Refine(ctx, j, st)
	if err != nil {
		logger.Warn("refinement failed", "error", err.Error())
		if failErr := r.store.FailJob(ctx, j.ID, job.ReasonPlanningError, err.Error(), nil); failErr != nil {
			return "", failErr
		}
		return OutcomeFailed, nil
	}
	if refined == nil || len(refined.Subtasks) == 0 {
		// Nothing more worth doing; report what we have if policy permits.
		if j.Policy.AllowPartial {
			st.Partial = true
			if err := r.checkpoint(ctx, j, st); err != nil {
				return "", err
			}
			if ok, err := r.transition(ctx, j.ID, job.PhaseReporting, "", "no further refinement available"); err != nil || !ok {
				return "", fmt.Errorf("enter reporting (ok=%v): %w", ok, err)
			}
			return "", nil
		}
		if err := r.store.FailJob(ctx, j.ID, job.ReasonPolicyViolation,
			fmt.Sprintf("citations %d below required floor and no refinement available", citations), nil); err != nil {
			return "", err
		}
		r.releaseMemory(ctx, j.ID)
		return OutcomeFailed, nil
	}

	// Revised subtasks join the plan under fresh ids.
	for i, sub := range refined.Subtasks {
		sub.ID = fmt.Sprintf("r%d-%d", st.ReplanCycles+1, i+1)
		sub.Status = job.SubtaskPending
		st.Plan.Subtasks = append(st.Plan.Subtasks, sub)
	}
	st.ReplanCycles++
	logger.Info("replanning", "cycle", st.ReplanCycles, "added_subtasks", len(refined.Subtasks))

	if err := r.checkpoint(ctx, j, st); err != nil {
		return "", err
	}
	if ok, err := r.transition(ctx, j.ID, job.PhaseExecuting, "", ""); err != nil || !ok {
		return "", fmt.Errorf("re-enter executing (ok=%v): %w", ok, err)
	}
	return "", nil
}

const reportExportPayload = "report_export"

func (r *Runner) reportPhase(ctx context.Context, j *job.Job, st *job.State, approvedPayload string, logger *slog.Logger) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "runner.report", trace.WithAttributes(attribute.String("job.id", j.ID)))
	defer span.End()

	dec := policy.Evaluate(j.Policy, policy.Action{Type: policy.ActionReportExport})
	if dec.Effect == policy.RequireApproval && approvedPayload != reportExportPayload {
		return r.suspend(ctx, j, st, job.PhaseReporting, policy.ActionReportExport, reportExportPayload,
			"report export requires human approval")
	}

	result := report.Assemble(j, st, time.Now())
	if err := r.checkpoint(ctx, j, st); err != nil {
		return "", err
	}
	if err := r.store.CompleteJob(ctx, j.ID, result); err != nil {
		return "", err
	}
	r.releaseMemory(ctx, j.ID)
	logger.Info("job completed",
		"findings", len(result.Findings),
		"citations", len(result.Citations),
		"partial", result.Partial,
		"tokens_used", st.TokensUsed)
	return OutcomeCompleted, nil
}

// suspend raises an approval request, records the resume point in the state,
// and parks the job in waiting_approval.
func (r *Runner) suspend(ctx context.Context, j *job.Job, st *job.State, resumePhase job.Phase, action, payload, reasoning string) (Outcome, error) {
	req := &job.ApprovalRequest{
		JobID:     j.ID,
		Action:    action,
		Payload:   payload,
		Reasoning: reasoning,
		Requester: shared.WorkerID(ctx),
	}
	if err := r.store.CreateApproval(ctx, req); err != nil {
		return "", err
	}
	st.ResumePhase = resumePhase
	st.PendingApprovalID = req.ID
	if err := r.checkpoint(ctx, j, st); err != nil {
		return "", err
	}
	if ok, err := r.transition(ctx, j.ID, job.PhaseWaitingApproval, "", reasoning); err != nil || !ok {
		return "", fmt.Errorf("enter waiting_approval (ok=%v): %w", ok, err)
	}
	r.logger.Info("job suspended for approval", "job_id", j.ID, "approval_id", req.ID, "action", action)
	return OutcomeSuspended, nil
}

func (r *Runner) transition(ctx context.Context, jobID string, to job.Phase, reason job.Reason, detail string) (bool, error) {
	return r.store.TransitionPhase(ctx, jobID, to, reason, detail)
}

func (r *Runner) checkpoint(ctx context.Context, j *job.Job, st *job.State) error {
	current, err := r.store.GetJob(ctx, j.ID)
	if err != nil {
		return err
	}
	blob, err := st.Encode()
	if err != nil {
		return err
	}
	start := time.Now()
	seq, err := r.store.CaptureCheckpoint(ctx, j.ID, current.Phase, blob)
	if err != nil {
		return err
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.CheckpointDuration.Record(ctx, time.Since(start).Seconds())
	}
	r.logger.Debug("checkpoint captured", "job_id", j.ID, "seq", seq, "phase", string(current.Phase))
	return nil
}

func (r *Runner) releaseMemory(ctx context.Context, jobID string) {
	if r.mem != nil {
		if err := r.mem.ReleaseJob(ctx, jobID); err != nil {
			r.logger.Warn("release job memory", "job_id", jobID, "error", err.Error())
		}
	}
	if _, err := r.store.ClearToolCallDedup(ctx, jobID); err != nil {
		r.logger.Warn("clear tool call dedup", "job_id", jobID, "error", err.Error())
	}
}
