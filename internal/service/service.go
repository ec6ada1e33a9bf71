// Package service is the submit/status/approve facade consumed by the API
// collaborator. It owns request validation and the approval-resolution
// protocol; everything durable goes through the persistence store.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/researchd/internal/job"
	"github.com/basket/researchd/internal/persistence"
)

// ErrNoApprovalPending mirrors the store sentinel for callers that only import
// the service layer.
var ErrNoApprovalPending = persistence.ErrNoApprovalPending

// ErrInvalidRequest flags submission payloads that fail validation.
var ErrInvalidRequest = errors.New("invalid request")

type Service struct {
	store  *persistence.Store
	logger *slog.Logger
}

func New(store *persistence.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// SubmitRequest is the job-submission payload.
type SubmitRequest struct {
	Task        string           `json:"task"`
	Constraints job.Constraints  `json:"constraints"`
	Policy      job.PolicyConfig `json:"policy"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Submit validates and enqueues a new research job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("%w: task is required", ErrInvalidRequest)
	}
	if req.Constraints.BudgetTokens < 0 {
		return nil, fmt.Errorf("%w: budget_tokens must be >= 0", ErrInvalidRequest)
	}
	if req.Constraints.TimeLimitMin < 0 {
		return nil, fmt.Errorf("%w: time_limit_min must be >= 0", ErrInvalidRequest)
	}
	for _, pat := range req.Policy.AllowedDomains {
		if strings.TrimSpace(pat) == "" {
			return nil, fmt.Errorf("%w: allowed_domains entries must be non-empty", ErrInvalidRequest)
		}
	}

	metadata := ""
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidRequest, err)
		}
		metadata = string(raw)
	}

	j := &job.Job{
		Task:        strings.TrimSpace(req.Task),
		Constraints: req.Constraints,
		Policy:      req.Policy,
		Metadata:    metadata,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("job submitted", "job_id", j.ID, "budget_tokens", req.Constraints.BudgetTokens)
	return &SubmitResponse{JobID: j.ID, Status: string(job.PhaseQueued), CreatedAt: j.CreatedAt}, nil
}

// StatusResponse reflects the latest durable state of a job. Result is present
// only once the job has one; a failed job carries its machine-readable reason
// plus human-readable detail.
type StatusResponse struct {
	JobID    string      `json:"job_id"`
	Status   string      `json:"status"`
	Progress float64     `json:"progress"`
	Reason   string      `json:"reason,omitempty"`
	Detail   string      `json:"detail,omitempty"`
	Result   *job.Result `json:"result,omitempty"`
}

// Status returns the current state of a job.
func (s *Service) Status(ctx context.Context, jobID string) (*StatusResponse, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{
		JobID:    j.ID,
		Status:   string(j.Phase),
		Progress: j.Progress,
		Reason:   string(j.Reason),
		Detail:   j.Detail,
		Result:   j.Result,
	}, nil
}

// History returns the job's audit trail, newest last.
func (s *Service) History(ctx context.Context, jobID string, limit int) ([]persistence.JobEvent, error) {
	return s.store.ListJobEvents(ctx, jobID, limit)
}

// ApprovalResolution is a human decision on a pending approval request.
type ApprovalResolution struct {
	JobID    string `json:"job_id"`
	Approver string `json:"approver"`
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// ResolveApproval applies a decision to the job's pending approval request.
// Approving moves the job back to its recorded resume phase so a worker can
// pick it up; denying fails the job with ApprovalDenied. Returns
// ErrNoApprovalPending when the job has nothing pending.
func (s *Service) ResolveApproval(ctx context.Context, res ApprovalResolution) error {
	if res.Approver == "" {
		return fmt.Errorf("%w: approver is required", ErrInvalidRequest)
	}
	decision := job.ApprovalDenied
	if res.Approved {
		decision = job.ApprovalApproved
	}
	req, err := s.store.ResolveApproval(ctx, res.JobID, decision, res.Approver, res.Comment)
	if err != nil {
		return err
	}
	s.logger.Info("approval resolved",
		"job_id", res.JobID,
		"approval_id", req.ID,
		"action", req.Action,
		"decision", string(decision),
		"approver", res.Approver)

	if decision == job.ApprovalDenied {
		detail := res.Comment
		if detail == "" {
			detail = fmt.Sprintf("approval for %s denied by %s", req.Action, res.Approver)
		}
		return s.store.FailJob(ctx, res.JobID, job.ReasonApprovalDenied, detail, nil)
	}

	// Approved: return the job to the phase the suspension recorded so a
	// worker lease resumes it there.
	cp, err := s.store.LatestCheckpoint(ctx, res.JobID)
	if err != nil {
		return fmt.Errorf("load resume checkpoint: %w", err)
	}
	st, err := job.DecodeState(cp.State)
	if err != nil {
		return fmt.Errorf("decode resume checkpoint: %w", err)
	}
	resumePhase := st.ResumePhase
	if resumePhase == "" {
		return fmt.Errorf("job %s has no recorded resume phase", res.JobID)
	}
	ok, err := s.store.TransitionPhase(ctx, res.JobID, resumePhase, "", "approval granted")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s not in waiting_approval", res.JobID)
	}
	return nil
}

// Cancel requests cooperative cancellation. A job that is not currently
// leased is cancelled immediately; a running job observes the flag at its
// next step boundary.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	ok, err := s.store.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is already terminal", jobID)
	}
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	unleased := j.LeaseOwner == "" ||
		(j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(time.Now()))
	if unleased {
		if _, err := s.store.CancelJob(ctx, jobID, "cancelled before execution"); err != nil {
			return err
		}
	}
	return nil
}

// PendingApprovals lists approval requests awaiting a decision.
func (s *Service) PendingApprovals(ctx context.Context) ([]job.ApprovalRequest, error) {
	return s.store.ListPendingApprovals(ctx)
}
