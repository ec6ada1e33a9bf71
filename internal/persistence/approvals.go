package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/researchd/internal/bus"
	"github.com/basket/researchd/internal/job"
	"github.com/google/uuid"
)

// CreateApproval records a pending approval request for a job. At most one
// pending request exists per job; creating a second fails.
func (s *Store) CreateApproval(ctx context.Context, req *job.ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Decision = job.ApprovalPending

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create approval tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var pending int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM approvals WHERE job_id = ? AND decision = ?;
		`, req.JobID, job.ApprovalPending).Scan(&pending); err != nil {
			return fmt.Errorf("count pending approvals: %w", err)
		}
		if pending > 0 {
			return fmt.Errorf("job %s already has a pending approval", req.JobID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (id, job_id, action, payload, reasoning, requester, decision, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, req.ID, req.JobID, req.Action, req.Payload, req.Reasoning, req.Requester, job.ApprovalPending); err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create approval tx: %w", err)
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicApprovalPending, map[string]any{
				"approval_id": req.ID,
				"job_id":      req.JobID,
				"action":      req.Action,
			})
		}
		return nil
	})
}

// GetApproval returns one approval request by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*job.ApprovalRequest, error) {
	req, err := s.scanApprovalRow(s.db.QueryRowContext(ctx, `
		SELECT id, job_id, action, payload, reasoning, requester, decision, approver, comment, created_at, decided_at
		FROM approvals
		WHERE id = ?;
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	return req, err
}

// PendingApproval returns the job's pending approval request,
// ErrNoApprovalPending when the job is not waiting on a decision.
func (s *Store) PendingApproval(ctx context.Context, jobID string) (*job.ApprovalRequest, error) {
	req, err := s.scanApprovalRow(s.db.QueryRowContext(ctx, `
		SELECT id, job_id, action, payload, reasoning, requester, decision, approver, comment, created_at, decided_at
		FROM approvals
		WHERE job_id = ? AND decision = ?
		ORDER BY created_at DESC
		LIMIT 1;
	`, jobID, job.ApprovalPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNoApprovalPending)
	}
	return req, err
}

// ResolveApproval records the human decision on a job's pending approval.
// Returns ErrNoApprovalPending when nothing is waiting.
func (s *Store) ResolveApproval(ctx context.Context, jobID string, decision job.ApprovalDecision, approver, comment string) (*job.ApprovalRequest, error) {
	if decision != job.ApprovalApproved && decision != job.ApprovalDenied {
		return nil, fmt.Errorf("invalid approval decision %q", decision)
	}
	var resolved *job.ApprovalRequest
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve approval tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		req, err := s.scanApprovalRow(tx.QueryRowContext(ctx, `
			SELECT id, job_id, action, payload, reasoning, requester, decision, approver, comment, created_at, decided_at
			FROM approvals
			WHERE job_id = ? AND decision = ?
			ORDER BY created_at DESC
			LIMIT 1;
		`, jobID, job.ApprovalPending))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %s: %w", jobID, ErrNoApprovalPending)
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE approvals
			SET decision = ?, approver = ?, comment = ?, decided_at = ?
			WHERE id = ? AND decision = ?;
		`, decision, approver, comment, now, req.ID, job.ApprovalPending); err != nil {
			return fmt.Errorf("update approval decision: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit resolve approval tx: %w", err)
		}
		req.Decision = decision
		req.Approver = approver
		req.Comment = comment
		req.DecidedAt = &now
		resolved = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicApprovalDecided, map[string]any{
			"approval_id": resolved.ID,
			"job_id":      jobID,
			"decision":    string(decision),
		})
	}
	return resolved, nil
}

// ListPendingApprovals returns all approvals awaiting a decision, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]job.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, action, payload, reasoning, requester, decision, approver, comment, created_at, decided_at
		FROM approvals
		WHERE decision = ?
		ORDER BY created_at ASC;
	`, job.ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []job.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanApprovalRow(row rowScanner) (*job.ApprovalRequest, error) {
	return scanApproval(row.Scan)
}

func scanApproval(scan func(dest ...any) error) (*job.ApprovalRequest, error) {
	var (
		req       job.ApprovalRequest
		decidedAt sql.NullTime
	)
	if err := scan(
		&req.ID, &req.JobID, &req.Action, &req.Payload, &req.Reasoning, &req.Requester,
		&req.Decision, &req.Approver, &req.Comment, &req.CreatedAt, &decidedAt,
	); err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	return &req, nil
}
