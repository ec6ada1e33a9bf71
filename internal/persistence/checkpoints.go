package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/researchd/internal/bus"
	"github.com/basket/researchd/internal/job"
)

// Checkpoint is one durable snapshot of a job's working state. Sequence
// numbers are monotonic per job; the latest checkpoint is the resume point.
type Checkpoint struct {
	JobID      string    `json:"job_id"`
	Seq        int64     `json:"seq"`
	Phase      job.Phase `json:"phase"`
	State      []byte    `json:"-"`
	CapturedAt time.Time `json:"captured_at"`
}

// CaptureCheckpoint persists the encoded state under the next sequence number
// for the job. Capture and sequence allocation happen in one transaction, so
// two workers racing on a stale lease cannot interleave sequence numbers.
func (s *Store) CaptureCheckpoint(ctx context.Context, jobID string, phase job.Phase, stateBlob []byte) (int64, error) {
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin checkpoint tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE job_id = ?;
		`, jobID).Scan(&seq); err != nil {
			return fmt.Errorf("allocate checkpoint seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (job_id, seq, phase, state_blob, captured_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, jobID, seq, phase, stateBlob); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, "job.checkpoint", phase, phase,
			fmt.Sprintf(`{"seq":%d}`, seq)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicJobCheckpoint, bus.CheckpointEvent{
			JobID: jobID,
			Seq:   seq,
			Phase: string(phase),
		})
	}
	return seq, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a job,
// ErrNoCheckpoint when none exists.
func (s *Store) LatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, seq, phase, state_blob, captured_at
		FROM checkpoints
		WHERE job_id = ?
		ORDER BY seq DESC
		LIMIT 1;
	`, jobID).Scan(&cp.JobID, &cp.Seq, &cp.Phase, &cp.State, &cp.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNoCheckpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return &cp, nil
}

// ListCheckpoints returns a job's checkpoints in capture order.
func (s *Store) ListCheckpoints(ctx context.Context, jobID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, seq, phase, state_blob, captured_at
		FROM checkpoints
		WHERE job_id = ?
		ORDER BY seq ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.JobID, &cp.Seq, &cp.Phase, &cp.State, &cp.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// PruneCheckpoints keeps the newest keep checkpoints per job and drops the
// rest. Returns the number of rows removed.
func (s *Store) PruneCheckpoints(ctx context.Context, jobID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE job_id = ?
		  AND seq <= (SELECT MAX(seq) FROM checkpoints WHERE job_id = ?) - ?;
	`, jobID, jobID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}
