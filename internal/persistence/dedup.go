package persistence

import (
	"context"
	"fmt"
)

// Tool-call deduplication backs effectively-once execution across resumes.
// A successful call is recorded under a key derived from tool and input; a
// later slice consults the ledger before dispatching the same call again.
// Rows are job-scoped and removed with the job's other working data.

func toolCallKey(tool, input string) string {
	return hashString(tool + "\x00" + input)
}

// RecordToolCall marks a tool call as durably executed for the job.
// Re-recording the same call is a no-op.
func (s *Store) RecordToolCall(ctx context.Context, jobID, tool, input string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tool_call_dedup (job_id, call_key, tool) VALUES (?, ?, ?)
			ON CONFLICT(job_id, call_key) DO NOTHING;
		`, jobID, toolCallKey(tool, input), tool)
		return err
	})
	if err != nil {
		return fmt.Errorf("record tool call dedup: %w", err)
	}
	return nil
}

// SeenToolCall reports whether a call with this tool and input already
// executed successfully for the job.
func (s *Store) SeenToolCall(ctx context.Context, jobID, tool, input string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tool_call_dedup WHERE job_id = ? AND call_key = ?;
	`, jobID, toolCallKey(tool, input)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query tool call dedup: %w", err)
	}
	return n > 0, nil
}

// ClearToolCallDedup removes the job's dedup rows, used when a terminal job's
// working data is released.
func (s *Store) ClearToolCallDedup(ctx context.Context, jobID string) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tool_call_dedup WHERE job_id = ?;`, jobID)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear tool call dedup: %w", err)
	}
	return removed, nil
}
