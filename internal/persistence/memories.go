package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MemoryEntry is one append-only long-term memory record.
type MemoryEntry struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Topic     string    `json:"topic"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PutShortTerm stores or refreshes a job-scoped working-memory value with a
// TTL. Existing values under the same key are replaced.
func (s *Store) PutShortTerm(ctx context.Context, jobID, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("short-term memory requires a positive ttl")
	}
	expiresAt := time.Now().UTC().Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_short (job_id, key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(job_id, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP;
	`, jobID, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("put short-term memory: %w", err)
	}
	return nil
}

// GetShortTerm reads a job-scoped working-memory value. Expired values behave
// as absent: ErrNotFound.
func (s *Store) GetShortTerm(ctx context.Context, jobID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM memory_short
		WHERE job_id = ? AND key = ? AND expires_at > CURRENT_TIMESTAMP;
	`, jobID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("short-term %s/%s: %w", jobID, key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get short-term memory: %w", err)
	}
	return value, nil
}

// DeleteShortTerm removes one working-memory key.
func (s *Store) DeleteShortTerm(ctx context.Context, jobID, key string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_short WHERE job_id = ? AND key = ?;
	`, jobID, key); err != nil {
		return fmt.Errorf("delete short-term memory: %w", err)
	}
	return nil
}

// ClearJobMemory drops all short-term memory for a finished job. Long-term
// entries are append-only and survive.
func (s *Store) ClearJobMemory(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_short WHERE job_id = ?;
	`, jobID); err != nil {
		return fmt.Errorf("clear job memory: %w", err)
	}
	return nil
}

// SweepExpiredShortTerm removes expired working-memory rows. Run periodically.
func (s *Store) SweepExpiredShortTerm(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_short WHERE expires_at <= CURRENT_TIMESTAMP;
	`)
	if err != nil {
		return 0, fmt.Errorf("sweep expired short-term memory: %w", err)
	}
	return res.RowsAffected()
}

// AppendLongTerm records a durable finding in the append-only long-term store.
func (s *Store) AppendLongTerm(ctx context.Context, jobID, topic, content string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_long (job_id, topic, content, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, jobID, topic, content)
	if err != nil {
		return 0, fmt.Errorf("append long-term memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("long-term memory id: %w", err)
	}
	return id, nil
}

// SearchLongTerm finds long-term entries whose topic or content matches the
// keyword query, newest first.
func (s *Store) SearchLongTerm(ctx context.Context, query string, limit int) ([]MemoryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, topic, content, created_at
		FROM memory_long
		WHERE topic LIKE ? OR content LIKE ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search long-term memory: %w", err)
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		var m MemoryEntry
		if err := rows.Scan(&m.ID, &m.JobID, &m.Topic, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan long-term memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListLongTermByJob returns the long-term entries a job produced, in append
// order.
func (s *Store) ListLongTermByJob(ctx context.Context, jobID string) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, topic, content, created_at
		FROM memory_long
		WHERE job_id = ?
		ORDER BY id ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list long-term memory: %w", err)
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		var m MemoryEntry
		if err := rows.Scan(&m.ID, &m.JobID, &m.Topic, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan long-term memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
