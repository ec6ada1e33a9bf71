// Package memory layers the two memory tiers over the persistence store:
// short-term working memory scoped to a job with a TTL, and the append-only
// long-term store that survives job completion.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/researchd/internal/persistence"
)

const defaultShortTermTTL = 1 * time.Hour

// ErrNotFound is returned when a key is absent or its TTL elapsed.
var ErrNotFound = errors.New("memory entry not found")

// Manager mediates job access to both memory tiers.
type Manager struct {
	store  *persistence.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewManager builds a manager with the given default short-term TTL.
// ttl <= 0 selects the 1h default.
func NewManager(store *persistence.Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = defaultShortTermTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, ttl: ttl, logger: logger}
}

// Remember stores a job-scoped working value under the default TTL. Repeated
// writes to the same key refresh both value and TTL.
func (m *Manager) Remember(ctx context.Context, jobID, key, value string) error {
	return m.store.PutShortTerm(ctx, jobID, key, value, m.ttl)
}

// RememberFor stores a working value with an explicit TTL.
func (m *Manager) RememberFor(ctx context.Context, jobID, key, value string, ttl time.Duration) error {
	return m.store.PutShortTerm(ctx, jobID, key, value, ttl)
}

// Recall reads a working value. Expired entries behave as absent.
func (m *Manager) Recall(ctx context.Context, jobID, key string) (string, error) {
	value, err := m.store.GetShortTerm(ctx, jobID, key)
	if errors.Is(err, persistence.ErrNotFound) {
		return "", fmt.Errorf("%s/%s: %w", jobID, key, ErrNotFound)
	}
	return value, err
}

// Forget removes one working-memory key.
func (m *Manager) Forget(ctx context.Context, jobID, key string) error {
	return m.store.DeleteShortTerm(ctx, jobID, key)
}

// ReleaseJob drops all short-term memory for a finished job.
func (m *Manager) ReleaseJob(ctx context.Context, jobID string) error {
	return m.store.ClearJobMemory(ctx, jobID)
}

// Record appends a durable entry to the long-term store. Long-term memory is
// append-only: entries are never updated or deleted.
func (m *Manager) Record(ctx context.Context, jobID, topic, content string) error {
	if _, err := m.store.AppendLongTerm(ctx, jobID, topic, content); err != nil {
		return err
	}
	m.logger.Debug("long-term memory recorded", "job_id", jobID, "topic", topic)
	return nil
}

// Search queries long-term memory by keyword, newest entries first.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]persistence.MemoryEntry, error) {
	return m.store.SearchLongTerm(ctx, query, limit)
}

// SweepExpired removes expired short-term entries. Wired to the maintenance
// scheduler.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.store.SweepExpiredShortTerm(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Debug("short-term memory swept", "removed", n)
	}
	return n, nil
}
