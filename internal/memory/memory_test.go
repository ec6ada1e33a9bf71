package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/researchd/internal/persistence"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "researchd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, time.Hour, nil)
}

func TestRememberRecallForget(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Remember(ctx, "job-1", "query_plan", "three search passes"); err != nil {
		t.Fatalf("remember: %v", err)
	}
	got, err := m.Recall(ctx, "job-1", "query_plan")
	if err != nil || got != "three search passes" {
		t.Fatalf("recall: %q %v", got, err)
	}
	if err := m.Forget(ctx, "job-1", "query_plan"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, err := m.Recall(ctx, "job-1", "query_plan"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after forget, got %v", err)
	}
}

func TestRecall_JobScoped(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Remember(ctx, "job-1", "k", "v"); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if _, err := m.Recall(ctx, "job-2", "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("short-term memory leaked across jobs: %v", err)
	}
}

func TestRecordAndSearch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Record(ctx, "job-1", "solar", "perovskite efficiency reached 26%"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := m.Record(ctx, "job-2", "wind", "offshore capacity doubled"); err != nil {
		t.Fatalf("record: %v", err)
	}
	hits, err := m.Search(ctx, "perovskite", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Topic != "solar" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestReleaseJob_KeepsLongTerm(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Remember(ctx, "job-1", "scratch", "temp"); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if err := m.Record(ctx, "job-1", "durable", "kept finding"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := m.ReleaseJob(ctx, "job-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Recall(ctx, "job-1", "scratch"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("short-term must be gone after release, got %v", err)
	}
	hits, err := m.Search(ctx, "kept finding", 10)
	if err != nil || len(hits) != 1 {
		t.Fatalf("long-term must survive release: %+v %v", hits, err)
	}
}
