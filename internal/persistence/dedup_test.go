package persistence

import (
	"context"
	"testing"
)

func TestToolCallDedup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := submitJob(t, store, "t")

	seen, err := store.SeenToolCall(ctx, j.ID, "web_search", `{"query":"a"}`)
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatal("unexecuted call reported as seen")
	}

	if err := store.RecordToolCall(ctx, j.ID, "web_search", `{"query":"a"}`); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Recording twice is a no-op, not an error.
	if err := store.RecordToolCall(ctx, j.ID, "web_search", `{"query":"a"}`); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	seen, err = store.SeenToolCall(ctx, j.ID, "web_search", `{"query":"a"}`)
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if !seen {
		t.Fatal("recorded call not seen")
	}

	// Same input under a different job is a distinct call.
	other := submitJob(t, store, "t2")
	seen, err = store.SeenToolCall(ctx, other.ID, "web_search", `{"query":"a"}`)
	if err != nil {
		t.Fatalf("seen other job: %v", err)
	}
	if seen {
		t.Fatal("dedup leaked across jobs")
	}

	removed, err := store.ClearToolCallDedup(ctx, j.ID)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d rows, want 1", removed)
	}
}
