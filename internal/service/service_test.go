package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/researchd/internal/job"
	"github.com/basket/researchd/internal/persistence"
)

func newService(t *testing.T) (*Service, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "researchd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil), store
}

// suspendForApproval drives a job into waiting_approval with a pending
// report-export approval and a checkpoint recording the resume phase.
func suspendForApproval(t *testing.T, store *persistence.Store, jobID string) {
	t.Helper()
	ctx := context.Background()
	for _, to := range []job.Phase{job.PhasePlanning, job.PhaseExecuting, job.PhaseReflecting, job.PhaseReporting} {
		if ok, err := store.TransitionPhase(ctx, jobID, to, "", ""); err != nil || !ok {
			t.Fatalf("transition to %s: ok=%v err=%v", to, ok, err)
		}
	}
	req := &job.ApprovalRequest{JobID: jobID, Action: "report_export", Payload: "report_export", Reasoning: "export gate"}
	if err := store.CreateApproval(ctx, req); err != nil {
		t.Fatalf("create approval: %v", err)
	}
	st := job.NewState(time.Now())
	st.ResumePhase = job.PhaseReporting
	st.PendingApprovalID = req.ID
	blob, _ := st.Encode()
	if _, err := store.CaptureCheckpoint(ctx, jobID, job.PhaseReporting, blob); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if ok, err := store.TransitionPhase(ctx, jobID, job.PhaseWaitingApproval, "", "awaiting export approval"); err != nil || !ok {
		t.Fatalf("suspend: ok=%v err=%v", ok, err)
	}
}

func TestSubmit_Validation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitRequest{Task: "  "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty task: %v", err)
	}
	if _, err := svc.Submit(ctx, SubmitRequest{Task: "t", Constraints: job.Constraints{BudgetTokens: -1}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("negative budget: %v", err)
	}
	if _, err := svc.Submit(ctx, SubmitRequest{Task: "t", Policy: job.PolicyConfig{AllowedDomains: []string{""}}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("blank domain pattern: %v", err)
	}
}

func TestSubmitAndStatus(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{
		Task:        "market sizing",
		Constraints: job.Constraints{BudgetTokens: 10000, TimeLimitMin: 5},
		Policy:      job.PolicyConfig{RequireCitations: true},
		Metadata:    map[string]any{"requested_by": "ops"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != "queued" || res.JobID == "" {
		t.Fatalf("unexpected submit response: %+v", res)
	}

	st, err := svc.Status(ctx, res.JobID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != "queued" || st.Progress != 0 || st.Result != nil {
		t.Fatalf("unexpected status: %+v", st)
	}

	if _, err := svc.Status(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("missing job: %v", err)
	}
}

func TestResolveApproval_ApproveResumes(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Task: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	suspendForApproval(t, store, res.JobID)

	err = svc.ResolveApproval(ctx, ApprovalResolution{JobID: res.JobID, Approver: "alice", Approved: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	st, _ := svc.Status(ctx, res.JobID)
	if st.Status != "reporting" {
		t.Fatalf("expected reporting after approval, got %s", st.Status)
	}
}

func TestResolveApproval_DenyFailsJob(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Task: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	suspendForApproval(t, store, res.JobID)

	err = svc.ResolveApproval(ctx, ApprovalResolution{JobID: res.JobID, Approver: "bob", Approved: false, Comment: "not yet"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	st, _ := svc.Status(ctx, res.JobID)
	if st.Status != "failed" || st.Reason != string(job.ReasonApprovalDenied) {
		t.Fatalf("expected failed(ApprovalDenied), got %+v", st)
	}
	if st.Detail != "not yet" {
		t.Fatalf("expected comment as detail, got %q", st.Detail)
	}
}

func TestResolveApproval_NoPending(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Task: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	err = svc.ResolveApproval(ctx, ApprovalResolution{JobID: res.JobID, Approver: "alice", Approved: true})
	if !errors.Is(err, ErrNoApprovalPending) {
		t.Fatalf("expected ErrNoApprovalPending, got %v", err)
	}
	if err := svc.ResolveApproval(ctx, ApprovalResolution{JobID: res.JobID, Approved: true}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing approver: %v", err)
	}
}

func TestCancel_UnleasedJobCancelsImmediately(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Task: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Cancel(ctx, res.JobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st, _ := svc.Status(ctx, res.JobID)
	if st.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", st.Status)
	}
	// A second cancel reports the job as terminal.
	if err := svc.Cancel(ctx, res.JobID); err == nil {
		t.Fatal("expected error cancelling terminal job")
	}
}

func TestHistory(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Task: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ok, err := store.TransitionPhase(ctx, res.JobID, job.PhasePlanning, "", ""); err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}
	events, err := svc.History(ctx, res.JobID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected enqueue + transition events, got %d", len(events))
	}
}
