package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/researchd/internal/job"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "researchd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func submitJob(t *testing.T, store *Store, task string) *job.Job {
	t.Helper()
	j := &job.Job{Task: task, MaxAttempts: 3}
	if err := store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func TestCreateAndGetJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	j := &job.Job{
		Task:        "survey recent fusion milestones",
		Constraints: job.Constraints{BudgetTokens: 10000, TimeLimitMin: 30},
		Policy:      job.PolicyConfig{AllowedDomains: []string{"*.gov"}, RequireCitations: true},
	}
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.ID == "" {
		t.Fatal("expected assigned job id")
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != job.PhaseQueued {
		t.Fatalf("expected queued, got %s", got.Phase)
	}
	if got.Constraints.BudgetTokens != 10000 {
		t.Fatalf("constraints lost: %+v", got.Constraints)
	}
	if !got.Policy.RequireCitations || len(got.Policy.AllowedDomains) != 1 {
		t.Fatalf("policy lost: %+v", got.Policy)
	}

	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimNextRunnableJob_LeaseExclusivity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := submitJob(t, store, "task one")

	claimed, err := store.ClaimNextRunnableJob(ctx, "worker-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != j.ID {
		t.Fatalf("expected to claim %s, got %+v", j.ID, claimed)
	}
	if claimed.LeaseOwner != "worker-a" || claimed.LeaseExpiresAt == nil {
		t.Fatalf("lease not set: %+v", claimed)
	}

	// A second worker must not claim the same leased job.
	second, err := store.ClaimNextRunnableJob(ctx, "worker-b")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no claimable job, got %s", second.ID)
	}
}

func TestClaimNextRunnableJob_SkipsSuspendedAndTerminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := submitJob(t, store, "gated task")

	for _, to := range []job.Phase{job.PhasePlanning, job.PhaseExecuting, job.PhaseWaitingApproval} {
		ok, err := store.TransitionPhase(ctx, j.ID, to, "", "")
		if err != nil || !ok {
			t.Fatalf("transition to %s: ok=%v err=%v", to, ok, err)
		}
	}

	claimed, err := store.ClaimNextRunnableJob(ctx, "worker-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("waiting_approval job must not be claimable, got %s", claimed.ID)
	}
}

func TestTransitionPhase_SuspendReleasesLease(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := submitJob(t, store, "gated export")

	claimed, err := store.ClaimNextRunnableJob(ctx, "worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
	for _, to := range []job.Phase{job.PhasePlanning, job.PhaseExecuting, job.PhaseWaitingApproval} {
		ok, err := store.TransitionPhase(ctx, j.ID, to, "", "")
		if err != nil || !ok {
			t.Fatalf("transition to %s: ok=%v err=%v", to, ok, err)
		}
	}

	parked, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if parked.LeaseOwner != "" || parked.LeaseExpiresAt != nil {
		t.Fatalf("suspend must release the lease: owner=%q expires=%v",
			parked.LeaseOwner, parked.LeaseExpiresAt)
	}

	// Once the decision returns the job to its resume phase, another worker
	// claims it immediately instead of waiting out the stale lease.
	ok, err := store.TransitionPhase(ctx, j.ID, job.PhaseExecuting, "", "approval granted")
	if err != nil || !ok {
		t.Fatalf("resume transition: ok=%v err=%v", ok, err)
	}
	resumed, err := store.ClaimNextRunnableJob(ctx, "worker-b")
	if err != nil {
		t.Fatalf("claim after resume: %v", err)
	}
	if resumed == nil || resumed.ID != j.ID {
		t.Fatalf("expected worker-b to claim %s, got %+v", j.ID, resumed)
	}
}

func TestWithLeaseDuration_SetsClaimWindow(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "researchd.db"), nil,
		WithLeaseDuration(2*time.Hour))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	submitJob(t, store, "long slice")

	claimed, err := store.ClaimNextRunnableJob(ctx, "worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
	if claimed.LeaseExpiresAt == nil {
		t.Fatal("lease not set")
	}
	if remaining := time.Until(*claimed.LeaseExpiresAt); remaining < time.Hour {
		t.Fatalf("configured lease window not applied, %s remaining", remaining)
	}
}

func TestHeartbeatLease(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	submitJob(t, store, "task")

	claimed, err := store.ClaimNextRunnableJob(ctx, "worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	ok, err := store.HeartbeatLease(ctx, claimed.ID, "worker-a")
	if err != nil || !ok {
		t.Fatalf("heartbeat by owner: ok=%v err=%v", ok, err)
	}
	ok, err = store.HeartbeatLease(ctx, claimed.ID, "worker-b")
	if err != nil {
		t.Fatalf("heartbeat by stranger: %v", err)
	}
	if ok {
		t.Fatal("heartbeat must fail for a non-owner")
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	submitJob(t, store, "task")

	claimed, err := store.ClaimNextRunnableJob(ctx, "worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	// Nothing expired yet.
	n, err := store.RequeueExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 requeued, got %d", n)
	}

	// Force the lease into the past.
	if _, err := store.DB().ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = DATETIME('now', '-1 minute') WHERE id = ?;
	`, claimed.ID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	n, err = store.RequeueExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued, got %d", n)
	}

	reclaimed, err := store.ClaimNextRunnableJob(ctx, "worker-b")
	if err != nil || reclaimed == nil {
		t.Fatalf("reclaim after expiry: %v %v", reclaimed, err)
	}
	if reclaimed.LeaseOwner != "worker-b" {
		t.Fatalf("expected worker-b lease, got %q", reclaimed.LeaseOwner)
	}
}

func TestTransitionPhase_RejectsIllegal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := submitJob(t, store, "task")

	ok, err := store.TransitionPhase(ctx, j.ID, job.PhaseReporting, "", "")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatal("queued -> reporting must be rejected")
	}
	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != job.PhaseQueued {
		t.Fatalf("phase changed on rejected transition: %s", got.Phase)
	}
}

func TestCompleteJob_StoresResultAndAudit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := submitJob(t, store, "task")

	for _, to := range []job.Phase{job.PhasePlanning, job.PhaseExecuting, job.PhaseReflecting, job.PhaseReporting} {
		if ok, err := store.TransitionPhase(ctx, j.ID, to, "", ""); err != nil || !ok {
			t.Fatalf("transition to %s: ok=%v err=%v", to, ok, err)
		}
	}
	result := &job.Result{Summary: "done", ConfidenceScore: 0.9}
	if err := store.CompleteJob(ctx, j.ID, result); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != job.PhaseCompleted || got.Result == nil || got.Result.Summary != "done" {
		t.Fatalf("unexpected job after complete: %+v", got)
	}
	if got.LeaseOwner != "" {
		t.Fatal("lease must be cleared on completion")
	}

	events, err := store.ListJobEvents(ctx, j.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var sawEnqueue, sawComplete bool
	for _, ev := range events {
		switch ev.EventType {
		case "job.enqueued":
			sawEnqueue = true
		case "job.completed":
			sawComplete = true
		}
	}
	if !sawEnqueue || !sawComplete {
		t.Fatalf("audit trail incomplete: %+v", events)
	}
}

func TestHandleJobFailure_RetryThenDeadLetter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := submitJob(t, store, "task")

	dec, err := store.HandleJobFailure(ctx, j.ID, "transient network blip 1")
	if err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if dec.Outcome != FailureOutcomeRetried || dec.Attempt != 1 {
		t.Fatalf("expected retry at attempt 1, got %+v", dec)
	}
	if dec.BackoffUntil == nil || !dec.BackoffUntil.After(time.Now().UTC()) {
		t.Fatalf("expected future backoff, got %+v", dec.BackoffUntil)
	}

	dec, err = store.HandleJobFailure(ctx, j.ID, "transient network blip 2")
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if dec.Outcome != FailureOutcomeRetried {
		t.Fatalf("expected retry at attempt 2, got %+v", dec)
	}

	dec, err = store.HandleJobFailure(ctx, j.ID, "transient network blip 3")
	if err != nil {
		t.Fatalf("third failure: %v", err)
	}
	if dec.Outcome != FailureOutcomeDeadLetter || dec.ReasonCode != ReasonDeadLetterMaxAttempts {
		t.Fatalf("expected dead-letter on max attempts, got %+v", dec)
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != job.PhaseFailed || got.Reason != job.ReasonMaxRetriesExceeded {
		t.Fatalf("expected failed/MaxRetriesExceeded, got %s/%s", got.Phase, got.Reason)
	}
}

func TestHandleJobFailure_PoisonPill(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := &job.Job{Task: "task", MaxAttempts: 10}
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Identical error fingerprint three times in a row dead-letters before
	// the attempt ceiling.
	var dec FailureDecision
	var err error
	for i := 0; i < 3; i++ {
		dec, err = store.HandleJobFailure(ctx, j.ID, "same exact parser crash")
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	if dec.Outcome != FailureOutcomeDeadLetter || dec.ReasonCode != ReasonDeadLetterPoisonPill {
		t.Fatalf("expected poison-pill dead-letter, got %+v", dec)
	}
	if dec.PoisonCount != 3 {
		t.Fatalf("expected poison count 3, got %d", dec.PoisonCount)
	}
}

func TestCancelJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := submitJob(t, store, "task")

	ok, err := store.RequestCancel(ctx, j.ID)
	if err != nil || !ok {
		t.Fatalf("request cancel: ok=%v err=%v", ok, err)
	}
	flagged, err := store.IsCancelRequested(ctx, j.ID)
	if err != nil || !flagged {
		t.Fatalf("cancel flag: flagged=%v err=%v", flagged, err)
	}
	cancelled, err := store.CancelJob(ctx, j.ID, "client request")
	if err != nil || !cancelled {
		t.Fatalf("cancel: ok=%v err=%v", cancelled, err)
	}
	// Terminal phases are final.
	cancelled, err = store.CancelJob(ctx, j.ID, "again")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if cancelled {
		t.Fatal("cancelling a terminal job must be a no-op")
	}
}

func TestCheckpoints_SequenceAndLatest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := submitJob(t, store, "task")

	if _, err := store.LatestCheckpoint(ctx, j.ID); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}

	st := job.NewState(time.Now())
	st.TokensUsed = 42
	blob, err := st.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	seq1, err := store.CaptureCheckpoint(ctx, j.ID, job.PhasePlanning, blob)
	if err != nil {
		t.Fatalf("capture 1: %v", err)
	}
	st.TokensUsed = 99
	blob, _ = st.Encode()
	seq2, err := store.CaptureCheckpoint(ctx, j.ID, job.PhaseExecuting, blob)
	if err != nil {
		t.Fatalf("capture 2: %v", err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("expected seqs 1,2 got %d,%d", seq1, seq2)
	}

	cp, err := store.LatestCheckpoint(ctx, j.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if cp.Seq != 2 || cp.Phase != job.PhaseExecuting {
		t.Fatalf("unexpected latest: %+v", cp)
	}
	decoded, err := job.DecodeState(cp.State)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.TokensUsed != 99 {
		t.Fatalf("stale state resumed: %d", decoded.TokensUsed)
	}
}

func TestPruneCheckpoints(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := submitJob(t, store, "task")

	blob, _ := job.NewState(time.Now()).Encode()
	for i := 0; i < 5; i++ {
		if _, err := store.CaptureCheckpoint(ctx, j.ID, job.PhaseExecuting, blob); err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
	}
	removed, err := store.PruneCheckpoints(ctx, j.ID, 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 pruned, got %d", removed)
	}
	cps, err := store.ListCheckpoints(ctx, j.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cps) != 2 || cps[len(cps)-1].Seq != 5 {
		t.Fatalf("latest checkpoints must survive pruning: %+v", cps)
	}
}

func TestApprovals_Lifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	j := submitJob(t, store, "task")

	if _, err := store.PendingApproval(ctx, j.ID); !errors.Is(err, ErrNoApprovalPending) {
		t.Fatalf("expected ErrNoApprovalPending, got %v", err)
	}
	if _, err := store.ResolveApproval(ctx, j.ID, job.ApprovalApproved, "alice", ""); !errors.Is(err, ErrNoApprovalPending) {
		t.Fatalf("resolving without pending must fail, got %v", err)
	}

	req := &job.ApprovalRequest{
		JobID:     j.ID,
		Action:    "report_export",
		Reasoning: "policy requires human sign-off",
		Requester: "worker-a",
	}
	if err := store.CreateApproval(ctx, req); err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if err := store.CreateApproval(ctx, &job.ApprovalRequest{JobID: j.ID, Action: "report_export"}); err == nil {
		t.Fatal("second pending approval for the same job must fail")
	}

	pending, err := store.PendingApproval(ctx, j.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending.ID != req.ID || pending.Decision != job.ApprovalPending {
		t.Fatalf("unexpected pending: %+v", pending)
	}

	resolved, err := store.ResolveApproval(ctx, j.ID, job.ApprovalDenied, "alice", "source quality too low")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Decision != job.ApprovalDenied || resolved.Approver != "alice" || resolved.DecidedAt == nil {
		t.Fatalf("unexpected resolved: %+v", resolved)
	}

	// The decision is final; there is nothing pending anymore.
	if _, err := store.ResolveApproval(ctx, j.ID, job.ApprovalApproved, "bob", ""); !errors.Is(err, ErrNoApprovalPending) {
		t.Fatalf("expected ErrNoApprovalPending after decision, got %v", err)
	}
}

func TestMemory_ShortTermTTL(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.PutShortTerm(ctx, "job-1", "scratch", "notes", time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetShortTerm(ctx, "job-1", "scratch")
	if err != nil || got != "notes" {
		t.Fatalf("get: %q %v", got, err)
	}
	// Job-scoped: other jobs never see it.
	if _, err := store.GetShortTerm(ctx, "job-2", "scratch"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other job, got %v", err)
	}

	// Force expiry and verify the value behaves as absent, then is swept.
	if _, err := store.DB().ExecContext(ctx, `
		UPDATE memory_short SET expires_at = DATETIME('now', '-1 minute');
	`); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, err := store.GetShortTerm(ctx, "job-1", "scratch"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	n, err := store.SweepExpiredShortTerm(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
}

func TestMemory_LongTermAppendAndSearch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.AppendLongTerm(ctx, "job-1", "fusion", "NIF achieved ignition in 2022"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendLongTerm(ctx, "job-2", "fission", "SMR approvals accelerating"); err != nil {
		t.Fatalf("append: %v", err)
	}

	hits, err := store.SearchLongTerm(ctx, "ignition", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].JobID != "job-1" {
		t.Fatalf("unexpected hits: %+v", hits)
	}

	mine, err := store.ListLongTermByJob(ctx, "job-2")
	if err != nil || len(mine) != 1 {
		t.Fatalf("list by job: %+v %v", mine, err)
	}
}

func TestBackup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	submitJob(t, store, "task")

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	restored, err := Open(dest, nil)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer restored.Close()
	depth, err := restored.QueueDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("backup queue depth: %d %v", depth, err)
	}
}
