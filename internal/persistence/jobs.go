package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/basket/researchd/internal/bus"
	"github.com/basket/researchd/internal/job"
	"github.com/google/uuid"
)

// JobEvent is one row of the append-only per-job audit trail.
type JobEvent struct {
	EventID   int64     `json:"event_id"`
	JobID     string    `json:"job_id"`
	EventType string    `json:"event_type"`
	PhaseFrom job.Phase `json:"phase_from,omitempty"`
	PhaseTo   job.Phase `json:"phase_to"`
	Payload   string    `json:"payload"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FailureOutcome classifies what HandleJobFailure decided.
type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "RETRIED"
	FailureOutcomeDeadLetter FailureOutcome = "DEAD_LETTER"
)

type FailureDecision struct {
	Outcome          FailureOutcome `json:"outcome"`
	Attempt          int            `json:"attempt"`
	MaxAttempts      int            `json:"max_attempts"`
	BackoffUntil     *time.Time     `json:"backoff_until,omitempty"`
	ReasonCode       string         `json:"reason_code"`
	ErrorFingerprint string         `json:"error_fingerprint"`
	PoisonCount      int            `json:"poison_count"`
}

// CreateJob inserts a new job in the queued phase and records the enqueue
// event. The job's ID is assigned here when empty.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = defaultMaxAttempts
	}
	constraintsJSON, err := json.Marshal(j.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	policyJSON, err := json.Marshal(j.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	j.Phase = job.PhaseQueued

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (
				id, task, constraints_json, policy_json, metadata, phase,
				attempt, max_attempts, available_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, j.ID, j.Task, string(constraintsJSON), string(policyJSON), j.Metadata, job.PhaseQueued, j.MaxAttempts); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if err := s.appendJobEventTx(ctx, tx, j.ID, "job.enqueued", "", job.PhaseQueued, `{"reason":"submit"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetJob returns the job row, ErrNotFound when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	var j job.Job
	err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT id, task, constraints_json, policy_json, metadata, phase, reason, detail,
			progress, attempt, max_attempts, COALESCE(lease_owner, ''), lease_expires_at,
			result_json, created_at, updated_at
		FROM jobs
		WHERE id = ?;
	`, jobID).Scan, &j)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJob(scan func(dest ...any) error, j *job.Job) error {
	var (
		constraintsJSON string
		policyJSON      string
		resultJSON      sql.NullString
		leaseExpires    sql.NullTime
	)
	if err := scan(
		&j.ID, &j.Task, &constraintsJSON, &policyJSON, &j.Metadata,
		&j.Phase, &j.Reason, &j.Detail,
		&j.Progress, &j.Attempt, &j.MaxAttempts, &j.LeaseOwner, &leaseExpires,
		&resultJSON, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(constraintsJSON), &j.Constraints); err != nil {
		return fmt.Errorf("unmarshal constraints: %w", err)
	}
	if err := json.Unmarshal([]byte(policyJSON), &j.Policy); err != nil {
		return fmt.Errorf("unmarshal policy: %w", err)
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		j.LeaseExpiresAt = &t
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var res job.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
		j.Result = &res
	}
	return nil
}

const jobColumns = `id, task, constraints_json, policy_json, metadata, phase, reason, detail,
	progress, attempt, max_attempts, COALESCE(lease_owner, ''), lease_expires_at,
	result_json, created_at, updated_at`

// runnablePhases lists the phases a worker may claim: queued jobs plus any
// mid-flight job whose lease lapsed. Suspended and terminal jobs are never
// claimable; approval resolution makes a suspended job runnable again.
var runnablePhases = []job.Phase{
	job.PhaseQueued,
	job.PhasePlanning,
	job.PhaseExecuting,
	job.PhaseReflecting,
	job.PhaseReporting,
}

// ClaimNextRunnableJob leases the oldest runnable job to workerID. Returns
// (nil, nil) when nothing is claimable. Claiming is atomic: the lease is set
// in the same transaction that observes the job as lease-free.
func (s *Store) ClaimNextRunnableJob(ctx context.Context, workerID string) (*job.Job, error) {
	phases := make([]string, len(runnablePhases))
	args := make([]any, 0, len(runnablePhases))
	for i, p := range runnablePhases {
		phases[i] = "?"
		args = append(args, p)
	}

	var result *job.Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var j job.Job
		query := `
			SELECT ` + jobColumns + `
			FROM jobs
			WHERE phase IN (` + strings.Join(phases, ", ") + `)
			  AND (lease_owner IS NULL OR lease_owner = '' OR lease_expires_at <= CURRENT_TIMESTAMP)
			  AND available_at <= CURRENT_TIMESTAMP
			ORDER BY created_at ASC, id ASC
			LIMIT 1;`
		row := tx.QueryRowContext(ctx, query, args...)
		if scanErr := scanJob(row.Scan, &j); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select runnable job: %w", scanErr)
		}

		leaseExpiresAt := time.Now().UTC().Add(s.leaseDuration)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, workerID, leaseExpiresAt, j.ID); err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if err := s.appendJobEventTx(ctx, tx, j.ID, "job.claimed", j.Phase, j.Phase,
			fmt.Sprintf(`{"worker":%q}`, workerID)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		j.LeaseOwner = workerID
		j.LeaseExpiresAt = &leaseExpiresAt
		result = &j
		return nil
	})
	return result, err
}

// HeartbeatLease extends the lease of a job held by leaseOwner. Returns false
// when the lease was lost (expired and reclaimed, or the job finished).
func (s *Store) HeartbeatLease(ctx context.Context, jobID, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ?;
	`, time.Now().UTC().Add(s.leaseDuration), jobID, leaseOwner)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueExpiredLeases clears lapsed leases on non-terminal jobs so another
// worker can claim and resume them from the latest checkpoint.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue expired leases tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, phase
		FROM jobs
		WHERE lease_expires_at IS NOT NULL
		  AND lease_expires_at <= CURRENT_TIMESTAMP
		  AND phase NOT IN (?, ?, ?);
	`, job.PhaseCompleted, job.PhaseFailed, job.PhaseCancelled)
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	type expired struct {
		id    string
		phase job.Phase
	}
	var lapsed []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.phase); err != nil {
			return 0, fmt.Errorf("scan expired lease job: %w", err)
		}
		lapsed = append(lapsed, e)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired lease jobs: %w", err)
	}

	var reclaimed int64
	for _, e := range lapsed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, e.id); err != nil {
			return 0, fmt.Errorf("clear expired lease: %w", err)
		}
		if err := s.appendJobEventTx(ctx, tx, e.id, "job.lease_expired_requeued", e.phase, e.phase,
			`{"reason":"lease_expired"}`); err != nil {
			return 0, err
		}
		reclaimed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue expired leases tx: %w", err)
	}
	return reclaimed, nil
}

// transitionJobTx moves a job between phases inside an open transaction,
// validating against the transition table and recording the audit event.
// Returns false when the job is absent or the transition is not legal from
// its current phase.
func (s *Store) transitionJobTx(ctx context.Context, tx *sql.Tx, jobID string, to job.Phase, reason job.Reason, detail, eventType, payload string) (bool, error) {
	var from job.Phase
	if err := tx.QueryRowContext(ctx, `SELECT phase FROM jobs WHERE id = ?;`, jobID).Scan(&from); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read phase for transition: %w", err)
	}
	if !job.CanTransition(from, to) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET phase = ?, reason = ?, detail = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, to, string(reason), detail, jobID); err != nil {
		return false, fmt.Errorf("update phase: %w", err)
	}
	if to == job.PhaseWaitingApproval {
		// Suspension parks the job without a worker. Release the lease now so
		// the resume phase is claimable the moment a decision lands, instead
		// of after the suspending worker's lease lapses.
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, jobID); err != nil {
			return false, fmt.Errorf("release lease on suspend: %w", err)
		}
	}
	if err := s.appendJobEventTx(ctx, tx, jobID, eventType, from, to, payload); err != nil {
		return false, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicJobStateChanged, bus.JobStateChangedEvent{
			JobID:    jobID,
			OldPhase: string(from),
			NewPhase: string(to),
			Reason:   string(reason),
		})
	}
	return true, nil
}

func (s *Store) appendJobEventTx(ctx context.Context, tx *sql.Tx, jobID, eventType string, from, to job.Phase, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	var phaseFrom any
	if from != "" {
		phaseFrom = string(from)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, event_type, phase_from, phase_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, jobID, eventType, phaseFrom, string(to), payload); err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return nil
}

// TransitionPhase moves a job between phases with the full audit trail.
// Returns false when the transition is not legal from the current phase.
func (s *Store) TransitionPhase(ctx context.Context, jobID string, to job.Phase, reason job.Reason, detail string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		ok, err = s.transitionJobTx(ctx, tx, jobID, to, reason, detail,
			"job.phase_changed", fmt.Sprintf(`{"reason":%q}`, string(reason)))
		if err != nil {
			return err
		}
		if !ok {
			_ = tx.Rollback()
			return nil
		}
		return tx.Commit()
	})
	return ok, err
}

// CompleteJob stores the terminal result and moves the job to completed.
func (s *Store) CompleteJob(ctx context.Context, jobID string, result *job.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		ok, err := s.transitionJobTx(ctx, tx, jobID, job.PhaseCompleted, "", "",
			"job.completed", `{"reason":"report_accepted"}`)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET result_json = ?, progress = 1.0, lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, string(resultJSON), jobID); err != nil {
			return fmt.Errorf("store result: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicJobCompleted, map[string]any{
			"job_id":  jobID,
			"partial": result != nil && result.Partial,
		})
	}
	return nil
}

// FailJob moves a job to the failed terminal phase with a reason code. A
// partial result may accompany the failure when the policy allows it.
func (s *Store) FailJob(ctx context.Context, jobID string, reason job.Reason, detail string, partial *job.Result) error {
	var resultJSON sql.NullString
	if partial != nil {
		data, err := json.Marshal(partial)
		if err != nil {
			return fmt.Errorf("marshal partial result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		ok, err := s.transitionJobTx(ctx, tx, jobID, job.PhaseFailed, reason, detail,
			"job.failed", fmt.Sprintf(`{"reason":%q}`, string(reason)))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET result_json = COALESCE(?, result_json), lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, resultJSON, jobID); err != nil {
			return fmt.Errorf("clear lease on fail: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicJobFailed, map[string]any{
			"job_id": jobID,
			"reason": string(reason),
			"detail": detail,
		})
	}
	return nil
}

// RequestCancel flags a job for cooperative cancellation. Workers observe the
// flag at step boundaries; a queued job is cancelled immediately by CancelJob.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND phase NOT IN (?, ?, ?);
	`, jobID, job.PhaseCompleted, job.PhaseFailed, job.PhaseCancelled)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// IsCancelRequested reads the cooperative cancel flag.
func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?;`, jobID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return flag == 1, nil
}

// CancelJob moves a job to the cancelled terminal phase.
func (s *Store) CancelJob(ctx context.Context, jobID, detail string) (bool, error) {
	var cancelled bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		ok, err := s.transitionJobTx(ctx, tx, jobID, job.PhaseCancelled, job.ReasonCancelRequested, detail,
			"job.cancelled", `{"reason":"cancel_request"}`)
		if err != nil {
			return err
		}
		cancelled = ok
		if !ok {
			_ = tx.Rollback()
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, jobID); err != nil {
			return fmt.Errorf("clear lease on cancel: %w", err)
		}
		return tx.Commit()
	})
	return cancelled, err
}

// UpdateProgress records the job's fraction of completed subtasks.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress float64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, progress, jobID); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	return hashString(normalized)
}

func retryDelay(jobID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	if base > retryMaxDelay {
		base = retryMaxDelay
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(jobID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// HandleJobFailure applies the retry/backoff/dead-letter decision after a
// worker-level failure of a leased job. A repeated identical error fingerprint
// is treated as a poison pill and dead-letters the job before the attempt
// ceiling is reached.
func (s *Store) HandleJobFailure(ctx context.Context, jobID, errMsg string) (FailureDecision, error) {
	var decision FailureDecision
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin handle failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			phase           job.Phase
			attempt         int
			maxAttempts     int
			lastFingerprint string
			poisonCount     int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT phase, attempt, max_attempts, last_error_fingerprint, poison_count
			FROM jobs
			WHERE id = ?;
		`, jobID).Scan(&phase, &attempt, &maxAttempts, &lastFingerprint, &poisonCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
			}
			return fmt.Errorf("select job for failure handling: %w", err)
		}
		if phase.Terminal() {
			return fmt.Errorf("job %s already terminal: %w", jobID, ErrNotFound)
		}
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}

		nextAttempt := attempt + 1
		fingerprint := errorFingerprint(errMsg)
		nextPoison := 1
		if lastFingerprint != "" && lastFingerprint == fingerprint {
			nextPoison = poisonCount + 1
		}

		decision = FailureDecision{
			Attempt:          nextAttempt,
			MaxAttempts:      maxAttempts,
			ErrorFingerprint: fingerprint,
			PoisonCount:      nextPoison,
		}

		reasonCode := ReasonRetryWorkerError
		moveToDeadLetter := false
		if nextPoison >= poisonThreshold {
			reasonCode = ReasonDeadLetterPoisonPill
			moveToDeadLetter = true
		}
		if nextAttempt >= maxAttempts {
			reasonCode = ReasonDeadLetterMaxAttempts
			moveToDeadLetter = true
		}
		decision.ReasonCode = reasonCode

		if moveToDeadLetter {
			ok, err := s.transitionJobTx(ctx, tx, jobID, job.PhaseFailed,
				job.ReasonMaxRetriesExceeded, errMsg, "job.dead_letter",
				fmt.Sprintf(`{"reason_code":%q,"attempt":%d,"max_attempts":%d}`, reasonCode, nextAttempt, maxAttempts))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET attempt = ?, last_error_fingerprint = ?, poison_count = ?,
					lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, nextAttempt, fingerprint, nextPoison, jobID); err != nil {
				return fmt.Errorf("update dead-letter metadata: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit dead-letter tx: %w", err)
			}
			decision.Outcome = FailureOutcomeDeadLetter
			return nil
		}

		delay := retryDelay(jobID, nextAttempt)
		availableAt := time.Now().UTC().Add(delay)
		decision.Outcome = FailureOutcomeRetried
		decision.BackoffUntil = &availableAt

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET attempt = ?, available_at = ?, last_error_fingerprint = ?, poison_count = ?,
				detail = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, nextAttempt, availableAt, fingerprint, nextPoison, errMsg, jobID); err != nil {
			return fmt.Errorf("update retry metadata: %w", err)
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, "job.retry_scheduled", phase, phase,
			fmt.Sprintf(`{"reason_code":%q,"attempt":%d,"max_attempts":%d,"delay_ms":%d}`,
				reasonCode, nextAttempt, maxAttempts, delay.Milliseconds())); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return FailureDecision{}, err
	}
	if decision.Outcome == FailureOutcomeDeadLetter && s.bus != nil {
		s.bus.Publish(bus.TopicJobFailed, map[string]any{
			"job_id":      jobID,
			"reason":      string(job.ReasonMaxRetriesExceeded),
			"reason_code": decision.ReasonCode,
		})
	}
	return decision, nil
}

// ListJobs returns jobs filtered by phase (empty for all), newest first.
func (s *Store) ListJobs(ctx context.Context, phase job.Phase, limit int) ([]job.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if phase != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs WHERE phase = ? ORDER BY created_at DESC LIMIT ?;
		`, phase, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?;
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		var j job.Job
		if err := scanJob(rows.Scan, &j); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows: %w", err)
	}
	return out, nil
}

// CountsByPhase returns how many jobs sit in each phase.
func (s *Store) CountsByPhase(ctx context.Context) (map[job.Phase]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phase, COUNT(1) FROM jobs GROUP BY phase;`)
	if err != nil {
		return nil, fmt.Errorf("counts by phase: %w", err)
	}
	defer rows.Close()

	out := make(map[job.Phase]int)
	for rows.Next() {
		var (
			phase job.Phase
			n     int
		)
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, fmt.Errorf("scan phase count: %w", err)
		}
		out[phase] = n
	}
	return out, rows.Err()
}

// QueueDepth counts jobs waiting in the queued phase.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE phase = ?;`, job.PhaseQueued).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// ListJobEvents returns the audit trail for one job in event order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]JobEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, job_id, event_type, COALESCE(phase_from, ''), phase_to, payload_json, trace_id, created_at
		FROM job_events
		WHERE job_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var out []JobEvent
	for rows.Next() {
		var ev JobEvent
		if err := rows.Scan(&ev.EventID, &ev.JobID, &ev.EventType, &ev.PhaseFrom, &ev.PhaseTo, &ev.Payload, &ev.TraceID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job event rows: %w", err)
	}
	return out, nil
}
