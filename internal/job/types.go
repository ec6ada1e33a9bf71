package job

import (
	"time"
)

// Constraints bound a job's total spend. TimeLimitMin is wall-clock minutes
// measured from the first lease; BudgetTokens covers all tool and synthesis
// usage attributed to the job.
type Constraints struct {
	BudgetTokens int `json:"budget_tokens" yaml:"budget_tokens"`
	TimeLimitMin int `json:"time_limit_min" yaml:"time_limit_min"`
}

// TimeLimit returns the wall-clock limit as a duration, or zero when unset.
func (c Constraints) TimeLimit() time.Duration {
	if c.TimeLimitMin <= 0 {
		return 0
	}
	return time.Duration(c.TimeLimitMin) * time.Minute
}

// PolicyConfig is the per-job policy configuration. It is accepted at
// submission and immutable for the job's lifetime.
type PolicyConfig struct {
	AllowedDomains       []string `json:"allowed_domains,omitempty" yaml:"allowed_domains"`
	RequireCitations     bool     `json:"require_citations" yaml:"require_citations"`
	RequireHumanApproval bool     `json:"require_human_approval" yaml:"require_human_approval"`
	// ApprovalActions lists action types gated behind human approval when
	// RequireHumanApproval is set. Empty defaults to report_export.
	ApprovalActions []string `json:"approval_actions,omitempty" yaml:"approval_actions"`
	// MinCitations is the reporting-gate citation floor. Zero means the
	// default of 3 total, at least 1 per claim.
	MinCitations int `json:"min_citations,omitempty" yaml:"min_citations"`
	// AllowPartial permits reporting partial results on budget or time
	// exhaustion instead of failing the job.
	AllowPartial bool `json:"allow_partial" yaml:"allow_partial"`
}

// Job is one client-submitted research task tracked through its lifecycle.
type Job struct {
	ID          string       `json:"job_id"`
	Task        string       `json:"task"`
	Constraints Constraints  `json:"constraints"`
	Policy      PolicyConfig `json:"policy"`
	Metadata    string       `json:"metadata,omitempty"`

	Phase    Phase   `json:"status"`
	Reason   Reason  `json:"reason,omitempty"`
	Detail   string  `json:"detail,omitempty"`
	Progress float64 `json:"progress"`

	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	Result *Result `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubtaskStatus is the lifecycle state of one unit of work within a phase.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskSucceeded SubtaskStatus = "succeeded"
	SubtaskFailed    SubtaskStatus = "failed"
)

// Terminal reports whether the subtask status is final.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskSucceeded || s == SubtaskFailed
}

// Subtask is one unit of work within a phase, typically a single
// information-gathering query.
type Subtask struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Tool        string        `json:"tool"`
	Input       string        `json:"input"`
	// TargetDomain is the network domain the subtask's tool call reaches,
	// empty for tools without network effect.
	TargetDomain string `json:"target_domain,omitempty"`
	// Critical marks a subtask with no alternate source; its failure fails
	// the whole job.
	Critical bool `json:"critical,omitempty"`

	Status     SubtaskStatus `json:"status"`
	Retries    int           `json:"retries"`
	MaxRetries int           `json:"max_retries"`
	Result     string        `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	FailReason Reason        `json:"fail_reason,omitempty"`
}

// ToolCallOutcome classifies the result of one tool invocation.
type ToolCallOutcome string

const (
	OutcomeSuccess ToolCallOutcome = "success"
	OutcomeFailure ToolCallOutcome = "failure"
	OutcomeDenied  ToolCallOutcome = "denied"
)

// ToolCall records one invocation of a registered tool. Denied calls never
// reached the underlying capability.
type ToolCall struct {
	Tool         string          `json:"tool"`
	Input        string          `json:"input"`
	TargetDomain string          `json:"target_domain,omitempty"`
	Outcome      ToolCallOutcome `json:"outcome"`
	Output       string          `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	Attempts     int             `json:"attempts"`
	TokensUsed   int             `json:"tokens_used,omitempty"`
	Citations    []Citation      `json:"citations,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	DurationMs   int64           `json:"duration_ms"`
}

// Citation is a sourced reference attached to a finding. Append-only once
// attached.
type Citation struct {
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Passage    string    `json:"passage,omitempty"`
	Confidence float64   `json:"confidence"`
	FirstSeen  time.Time `json:"first_seen"`
}

// Finding is one verified unit of gathered evidence.
type Finding struct {
	SubtaskID string     `json:"subtask_id"`
	Summary   string     `json:"summary"`
	Data      string     `json:"data,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Verified  bool       `json:"verified"`
}

// Result is the terminal artifact of a completed (or partial) job.
type Result struct {
	Summary         string     `json:"summary"`
	Report          string     `json:"report,omitempty"`
	Findings        []Finding  `json:"findings"`
	Citations       []Citation `json:"citations"`
	ConfidenceScore float64    `json:"confidence_score"`
	Partial         bool       `json:"partial"`
}

// ApprovalDecision is the lifecycle state of an approval request.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalDenied   ApprovalDecision = "denied"
)

// ApprovalRequest gates a sensitive action behind a human decision. While one
// is pending the owning job is suspended in waiting_approval.
type ApprovalRequest struct {
	ID        string           `json:"id"`
	JobID     string           `json:"job_id"`
	Action    string           `json:"action"`
	Payload   string           `json:"payload,omitempty"`
	Reasoning string           `json:"reason"`
	Requester string           `json:"requester"`
	Decision  ApprovalDecision `json:"decision"`
	Approver  string           `json:"approver,omitempty"`
	Comment   string           `json:"comment,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	DecidedAt *time.Time       `json:"decided_at,omitempty"`
}
