package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StateSchemaVersion tags checkpoint blobs. Resuming a blob written with a
// different version fails with ErrStateVersionMismatch rather than guessing.
const StateSchemaVersion = 1

// ErrStateVersionMismatch is returned when a checkpoint blob was written by an
// incompatible schema version.
var ErrStateVersionMismatch = errors.New("checkpoint state schema version mismatch")

// Plan is the ordered set of subtasks produced by the planning phase.
// Subtasks are independent and may run concurrently up to the per-job limit.
type Plan struct {
	Subtasks []Subtask `json:"subtasks"`
}

// State is a job's serialized working state: everything a worker needs to
// resume from a checkpoint without repeating side effects.
type State struct {
	SchemaVersion int `json:"schema_version"`

	Plan     *Plan     `json:"plan,omitempty"`
	Findings []Finding `json:"findings,omitempty"`

	// ToolCalls is the append-only log of completed invocations. Succeeded
	// calls present here are skipped on resume, never re-dispatched.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	TokensUsed   int       `json:"tokens_used"`
	StartedAt    time.Time `json:"started_at"`
	ReplanCycles int       `json:"replan_cycles"`

	// ResumePhase records where a waiting_approval suspension must return to.
	ResumePhase Phase `json:"resume_phase,omitempty"`
	// PendingApprovalID points at the approval request that suspended the job.
	PendingApprovalID string `json:"pending_approval_id,omitempty"`

	// Partial marks that budget or time ran out before full coverage.
	Partial bool `json:"partial,omitempty"`
}

// NewState creates a fresh working state for a job starting its first slice.
func NewState(now time.Time) *State {
	return &State{
		SchemaVersion: StateSchemaVersion,
		StartedAt:     now.UTC(),
	}
}

// Encode serializes the state for checkpoint capture.
func (s *State) Encode() ([]byte, error) {
	s.SchemaVersion = StateSchemaVersion
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// DecodeState parses a checkpoint blob, rejecting incompatible versions.
func DecodeState(blob []byte) (*State, error) {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(blob, &probe); err != nil {
		return nil, fmt.Errorf("decode state envelope: %w", err)
	}
	if probe.SchemaVersion != StateSchemaVersion {
		return nil, fmt.Errorf("%w: blob v%d, runtime v%d", ErrStateVersionMismatch, probe.SchemaVersion, StateSchemaVersion)
	}
	var s State
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &s, nil
}

// Progress reports completed subtasks over total, 0 when no plan exists yet.
func (s *State) Progress() float64 {
	if s.Plan == nil || len(s.Plan.Subtasks) == 0 {
		return 0
	}
	done := 0
	for _, st := range s.Plan.Subtasks {
		if st.Status.Terminal() {
			done++
		}
	}
	return float64(done) / float64(len(s.Plan.Subtasks))
}

// Citations collects every citation attached to a finding.
func (s *State) Citations() []Citation {
	var out []Citation
	for _, f := range s.Findings {
		out = append(out, f.Citations...)
	}
	return out
}

// SucceededToolCall reports whether a call for the given tool and input is
// already recorded as successful. Used to keep resume idempotent.
func (s *State) SucceededToolCall(tool, input string) bool {
	for _, tc := range s.ToolCalls {
		if tc.Tool == tool && tc.Input == input && tc.Outcome == OutcomeSuccess {
			return true
		}
	}
	return false
}

// FindToolCall returns the recorded call for the given tool and input, or nil.
func (s *State) FindToolCall(tool, input string) *ToolCall {
	for i := range s.ToolCalls {
		tc := &s.ToolCalls[i]
		if tc.Tool == tool && tc.Input == input {
			return tc
		}
	}
	return nil
}

// Subtask returns the planned subtask with the given id, or nil.
func (s *State) Subtask(id string) *Subtask {
	if s.Plan == nil {
		return nil
	}
	for i := range s.Plan.Subtasks {
		if s.Plan.Subtasks[i].ID == id {
			return &s.Plan.Subtasks[i]
		}
	}
	return nil
}

// AllSubtasksTerminal reports whether every planned subtask reached a
// terminal status.
func (s *State) AllSubtasksTerminal() bool {
	if s.Plan == nil {
		return false
	}
	for _, st := range s.Plan.Subtasks {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}
