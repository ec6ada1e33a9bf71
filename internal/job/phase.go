package job

// Phase is a coarse lifecycle stage of a research job.
type Phase string

const (
	PhaseQueued          Phase = "queued"
	PhasePlanning        Phase = "planning"
	PhaseExecuting       Phase = "executing"
	PhaseWaitingApproval Phase = "waiting_approval"
	PhaseReflecting      Phase = "reflecting"
	PhaseReporting       Phase = "reporting"
	PhaseCompleted       Phase = "completed"
	PhaseFailed          Phase = "failed"
	PhaseCancelled       Phase = "cancelled"
)

// allowedTransitions is the phase transition table. waiting_approval can
// return to the phase it suspended from; failed/cancelled are reachable from
// any non-terminal phase and are added in CanTransition.
var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseQueued: {
		PhasePlanning: {},
	},
	PhasePlanning: {
		PhaseExecuting: {},
	},
	PhaseExecuting: {
		PhaseExecuting:       {}, // subtask waves repeat within the phase
		PhaseReflecting:      {},
		PhaseWaitingApproval: {},
		PhaseReporting:       {}, // budget exhaustion with partial results
	},
	PhaseWaitingApproval: {
		PhaseExecuting: {},
		PhaseReporting: {},
	},
	PhaseReflecting: {
		PhaseExecuting: {}, // bounded re-planning
		PhaseReporting: {},
	},
	PhaseReporting: {
		PhaseWaitingApproval: {},
		PhaseCompleted:       {},
	},
}

// CanTransition reports whether from -> to is a legal phase transition.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed || to == PhaseCancelled {
		return true
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether the phase is a terminal state.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Suspended reports whether the phase is the approval-gate suspension state.
func (p Phase) Suspended() bool {
	return p == PhaseWaitingApproval
}

// Reason is a machine-readable code explaining a transition or failure.
type Reason string

const (
	ReasonPlanningError         Reason = "PlanningError"
	ReasonCriticalSubtaskFailed Reason = "CriticalSubtaskFailed"
	ReasonApprovalDenied        Reason = "ApprovalDenied"
	ReasonBudgetExceeded        Reason = "BudgetExceeded"
	ReasonMaxRetriesExceeded    Reason = "MaxRetriesExceeded"
	ReasonJoinTimeout           Reason = "JoinTimeout"
	ReasonChkVersionMismatch    Reason = "ChkVersionMismatch"
	ReasonCheckpointCorruption  Reason = "CheckpointCorruption"
	ReasonReplanDepthExceeded   Reason = "ReplanDepthExceeded"
	ReasonPolicyViolation       Reason = "PolicyViolation"
	ReasonCancelRequested       Reason = "CancelRequested"
)
