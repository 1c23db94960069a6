package engine

import "fmt"

// Precondition failure reasons surfaced by tool operations and ingest
// handlers.
const (
	ReasonIntentNotFound   = "intent_not_found"
	ReasonIntentNotPending = "intent_not_pending"
	ReasonSkillMismatch    = "skill_mismatch"
	ReasonReputationTooLow = "reputation_too_low"
	ReasonBudgetTooLow     = "budget_too_low"
	ReasonSelfOffer        = "self_offer"
	ReasonNotExecutor      = "not_selected_executor"
	ReasonIntentNotAccept  = "intent_not_accepted"
	ReasonUnstakedPeer     = "unstaked_or_unknown_peer"
)

// ValidationError reports malformed tool arguments. No state was changed.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// PreconditionError reports a state precondition that did not hold, keyed by
// a stable reason string.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return e.Reason }

func precondition(reason string) error {
	return &PreconditionError{Reason: reason}
}

// VerificationError reports a failed settle-time payment verification.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return "payment verification failed: " + e.Reason
}
