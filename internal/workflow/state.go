package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// State is a step of the delegation workflow.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingIntent State = "awaiting_intent"
	StateIntentReady    State = "intent_ready"
	StateBlocked        State = "blocked"
	StateConfirmPending State = "confirm_pending"
	StateDelegating     State = "delegating"
	StateExecuting      State = "executing"
	StateCompleted      State = "completed"
	StateCancelled      State = "cancelled"
	StateFailed         State = "failed"
)

// suspended reports whether the workflow is waiting on a remote call.
func (s State) suspended() bool {
	return s == StateAwaitingIntent || s == StateDelegating || s == StateExecuting
}

// holding reports whether an intent is held for review.
func (s State) holding() bool {
	return s == StateIntentReady || s == StateConfirmPending || s == StateBlocked
}

// Gate decides what the workflow does with an intent classified unsafe.
// In both variants the intent is never delegated.
type Gate int

const (
	// GateShowDisabled keeps the unsafe intent visible in Blocked with
	// confirmation disabled.
	GateShowDisabled Gate = iota
	// GateHide surfaces only the warning and returns to Idle.
	GateHide
)

func (g Gate) String() string {
	if g == GateHide {
		return "hide"
	}
	return "show"
}

// ParseGate accepts "hide" or "show".
func ParseGate(s string) (Gate, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "show", "show-disabled", "show_disabled":
		return GateShowDisabled, nil
	case "hide":
		return GateHide, nil
	}
	return 0, fmt.Errorf("workflow: unknown gate policy %q", s)
}

var (
	// ErrBusy is returned when an operation would interleave with the
	// intent already in progress.
	ErrBusy = errors.New("workflow: another request is in progress")
	// ErrInFlight is returned when cancelling while a delegation or
	// execution call has not settled.
	ErrInFlight = errors.New("workflow: cannot cancel while a call is in flight")
	// ErrInvalidTransition is returned for operations the current state
	// does not allow.
	ErrInvalidTransition = errors.New("workflow: operation not allowed in current state")
	ErrEmptyPrompt       = errors.New("workflow: prompt is empty")
	ErrNotAuthenticated  = errors.New("workflow: not logged in")
	// ErrUnsafeIntent wraps the classifier's reasoning for a refused intent.
	ErrUnsafeIntent = errors.New("intent flagged unsafe")
)

// Kind groups workflow errors by how the human recovers from them.
type Kind int

const (
	KindAuthentication Kind = iota + 1
	KindClassification
	KindUnsafeIntent
	KindDelegation
	KindExecution
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindClassification:
		return "classification"
	case KindUnsafeIntent:
		return "unsafe intent"
	case KindDelegation:
		return "delegation"
	case KindExecution:
		return "execution"
	}
	return "unknown"
}

// Error is a failure caught at a suspension point.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + " error: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a workflow error, or 0.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return 0
}
