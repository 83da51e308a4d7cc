// Package workflow drives one user's request from a prompt to an executed
// action: classify, gate, confirm, delegate, execute. Only one intent is in
// progress at a time and it never survives cancellation or failure.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"finllm.org/internal/credential"
	"finllm.org/internal/delegation"
	"finllm.org/internal/executor"
	"finllm.org/internal/intent"
	"finllm.org/internal/obs"
	"finllm.org/internal/session"
)

// Classifier reads a prompt as an intent on behalf of the session.
type Classifier interface {
	Classify(ctx context.Context, tok credential.SessionToken, prompt string) (intent.Intent, error)
}

// Delegator exchanges a session and a confirmed intent for an agent token.
type Delegator interface {
	Delegate(ctx context.Context, tok credential.SessionToken, in intent.Intent) (credential.AgentToken, error)
}

// Executor runs the action as the agent.
type Executor interface {
	Execute(ctx context.Context, tok credential.AgentToken, req delegation.ActionRequest) (executor.ActionResult, error)
}

// Ports are the three remote calls the workflow suspends on.
type Ports struct {
	Classifier Classifier
	Delegator  Delegator
	Executor   Executor
}

// View is a snapshot for rendering.
type View struct {
	State         State
	Intent        *intent.Intent
	Warning       string
	Message       string
	Err           error
	Result        *executor.ActionResult
	CanConfirm    bool
	Authenticated bool
}

type Option func(*Workflow)

// WithGate selects the safety gate policy. The default is GateShowDisabled.
func WithGate(g Gate) Option {
	return func(w *Workflow) { w.gate = g }
}

// WithObserver registers a callback run on every state change, outside the
// workflow lock.
func WithObserver(fn func(from, to State)) Option {
	return func(w *Workflow) { w.observer = fn }
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.log = l
		}
	}
}

type Workflow struct {
	sessions *session.Store
	ports    Ports
	gate     Gate
	observer func(from, to State)
	log      *slog.Logger

	mu      sync.Mutex
	state   State
	held    *intent.Intent
	warning string
	message string
	err     error
	result  *executor.ActionResult
	pending []transition
}

type transition struct{ from, to State }

func New(sessions *session.Store, ports Ports, opts ...Option) (*Workflow, error) {
	if sessions == nil {
		return nil, errors.New("workflow: session store is required")
	}
	if ports.Classifier == nil || ports.Delegator == nil || ports.Executor == nil {
		return nil, errors.New("workflow: classifier, delegator and executor are required")
	}
	w := &Workflow{
		sessions: sessions,
		ports:    ports,
		log:      obs.Component("workflow"),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Submit classifies prompt. A safe intent leaves the workflow in
// IntentReady; an unsafe one is gated and returned as a KindUnsafeIntent
// error.
func (w *Workflow) Submit(ctx context.Context, prompt string) (View, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return w.View(), ErrEmptyPrompt
	}

	w.mu.Lock()
	if w.state.suspended() || w.state.holding() {
		w.mu.Unlock()
		return w.View(), ErrBusy
	}
	tok, ok := w.sessions.Token()
	if !ok {
		err := w.authFailedLocked(ErrNotAuthenticated)
		w.unlock()
		return w.View(), err
	}
	w.clearLocked()
	w.moveLocked(StateIdle)
	w.moveLocked(StateAwaitingIntent)
	w.unlock()

	in, err := w.ports.Classifier.Classify(ctx, tok, prompt)

	w.mu.Lock()
	defer w.unlock()
	if err != nil {
		if isAuthFailure(err) {
			err = w.authFailedLocked(err)
			return w.viewLocked(), err
		}
		err = w.failLocked(KindClassification, err)
		return w.viewLocked(), err
	}

	in = in.Clone()
	w.held = &in
	w.moveLocked(StateIntentReady)
	w.log.Info("intent classified", "action", in.Action, "safe", in.IsSafe, "confidence", in.ConfidenceScore)

	if in.IsSafe {
		return w.viewLocked(), nil
	}

	reason := "no reasoning given"
	if in.Reasoning != nil && strings.TrimSpace(*in.Reasoning) != "" {
		reason = *in.Reasoning
	}
	w.warning = reason
	gateErr := &Error{Kind: KindUnsafeIntent, Err: fmt.Errorf("%w: %s", ErrUnsafeIntent, reason)}
	w.err = gateErr
	if w.gate == GateHide {
		w.held = nil
		w.moveLocked(StateIdle)
	} else {
		w.moveLocked(StateBlocked)
	}
	return w.viewLocked(), gateErr
}

// Review presents a safe intent for confirmation.
func (w *Workflow) Review() (View, error) {
	w.mu.Lock()
	defer w.unlock()
	switch w.state {
	case StateConfirmPending:
		return w.viewLocked(), nil
	case StateIntentReady:
		if w.held == nil || !w.held.IsSafe {
			return w.viewLocked(), ErrInvalidTransition
		}
		w.moveLocked(StateConfirmPending)
		return w.viewLocked(), nil
	}
	return w.viewLocked(), ErrInvalidTransition
}

// Confirm is the human's explicit approval. It delegates the held intent
// and executes it as the agent. The held intent is released before the
// first call, so it can never be delegated twice.
func (w *Workflow) Confirm(ctx context.Context) (View, error) {
	w.mu.Lock()
	if w.state.suspended() {
		w.mu.Unlock()
		return w.View(), ErrBusy
	}
	if w.state == StateIntentReady && w.held != nil && w.held.IsSafe {
		w.moveLocked(StateConfirmPending)
	}
	if w.state != StateConfirmPending || w.held == nil || !w.held.IsSafe {
		w.unlock()
		return w.View(), ErrInvalidTransition
	}
	tok, ok := w.sessions.Token()
	if !ok {
		err := w.authFailedLocked(ErrNotAuthenticated)
		w.unlock()
		return w.View(), err
	}
	in := *w.held
	w.held = nil
	w.message = ""
	w.moveLocked(StateDelegating)
	w.unlock()

	// Once issuance has started it is allowed to settle.
	callCtx := context.WithoutCancel(ctx)

	agentTok, err := w.ports.Delegator.Delegate(callCtx, tok, in)
	if err != nil {
		w.mu.Lock()
		defer w.unlock()
		if isAuthFailure(err) {
			err = w.authFailedLocked(err)
			return w.viewLocked(), err
		}
		err = w.failLocked(KindDelegation, err)
		return w.viewLocked(), err
	}

	w.mu.Lock()
	w.moveLocked(StateExecuting)
	w.unlock()

	res, err := w.ports.Executor.Execute(callCtx, agentTok, delegation.RequestFor(in, in.Summary()))

	w.mu.Lock()
	defer w.unlock()
	if err != nil {
		err = w.failLocked(KindExecution, err)
		return w.viewLocked(), err
	}
	w.result = &res
	w.message = res.Response
	w.moveLocked(StateCompleted)
	w.log.Info("action executed", "action", in.Action, "event_id", res.EventID)
	return w.viewLocked(), nil
}

// Cancel discards the held intent. It is honoured in IntentReady,
// ConfirmPending and Blocked; while a call is in flight it returns
// ErrInFlight.
func (w *Workflow) Cancel() (View, error) {
	w.mu.Lock()
	defer w.unlock()
	if w.state.suspended() {
		return w.viewLocked(), ErrInFlight
	}
	if !w.state.holding() {
		return w.viewLocked(), ErrInvalidTransition
	}
	w.clearLocked()
	w.moveLocked(StateCancelled)
	w.message = "Request cancelled."
	w.moveLocked(StateIdle)
	return w.viewLocked(), nil
}

// Reset returns to Idle from any settled state, dropping the held intent
// and any displayed error.
func (w *Workflow) Reset() (View, error) {
	w.mu.Lock()
	defer w.unlock()
	if w.state.suspended() {
		return w.viewLocked(), ErrInFlight
	}
	w.clearLocked()
	w.moveLocked(StateIdle)
	return w.viewLocked(), nil
}

// View returns a snapshot of the workflow.
func (w *Workflow) View() View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.viewLocked()
}

func (w *Workflow) viewLocked() View {
	v := View{
		State:         w.state,
		Warning:       w.warning,
		Message:       w.message,
		Err:           w.err,
		Authenticated: w.sessions.Authenticated(),
	}
	if w.held != nil {
		in := w.held.Clone()
		v.Intent = &in
		v.CanConfirm = (w.state == StateIntentReady || w.state == StateConfirmPending) && in.IsSafe && w.err == nil
	}
	if w.result != nil {
		res := *w.result
		v.Result = &res
	}
	return v
}

func (w *Workflow) clearLocked() {
	w.held = nil
	w.warning = ""
	w.message = ""
	w.err = nil
	w.result = nil
}

// failLocked records err as the only visible outcome and discards any
// intent or token.
func (w *Workflow) failLocked(kind Kind, err error) error {
	werr := &Error{Kind: kind, Err: err}
	w.held = nil
	w.result = nil
	w.message = ""
	w.err = werr
	w.moveLocked(StateFailed)
	w.log.Warn("workflow failed", "kind", kind.String(), "error", err)
	return werr
}

// authFailedLocked forgets the session and returns to Idle.
func (w *Workflow) authFailedLocked(err error) error {
	if clearErr := w.sessions.Clear(); clearErr != nil {
		w.log.Error("clear session", "error", clearErr)
	}
	werr := &Error{Kind: KindAuthentication, Err: err}
	w.held = nil
	w.result = nil
	w.message = ""
	w.warning = ""
	w.err = werr
	w.moveLocked(StateIdle)
	return werr
}

func (w *Workflow) moveLocked(to State) {
	from := w.state
	w.state = to
	if from != to && w.observer != nil {
		w.pending = append(w.pending, transition{from, to})
	}
}

// unlock releases the lock and then reports queued transitions.
func (w *Workflow) unlock() {
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, t := range pending {
		w.observer(t.from, t.to)
	}
}

func isAuthFailure(err error) bool {
	return errors.Is(err, delegation.ErrSessionInvalid) || errors.Is(err, ErrNotAuthenticated)
}
