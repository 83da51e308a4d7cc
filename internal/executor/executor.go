// Package executor carries out exactly one delegated action per agent token.
package executor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"finllm.org/internal/audit"
	"finllm.org/internal/auth"
	"finllm.org/internal/credential"
	"finllm.org/internal/delegation"
	"finllm.org/internal/intent"
	"finllm.org/internal/intent/guard"
	"finllm.org/internal/ledger"
	"finllm.org/internal/obs"
	"finllm.org/internal/stream"
)

// StatusExecuted is reported for every completed action.
const StatusExecuted = "Transaction executed and logged successfully."

var (
	// ErrBlocked reports that the input or output filter refused the action.
	ErrBlocked = errors.New("executor: blocked by filter")
	// ErrActionFailed reports that the authorized action could not be performed.
	ErrActionFailed = errors.New("executor: action failed")
	// ErrIntegrity reports that the action line failed signature verification.
	ErrIntegrity = errors.New("executor: signature verification failed")
)

// Wire codes.
const (
	CodeBlocked      = "ACTION_BLOCKED"
	CodeActionFailed = "ACTION_FAILED"
	CodeIntegrity    = "INTEGRITY_FAILED"
)

// CodeOf returns the wire code and status for err. Delegation errors keep
// their own codes.
func CodeOf(err error) (string, int) {
	if code, status := delegation.CodeOf(err); code != "" {
		return code, status
	}
	switch {
	case errors.Is(err, ErrBlocked):
		return CodeBlocked, http.StatusBadRequest
	case errors.Is(err, ErrActionFailed):
		return CodeActionFailed, http.StatusUnprocessableEntity
	case errors.Is(err, ErrIntegrity):
		return CodeIntegrity, http.StatusInternalServerError
	}
	return "", 0
}

// FromCode maps a wire code back to its sentinel error, or nil if unknown.
func FromCode(code string) error {
	switch code {
	case CodeBlocked:
		return ErrBlocked
	case CodeActionFailed:
		return ErrActionFailed
	case CodeIntegrity:
		return ErrIntegrity
	}
	return delegation.FromCode(code)
}

// ActionResult is returned to the agent after a successful execution.
type ActionResult struct {
	Response string `json:"response"`
	EventID  string `json:"event_id"`
	Status   string `json:"status"`
}

// Authorizer validates and consumes agent tokens.
type Authorizer interface {
	Authorize(ctx context.Context, tok credential.AgentToken, req delegation.ActionRequest) (delegation.Claims, error)
}

// Executor runs the action pipeline.
type Executor struct {
	authz    Authorizer
	ledger   ledger.Service
	filter   *guard.Filter
	signer   *Signer
	recorder audit.Recorder
	events   *stream.Stream
	now      func() time.Time
}

// Option customises an Executor.
type Option func(*Executor) error

// WithFilter sets the input/output filter. The built-in injection patterns
// apply even without one.
func WithFilter(f *guard.Filter) Option {
	return func(e *Executor) error {
		e.filter = f
		return nil
	}
}

// WithSigner sets the key used for the integrity signature.
func WithSigner(s *Signer) Option {
	return func(e *Executor) error {
		if s == nil {
			return errors.New("executor: nil signer")
		}
		e.signer = s
		return nil
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(r audit.Recorder) Option {
	return func(e *Executor) error {
		if r == nil {
			return errors.New("executor: nil recorder")
		}
		e.recorder = r
		return nil
	}
}

// WithStream publishes every execution to s.
func WithStream(s *stream.Stream) Option {
	return func(e *Executor) error {
		e.events = s
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) error {
		if now == nil {
			return errors.New("executor: nil clock")
		}
		e.now = now
		return nil
	}
}

// New builds an Executor. Without WithSigner an ephemeral 2048-bit key is
// generated.
func New(authz Authorizer, l ledger.Service, opts ...Option) (*Executor, error) {
	if authz == nil || l == nil {
		return nil, errors.New("executor: authorizer and ledger are required")
	}
	e := &Executor{
		authz:    authz,
		ledger:   l,
		recorder: audit.LogRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.signer == nil {
		s, err := GenerateSigner(2048)
		if err != nil {
			return nil, err
		}
		e.signer = s
	}
	return e, nil
}

// ActionLine renders the request the way it is filtered, signed and audited.
func ActionLine(req delegation.ActionRequest) string {
	tgt, amt := "N/A", "N/A"
	if req.Target != nil {
		tgt = *req.Target
	}
	if req.Amount != nil {
		amt = intent.FormatAmount(*req.Amount)
		if req.Unit != nil {
			amt += " " + *req.Unit
		}
	}
	return fmt.Sprintf("Action:%s Target:%s Amount:%s", req.Action, tgt, amt)
}

// Execute authorizes tok for req and performs the action once.
func (e *Executor) Execute(ctx context.Context, tok credential.AgentToken, req delegation.ActionRequest) (ActionResult, error) {
	claims, err := e.authz.Authorize(ctx, tok, req)
	if err != nil {
		obs.ObserveExecution(req.Action, "rejected")
		return ActionResult{}, err
	}
	owner := claims.Subject
	ctx = auth.ContextWithSession(ctx, auth.Session{ID: claims.SessionID, UserID: owner})
	log := obs.Component("executor").With("jti", claims.ID, "action", claims.Action)

	line := ActionLine(req)
	masked, err := e.filter.CheckInput(line)
	if err != nil {
		e.fail(ctx, "execution.input_blocked", claims, err)
		return ActionResult{}, fmt.Errorf("%w: %v", ErrBlocked, err)
	}

	sig, err := e.signer.Sign(masked)
	if err != nil {
		e.fail(ctx, "execution.security_fail", claims, err)
		return ActionResult{}, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if !e.signer.Verify(masked, sig) {
		e.fail(ctx, "execution.security_fail", claims, ErrIntegrity)
		return ActionResult{}, ErrIntegrity
	}

	h, ok := handlers[claims.Action]
	if !ok {
		err := fmt.Errorf("%w: unsupported action %q", ErrActionFailed, claims.Action)
		e.fail(ctx, "execution.failed", claims, err)
		return ActionResult{}, err
	}
	out, err := h(ctx, e.ledger, owner, req, claims.ID)
	if err != nil {
		e.fail(ctx, "execution.failed", claims, err)
		return ActionResult{}, fmt.Errorf("%w: %v", ErrActionFailed, err)
	}

	if err := e.filter.CheckOutput(out.Response); err != nil {
		e.fail(ctx, "execution.output_blocked", claims, err)
		return ActionResult{}, fmt.Errorf("%w: %v", ErrBlocked, err)
	}

	eventID, err := e.recorder.Record(ctx, "execution.succeeded", map[string]any{
		"jti":              claims.ID,
		"delegated_action": claims.Action,
		"input_masked":     masked,
		"signature_hex":    hex.EncodeToString(sig),
		"verified":         true,
		"transaction_id":   out.TxID,
		"agent_response":   out.Response,
		"description":      guard.Mask(req.Description),
	})
	if err != nil {
		// The ledger already moved; report success without an event id.
		log.Error("audit record failed", "error", err)
	}

	if e.events != nil {
		e.events.Publish(stream.ExecutionEvent{
			EventID:   eventID,
			Owner:     owner,
			Action:    claims.Action,
			Target:    guard.Mask(out.Target),
			Amount:    out.Money.Amount,
			Currency:  out.Money.Currency,
			Status:    "executed",
			Timestamp: e.now().UTC(),
		})
	}
	obs.ObserveExecution(claims.Action, "executed")
	log.Info("action executed", "event_id", eventID)

	return ActionResult{Response: out.Response, EventID: eventID, Status: StatusExecuted}, nil
}

func (e *Executor) fail(ctx context.Context, event string, claims delegation.Claims, cause error) {
	obs.ObserveExecution(claims.Action, "failed")
	_, _ = e.recorder.Record(ctx, event, map[string]any{
		"jti":    claims.ID,
		"action": claims.Action,
		"reason": cause.Error(),
	})
}
