package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finllm.org/internal/credential"
	"finllm.org/internal/delegation"
	"finllm.org/internal/executor"
	"finllm.org/internal/intent"
	"finllm.org/internal/session"
)

type fakeClassifier struct {
	in      intent.Intent
	err     error
	gate    chan struct{}
	entered chan struct{}
	tokens  []credential.SessionToken
}

func (f *fakeClassifier) Classify(ctx context.Context, tok credential.SessionToken, prompt string) (intent.Intent, error) {
	f.tokens = append(f.tokens, tok)
	if f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.in, f.err
}

type fakeDelegator struct {
	mu      sync.Mutex
	calls   []intent.Intent
	err     error
	gate    chan struct{}
	entered chan struct{}
	ctxErr  error
}

func (f *fakeDelegator) Delegate(ctx context.Context, tok credential.SessionToken, in intent.Intent) (credential.AgentToken, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	if f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return "", f.err
	}
	return "agent-token", nil
}

func (f *fakeDelegator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeExecutor struct {
	reqs []delegation.ActionRequest
	toks []credential.AgentToken
	err  error
}

func (f *fakeExecutor) Execute(ctx context.Context, tok credential.AgentToken, req delegation.ActionRequest) (executor.ActionResult, error) {
	f.toks = append(f.toks, tok)
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return executor.ActionResult{}, f.err
	}
	return executor.ActionResult{Response: "Transferred 100.00 USD from checking to savings.", EventID: "evt-1", Status: executor.StatusExecuted}, nil
}

type harness struct {
	wf          *Workflow
	store       *session.Store
	classifier  *fakeClassifier
	delegator   *fakeDelegator
	executor    *fakeExecutor
	mu          sync.Mutex
	transitions []State
}

func (h *harness) seen() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.transitions...)
}

func newHarness(t *testing.T, in intent.Intent, opts ...Option) *harness {
	t.Helper()
	store, err := session.New(nil)
	require.NoError(t, err)
	require.NoError(t, store.Set("session-token"))

	h := &harness{
		store:      store,
		classifier: &fakeClassifier{in: in},
		delegator:  &fakeDelegator{},
		executor:   &fakeExecutor{},
	}
	opts = append(opts, WithObserver(func(from, to State) {
		h.mu.Lock()
		h.transitions = append(h.transitions, to)
		h.mu.Unlock()
	}))
	h.wf, err = New(store, Ports{Classifier: h.classifier, Delegator: h.delegator, Executor: h.executor}, opts...)
	require.NoError(t, err)
	return h
}

func safeTransfer() intent.Intent {
	return intent.Intent{
		Action:          intent.ActionTransfer,
		Target:          intent.String("savings"),
		Amount:          intent.Float(100),
		Unit:            intent.String("USD"),
		IsSafe:          true,
		ConfidenceScore: 0.92,
	}
}

func unsafeTransfer() intent.Intent {
	in := safeTransfer()
	in.IsSafe = false
	in.Reasoning = intent.String("amount exceeds typical pattern")
	return in
}

func TestHappyPathReachesCompleted(t *testing.T) {
	h := newHarness(t, safeTransfer())
	ctx := context.Background()

	v, err := h.wf.Submit(ctx, "Transfer 100 from checking to savings")
	require.NoError(t, err)
	assert.Equal(t, StateIntentReady, v.State)
	require.NotNil(t, v.Intent)
	assert.True(t, v.CanConfirm)
	assert.Equal(t, []credential.SessionToken{"session-token"}, h.classifier.tokens)

	v, err = h.wf.Review()
	require.NoError(t, err)
	assert.Equal(t, StateConfirmPending, v.State)

	v, err = h.wf.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, v.State)
	assert.Equal(t, "evt-1", v.Result.EventID)
	assert.NotEmpty(t, v.Message)
	assert.Nil(t, v.Intent)
	assert.False(t, v.CanConfirm)

	require.Len(t, h.executor.reqs, 1)
	req := h.executor.reqs[0]
	assert.True(t, req.Binding().Matches(safeTransfer().Bind()))
	assert.Equal(t, credential.AgentToken("agent-token"), h.executor.toks[0])

	assert.Equal(t, []State{
		StateAwaitingIntent, StateIntentReady, StateConfirmPending,
		StateDelegating, StateExecuting, StateCompleted,
	}, h.seen())

	_, err = h.wf.Confirm(ctx)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, h.delegator.count())
}

func TestUnsafeIntentBlockedWithDetails(t *testing.T) {
	h := newHarness(t, unsafeTransfer())

	v, err := h.wf.Submit(context.Background(), "Transfer 100 from checking to savings")
	require.Error(t, err)
	assert.Equal(t, KindUnsafeIntent, KindOf(err))
	require.ErrorIs(t, err, ErrUnsafeIntent)
	assert.Equal(t, StateBlocked, v.State)
	require.NotNil(t, v.Intent)
	assert.False(t, v.CanConfirm)
	assert.Equal(t, "amount exceeds typical pattern", v.Warning)

	_, err = h.wf.Review()
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.wf.Confirm(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.wf.Submit(context.Background(), "again")
	require.ErrorIs(t, err, ErrBusy)
	assert.Zero(t, h.delegator.count())

	v, err = h.wf.Cancel()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, v.State)
	assert.Nil(t, v.Intent)
}

func TestUnsafeIntentHidden(t *testing.T) {
	h := newHarness(t, unsafeTransfer(), WithGate(GateHide))

	v, err := h.wf.Submit(context.Background(), "Transfer 100 from checking to savings")
	assert.Equal(t, KindUnsafeIntent, KindOf(err))
	assert.Equal(t, StateIdle, v.State)
	assert.Nil(t, v.Intent)
	assert.Equal(t, "amount exceeds typical pattern", v.Warning)

	_, err = h.wf.Confirm(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, h.delegator.count())
}

func TestExecutionMismatchFails(t *testing.T) {
	h := newHarness(t, safeTransfer())
	h.executor.err = delegation.ErrPayloadMismatch

	_, err := h.wf.Submit(context.Background(), "Transfer 100 from checking to savings")
	require.NoError(t, err)
	v, err := h.wf.Confirm(context.Background())
	require.ErrorIs(t, err, delegation.ErrPayloadMismatch)
	assert.Equal(t, KindExecution, KindOf(err))
	assert.Equal(t, StateFailed, v.State)
	assert.Nil(t, v.Intent)
	assert.Nil(t, v.Result)
	assert.False(t, v.CanConfirm)
	assert.True(t, v.Authenticated)

	_, err = h.wf.Confirm(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, h.delegator.count())
}

func TestDelegationErrorIsTerminal(t *testing.T) {
	h := newHarness(t, safeTransfer())
	h.delegator.err = delegation.ErrIntentMalformed

	_, err := h.wf.Submit(context.Background(), "Transfer 100")
	require.NoError(t, err)
	v, err := h.wf.Confirm(context.Background())
	assert.Equal(t, KindDelegation, KindOf(err))
	require.ErrorIs(t, err, delegation.ErrIntentMalformed)
	assert.Equal(t, StateFailed, v.State)
	assert.Empty(t, h.executor.reqs)

	_, err = h.wf.Confirm(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, h.delegator.count())
}

func TestCancelDiscardsIntent(t *testing.T) {
	h := newHarness(t, safeTransfer())

	_, err := h.wf.Submit(context.Background(), "Transfer 100 from checking to savings")
	require.NoError(t, err)
	v, err := h.wf.Cancel()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, v.State)
	assert.Nil(t, v.Intent)
	assert.Contains(t, h.seen(), StateCancelled)

	_, err = h.wf.Review()
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.wf.Confirm(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, h.delegator.count())

	_, err = h.wf.Cancel()
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelFromConfirmPending(t *testing.T) {
	h := newHarness(t, safeTransfer())

	_, err := h.wf.Submit(context.Background(), "Transfer 100")
	require.NoError(t, err)
	_, err = h.wf.Review()
	require.NoError(t, err)
	v, err := h.wf.Cancel()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, v.State)
	assert.Equal(t, "Request cancelled.", v.Message)
}

func TestCancelWaitsForDelegation(t *testing.T) {
	h := newHarness(t, safeTransfer())
	h.delegator.gate = make(chan struct{})
	h.delegator.entered = make(chan struct{})

	_, err := h.wf.Submit(context.Background(), "Transfer 100")
	require.NoError(t, err)

	done := make(chan View, 1)
	go func() {
		v, _ := h.wf.Confirm(context.Background())
		done <- v
	}()
	<-h.delegator.entered

	v, err := h.wf.Cancel()
	require.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, StateDelegating, v.State)
	_, err = h.wf.Reset()
	require.ErrorIs(t, err, ErrInFlight)
	_, err = h.wf.Submit(context.Background(), "another")
	require.ErrorIs(t, err, ErrBusy)
	_, err = h.wf.Confirm(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	close(h.delegator.gate)
	select {
	case v = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("confirm did not finish")
	}
	assert.Equal(t, StateCompleted, v.State)
	assert.Equal(t, 1, h.delegator.count())
}

func TestSubmitRejectedWhileClassifying(t *testing.T) {
	h := newHarness(t, safeTransfer())
	h.classifier.gate = make(chan struct{})
	h.classifier.entered = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.wf.Submit(context.Background(), "Transfer 100")
		done <- err
	}()
	<-h.classifier.entered

	_, err := h.wf.Submit(context.Background(), "Withdraw 20")
	require.ErrorIs(t, err, ErrBusy)
	_, err = h.wf.Cancel()
	require.ErrorIs(t, err, ErrInFlight)

	close(h.classifier.gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateIntentReady, h.wf.View().State)
}

func TestConfirmSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, safeTransfer())

	_, err := h.wf.Submit(context.Background(), "Transfer 100")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v, err := h.wf.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, v.State)
	assert.NoError(t, h.delegator.ctxErr)
}

func TestSessionRejectionClearsSession(t *testing.T) {
	h := newHarness(t, safeTransfer())
	h.classifier.err = delegation.ErrSessionInvalid

	v, err := h.wf.Submit(context.Background(), "Transfer 100")
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Equal(t, StateIdle, v.State)
	assert.False(t, v.Authenticated)
	assert.False(t, h.store.Authenticated())

	h.classifier.err = nil
	_, err = h.wf.Submit(context.Background(), "Transfer 100")
	require.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Len(t, h.classifier.tokens, 1)
}

func TestSessionRejectedAtDelegation(t *testing.T) {
	h := newHarness(t, safeTransfer())
	h.delegator.err = delegation.ErrSessionInvalid

	_, err := h.wf.Submit(context.Background(), "Transfer 100")
	require.NoError(t, err)
	v, err := h.wf.Confirm(context.Background())
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Equal(t, StateIdle, v.State)
	assert.False(t, h.store.Authenticated())
	assert.Empty(t, h.executor.reqs)
}

func TestFailureViewMatchesSettledState(t *testing.T) {
	cases := []struct {
		name      string
		setup     func(h *harness)
		confirm   bool
		wantState State
		wantKind  Kind
	}{
		{"classifier failure", func(h *harness) { h.classifier.err = intent.ErrClassification }, false, StateFailed, KindClassification},
		{"classifier session rejected", func(h *harness) { h.classifier.err = delegation.ErrSessionInvalid }, false, StateIdle, KindAuthentication},
		{"delegation refused", func(h *harness) { h.delegator.err = delegation.ErrIntentMalformed }, true, StateFailed, KindDelegation},
		{"delegation session rejected", func(h *harness) { h.delegator.err = delegation.ErrSessionInvalid }, true, StateIdle, KindAuthentication},
		{"execution refused", func(h *harness) { h.executor.err = delegation.ErrTokenAlreadyConsumed }, true, StateFailed, KindExecution},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, safeTransfer())
			tc.setup(h)

			v, err := h.wf.Submit(context.Background(), "Transfer 100")
			if tc.confirm {
				require.NoError(t, err)
				v, err = h.wf.Confirm(context.Background())
			}
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, KindOf(err))
			assert.Equal(t, tc.wantState, v.State)
			require.Error(t, v.Err)
			assert.Equal(t, tc.wantKind, KindOf(v.Err))
			assert.False(t, v.CanConfirm)
			assert.Equal(t, h.wf.View(), v)
		})
	}
}

func TestLatestErrorReplacesSuccess(t *testing.T) {
	h := newHarness(t, safeTransfer())
	ctx := context.Background()

	_, err := h.wf.Submit(ctx, "Transfer 100")
	require.NoError(t, err)
	v, err := h.wf.Confirm(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, v.Message)

	h.classifier.err = errors.New("model unavailable")
	v, err = h.wf.Submit(ctx, "Transfer 100")
	assert.Equal(t, KindClassification, KindOf(err))
	assert.Equal(t, StateFailed, v.State)
	assert.Empty(t, v.Message)
	assert.Nil(t, v.Result)
	require.Error(t, v.Err)

	h.classifier.err = nil
	v, err = h.wf.Submit(ctx, "Transfer 100")
	require.NoError(t, err)
	assert.Nil(t, v.Err)
	assert.Equal(t, StateIntentReady, v.State)
}

func TestEmptyPrompt(t *testing.T) {
	h := newHarness(t, safeTransfer())
	v, err := h.wf.Submit(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Equal(t, StateIdle, v.State)
	assert.Empty(t, h.classifier.tokens)
}

func TestViewIntentIsACopy(t *testing.T) {
	h := newHarness(t, safeTransfer())
	v, err := h.wf.Submit(context.Background(), "Transfer 100")
	require.NoError(t, err)

	*v.Intent.Amount = 1_000_000
	_, err = h.wf.Confirm(context.Background())
	require.NoError(t, err)
	require.Len(t, h.delegator.calls, 1)
	assert.Equal(t, 100.0, *h.delegator.calls[0].Amount)
}

func TestParseGate(t *testing.T) {
	g, err := ParseGate("hide")
	require.NoError(t, err)
	assert.Equal(t, GateHide, g)
	g, err = ParseGate("")
	require.NoError(t, err)
	assert.Equal(t, GateShowDisabled, g)
	_, err = ParseGate("sometimes")
	require.Error(t, err)
}
