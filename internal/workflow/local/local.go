// Package local connects a workflow directly to the server-side components
// so the whole protocol can run in one process.
package local

import (
	"context"
	"errors"
	"fmt"

	"finllm.org/internal/auth"
	"finllm.org/internal/credential"
	"finllm.org/internal/delegation"
	"finllm.org/internal/executor"
	"finllm.org/internal/intent"
	"finllm.org/internal/session"
	"finllm.org/internal/workflow"
)

// Authenticator is the session side of auth.Service.
type Authenticator interface {
	Login(ctx context.Context, cred credential.Credential) (auth.Session, credential.SessionToken, error)
	Authenticate(ctx context.Context, tok credential.SessionToken) (auth.Session, error)
	Logout(ctx context.Context, tok credential.SessionToken) error
}

// Issuer is the issuing side of delegation.Authority.
type Issuer interface {
	Delegate(ctx context.Context, tok credential.SessionToken, in intent.Intent) (credential.AgentToken, delegation.Claims, error)
}

type Adapter struct {
	sessions   Authenticator
	classifier intent.Classifier
	issuer     Issuer
	exec       workflow.Executor
}

func New(sessions Authenticator, classifier intent.Classifier, issuer Issuer, exec workflow.Executor) *Adapter {
	return &Adapter{sessions: sessions, classifier: classifier, issuer: issuer, exec: exec}
}

// Ports returns the adapter as workflow ports.
func (a *Adapter) Ports() workflow.Ports {
	return workflow.Ports{Classifier: a, Delegator: a, Executor: a}
}

// Login opens a session and saves its token in store.
func (a *Adapter) Login(ctx context.Context, store *session.Store, cred credential.Credential) error {
	_, tok, err := a.sessions.Login(ctx, cred)
	if err != nil {
		return err
	}
	return store.Set(tok)
}

// Logout revokes the stored session and clears store.
func (a *Adapter) Logout(ctx context.Context, store *session.Store) error {
	tok, ok := store.Token()
	if !ok {
		return nil
	}
	err := a.sessions.Logout(ctx, tok)
	if clearErr := store.Clear(); clearErr != nil {
		return clearErr
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return nil
	}
	return err
}

// Classify checks the session the way the intent endpoint does, then
// classifies.
func (a *Adapter) Classify(ctx context.Context, tok credential.SessionToken, prompt string) (intent.Intent, error) {
	if _, err := a.sessions.Authenticate(ctx, tok); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return intent.Intent{}, fmt.Errorf("%w: %v", delegation.ErrSessionInvalid, err)
		}
		return intent.Intent{}, err
	}
	return a.classifier.Classify(ctx, prompt)
}

func (a *Adapter) Delegate(ctx context.Context, tok credential.SessionToken, in intent.Intent) (credential.AgentToken, error) {
	agentTok, _, err := a.issuer.Delegate(ctx, tok, in)
	return agentTok, err
}

func (a *Adapter) Execute(ctx context.Context, tok credential.AgentToken, req delegation.ActionRequest) (executor.ActionResult, error) {
	return a.exec.Execute(ctx, tok, req)
}
