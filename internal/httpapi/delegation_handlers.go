package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"finllm.org/internal/credential"
	"finllm.org/internal/delegation"
	"finllm.org/internal/executor"
	"finllm.org/internal/intent"
	"finllm.org/internal/obs"
)

const maxPromptLen = 2000

type intentRequest struct {
	Prompt string `json:"prompt"`
}

type delegateRequest struct {
	UserToken string        `json:"user_token"`
	Intent    intent.Intent `json:"intent"`
}

type delegateResponse struct {
	AgentToken string    `json:"agent_token"`
	TokenType  string    `json:"token_type"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (a *API) handleIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Classifier == nil {
		writeError(w, r, http.StatusServiceUnavailable, "classifier not configured")
		return
	}
	var req intentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		writeError(w, r, http.StatusBadRequest, "prompt is required")
		return
	}
	if len(prompt) > maxPromptLen {
		writeError(w, r, http.StatusBadRequest, "prompt too long")
		return
	}

	in, err := a.deps.Classifier.Classify(r.Context(), prompt)
	if err != nil {
		obs.Component("httpapi").Warn("classification failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeCodedError(w, r, http.StatusBadGateway, "CLASSIFICATION_FAILED", "could not derive an intent from the prompt")
		return
	}
	obs.ObserveClassification(in.IsSafe)
	a.audit(r.Context(), "intent.classified", map[string]any{
		"action":     in.Action,
		"is_safe":    in.IsSafe,
		"confidence": in.ConfidenceScore,
	})
	writeJSON(w, http.StatusOK, in)
}

func (a *API) handleDelegate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Delegator == nil {
		writeError(w, r, http.StatusServiceUnavailable, "delegation not configured")
		return
	}
	var req delegateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	tok, claims, err := a.deps.Delegator.Delegate(r.Context(), credential.SessionToken(strings.TrimSpace(req.UserToken)), req.Intent)
	if err != nil {
		handleDelegationError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, delegateResponse{
		AgentToken: tok.Bearer(),
		TokenType:  "bearer",
		ExpiresAt:  claims.Expiry(),
	})
}

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Executor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "executor not configured")
		return
	}
	tok, err := agentToken(r)
	if err != nil {
		if errors.Is(err, errAmbientCredential) {
			writeCodedError(w, r, http.StatusBadRequest, "AMBIENT_CREDENTIAL", err.Error())
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="finllm-agent"`)
		writeCodedError(w, r, http.StatusUnauthorized, delegation.CodeTokenInvalid, err.Error())
		return
	}
	var req delegation.ActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.deps.Executor.Execute(r.Context(), tok, req)
	if err != nil {
		handleDelegationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDelegationError maps delegation and execution failures onto their
// wire codes.
func handleDelegationError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := executor.CodeOf(err)
	if code == "" {
		obs.Component("httpapi").Error("request failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="finllm"`)
	}
	writeCodedError(w, r, status, code, err.Error())
}
