package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"finllm.org/internal/auth"
	"finllm.org/internal/credential"
)

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type meResponse struct {
	Username  string    `json:"username"`
	UserID    string    `json:"user_id"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authentication disabled")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid form body")
		return
	}
	cred := credential.Credential{
		Username: strings.TrimSpace(r.PostForm.Get("username")),
		Password: r.PostForm.Get("password"),
	}
	if !cred.Valid() {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	sess, tok, err := a.deps.Sessions.Login(r.Context(), cred)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			a.audit(r.Context(), "auth.login.failed", map[string]any{"username": cred.Username})
			w.Header().Set("WWW-Authenticate", `Bearer realm="finllm"`)
			writeCodedError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "incorrect username or password")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	a.audit(auth.ContextWithSession(r.Context(), sess), "auth.login", map[string]any{
		"username":   sess.Username,
		"session_id": sess.ID,
		"expires_at": sess.ExpiresAt.Format(time.RFC3339),
	})
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: tok.Bearer(),
		TokenType:   "bearer",
		ExpiresAt:   sess.ExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	tok, _ := auth.TokenFromContext(r.Context())
	if err := a.deps.Sessions.Logout(r.Context(), tok); err != nil && !errors.Is(err, auth.ErrInvalidToken) {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	a.audit(r.Context(), "auth.logout", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sess, _ := auth.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, meResponse{
		Username:  sess.Username,
		UserID:    sess.UserID,
		Roles:     sess.Roles,
		ExpiresAt: sess.ExpiresAt,
	})
}
