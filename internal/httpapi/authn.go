package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"finllm.org/internal/auth"
	"finllm.org/internal/credential"
	"finllm.org/internal/delegation"
)

const (
	authHeader      = "Authorization"
	bearer          = "Bearer "
	userTokenHeader = "X-User-Token"
)

var errAmbientCredential = errors.New("agent requests must carry the agent token and nothing else")

// withSession resolves the session bearer and attaches it to the context.
func (a *API) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Sessions == nil {
			writeError(w, r, http.StatusServiceUnavailable, "authentication disabled")
			return
		}
		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		tok := credential.SessionToken(raw)
		sess, err := a.deps.Sessions.Authenticate(r.Context(), tok)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken):
				unauthorized(w, r, "invalid or expired session")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := auth.ContextWithSession(r.Context(), sess)
		ctx = auth.ContextWithToken(ctx, tok)
		next(w, r.WithContext(ctx))
	}
}

// agentToken returns the bearer of an agent request. A request that also
// carries a cookie or a user token header is refused outright.
func agentToken(r *http.Request) (credential.AgentToken, error) {
	if r.Header.Get("Cookie") != "" || r.Header.Get(userTokenHeader) != "" {
		return "", errAmbientCredential
	}
	if vals := r.Header.Values(authHeader); len(vals) > 1 {
		return "", errAmbientCredential
	}
	raw, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return "", err
	}
	return credential.AgentToken(raw), nil
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="finllm"`)
	writeCodedError(w, r, http.StatusUnauthorized, delegation.CodeSessionInvalid, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
