package delegation

import (
	"errors"
	"net/http"
)

var (
	ErrSessionInvalid       = errors.New("delegation: session invalid")
	ErrIntentMalformed      = errors.New("delegation: intent malformed")
	ErrIntentUnsafe         = errors.New("delegation: intent unsafe")
	ErrTokenInvalid         = errors.New("delegation: agent token invalid")
	ErrTokenExpired         = errors.New("delegation: agent token expired")
	ErrTokenAlreadyConsumed = errors.New("delegation: agent token already consumed")
	ErrPayloadMismatch      = errors.New("delegation: payload does not match token")
)

// Wire codes.
const (
	CodeSessionInvalid       = "SESSION_INVALID"
	CodeIntentMalformed      = "INTENT_MALFORMED"
	CodeIntentUnsafe         = "INTENT_UNSAFE"
	CodeTokenInvalid         = "TOKEN_INVALID"
	CodeTokenExpired         = "TOKEN_EXPIRED"
	CodeTokenAlreadyConsumed = "TOKEN_ALREADY_CONSUMED"
	CodePayloadMismatch      = "PAYLOAD_MISMATCH"
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrSessionInvalid, CodeSessionInvalid, http.StatusUnauthorized},
	{ErrIntentMalformed, CodeIntentMalformed, http.StatusUnprocessableEntity},
	{ErrIntentUnsafe, CodeIntentUnsafe, http.StatusForbidden},
	{ErrTokenInvalid, CodeTokenInvalid, http.StatusUnauthorized},
	{ErrTokenExpired, CodeTokenExpired, http.StatusUnauthorized},
	{ErrTokenAlreadyConsumed, CodeTokenAlreadyConsumed, http.StatusConflict},
	{ErrPayloadMismatch, CodePayloadMismatch, http.StatusForbidden},
}

// CodeOf returns the wire code and HTTP status for err, or "" and 0 if err
// is not a delegation error.
func CodeOf(err error) (string, int) {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	return "", 0
}

// FromCode maps a wire code back to its sentinel error, or nil if the code
// is unknown.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
