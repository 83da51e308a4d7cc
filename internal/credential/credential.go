// Package credential holds the secrets that cross the wire between the
// employee client and the server: the login credential, the session token
// and the intent-bound agent token.
package credential

import (
	"fmt"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// Credential is a username/password pair. It is used once for login and is
// never stored.
type Credential struct {
	Username string
	Password string
}

// Valid reports whether both fields are non-blank.
func (c Credential) Valid() bool {
	return strings.TrimSpace(c.Username) != "" && c.Password != ""
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{Username:%s, Password:%s}", c.Username, redacted)
}

func (c Credential) GoString() string { return c.String() }

func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", c.Username))
}

// SessionToken is the opaque bearer string that proves a human login.
// It is never accepted where an AgentToken is expected.
type SessionToken string

// Bearer returns the raw token for the Authorization header.
func (t SessionToken) Bearer() string { return string(t) }

// Empty reports whether no token is held.
func (t SessionToken) Empty() bool { return strings.TrimSpace(string(t)) == "" }

func (t SessionToken) String() string   { return redact(string(t)) }
func (t SessionToken) GoString() string { return t.String() }
func (t SessionToken) LogValue() slog.Value {
	return slog.StringValue(t.String())
}

// AgentToken is a single-use, short-lived token bound to one confirmed
// intent. It is never accepted where a SessionToken is expected.
type AgentToken string

// Bearer returns the raw token for the Authorization header.
func (t AgentToken) Bearer() string { return string(t) }

// Empty reports whether no token is held.
func (t AgentToken) Empty() bool { return strings.TrimSpace(string(t)) == "" }

func (t AgentToken) String() string   { return redact(string(t)) }
func (t AgentToken) GoString() string { return t.String() }
func (t AgentToken) LogValue() slog.Value {
	return slog.StringValue(t.String())
}

func redact(raw string) string {
	if raw == "" {
		return ""
	}
	return redacted
}
