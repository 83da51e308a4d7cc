package auth

import (
	"context"
	"time"
)

// User is an employee allowed to log in.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Roles        []string
	Disabled     bool
	CreatedAt    time.Time
}

// Session is the server-side record behind a session token. The token's jti
// is the session ID.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Roles     []string   `json:"roles,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the session may still be used at now.
func (s Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// UserStore persists users.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	FindUserByUsername(ctx context.Context, username string) (User, error)
}

// SessionStore persists session records.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	FindSession(ctx context.Context, id string) (Session, error)
	RevokeSession(ctx context.Context, id string, at time.Time) error
}
