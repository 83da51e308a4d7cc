package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"finllm.org/internal/credential"
	"finllm.org/internal/ids"
)

const defaultSessionTTL = 10 * time.Minute

// Service logs employees in and validates their session tokens.
type Service struct {
	users    UserStore
	sessions SessionStore
	secret   []byte
	issuer   string
	ttl      time.Duration
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = strings.TrimSpace(issuer)
		}
		return nil
	}
}

// WithSessionTTL sets the session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl <= 0 {
			return fmt.Errorf("auth: session ttl must be positive, got %s", ttl)
		}
		s.ttl = ttl
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// NewService builds a Service. secret signs session tokens.
func NewService(users UserStore, sessions SessionStore, secret string, opts ...ServiceOption) (*Service, error) {
	if users == nil || sessions == nil {
		return nil, errors.New("auth: user and session stores are required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	s := &Service{
		users:    users,
		sessions: sessions,
		secret:   []byte(secret),
		issuer:   defaultIssuer,
		ttl:      defaultSessionTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Issuer returns the iss value of issued tokens.
func (s *Service) Issuer() string { return s.issuer }

// Login verifies the credential and opens a new session.
func (s *Service) Login(ctx context.Context, cred credential.Credential) (Session, credential.SessionToken, error) {
	if !cred.Valid() {
		return Session{}, "", ErrInvalidCredentials
	}
	user, err := s.users.FindUserByUsername(ctx, cred.Username)
	switch {
	case errors.Is(err, ErrNotFound):
		_ = VerifyPassword("", cred.Password)
		return Session{}, "", ErrInvalidCredentials
	case err != nil:
		return Session{}, "", fmt.Errorf("auth: load user: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, cred.Password); err != nil || user.Disabled {
		return Session{}, "", ErrInvalidCredentials
	}

	now := s.now().UTC().Truncate(time.Second)
	sess := Session{
		ID:        ids.New(),
		UserID:    user.ID,
		Username:  user.Username,
		Roles:     dedupeRoles(user.Roles),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return Session{}, "", fmt.Errorf("auth: store session: %w", err)
	}
	raw, err := signSession(s.secret, s.issuer, sess)
	if err != nil {
		return Session{}, "", fmt.Errorf("auth: sign session: %w", err)
	}
	return sess, credential.SessionToken(raw), nil
}

// Authenticate returns the live session behind tok. Every failure, including
// expiry and revocation, is reported as ErrInvalidToken.
func (s *Service) Authenticate(ctx context.Context, tok credential.SessionToken) (Session, error) {
	claims, err := parseSession(s.secret, s.issuer, tok.Bearer(), s.now)
	if err != nil {
		return Session{}, err
	}
	sess, err := s.sessions.FindSession(ctx, claims.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return Session{}, fmt.Errorf("%w: unknown session", ErrInvalidToken)
	case err != nil:
		return Session{}, fmt.Errorf("auth: load session: %w", err)
	}
	if sess.UserID != claims.Subject {
		return Session{}, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	if !sess.Active(s.now()) {
		return Session{}, fmt.Errorf("%w: session ended", ErrInvalidToken)
	}
	return sess, nil
}

// Logout revokes the session behind tok.
func (s *Service) Logout(ctx context.Context, tok credential.SessionToken) error {
	sess, err := s.Authenticate(ctx, tok)
	if err != nil {
		return err
	}
	return s.sessions.RevokeSession(ctx, sess.ID, s.now().UTC())
}
