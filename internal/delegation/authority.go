// Package delegation exchanges a confirmed intent for a single-use agent
// token and checks that token when an agent presents it.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"finllm.org/internal/audit"
	"finllm.org/internal/auth"
	"finllm.org/internal/credential"
	"finllm.org/internal/ids"
	"finllm.org/internal/intent"
	"finllm.org/internal/obs"
)

const (
	defaultIssuer = "finllm-delegation"
	defaultTTL    = 2 * time.Minute
	// MaxTTL caps agent token lifetime.
	MaxTTL = 10 * time.Minute
)

// SessionVerifier checks a session token.
type SessionVerifier interface {
	Authenticate(ctx context.Context, tok credential.SessionToken) (auth.Session, error)
}

// Authority issues and redeems agent tokens.
type Authority struct {
	sessions      SessionVerifier
	consumed      ConsumptionStore
	secret        []byte
	issuer        string
	ttl           time.Duration
	minConfidence float64
	recorder      audit.Recorder
	now           func() time.Time
}

// Option configures Authority.
type Option func(*Authority) error

func WithIssuer(issuer string) Option {
	return func(a *Authority) error {
		if strings.TrimSpace(issuer) != "" {
			a.issuer = strings.TrimSpace(issuer)
		}
		return nil
	}
}

// WithTTL sets the agent token lifetime, at most MaxTTL.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) error {
		if ttl <= 0 || ttl > MaxTTL {
			return fmt.Errorf("delegation: ttl must be in (0, %s], got %s", MaxTTL, ttl)
		}
		a.ttl = ttl
		return nil
	}
}

// WithMinConfidence refuses safe intents whose confidence is below min.
// Zero disables the check.
func WithMinConfidence(min float64) Option {
	return func(a *Authority) error {
		if min < 0 || min > 1 {
			return fmt.Errorf("delegation: min confidence must be within [0,1], got %v", min)
		}
		a.minConfidence = min
		return nil
	}
}

func WithRecorder(r audit.Recorder) Option {
	return func(a *Authority) error {
		if r != nil {
			a.recorder = r
		}
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Authority) error {
		if now != nil {
			a.now = now
		}
		return nil
	}
}

// NewAuthority builds an Authority. secret signs agent tokens and must not
// be the session signing secret.
func NewAuthority(sessions SessionVerifier, consumed ConsumptionStore, secret string, opts ...Option) (*Authority, error) {
	if sessions == nil || consumed == nil {
		return nil, errors.New("delegation: session verifier and consumption store are required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("delegation: signing secret is required")
	}
	a := &Authority{
		sessions: sessions,
		consumed: consumed,
		secret:   []byte(secret),
		issuer:   defaultIssuer,
		ttl:      defaultTTL,
		recorder: audit.LogRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Delegate issues an agent token bound to in. The session is checked first,
// then the safety verdict, then completeness. An unsafe intent is refused
// no matter what else it contains.
func (a *Authority) Delegate(ctx context.Context, tok credential.SessionToken, in intent.Intent) (credential.AgentToken, Claims, error) {
	sess, err := a.sessions.Authenticate(ctx, tok)
	if err != nil {
		a.refuse(ctx, "session_invalid", in, err)
		return "", Claims{}, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	ctx = auth.ContextWithSession(ctx, sess)

	if !in.IsSafe {
		a.refuse(ctx, "intent_unsafe", in, nil)
		return "", Claims{}, ErrIntentUnsafe
	}
	if err := intent.Validate(in); err != nil {
		a.refuse(ctx, "intent_malformed", in, err)
		return "", Claims{}, fmt.Errorf("%w: %v", ErrIntentMalformed, err)
	}
	if a.minConfidence > 0 && in.ConfidenceScore < a.minConfidence {
		a.refuse(ctx, "low_confidence", in, nil)
		return "", Claims{}, fmt.Errorf("%w: confidence %.2f below %.2f", ErrIntentUnsafe, in.ConfidenceScore, a.minConfidence)
	}

	now := a.now().UTC()
	b := in.Bind()
	claims := Claims{
		TokenUse:  TokenUseAgent,
		Action:    b.Action,
		Target:    b.Target,
		Amount:    b.Amount,
		Unit:      b.Unit,
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   sess.UserID,
			Audience:  jwt.ClaimStrings{Audience},
			ID:        ids.Token(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("delegation: sign: %w", err)
	}

	obs.ObserveDelegation("issued")
	_, _ = a.recorder.Record(ctx, "delegation.issued", map[string]any{
		"jti":        claims.ID,
		"session_id": sess.ID,
		"intent":     in.Summary(),
		"expires_at": claims.Expiry().Format(time.RFC3339),
	})
	return credential.AgentToken(raw), claims, nil
}

// Authorize checks tok against req and consumes it. Only a nil error
// permits the action, and at most one call per token ever returns nil.
// A request that does not match the binding burns the token as well.
func (a *Authority) Authorize(ctx context.Context, tok credential.AgentToken, req ActionRequest) (Claims, error) {
	claims, err := a.parse(tok)
	if err != nil {
		a.reject(ctx, claims, err)
		return Claims{}, err
	}
	ctx = auth.ContextWithSession(ctx, auth.Session{ID: claims.SessionID, UserID: claims.Subject})

	if diff := claims.Binding().Mismatches(req.Binding()); len(diff) > 0 {
		if _, err := a.consumed.Consume(ctx, claims.ID, claims.Expiry()); err != nil {
			return Claims{}, fmt.Errorf("delegation: burn token: %w", err)
		}
		err := fmt.Errorf("%w: %s", ErrPayloadMismatch, strings.Join(diff, ","))
		a.reject(ctx, claims, err)
		return Claims{}, err
	}

	first, err := a.consumed.Consume(ctx, claims.ID, claims.Expiry())
	if err != nil {
		return Claims{}, fmt.Errorf("delegation: consume token: %w", err)
	}
	if !first {
		a.reject(ctx, claims, ErrTokenAlreadyConsumed)
		return Claims{}, ErrTokenAlreadyConsumed
	}

	obs.ObserveAuthorization("accepted")
	_, _ = a.recorder.Record(ctx, "agent_token.accepted", map[string]any{
		"jti":    claims.ID,
		"action": claims.Action,
	})
	return *claims, nil
}

func (a *Authority) parse(tok credential.AgentToken) (*Claims, error) {
	raw := strings.TrimSpace(tok.Bearer())
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	// Validation errors are joined, so a foreign token that has also
	// expired matches ErrTokenExpired too. It must report as invalid.
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		if claims.TokenUse != TokenUseAgent || claims.ID == "" {
			return nil, fmt.Errorf("%w: not an agent token", ErrTokenInvalid)
		}
		return claims, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.TokenUse != TokenUseAgent || claims.ID == "" {
		return nil, fmt.Errorf("%w: not an agent token", ErrTokenInvalid)
	}
	return claims, nil
}

func (a *Authority) refuse(ctx context.Context, reason string, in intent.Intent, cause error) {
	obs.ObserveDelegation(reason)
	fields := map[string]any{
		"reason":  reason,
		"action":  in.Action,
		"is_safe": in.IsSafe,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	_, _ = a.recorder.Record(ctx, "delegation.refused", fields)
}

func (a *Authority) reject(ctx context.Context, claims *Claims, err error) {
	code, _ := CodeOf(err)
	obs.ObserveAuthorization(strings.ToLower(code))
	fields := map[string]any{"code": code}
	if claims != nil {
		fields["jti"] = claims.ID
	}
	_, _ = a.recorder.Record(ctx, "agent_token.rejected", fields)
}
