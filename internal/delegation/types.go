package delegation

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"finllm.org/internal/intent"
)

const (
	// TokenUseAgent marks agent tokens.
	TokenUseAgent = "agent"
	// Audience is the only audience agent tokens are valid for.
	Audience = "agent-executor"
)

// ActionRequest is what an agent presents together with its token.
// Description is free text and is not part of the binding.
type ActionRequest struct {
	Action      string   `json:"action"`
	Target      *string  `json:"target"`
	Amount      *float64 `json:"amount"`
	Unit        *string  `json:"unit"`
	Description string   `json:"description,omitempty"`
}

// Binding returns the fields compared against the token.
func (r ActionRequest) Binding() intent.Binding {
	return intent.Binding{Action: r.Action, Target: r.Target, Amount: r.Amount, Unit: r.Unit}
}

// RequestFor builds the request that exactly reproduces in.
func RequestFor(in intent.Intent, description string) ActionRequest {
	b := in.Bind()
	return ActionRequest{Action: b.Action, Target: b.Target, Amount: b.Amount, Unit: b.Unit, Description: description}
}

// Claims is the payload of an agent token.
type Claims struct {
	TokenUse  string   `json:"token_use"`
	Action    string   `json:"action"`
	Target    *string  `json:"target"`
	Amount    *float64 `json:"amount"`
	Unit      *string  `json:"unit"`
	SessionID string   `json:"sid"`
	jwt.RegisteredClaims
}

// Binding returns the intent fields the token is bound to.
func (c Claims) Binding() intent.Binding {
	return intent.Binding{Action: c.Action, Target: c.Target, Amount: c.Amount, Unit: c.Unit}
}

// Expiry returns the exp claim.
func (c Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}
