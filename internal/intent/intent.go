// Package intent models the structured reading of a natural-language
// financial request and checks that it is complete enough to act on.
package intent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrMalformed reports an intent that lacks a field its action requires.
	ErrMalformed = errors.New("intent: malformed")
	// ErrClassification reports that the classifier produced no usable intent.
	ErrClassification = errors.New("intent: classification failed")
)

// Known actions.
const (
	ActionTransfer     = "transfer"
	ActionPayBill      = "pay_bill"
	ActionWithdraw     = "withdraw"
	ActionDeposit      = "deposit"
	ActionCheckBalance = "check_balance"
	// ActionUnknown is what the guard assigns to a refused prompt.
	ActionUnknown = "unknown"
)

// Requirement lists the fields an action needs to be executable.
type Requirement struct {
	Amount bool
	Target bool
}

var catalog = map[string]Requirement{
	ActionTransfer:     {Amount: true, Target: true},
	ActionPayBill:      {Amount: true, Target: true},
	ActionWithdraw:     {Amount: true},
	ActionDeposit:      {Amount: true},
	ActionCheckBalance: {},
}

// Lookup returns the requirements for action.
func Lookup(action string) (Requirement, bool) {
	r, ok := catalog[action]
	return r, ok
}

// Actions returns the known action names.
func Actions() []string {
	return []string{ActionTransfer, ActionPayBill, ActionWithdraw, ActionDeposit, ActionCheckBalance}
}

// Intent is the classifier's structured reading of one request. Values are
// passed by copy; pointer fields are never written after classification.
type Intent struct {
	Action          string   `json:"action"`
	Target          *string  `json:"target"`
	Amount          *float64 `json:"amount"`
	Unit            *string  `json:"unit"`
	IsSafe          bool     `json:"is_safe"`
	ConfidenceScore float64  `json:"confidence_score"`
	Reasoning       *string  `json:"reasoning"`
}

// Clone returns a deep copy.
func (in Intent) Clone() Intent {
	out := in
	out.Target = cloneString(in.Target)
	out.Unit = cloneString(in.Unit)
	out.Reasoning = cloneString(in.Reasoning)
	if in.Amount != nil {
		v := *in.Amount
		out.Amount = &v
	}
	return out
}

// Summary renders the intent for confirmation prompts and audit lines.
func (in Intent) Summary() string {
	var b strings.Builder
	b.WriteString(in.Action)
	if in.Amount != nil {
		fmt.Fprintf(&b, " %s", FormatAmount(*in.Amount))
		if in.Unit != nil {
			fmt.Fprintf(&b, " %s", *in.Unit)
		}
	}
	if in.Target != nil {
		fmt.Fprintf(&b, " -> %s", *in.Target)
	}
	return b.String()
}

// Validate checks structural completeness. It does not look at IsSafe; the
// safety verdict is enforced separately by whoever acts on the intent.
func Validate(in Intent) error {
	req, ok := catalog[in.Action]
	if !ok {
		return fmt.Errorf("%w: unknown action %q", ErrMalformed, in.Action)
	}
	if math.IsNaN(in.ConfidenceScore) || in.ConfidenceScore < 0 || in.ConfidenceScore > 1 {
		return fmt.Errorf("%w: confidence_score must be within [0,1]", ErrMalformed)
	}
	if req.Amount {
		if in.Amount == nil {
			return fmt.Errorf("%w: %s requires amount", ErrMalformed, in.Action)
		}
		if in.Unit == nil || strings.TrimSpace(*in.Unit) == "" {
			return fmt.Errorf("%w: %s requires unit", ErrMalformed, in.Action)
		}
	}
	if in.Amount != nil {
		a := *in.Amount
		if math.IsNaN(a) || math.IsInf(a, 0) || a <= 0 {
			return fmt.Errorf("%w: amount must be a positive number", ErrMalformed)
		}
	}
	if req.Target && (in.Target == nil || strings.TrimSpace(*in.Target) == "") {
		return fmt.Errorf("%w: %s requires target", ErrMalformed, in.Action)
	}
	return nil
}

// Classifier turns a prompt into an Intent. The verdict it returns is final:
// nothing downstream re-evaluates safety.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (Intent, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, prompt string) (Intent, error)

func (f ClassifierFunc) Classify(ctx context.Context, prompt string) (Intent, error) {
	return f(ctx, prompt)
}

// String and Float build optional fields.
func String(s string) *string { return &s }

func Float(f float64) *float64 { return &f }

// FormatAmount prints an amount without trailing zeros.
func FormatAmount(a float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", a), "0"), ".")
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
