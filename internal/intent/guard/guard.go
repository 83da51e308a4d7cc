// Package guard screens text that enters and leaves the system: it refuses
// prompt-injection attempts before they reach the model and masks personal
// data before anything is written to the audit ledger.
package guard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"finllm.org/internal/intent"
	"finllm.org/internal/obs"
)

// ErrBlocked reports text that matched a blocked pattern.
var ErrBlocked = errors.New("guard: blocked pattern")

// Detection is a prompt-injection hit.
type Detection struct {
	Category string
	Pattern  string
}

// Detect returns the first injection pattern found in text.
func Detect(text string) (Detection, bool) {
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			return Detection{Category: p.category, Pattern: p.re.String()}, true
		}
	}
	return Detection{}, false
}

// Mask replaces e-mail addresses, card and account numbers, IPv4 addresses
// and capitalised full names with fixed placeholders.
func Mask(text string) string {
	for _, m := range sensitive {
		text = m.re.ReplaceAllString(text, m.with)
	}
	return text
}

// Classifier refuses injection attempts and delegates the rest.
type Classifier struct {
	next intent.Classifier
}

// NewClassifier wraps next with the injection pre-filter.
func NewClassifier(next intent.Classifier) *Classifier {
	return &Classifier{next: next}
}

// Classify returns an unsafe intent without calling the model when the prompt
// matches a known injection pattern.
func (c *Classifier) Classify(ctx context.Context, prompt string) (intent.Intent, error) {
	if d, hit := Detect(prompt); hit {
		obs.Component("guard").Warn("prompt refused", "category", d.Category)
		return intent.Intent{
			Action:          intent.ActionUnknown,
			IsSafe:          false,
			ConfidenceScore: 0,
			Reasoning:       intent.String(fmt.Sprintf("prompt matches %s pattern", d.Category)),
		}, nil
	}
	return c.next.Classify(ctx, prompt)
}

// Filter applies configured block lists to executor input and output.
type Filter struct {
	input  []*regexp.Regexp
	output []*regexp.Regexp
}

// NewFilter compiles the input and output block lists. Matching is
// case-insensitive.
func NewFilter(input, output []string) (*Filter, error) {
	in, err := compileAll(input)
	if err != nil {
		return nil, fmt.Errorf("guard: input patterns: %w", err)
	}
	out, err := compileAll(output)
	if err != nil {
		return nil, fmt.Errorf("guard: output patterns: %w", err)
	}
	return &Filter{input: in, output: out}, nil
}

// CheckInput blocks text that matches an input pattern or an injection
// pattern, and otherwise returns the masked text.
func (f *Filter) CheckInput(text string) (string, error) {
	if f != nil {
		for _, re := range f.input {
			if re.MatchString(text) {
				return "", fmt.Errorf("%w: input matches %q", ErrBlocked, re.String())
			}
		}
	}
	if d, hit := Detect(text); hit {
		return "", fmt.Errorf("%w: input matches %s pattern", ErrBlocked, d.Category)
	}
	return Mask(text), nil
}

// CheckOutput blocks agent output that matches an output pattern.
func (f *Filter) CheckOutput(text string) error {
	if f == nil {
		return nil
	}
	for _, re := range f.output {
		if re.MatchString(text) {
			return fmt.Errorf("%w: output matches %q", ErrBlocked, re.String())
		}
	}
	return nil
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)` + expr)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}
