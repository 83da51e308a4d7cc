package ledger

import (
	"fmt"
	"math"
	"strings"
)

var currencyAliases = map[string]string{
	"$":       "USD",
	"usd":     "USD",
	"dollar":  "USD",
	"dollars": "USD",
	"€":       "EUR",
	"eur":     "EUR",
	"euro":    "EUR",
	"euros":   "EUR",
	"£":       "GBP",
	"gbp":     "GBP",
	"pound":   "GBP",
	"pounds":  "GBP",
	"kzt":     "KZT",
	"tenge":   "KZT",
}

// NormalizeCurrency maps a free-text unit to an ISO 4217 code.
func NormalizeCurrency(unit string) (string, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	if code, ok := currencyAliases[u]; ok {
		return code, nil
	}
	if len(u) == 3 && strings.IndexFunc(u, func(r rune) bool { return r < 'a' || r > 'z' }) < 0 {
		return strings.ToUpper(u), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, unit)
}

// ToMinor converts a decimal amount to cents. Amounts with more precision
// than a cent are refused rather than rounded.
func ToMinor(amount float64) (int64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return 0, ErrInvalidAmount
	}
	cents := math.Round(amount * 100)
	if cents > math.MaxInt64/2 {
		return 0, fmt.Errorf("%w: too large", ErrInvalidAmount)
	}
	if math.Abs(cents-amount*100) > 1e-6 {
		return 0, fmt.Errorf("%w: %v has sub-cent precision", ErrInvalidAmount, amount)
	}
	return int64(cents), nil
}

// MoneyOf builds Money from a decimal amount and a unit.
func MoneyOf(amount float64, unit string) (Money, error) {
	currency, err := NormalizeCurrency(unit)
	if err != nil {
		return Money{}, err
	}
	minor, err := ToMinor(amount)
	if err != nil {
		return Money{}, err
	}
	return Money{Currency: currency, Amount: minor}, nil
}

// Format renders minor units as a decimal string.
func (m Money) Format() string {
	sign := ""
	a := m.Amount
	if a < 0 {
		sign = "-"
		a = -a
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, a/100, a%100, m.Currency)
}
