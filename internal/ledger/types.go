package ledger

import (
	"errors"
	"time"

	"finllm.org/internal/ids"
)

// Money is represented in minor units (e.g., cents). No floats.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsZero() bool     { return m.Amount == 0 }

// DefaultAlias is the account debited when a request names no source.
const DefaultAlias = "checking"

// Kind of ledger movement.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindWithdraw Kind = "withdraw"
	KindDeposit  Kind = "deposit"
	KindPayment  Kind = "payment"
	KindOpening  Kind = "opening"
)

// Account belongs to one owner and is addressed by alias ("checking",
// "savings"). Balances are per currency.
type Account struct {
	ID        string           `json:"id"`
	Owner     string           `json:"owner"`
	Alias     string           `json:"alias"`
	CreatedAt time.Time        `json:"created_at"`
	Balances  map[string]int64 `json:"balances"` // currency -> minor units
}

// Transaction is the result of one posting. Either account id may be empty
// for movements that cross the ledger boundary (cash, bill payees).
type Transaction struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Kind           Kind      `json:"kind"`
	Owner          string    `json:"owner"`
	FromAccountID  string    `json:"from_account_id,omitempty"`
	ToAccountID    string    `json:"to_account_id,omitempty"`
	Counterparty   string    `json:"counterparty,omitempty"`
	Currency       string    `json:"currency"`
	Amount         int64     `json:"amount"` // minor units
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Sequence       uint64    `json:"sequence"`
}

var (
	ErrNotFound          = errors.New("ledger: account not found")
	ErrAlreadyExists     = errors.New("ledger: account already exists")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
	ErrInvalidCurrency   = errors.New("ledger: invalid currency")
	ErrSameAccount       = errors.New("ledger: source and destination are the same account")
)

func newID() string {
	return ids.New()
}
