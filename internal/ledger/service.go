package ledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Service defines ledger operations. Accounts are always resolved within
// the owner's own set, so one employee can never address another's account.
type Service interface {
	OpenAccount(ctx context.Context, owner, alias string, initial Money) (Account, error)
	GetAccount(ctx context.Context, owner, alias string) (Account, error)
	GetBalance(ctx context.Context, owner, alias, currency string) (Money, error)
	Transfer(ctx context.Context, owner, fromAlias, toAlias string, amt Money, idemKey string) (Transaction, error)
	Withdraw(ctx context.Context, owner, alias string, amt Money, idemKey string) (Transaction, error)
	Deposit(ctx context.Context, owner, alias string, amt Money, idemKey string) (Transaction, error)
	PayBill(ctx context.Context, owner, fromAlias, payee string, amt Money, idemKey string) (Transaction, error)
	ListTransactions(ctx context.Context, owner string, limit int, afterSeq uint64) ([]Transaction, uint64, error)
}

// posting is one balanced movement. An empty alias means the money comes
// from or goes to outside the ledger.
type posting struct {
	kind         Kind
	owner        string
	from, to     string
	counterparty string
	amt          Money
	idemKey      string
}

func (p posting) validate() error {
	if !p.amt.IsPositive() {
		return ErrInvalidAmount
	}
	if p.amt.Currency == "" {
		return ErrInvalidCurrency
	}
	if p.from != "" && p.from == p.to {
		return ErrSameAccount
	}
	return nil
}

// NormalizeAlias lowercases and trims an alias; "my savings account" and
// "Savings" both become "savings".
func NormalizeAlias(alias string) string {
	a := strings.ToLower(strings.TrimSpace(alias))
	a = strings.TrimPrefix(a, "my ")
	a = strings.TrimSuffix(a, " account")
	return strings.TrimSpace(a)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	accts map[string]*Account // owner/alias -> account
	seq   uint64
	txs   []Transaction
	idem  map[string]Transaction // idemKey -> tx
}

// NewInMemory creates a fresh ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		accts: make(map[string]*Account),
		idem:  make(map[string]Transaction),
	}
}

var _ Service = (*InMemory)(nil)

func key(owner, alias string) string { return owner + "/" + NormalizeAlias(alias) }

func (s *InMemory) OpenAccount(ctx context.Context, owner, alias string, initial Money) (Account, error) {
	if initial.Currency == "" {
		return Account{}, ErrInvalidCurrency
	}
	if initial.Amount < 0 {
		return Account{}, ErrInvalidAmount
	}
	alias = NormalizeAlias(alias)
	if owner == "" || alias == "" {
		return Account{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(owner, alias)
	if _, exists := s.accts[k]; exists {
		return Account{}, ErrAlreadyExists
	}
	acc := &Account{
		ID:        newID(),
		Owner:     owner,
		Alias:     alias,
		CreatedAt: time.Now().UTC(),
		Balances:  map[string]int64{initial.Currency: initial.Amount},
	}
	s.accts[k] = acc
	return copyAccount(acc), nil
}

func (s *InMemory) GetAccount(ctx context.Context, owner, alias string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[key(owner, alias)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return copyAccount(acc), nil
}

func (s *InMemory) GetBalance(ctx context.Context, owner, alias, currency string) (Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[key(owner, alias)]
	if !ok {
		return Money{}, ErrNotFound
	}
	return Money{Currency: currency, Amount: acc.Balances[currency]}, nil
}

func (s *InMemory) Transfer(ctx context.Context, owner, fromAlias, toAlias string, amt Money, idemKey string) (Transaction, error) {
	return s.post(posting{kind: KindTransfer, owner: owner, from: NormalizeAlias(fromAlias), to: NormalizeAlias(toAlias), amt: amt, idemKey: idemKey})
}

func (s *InMemory) Withdraw(ctx context.Context, owner, alias string, amt Money, idemKey string) (Transaction, error) {
	return s.post(posting{kind: KindWithdraw, owner: owner, from: NormalizeAlias(alias), counterparty: "cash", amt: amt, idemKey: idemKey})
}

func (s *InMemory) Deposit(ctx context.Context, owner, alias string, amt Money, idemKey string) (Transaction, error) {
	return s.post(posting{kind: KindDeposit, owner: owner, to: NormalizeAlias(alias), counterparty: "cash", amt: amt, idemKey: idemKey})
}

func (s *InMemory) PayBill(ctx context.Context, owner, fromAlias, payee string, amt Money, idemKey string) (Transaction, error) {
	return s.post(posting{kind: KindPayment, owner: owner, from: NormalizeAlias(fromAlias), counterparty: strings.TrimSpace(payee), amt: amt, idemKey: idemKey})
}

func (s *InMemory) post(p posting) (Transaction, error) {
	if err := p.validate(); err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.idemKey != "" {
		if tx, ok := s.idem[p.idemKey]; ok {
			return tx, nil
		}
	}

	var from, to *Account
	if p.from != "" {
		var ok bool
		if from, ok = s.accts[key(p.owner, p.from)]; !ok {
			return Transaction{}, ErrNotFound
		}
		if from.Balances[p.amt.Currency] < p.amt.Amount {
			return Transaction{}, ErrInsufficientFunds
		}
	}
	if p.to != "" {
		var ok bool
		if to, ok = s.accts[key(p.owner, p.to)]; !ok {
			return Transaction{}, ErrNotFound
		}
	}

	tx := Transaction{
		ID:             newID(),
		CreatedAt:      time.Now().UTC(),
		Kind:           p.kind,
		Owner:          p.owner,
		Counterparty:   p.counterparty,
		Currency:       p.amt.Currency,
		Amount:         p.amt.Amount,
		IdempotencyKey: p.idemKey,
	}
	if from != nil {
		from.Balances[p.amt.Currency] -= p.amt.Amount
		tx.FromAccountID = from.ID
	}
	if to != nil {
		to.Balances[p.amt.Currency] += p.amt.Amount
		tx.ToAccountID = to.ID
	}

	s.seq++
	tx.Sequence = s.seq
	s.txs = append(s.txs, tx)
	if p.idemKey != "" {
		s.idem[p.idemKey] = tx
	}
	return tx, nil
}

func (s *InMemory) ListTransactions(ctx context.Context, owner string, limit int, afterSeq uint64) ([]Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= afterSeq || tx.Owner != owner {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func copyAccount(acc *Account) Account {
	out := *acc
	out.Balances = make(map[string]int64, len(acc.Balances))
	for k, v := range acc.Balances {
		out.Balances[k] = v
	}
	return out
}
