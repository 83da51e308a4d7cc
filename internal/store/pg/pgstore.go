package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"finllm.org/internal/ids"
	"finllm.org/internal/ledger"
)

type Store struct {
	db *sql.DB
}

var _ ledger.Service = (*Store)(nil)

// PoolConfig tunes the connection pool. Zero values keep the defaults.
type PoolConfig struct {
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 50
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 25
	}
	if pool.ConnLifetime <= 0 {
		pool.ConnLifetime = 15 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnLifetime)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) OpenAccount(ctx context.Context, owner, alias string, initial ledger.Money) (ledger.Account, error) {
	if initial.Currency == "" {
		return ledger.Account{}, ledger.ErrInvalidCurrency
	}
	if initial.Amount < 0 {
		return ledger.Account{}, ledger.ErrInvalidAmount
	}
	alias = ledger.NormalizeAlias(alias)
	if owner == "" || alias == "" {
		return ledger.Account{}, ledger.ErrNotFound
	}
	id := ids.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into accounts(id, owner, alias, created_at) values($1, $2, $3, now())
		on conflict (owner, alias) do nothing
	`, id, owner, alias)
	if err != nil {
		return ledger.Account{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.Account{}, ledger.ErrAlreadyExists
	}
	if _, err := tx.ExecContext(ctx, `
		insert into balances(account_id, currency, amount)
		values ($1,$2,$3)
		on conflict (account_id, currency) do update
		set amount = balances.amount + excluded.amount
	`, id, initial.Currency, initial.Amount); err != nil {
		return ledger.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}

	return ledger.Account{
		ID:        id,
		Owner:     owner,
		Alias:     alias,
		CreatedAt: time.Now().UTC(),
		Balances:  map[string]int64{initial.Currency: initial.Amount},
	}, nil
}

func (s *Store) GetAccount(ctx context.Context, owner, alias string) (ledger.Account, error) {
	acc := ledger.Account{Owner: owner, Alias: ledger.NormalizeAlias(alias)}
	err := s.db.QueryRowContext(ctx, `select id, created_at from accounts where owner=$1 and alias=$2`,
		acc.Owner, acc.Alias).Scan(&acc.ID, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}

	rows, err := s.db.QueryContext(ctx, `select currency, amount from balances where account_id=$1`, acc.ID)
	if err != nil {
		return ledger.Account{}, err
	}
	defer rows.Close()

	acc.Balances = map[string]int64{}
	for rows.Next() {
		var c string
		var a int64
		if err := rows.Scan(&c, &a); err != nil {
			return ledger.Account{}, err
		}
		acc.Balances[c] = a
	}
	return acc, rows.Err()
}

func (s *Store) GetBalance(ctx context.Context, owner, alias, currency string) (ledger.Money, error) {
	var amt int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(b.amount,0)
		from accounts a
		left join balances b on b.account_id=a.id and b.currency=$3
		where a.owner=$1 and a.alias=$2
	`, owner, ledger.NormalizeAlias(alias), currency).Scan(&amt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Money{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Money{}, err
	}
	return ledger.Money{Currency: currency, Amount: amt}, nil
}

func (s *Store) Transfer(ctx context.Context, owner, fromAlias, toAlias string, amt ledger.Money, idemKey string) (ledger.Transaction, error) {
	from, to := ledger.NormalizeAlias(fromAlias), ledger.NormalizeAlias(toAlias)
	if from == to {
		return ledger.Transaction{}, ledger.ErrSameAccount
	}
	return s.post(ctx, ledger.KindTransfer, owner, from, to, "", amt, idemKey)
}

func (s *Store) Withdraw(ctx context.Context, owner, alias string, amt ledger.Money, idemKey string) (ledger.Transaction, error) {
	return s.post(ctx, ledger.KindWithdraw, owner, ledger.NormalizeAlias(alias), "", "cash", amt, idemKey)
}

func (s *Store) Deposit(ctx context.Context, owner, alias string, amt ledger.Money, idemKey string) (ledger.Transaction, error) {
	return s.post(ctx, ledger.KindDeposit, owner, "", ledger.NormalizeAlias(alias), "cash", amt, idemKey)
}

func (s *Store) PayBill(ctx context.Context, owner, fromAlias, payee string, amt ledger.Money, idemKey string) (ledger.Transaction, error) {
	return s.post(ctx, ledger.KindPayment, owner, ledger.NormalizeAlias(fromAlias), "", strings.TrimSpace(payee), amt, idemKey)
}

const selectTx = `select id, created_at, kind, owner, coalesce(from_account_id,''), coalesce(to_account_id,''),
	coalesce(counterparty,''), currency, amount, sequence, coalesce(idempotency_key,'') from transactions`

func scanTx(row interface{ Scan(...any) error }) (ledger.Transaction, error) {
	var t ledger.Transaction
	var kind string
	err := row.Scan(&t.ID, &t.CreatedAt, &kind, &t.Owner, &t.FromAccountID, &t.ToAccountID,
		&t.Counterparty, &t.Currency, &t.Amount, &t.Sequence, &t.IdempotencyKey)
	t.Kind = ledger.Kind(kind)
	return t, err
}

// post moves amt between the owner's accounts; an empty alias stands for
// money entering or leaving the ledger.
func (s *Store) post(ctx context.Context, kind ledger.Kind, owner, fromAlias, toAlias, counterparty string, amt ledger.Money, idemKey string) (ledger.Transaction, error) {
	if !amt.IsPositive() {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	if amt.Currency == "" {
		return ledger.Transaction{}, ledger.ErrInvalidCurrency
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotency: return existing tx if idemKey already recorded
	if idemKey != "" {
		t, err := scanTx(tx.QueryRowContext(ctx, selectTx+` where idempotency_key=$1`, idemKey))
		if err == nil {
			return t, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, err
		}
	}

	// Lock accounts in stable alias order to avoid deadlocks
	accountIDs := map[string]string{}
	for _, alias := range sorted(fromAlias, toAlias) {
		if alias == "" {
			continue
		}
		var id string
		if err := tx.QueryRowContext(ctx, `select id from accounts where owner=$1 and alias=$2 for update`,
			owner, alias).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ledger.Transaction{}, ledger.ErrNotFound
			}
			return ledger.Transaction{}, err
		}
		accountIDs[alias] = id
		if _, err := tx.ExecContext(ctx, `
			insert into balances(account_id, currency, amount)
			values ($1,$2,0) on conflict do nothing
		`, id, amt.Currency); err != nil {
			return ledger.Transaction{}, err
		}
	}
	fromID, toID := accountIDs[fromAlias], accountIDs[toAlias]

	if fromID != "" {
		var fromBal int64
		if err := tx.QueryRowContext(ctx, `
			select amount from balances where account_id=$1 and currency=$2 for update
		`, fromID, amt.Currency).Scan(&fromBal); err != nil {
			return ledger.Transaction{}, ledger.ErrNotFound
		}
		if fromBal < amt.Amount {
			return ledger.Transaction{}, ledger.ErrInsufficientFunds
		}
		if _, err := tx.ExecContext(ctx, `
			update balances set amount = amount - $3
			where account_id=$1 and currency=$2
		`, fromID, amt.Currency, amt.Amount); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if toID != "" {
		if _, err := tx.ExecContext(ctx, `
			update balances set amount = amount + $3
			where account_id=$1 and currency=$2
		`, toID, amt.Currency, amt.Amount); err != nil {
			return ledger.Transaction{}, err
		}
	}

	tid := ids.New()
	var seq uint64
	if err := tx.QueryRowContext(ctx, `
		insert into transactions(id, kind, owner, from_account_id, to_account_id, counterparty, currency, amount, idempotency_key)
		values ($1,$2,$3,nullif($4,''),nullif($5,''),nullif($6,''),$7,$8,nullif($9,'')) returning sequence
	`, tid, string(kind), owner, fromID, toID, counterparty, amt.Currency, amt.Amount, idemKey).Scan(&seq); err != nil {
		return ledger.Transaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}

	return ledger.Transaction{
		ID:             tid,
		CreatedAt:      time.Now().UTC(),
		Kind:           kind,
		Owner:          owner,
		FromAccountID:  fromID,
		ToAccountID:    toID,
		Counterparty:   counterparty,
		Currency:       amt.Currency,
		Amount:         amt.Amount,
		IdempotencyKey: idemKey,
		Sequence:       seq,
	}, nil
}

func (s *Store) ListTransactions(ctx context.Context, owner string, limit int, afterSeq uint64) ([]ledger.Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectTx+`
		where owner = $1 and sequence > $2
		order by sequence asc
		limit $3
	`, owner, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.Transaction
	var last uint64
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, t)
		last = t.Sequence
	}
	return res, last, rows.Err()
}

func sorted(a, b string) []string {
	if a <= b {
		return []string{a, b}
	}
	return []string{b, a}
}
