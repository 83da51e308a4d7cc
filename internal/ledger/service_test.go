package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func setup(t *testing.T) (*InMemory, context.Context) {
	t.Helper()
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.OpenAccount(ctx, "u1", "checking", Money{Currency: "USD", Amount: 1000}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OpenAccount(ctx, "u1", "Savings", Money{Currency: "USD", Amount: 0}); err != nil {
		t.Fatal(err)
	}
	return s, ctx
}

func TestTransferSuccessAndBalance(t *testing.T) {
	s, ctx := setup(t)

	if _, err := s.Transfer(ctx, "u1", "checking", "my savings account", Money{Currency: "USD", Amount: 600}, "k1"); err != nil {
		t.Fatal(err)
	}
	ba, _ := s.GetBalance(ctx, "u1", "checking", "USD")
	bb, _ := s.GetBalance(ctx, "u1", "savings", "USD")

	if ba.Amount != 400 || bb.Amount != 600 {
		t.Fatalf("unexpected balances: a=%d b=%d", ba.Amount, bb.Amount)
	}
}

func TestInsufficientFunds(t *testing.T) {
	s, ctx := setup(t)
	if _, err := s.Transfer(ctx, "u1", "checking", "savings", Money{Currency: "USD", Amount: 2000}, "k2"); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := s.Withdraw(ctx, "u1", "savings", Money{Currency: "USD", Amount: 1}, ""); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestAccountsAreScopedToOwner(t *testing.T) {
	s, ctx := setup(t)
	if _, err := s.OpenAccount(ctx, "u2", "checking", Money{Currency: "USD", Amount: 50}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transfer(ctx, "u2", "checking", "savings", Money{Currency: "USD", Amount: 10}, ""); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for other owner's account, got %v", err)
	}
	if _, err := s.OpenAccount(ctx, "u1", "CHECKING", Money{Currency: "USD"}); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestIdempotency(t *testing.T) {
	s, ctx := setup(t)

	tx1, err := s.Transfer(ctx, "u1", "checking", "savings", Money{Currency: "USD", Amount: 100}, "same-key")
	if err != nil {
		t.Fatal(err)
	}
	tx2, err := s.Transfer(ctx, "u1", "checking", "savings", Money{Currency: "USD", Amount: 100}, "same-key")
	if err != nil {
		t.Fatal(err)
	}
	if tx1.ID != tx2.ID || tx1.Sequence != tx2.Sequence {
		t.Fatalf("idempotency violated: %#v != %#v", tx1, tx2)
	}
	bal, _ := s.GetBalance(ctx, "u1", "checking", "USD")
	if bal.Amount != 900 {
		t.Fatalf("replay moved money: %d", bal.Amount)
	}
}

func TestWithdrawDepositAndPay(t *testing.T) {
	s, ctx := setup(t)
	if _, err := s.Deposit(ctx, "u1", "savings", Money{Currency: "USD", Amount: 250}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Withdraw(ctx, "u1", "checking", Money{Currency: "USD", Amount: 100}, ""); err != nil {
		t.Fatal(err)
	}
	tx, err := s.PayBill(ctx, "u1", "checking", "City Power", Money{Currency: "USD", Amount: 300}, "")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Kind != KindPayment || tx.Counterparty != "City Power" || tx.ToAccountID != "" {
		t.Fatalf("unexpected payment %+v", tx)
	}
	checking, _ := s.GetBalance(ctx, "u1", "checking", "USD")
	savings, _ := s.GetBalance(ctx, "u1", "savings", "USD")
	if checking.Amount != 600 || savings.Amount != 250 {
		t.Fatalf("unexpected balances: checking=%d savings=%d", checking.Amount, savings.Amount)
	}
	txs, last, err := s.ListTransactions(ctx, "u1", 10, 0)
	if err != nil || len(txs) != 3 || last != 3 {
		t.Fatalf("unexpected listing: %d txs, last=%d, err=%v", len(txs), last, err)
	}
	if _, err := s.Transfer(ctx, "u1", "checking", "checking", Money{Currency: "USD", Amount: 1}, ""); !errors.Is(err, ErrSameAccount) {
		t.Fatalf("expected ErrSameAccount, got %v", err)
	}
}

func TestConcurrentTransfers(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, _ = s.OpenAccount(ctx, "u1", "checking", Money{Currency: "USD", Amount: 10000})
	_, _ = s.OpenAccount(ctx, "u1", "savings", Money{Currency: "USD", Amount: 0})

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Transfer(ctx, "u1", "checking", "savings", Money{Currency: "USD", Amount: 300}, "")
		}()
	}
	wg.Wait()

	ba, _ := s.GetBalance(ctx, "u1", "checking", "USD")
	bb, _ := s.GetBalance(ctx, "u1", "savings", "USD")
	if ba.Amount+bb.Amount != 10000 {
		t.Fatalf("conservation violated: a+b=%d", ba.Amount+bb.Amount)
	}
	if ba.Amount < 0 {
		t.Fatalf("overdrawn: %d", ba.Amount)
	}
}

func TestMoneyConversion(t *testing.T) {
	m, err := MoneyOf(100.1, "dollars")
	if err != nil || m.Amount != 10010 || m.Currency != "USD" {
		t.Fatalf("unexpected money %+v %v", m, err)
	}
	if m.Format() != "100.10 USD" {
		t.Fatalf("unexpected format %q", m.Format())
	}
	for _, bad := range []float64{0, -1, 0.001, 12.345} {
		if _, err := ToMinor(bad); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%v: expected ErrInvalidAmount, got %v", bad, err)
		}
	}
	for _, bad := range []string{"", "bananas", "U$D"} {
		if _, err := NormalizeCurrency(bad); !errors.Is(err, ErrInvalidCurrency) {
			t.Fatalf("%q: expected ErrInvalidCurrency, got %v", bad, err)
		}
	}
	if c, _ := NormalizeCurrency("chf"); c != "CHF" {
		t.Fatalf("unexpected code %q", c)
	}
}
