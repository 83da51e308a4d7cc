package pg

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"finllm.org/internal/ledger"
)

var txColumns = []string{"id", "created_at", "kind", "owner", "from_account_id", "to_account_id",
	"counterparty", "currency", "amount", "sequence", "idempotency_key"}

func TestPayBillDebitsSourceAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("from transactions where idempotency_key").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(txColumns))
	mock.ExpectQuery("select id from accounts").
		WithArgs("u1", "checking").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acc-1"))
	mock.ExpectExec("insert into balances").
		WithArgs("acc-1", "USD").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select amount from balances").
		WithArgs("acc-1", "USD").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(5000)))
	mock.ExpectExec("update balances set amount = amount -").
		WithArgs("acc-1", "USD", int64(1250)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into transactions").
		WithArgs(sqlmock.AnyArg(), "payment", "u1", "acc-1", "", "City Power", "USD", int64(1250), "k1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(uint64(7)))
	mock.ExpectCommit()

	s := New(db)
	tx, err := s.PayBill(context.Background(), "u1", "Checking", " City Power ", ledger.Money{Currency: "USD", Amount: 1250}, "k1")
	if err != nil {
		t.Fatalf("PayBill: %v", err)
	}
	if tx.Sequence != 7 || tx.FromAccountID != "acc-1" || tx.ToAccountID != "" || tx.Kind != ledger.KindPayment {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithdrawInsufficientFundsRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("select id from accounts").
		WithArgs("u1", "savings").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acc-2"))
	mock.ExpectExec("insert into balances").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select amount from balances").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(10)))
	mock.ExpectRollback()

	s := New(db)
	_, err = s.Withdraw(context.Background(), "u1", "savings", ledger.Money{Currency: "USD", Amount: 100}, "")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetBalanceUnknownAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("from accounts a").
		WithArgs("u1", "savings", "USD").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}))

	s := New(db)
	if _, err := s.GetBalance(context.Background(), "u1", "my savings account", "USD"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenAccountDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("insert into accounts").
		WithArgs(sqlmock.AnyArg(), "u1", "checking").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	s := New(db)
	if _, err := s.OpenAccount(context.Background(), "u1", "checking", ledger.Money{Currency: "USD"}); !errors.Is(err, ledger.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}
