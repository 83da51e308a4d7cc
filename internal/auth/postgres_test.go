package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGStoreFindUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	created := time.Now().UTC()
	mock.ExpectQuery("select id, username, password_hash, roles, disabled, created_at from users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password_hash", "roles", "disabled", "created_at"}).
			AddRow("u1", "alice", "hash", "teller,auditor", false, created))
	mock.ExpectQuery("select id, username, password_hash, roles, disabled, created_at from users").
		WithArgs("bob").
		WillReturnError(sql.ErrNoRows)

	store := NewPGStore(db)
	u, err := store.FindUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FindUserByUsername: %v", err)
	}
	if u.ID != "u1" || len(u.Roles) != 2 {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := store.FindUserByUsername(context.Background(), "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreCreateUserConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), "alice", "hash", "teller", false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPGStore(db).CreateUser(context.Background(), &User{Username: "alice", PasswordHash: "hash", Roles: []string{"Teller"}})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreSessionLifecycle(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	sess := Session{ID: "s1", UserID: "u1", Username: "alice", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}

	mock.ExpectExec("insert into sessions").
		WithArgs("s1", "u1", "alice", "", now, now.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update sessions set revoked_at").
		WithArgs("s1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select id, user_id, username, roles, issued_at, expires_at, revoked_at from sessions").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "username", "roles", "issued_at", "expires_at", "revoked_at"}).
			AddRow("s1", "u1", "alice", "", now, now.Add(time.Minute), now))
	mock.ExpectExec("update sessions set revoked_at").
		WithArgs("missing", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPGStore(db)
	ctx := context.Background()
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.RevokeSession(ctx, "s1", now); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	got, err := store.FindSession(ctx, "s1")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if got.RevokedAt == nil || got.Active(now) {
		t.Fatalf("expected revoked session, got %+v", got)
	}
	if err := store.RevokeSession(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
