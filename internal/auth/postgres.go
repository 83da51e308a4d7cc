package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"finllm.org/internal/ids"
)

var (
	_ UserStore    = (*PGStore)(nil)
	_ SessionStore = (*PGStore)(nil)
)

// PGStore implements UserStore and SessionStore using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateUser(ctx context.Context, u *User) error {
	if strings.TrimSpace(u.Username) == "" || u.PasswordHash == "" {
		return ErrInvalidInput
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	res, err := s.db.ExecContext(ctx,
		`insert into users(id, username, password_hash, roles, disabled) values($1,$2,$3,$4,$5) on conflict (username) do nothing`,
		u.ID, strings.TrimSpace(u.Username), u.PasswordHash, strings.Join(dedupeRoles(u.Roles), ","), u.Disabled,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PGStore) FindUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, username, password_hash, roles, disabled, created_at from users where username=$1`,
		strings.TrimSpace(username))
	var (
		u     User
		roles string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &roles, &u.Disabled, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	u.Roles = splitRoles(roles)
	return u, nil
}

func (s *PGStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`insert into sessions(id, user_id, username, roles, issued_at, expires_at) values($1,$2,$3,$4,$5,$6)`,
		sess.ID, sess.UserID, sess.Username, strings.Join(sess.Roles, ","), sess.IssuedAt, sess.ExpiresAt,
	)
	return err
}

func (s *PGStore) FindSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, username, roles, issued_at, expires_at, revoked_at from sessions where id=$1`, id)
	var (
		sess    Session
		roles   string
		revoked sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Username, &roles, &sess.IssuedAt, &sess.ExpiresAt, &revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	sess.Roles = splitRoles(roles)
	if revoked.Valid {
		t := revoked.Time
		sess.RevokedAt = &t
	}
	return sess, nil
}

func (s *PGStore) RevokeSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set revoked_at = coalesce(revoked_at, $2) where id=$1`, id, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func splitRoles(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
