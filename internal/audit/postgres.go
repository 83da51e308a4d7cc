package audit

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNotFound reports an unknown event id.
var ErrNotFound = errors.New("audit: not found")

// ParseKey decodes a hex-encoded 32 byte sealing key.
func ParseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("audit: key is not hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("audit: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// PGRecorder stores events in the audit_events table. Field payloads are
// sealed with XChaCha20-Poly1305; the event id is the associated data, so a
// payload cannot be moved to another row.
type PGRecorder struct {
	db   *sql.DB
	aead cipher.AEAD
}

var _ Recorder = (*PGRecorder)(nil)

func NewPGRecorder(db *sql.DB, key []byte) (*PGRecorder, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return &PGRecorder{db: db, aead: aead}, nil
}

func (r *PGRecorder) Record(ctx context.Context, event string, fields map[string]any) (string, error) {
	e, err := newEntry(ctx, event, fields)
	if err != nil {
		return "", err
	}
	sealed, err := r.seal(e)
	if err != nil {
		return "", err
	}
	if _, err := r.db.ExecContext(ctx,
		`insert into audit_events(id, event, request_id, user_id, payload, created_at) values($1,$2,$3,$4,$5,$6)`,
		e.ID, e.Event, e.RequestID, e.UserID, sealed, e.Time,
	); err != nil {
		return "", fmt.Errorf("audit: insert: %w", err)
	}
	// The log line carries the event only; fields stay in the sealed row.
	_ = writeLine(Entry{ID: e.ID, Time: e.Time, Event: e.Event, RequestID: e.RequestID, UserID: e.UserID, Fields: map[string]any{}})
	return e.ID, nil
}

// Get loads and opens one event.
func (r *PGRecorder) Get(ctx context.Context, id string) (Entry, error) {
	var (
		e      Entry
		sealed []byte
	)
	err := r.db.QueryRowContext(ctx,
		`select id, event, request_id, user_id, payload, created_at from audit_events where id=$1`, id,
	).Scan(&e.ID, &e.Event, &e.RequestID, &e.UserID, &sealed, &e.Time)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	fields, err := r.open(e.ID, sealed)
	if err != nil {
		return Entry{}, err
	}
	e.Fields = fields
	return e, nil
}

func (r *PGRecorder) seal(e Entry) ([]byte, error) {
	plain, err := json.Marshal(e.Fields)
	if err != nil {
		return nil, fmt.Errorf("audit: encode fields: %w", err)
	}
	nonce := make([]byte, r.aead.NonceSize(), r.aead.NonceSize()+len(plain)+r.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("audit: nonce: %w", err)
	}
	return r.aead.Seal(nonce, nonce, plain, []byte(e.ID)), nil
}

func (r *PGRecorder) open(id string, sealed []byte) (map[string]any, error) {
	ns := r.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("audit: sealed payload too short")
	}
	plain, err := r.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(id))
	if err != nil {
		return nil, fmt.Errorf("audit: open payload: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(plain, &fields); err != nil {
		return nil, fmt.Errorf("audit: decode fields: %w", err)
	}
	return fields, nil
}
