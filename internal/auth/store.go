package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"finllm.org/internal/ids"
)

var (
	_ UserStore    = (*MemoryStore)(nil)
	_ SessionStore = (*MemoryStore)(nil)
)

// MemoryStore keeps users and sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		sessions: make(map[string]Session),
	}
}

// Seed hashes password and adds the user. Used for bootstrap accounts.
func (m *MemoryStore) Seed(ctx context.Context, username, password string, roles ...string) (User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	u := &User{Username: username, PasswordHash: hash, Roles: roles}
	if err := m.CreateUser(ctx, u); err != nil {
		return User{}, err
	}
	return *u, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	username := strings.TrimSpace(u.Username)
	if username == "" || u.PasswordHash == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[username]; exists {
		return ErrAlreadyExists
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Username = username
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	m.users[username] = cp
	return nil
}

func (m *MemoryStore) FindUserByUsername(ctx context.Context, username string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[strings.TrimSpace(username)]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, s Session) error {
	if s.ID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return ErrAlreadyExists
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) FindSession(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) RevokeSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.RevokedAt == nil {
		s.RevokedAt = &at
		m.sessions[id] = s
	}
	return nil
}
