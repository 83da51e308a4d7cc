// Package session holds the client's session token. It is the only client
// state that survives a restart.
package session

import (
	"sync"

	"finllm.org/internal/credential"
)

// Backend persists the token between runs.
type Backend interface {
	Load() (credential.SessionToken, error)
	Save(tok credential.SessionToken) error
	Clear() error
}

// Store holds at most one session token. The zero value is not usable; use New.
type Store struct {
	mu      sync.RWMutex
	token   credential.SessionToken
	backend Backend
}

// New creates a Store and loads any persisted token. A nil backend keeps the
// token in memory only.
func New(backend Backend) (*Store, error) {
	s := &Store{backend: backend}
	if backend != nil {
		tok, err := backend.Load()
		if err != nil {
			return nil, err
		}
		s.token = tok
	}
	return s, nil
}

// Token returns the held token and whether there is one.
func (s *Store) Token() (credential.SessionToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, !s.token.Empty()
}

// Authenticated reports whether a token is held.
func (s *Store) Authenticated() bool {
	_, ok := s.Token()
	return ok
}

// Set replaces the held token and persists it.
func (s *Store) Set(tok credential.SessionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		if err := s.backend.Save(tok); err != nil {
			return err
		}
	}
	s.token = tok
	return nil
}

// Clear drops the token. The in-memory token is dropped even when the
// backend fails.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	if s.backend != nil {
		return s.backend.Clear()
	}
	return nil
}
