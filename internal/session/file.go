package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"finllm.org/internal/credential"
)

// FileBackend stores the opaque token string in a file readable only by
// the current user.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// DefaultPath returns ~/.config/finllm/session, or a path in the working
// directory when no config dir is known.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".finllm-session"
	}
	return filepath.Join(dir, "finllm", "session")
}

func (f *FileBackend) Load() (credential.SessionToken, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: read %s: %w", f.path, err)
	}
	return credential.SessionToken(strings.TrimSpace(string(raw))), nil
}

func (f *FileBackend) Save(tok credential.SessionToken) error {
	if tok.Empty() {
		return f.Clear()
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("session: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("session: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("session: chmod: %w", err)
	}
	if _, err := tmp.WriteString(tok.Bearer()); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("session: rename: %w", err)
	}
	return nil
}

func (f *FileBackend) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: remove: %w", err)
	}
	return nil
}
