package audit

import (
	"context"
	"sync"
)

// MemoryRecorder keeps events in memory and mirrors them to the log.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Recorder = (*MemoryRecorder)(nil)

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (m *MemoryRecorder) Record(ctx context.Context, event string, fields map[string]any) (string, error) {
	e, err := newEntry(ctx, event, fields)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	_ = writeLine(e)
	return e.ID, nil
}

// Entries returns a copy of the recorded events, oldest first.
func (m *MemoryRecorder) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Events returns the recorded event names, oldest first.
func (m *MemoryRecorder) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Event
	}
	return out
}

// Get returns the event with id.
func (m *MemoryRecorder) Get(ctx context.Context, id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}
