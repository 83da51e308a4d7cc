package stream

import (
	"context"
	"sync"
	"time"
)

// ExecutionEvent describes one action an agent carried out on behalf of a user.
type ExecutionEvent struct {
	EventID   string    `json:"event_id"`
	Owner     string    `json:"owner"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Amount    int64     `json:"amount,omitempty"` // minor units
	Currency  string    `json:"currency,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	owner string
	ch    chan ExecutionEvent
}

// Stream fan-outs execution events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for the events of owner and returns a
// channel which will receive them. An empty owner receives every event.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, owner string) <-chan ExecutionEvent {
	ch := make(chan ExecutionEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{owner: owner, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to matching subscribers.
func (s *Stream) Publish(evt ExecutionEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.owner != "" && sub.owner != evt.Owner {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports how many subscribers are attached.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
