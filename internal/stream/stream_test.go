package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesOwnerOnly(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := s.Subscribe(ctx, "alice")
	all := s.Subscribe(ctx, "")

	s.Publish(ExecutionEvent{EventID: "e1", Owner: "bob", Action: "withdraw"})
	s.Publish(ExecutionEvent{EventID: "e2", Owner: "alice", Action: "deposit"})

	select {
	case evt := <-alice:
		if evt.EventID != "e2" {
			t.Fatalf("alice received %q", evt.EventID)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("alice received nothing")
	}
	for _, want := range []string{"e1", "e2"} {
		select {
		case evt := <-all:
			if evt.EventID != want {
				t.Fatalf("got %q want %q", evt.EventID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s", want)
		}
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if n := s.Subscribers(); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
}
