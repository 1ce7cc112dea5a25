package events

import (
	"testing"
	"time"

	"github.com/ent0n29/memsync/internal/protocol"
)

func TestHubDeliversToAccountOnly(t *testing.T) {
	h := NewHub(4, nil)
	mine, cancelMine := h.Subscribe(1)
	defer cancelMine()
	theirs, cancelTheirs := h.Subscribe(2)
	defer cancelTheirs()

	if n := h.Publish(1, protocol.Event{Count: 3}); n != 1 {
		t.Fatalf("Publish() delivered = %d, want 1", n)
	}

	select {
	case ev := <-mine:
		if ev.Type != protocol.TypeMemoryReplaced || ev.UserID != 1 || ev.Count != 3 || ev.ID == "" || ev.At.IsZero() {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}

	select {
	case ev := <-theirs:
		t.Fatalf("other account received %+v", ev)
	default:
	}
}

func TestHubPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	h := NewHub(1, nil)
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish(1, protocol.Event{Count: 1})
	done := make(chan int, 1)
	go func() { done <- h.Publish(1, protocol.Event{Count: 2}) }()

	select {
	case n := <-done:
		if n != 0 {
			t.Fatalf("Publish() to full subscriber delivered = %d, want 0", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("Publish() blocked on a full subscriber")
	}
	if ev := <-ch; ev.Count != 1 {
		t.Fatalf("first event count = %d, want 1", ev.Count)
	}
}

func TestHubCancelClosesAndUnregisters(t *testing.T) {
	h := NewHub(0, nil)
	ch, cancel := h.Subscribe(5)
	if h.Subscribers(5) != 1 {
		t.Fatalf("Subscribers() = %d, want 1", h.Subscribers(5))
	}
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}
	if h.Subscribers(5) != 0 {
		t.Fatalf("Subscribers() after cancel = %d, want 0", h.Subscribers(5))
	}
	if n := h.Publish(5, protocol.Event{}); n != 0 {
		t.Fatalf("Publish() after cancel delivered = %d", n)
	}
}
