package bus

import (
	"testing"
	"time"
)

// TestPublishDeliversInOrder verifies per-subscriber ordering.
func TestPublishDeliversInOrder(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	defer sub.Cancel()

	h.Publish(Event{Name: "a"})
	h.Publish(Event{Name: "b"})
	h.Publish(Event{Name: "c"})

	for _, want := range []string{"a", "b", "c"} {
		select {
		case ev := <-sub.C:
			if ev.Name != want {
				t.Fatalf("got event %q, want %q", ev.Name, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

// TestSlowSubscriberDropped verifies that a subscriber whose buffer fills is
// dropped without blocking the publisher, and its channel is closed.
func TestSlowSubscriberDropped(t *testing.T) {
	h := New()
	sub := h.Subscribe()

	// One more than the buffer: the last publish overflows and drops the sub.
	for i := 0; i <= bufferSize; i++ {
		h.Publish(Event{Name: "flood"})
	}

	if n := h.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0 after overflow", n)
	}

	// Drain: after bufferSize events the channel must be closed.
	count := 0
	for range sub.C {
		count++
	}
	if count != bufferSize {
		t.Fatalf("drained %d events, want %d", count, bufferSize)
	}
}

// TestCancelIsIdempotent verifies Cancel can be called twice.
func TestCancelIsIdempotent(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	sub.Cancel()
	sub.Cancel()
	if n := h.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}
}

// TestPublishAfterCancelDoesNotPanic verifies publishing with no subscribers
// and after cancellation is safe.
func TestPublishAfterCancelDoesNotPanic(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	sub.Cancel()
	h.Publish(Event{Name: "orphan"})
}
