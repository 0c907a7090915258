// Package bus provides the single-process broadcast hub fanning lifecycle
// events out to subscribers (WebSocket clients, the Telegram notifier,
// in-process listeners). Delivery is best-effort: publishers never block,
// and a subscriber that falls more than bufferSize events behind is dropped.
package bus

import (
	"log/slog"
	"sync"
)

// bufferSize bounds each subscriber's outbound queue.
const bufferSize = 256

// Event is a tagged variant published on the hub.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Publisher is the capability handed to components that only emit events.
type Publisher interface {
	Publish(event Event)
}

// Subscription is a live event stream. Events arrives on C in publish order.
// The channel is closed when the subscriber is cancelled or dropped.
type Subscription struct {
	C      <-chan Event
	id     uint64
	cancel func()
}

// Cancel detaches the subscription from the hub and closes C.
// Safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

// Hub is the broadcast hub. The zero value is not usable; call New.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Event
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a new subscriber and returns its stream.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, bufferSize)
	h.subs[id] = ch

	return &Subscription{
		C:  ch,
		id: id,
		cancel: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		},
	}
}

// Publish fans the event out to all live subscribers. A subscriber whose
// buffer is full is dropped and its channel closed; per-subscriber order is
// preserved for subscribers that keep up.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			delete(h.subs, id)
			close(ch)
			slog.Warn("bus.subscriber_dropped", "subscriber", id, "event", event.Name)
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
