// Package eventbus is an in-process publish/subscribe hub backing the
// supplemented /v1/events surface (spec §6): dispatch-lifecycle events
// are emitted here and fanned out to any number of subscribed SSE
// clients.
package eventbus

import (
	"sync"
	"time"
)

// Event is one notification. Kind names what happened (the dispatcher
// emits "dispatch.success", "dispatch.failure" and "dispatch.stream_end");
// Payload carries kind-specific JSON-able data.
type Event struct {
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans Events out to subscribers. The zero value is not usable;
// construct with New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	// bufferSize bounds each subscriber's channel so one slow reader
	// can't block emit() for everyone else; a full channel drops the
	// event for that subscriber instead of blocking.
	bufferSize int
	now        func() time.Time
}

// New builds a Bus whose per-subscriber channel buffer holds
// bufferSize pending events.
func New(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{subscribers: make(map[int]chan Event), bufferSize: bufferSize, now: time.Now}
}

// Emit publishes one event to every current subscriber, non-blocking.
func (b *Bus) Emit(kind string, payload any) {
	ev := Event{Kind: kind, Payload: payload, Timestamp: b.now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// subscriber is behind; drop rather than block emit()
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel
// plus an unsubscribe function the caller must invoke when done (e.g.
// when the client's HTTP connection closes).
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// SubscriberCount reports how many subscribers are currently attached,
// useful for /health diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
