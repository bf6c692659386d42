package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSubscriberBufCap = 100
	defaultHistoryCapacity  = 1000
)

// Domain event names emitted by the core components.
const (
	SessionStatusChanged  = "session:statusChanged"
	BeadUpdated           = "bead:updated"
	BeadClosed            = "bead:closed"
	PermissionRequest     = "permission:request"
	PermissionAutoHandled = "permission:autoHandled"
	InputQueued           = "input:queued"
	InputDelivered        = "input:delivered"
)

// Event is a single domain event published on the bus.
type Event struct {
	Name      string      `json:"name"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusChangedPayload accompanies SessionStatusChanged.
type StatusChangedPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// BeadPayload accompanies BeadUpdated and BeadClosed.
type BeadPayload struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// PermissionPayload accompanies PermissionRequest and PermissionAutoHandled.
type PermissionPayload struct {
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool,omitempty"`
	Line      string `json:"line"`
	Response  string `json:"response,omitempty"`
}

// QueuePayload accompanies InputQueued and InputDelivered.
type QueuePayload struct {
	SessionID string `json:"sessionId"`
	Length    int    `json:"length,omitempty"`
	Delivered int    `json:"delivered,omitempty"`
}

// Bus fans out domain events to subscribers. Slow subscribers drop
// events rather than block publishers. Recent events are retained in a
// ring buffer so late subscribers can catch up.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	history     *RingBuffer
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
		history:     NewRingBuffer(defaultHistoryCapacity),
	}
}

// Subscribe registers a new subscriber and returns its id, channel, and
// the buffered event history. The history snapshot is taken before the
// subscriber is registered to avoid duplicated events.
func (b *Bus) Subscribe() (string, <-chan Event, []Event) {
	id := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	b.mu.Lock()
	history := b.history.ReadAll()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return id, ch, history
}

// History returns a snapshot of recent events in chronological order.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.ReadAll()
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Emit publishes an event to all subscribers.
func (b *Bus) Emit(name string, payload interface{}) {
	event := Event{
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	b.history.Write(event)

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}
