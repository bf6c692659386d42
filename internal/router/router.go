// Package router owns per-session input queues and the decision of
// when keystrokes may be delivered to a session's pane. Input sent to a
// busy session is queued rather than typed into the middle of an agent
// turn; permission answers and interrupts bypass the queue.
package router

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"switchboard/internal/events"
	"switchboard/internal/pane"
	"switchboard/internal/registry"
)

var (
	// ErrSessionNotFound mirrors registry.ErrSessionNotFound for callers
	// that only import this package.
	ErrSessionNotFound = registry.ErrSessionNotFound
	// ErrSessionOffline is returned when the target session is offline.
	ErrSessionOffline = errors.New("session offline")
	// ErrDeliveryFailed wraps pane I/O failures.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// QueueEntry is one pending input line for a session.
type QueueEntry struct {
	SessionID  string    `json:"sessionId"`
	Text       string    `json:"text"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Router routes input lines to sessions, queuing them while the
// session is busy.
type Router struct {
	registry *registry.Registry
	panes    pane.Controller
	bus      *events.Bus

	mu     sync.Mutex
	queues map[string][]QueueEntry
	// flushLocks serializes FlushQueue per session so overlapping
	// flushes cannot reorder entries.
	flushLocks map[string]*sync.Mutex
}

// New creates a router over the given registry and pane controller.
func New(reg *registry.Registry, panes pane.Controller, bus *events.Bus) *Router {
	return &Router{
		registry:   reg,
		panes:      panes,
		bus:        bus,
		queues:     make(map[string][]QueueEntry),
		flushLocks: make(map[string]*sync.Mutex),
	}
}

// SendInput delivers text to a session. Idle sessions get the text plus
// a submit keystroke immediately; working, blocked, and stuck sessions
// get it appended to their FIFO queue for a later flush. Unknown and
// offline sessions are failures with no side effect.
func (r *Router) SendInput(sessionID, text string) error {
	sess, err := r.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == registry.StatusOffline {
		return fmt.Errorf("%w: %s", ErrSessionOffline, sessionID)
	}

	if sess.Status != registry.StatusIdle {
		r.mu.Lock()
		r.queues[sessionID] = append(r.queues[sessionID], QueueEntry{
			SessionID:  sessionID,
			Text:       text,
			EnqueuedAt: time.Now().UTC(),
		})
		length := len(r.queues[sessionID])
		r.mu.Unlock()

		if r.bus != nil {
			r.bus.Emit(events.InputQueued, events.QueuePayload{SessionID: sessionID, Length: length})
		}
		return nil
	}

	return r.deliver(sess.Pane, text)
}

func (r *Router) deliver(paneRef, text string) error {
	if err := r.panes.SendLiteral(paneRef, text); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if err := r.panes.SendKey(paneRef, pane.KeyEnter); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// FlushQueue delivers queued entries for a session in FIFO order,
// stopping at the first delivery failure. Entries after the failure
// stay queued for a later attempt. Returns the number of entries
// delivered. Intended to run when a session transitions to idle.
func (r *Router) FlushQueue(sessionID string) int {
	sess, err := r.registry.Get(sessionID)
	if err != nil {
		return 0
	}

	lock := r.flushLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	delivered := 0
	for {
		r.mu.Lock()
		q := r.queues[sessionID]
		if len(q) == 0 {
			r.mu.Unlock()
			break
		}
		entry := q[0]
		r.mu.Unlock()

		if err := r.deliver(sess.Pane, entry.Text); err != nil {
			log.Printf("session %s: flush stopped after %d entries: %v", sessionID, delivered, err)
			break
		}

		// A clear or interrupt may have emptied the queue while the
		// delivery was in flight, so pop the head only if it is still
		// the entry we just delivered.
		r.mu.Lock()
		if q := r.queues[sessionID]; len(q) > 0 && q[0] == entry {
			r.queues[sessionID] = q[1:]
		}
		r.mu.Unlock()
		delivered++
	}

	if delivered > 0 && r.bus != nil {
		r.bus.Emit(events.InputDelivered, events.QueuePayload{SessionID: sessionID, Delivered: delivered})
	}
	return delivered
}

func (r *Router) flushLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.flushLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.flushLocks[sessionID] = lock
	}
	return lock
}

// SendPermissionResponse answers a pending permission prompt with y or
// n plus submit. Permission answers are time-sensitive control signals
// and bypass the input queue entirely.
func (r *Router) SendPermissionResponse(sessionID string, approved bool) error {
	sess, err := r.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == registry.StatusOffline {
		return fmt.Errorf("%w: %s", ErrSessionOffline, sessionID)
	}

	response := "y"
	if !approved {
		response = "n"
	}
	return r.deliver(sess.Pane, response)
}

// SendInterrupt sends a hard interrupt to the session's pane and
// unconditionally discards its queued input: an interrupt is operator
// intent to abandon both in-flight and pending work.
func (r *Router) SendInterrupt(sessionID string) error {
	sess, err := r.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == registry.StatusOffline {
		return fmt.Errorf("%w: %s", ErrSessionOffline, sessionID)
	}

	r.ClearQueue(sessionID)

	if err := r.panes.SendKey(sess.Pane, pane.KeyInterrupt); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// ClearQueue discards all queued input for a session. No-op for
// unknown sessions.
func (r *Router) ClearQueue(sessionID string) {
	r.mu.Lock()
	delete(r.queues, sessionID)
	r.mu.Unlock()
}

// ClearAllQueues discards every session's queued input.
func (r *Router) ClearAllQueues() {
	r.mu.Lock()
	r.queues = make(map[string][]QueueEntry)
	r.mu.Unlock()
}

// QueueLength returns the number of queued entries for a session, zero
// for unknown sessions.
func (r *Router) QueueLength(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[sessionID])
}

// Queue returns a snapshot of a session's pending entries.
func (r *Router) Queue(sessionID string) []QueueEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueueEntry, len(r.queues[sessionID]))
	copy(out, r.queues[sessionID])
	return out
}
