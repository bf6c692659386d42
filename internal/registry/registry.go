package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/events"
	"switchboard/internal/store"
)

var (
	// ErrSessionNotFound is returned for operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when a created session id collides.
	ErrSessionExists = errors.New("session already exists")
	// ErrInvalidStatus is returned for unrecognized status values.
	ErrInvalidStatus = errors.New("invalid session status")
)

// Registry is the authoritative store of agent session metadata. State
// is held in memory and written through to SQLite so it survives
// process restart. Session records are never deleted; offline is the
// terminal status.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	db       *store.DB
	bus      *events.Bus
}

// New creates a registry backed by db, loading any persisted sessions.
// Loading is idempotent; calling New again over the same database
// yields the same session set.
func New(db *store.DB, bus *events.Bus) (*Registry, error) {
	r := &Registry{
		sessions: make(map[string]*Session),
		db:       db,
		bus:      bus,
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return r, nil
}

func (r *Registry) load() error {
	rows, err := r.db.Query(`SELECT id, name, pane, project_path, status, created_at, updated_at FROM sessions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var s Session
		var created, updated int64
		if err := rows.Scan(&s.ID, &s.Name, &s.Pane, &s.ProjectPath, &s.Status, &created, &updated); err != nil {
			return err
		}
		s.CreatedAt = time.Unix(0, created).UTC()
		s.UpdatedAt = time.Unix(0, updated).UTC()
		r.sessions[s.ID] = &s
	}
	return rows.Err()
}

// Create registers a new session. A missing id is generated; a missing
// status defaults to idle. Fails if the chosen id collides.
func (r *Registry) Create(spec Spec) (*Session, error) {
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}

	status := spec.Status
	if status == "" {
		status = StatusIdle
	}
	if !ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if spec.Pane == "" {
		return nil, fmt.Errorf("pane reference is required")
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:          id,
		Name:        spec.Name,
		Pane:        spec.Pane,
		ProjectPath: spec.ProjectPath,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	if err := r.persist(sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	r.sessions[id] = sess

	out := *sess
	return &out, nil
}

// UpdateStatus sets a session's status. Unknown ids return
// ErrSessionNotFound so callers can detect stale references. Setting
// the current status again is a no-op that still succeeds.
func (r *Registry) UpdateStatus(id string, status Status) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.Status == status {
		return nil
	}

	sess.Status = status
	sess.UpdatedAt = time.Now().UTC()
	if err := r.persist(sess); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	if r.bus != nil {
		r.bus.Emit(events.SessionStatusChanged, events.StatusChangedPayload{
			SessionID: id,
			Status:    string(status),
		})
	}
	return nil
}

// persist writes a session row. Caller holds r.mu.
func (r *Registry) persist(s *Session) error {
	_, err := r.db.Exec(
		`INSERT INTO sessions (id, name, pane, project_path, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, updated_at=excluded.updated_at`,
		s.ID, s.Name, s.Pane, s.ProjectPath, string(s.Status),
		s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano(),
	)
	return err
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	out := *sess
	return &out, nil
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out := *sess
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}
