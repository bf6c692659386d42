// Package permission classifies agent output streams into structured
// events and intercepts permission prompts, answering them
// automatically when policy allows.
package permission

import (
	"fmt"
	"log"
	"sync"

	"switchboard/internal/events"
)

// Responder dispatches a permission answer to a session. Satisfied by
// the input router.
type Responder interface {
	SendPermissionResponse(sessionID string, approved bool) error
}

// Service holds the three-tier permission config and one output parser
// per session. Parser state never leaks across sessions.
type Service struct {
	responder Responder
	bus       *events.Bus
	path      string

	mu      sync.RWMutex
	cfg     Config
	parsers map[string]*parser
}

// NewService loads the persisted config from path (missing file means
// defaults) and returns a ready service. Initialization is idempotent.
func NewService(path string, responder Responder, bus *events.Bus) (*Service, error) {
	cfg, err := loadConfigFile(path)
	if err != nil {
		return nil, err
	}
	return &Service{
		responder: responder,
		bus:       bus,
		path:      path,
		cfg:       cfg,
		parsers:   make(map[string]*parser),
	}, nil
}

// EffectiveMode resolves the policy for a session/tool pair. Precedence
// is tool override > session override > default. Pure resolution, no
// side effects.
func (s *Service) EffectiveMode(sessionID, tool string) Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tool != "" {
		if mode, ok := s.cfg.ToolModes[tool]; ok {
			return mode
		}
	}
	if mode, ok := s.cfg.SessionModes[sessionID]; ok {
		return mode
	}
	return s.cfg.DefaultMode
}

// ProcessOutputLine feeds one line of a session's output into that
// session's parser. Returns the classified events and whether a
// permission prompt was answered automatically.
func (s *Service) ProcessOutputLine(sessionID, line string) ([]Event, bool) {
	s.mu.Lock()
	p, ok := s.parsers[sessionID]
	if !ok {
		p = &parser{}
		s.parsers[sessionID] = p
	}
	c := p.classify(line)
	s.mu.Unlock()

	event := Event{
		Kind:      c.kind,
		SessionID: sessionID,
		Line:      line,
		Tool:      c.tool,
	}

	if c.kind != KindPermissionRequest {
		return []Event{event}, false
	}

	mode := s.EffectiveMode(sessionID, c.tool)
	if mode == ModeManual {
		if s.bus != nil {
			s.bus.Emit(events.PermissionRequest, events.PermissionPayload{
				SessionID: sessionID,
				Tool:      c.tool,
				Line:      line,
			})
		}
		return []Event{event}, false
	}

	approved := mode == ModeAutoAccept
	if err := s.responder.SendPermissionResponse(sessionID, approved); err != nil {
		// The answer could not be delivered, so the prompt is still
		// pending; surface it for manual handling instead.
		log.Printf("session %s: auto permission response failed: %v", sessionID, err)
		if s.bus != nil {
			s.bus.Emit(events.PermissionRequest, events.PermissionPayload{
				SessionID: sessionID,
				Tool:      c.tool,
				Line:      line,
			})
		}
		return []Event{event}, false
	}

	event.AutoHandled = true
	if approved {
		event.Response = "approved"
	} else {
		event.Response = "denied"
	}

	if s.bus != nil {
		s.bus.Emit(events.PermissionAutoHandled, events.PermissionPayload{
			SessionID: sessionID,
			Tool:      c.tool,
			Line:      line,
			Response:  event.Response,
		})
	}
	return []Event{event}, true
}

// RemoveSession drops a session's parser so the arena does not grow
// without bound. Call on session disconnect.
func (s *Service) RemoveSession(sessionID string) {
	s.mu.Lock()
	delete(s.parsers, sessionID)
	s.mu.Unlock()
}

// UpdateConfig merges a partial update into the config and persists
// the result. Unrelated keys are preserved.
func (s *Service) UpdateConfig(u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.DefaultMode != nil {
		if !ValidMode(*u.DefaultMode) {
			return fmt.Errorf("invalid default mode %q", *u.DefaultMode)
		}
		s.cfg.DefaultMode = *u.DefaultMode
	}
	for id, mode := range u.SessionModes {
		if !ValidMode(mode) {
			return fmt.Errorf("invalid mode %q for session %s", mode, id)
		}
		s.cfg.SessionModes[id] = mode
	}
	for tool, mode := range u.ToolModes {
		if !ValidMode(mode) {
			return fmt.Errorf("invalid mode %q for tool %s", mode, tool)
		}
		s.cfg.ToolModes[tool] = mode
	}

	return saveConfigFile(s.path, s.cfg)
}

// Snapshot returns a copy of the current config.
func (s *Service) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Config{
		DefaultMode:  s.cfg.DefaultMode,
		SessionModes: make(map[string]Mode, len(s.cfg.SessionModes)),
		ToolModes:    make(map[string]Mode, len(s.cfg.ToolModes)),
	}
	for k, v := range s.cfg.SessionModes {
		out.SessionModes[k] = v
	}
	for k, v := range s.cfg.ToolModes {
		out.ToolModes[k] = v
	}
	return out
}

// ReloadFromDisk re-reads the persisted config, replacing the live
// policy. Used by the config file watcher so external edits take
// effect without a restart.
func (s *Service) ReloadFromDisk() error {
	cfg, err := loadConfigFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}
