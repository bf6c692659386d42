// Package realtime exposes the coordination core over WebSocket and
// REST. It is thin glue: every operation maps onto one call into the
// registry, router, permission service, or tracker gateway, and domain
// events from the bus are pushed to connected clients.
package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"switchboard/internal/events"
	"switchboard/internal/permission"
	"switchboard/internal/protocol"
	"switchboard/internal/registry"
	"switchboard/internal/router"
	"switchboard/internal/tracker"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server routes WebSocket and REST traffic to the core components and
// pushes bus events to connected clients.
type Server struct {
	registry  *registry.Registry
	router    *router.Router
	perms     *permission.Service
	gateway   *tracker.Gateway
	bus       *events.Bus
	staticDir string

	clients   map[*client]bool
	clientsMu sync.RWMutex

	busSubID string
	done     chan struct{}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a realtime server and starts forwarding bus events to
// clients. Call Close to stop the forwarder.
func New(reg *registry.Registry, rt *router.Router, perms *permission.Service, gw *tracker.Gateway, bus *events.Bus, staticDir string) *Server {
	s := &Server{
		registry:  reg,
		router:    rt,
		perms:     perms,
		gateway:   gw,
		bus:       bus,
		staticDir: staticDir,
		clients:   make(map[*client]bool),
		done:      make(chan struct{}),
	}

	subID, ch, _ := bus.Subscribe()
	s.busSubID = subID
	go s.pumpBusEvents(ch)

	return s
}

// Close stops the bus forwarder.
func (s *Server) Close() {
	close(s.done)
	s.bus.Unsubscribe(s.busSubID)
}

// pumpBusEvents translates domain events into protocol messages and
// broadcasts them.
func (s *Server) pumpBusEvents(ch <-chan events.Event) {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if msg := s.translateEvent(event); msg != nil {
				s.broadcast(msg)
			}
		}
	}
}

func (s *Server) translateEvent(event events.Event) *protocol.Message {
	switch event.Name {
	case events.SessionStatusChanged:
		p, ok := event.Payload.(events.StatusChangedPayload)
		if !ok {
			return nil
		}
		sess, err := s.registry.Get(p.SessionID)
		if err != nil {
			return nil
		}
		msg, _ := protocol.NewMessage(protocol.TypeSessionUpdate, sessionPayload(sess))
		return msg

	case events.InputQueued:
		p, ok := event.Payload.(events.QueuePayload)
		if !ok {
			return nil
		}
		msg, _ := protocol.NewMessage(protocol.TypeQueueUpdate, protocol.QueueUpdatePayload{
			SessionID: p.SessionID,
			Length:    p.Length,
		})
		return msg

	case events.InputDelivered:
		p, ok := event.Payload.(events.QueuePayload)
		if !ok {
			return nil
		}
		msg, _ := protocol.NewMessage(protocol.TypeInputDelivered, protocol.InputDeliveredPayload{
			SessionID: p.SessionID,
			Delivered: p.Delivered,
		})
		return msg

	case events.PermissionRequest, events.PermissionAutoHandled:
		p, ok := event.Payload.(events.PermissionPayload)
		if !ok {
			return nil
		}
		msgType := protocol.TypePermissionRequest
		if event.Name == events.PermissionAutoHandled {
			msgType = protocol.TypePermissionAutoHandled
		}
		msg, _ := protocol.NewMessage(msgType, protocol.PermissionEventPayload{
			SessionID: p.SessionID,
			Tool:      p.Tool,
			Line:      p.Line,
			Response:  p.Response,
		})
		return msg

	case events.BeadUpdated, events.BeadClosed:
		p, ok := event.Payload.(events.BeadPayload)
		if !ok {
			return nil
		}
		msgType := protocol.TypeBeadUpdated
		if event.Name == events.BeadClosed {
			msgType = protocol.TypeBeadClosed
		}
		msg, _ := protocol.NewMessage(msgType, protocol.BeadEventPayload{
			ID:    p.ID,
			Title: p.Title,
		})
		return msg
	}
	return nil
}

func sessionPayload(sess *registry.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:          sess.ID,
		Name:        sess.Name,
		Pane:        sess.Pane,
		ProjectPath: sess.ProjectPath,
		Status:      string(sess.Status),
		UpdatedAt:   sess.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Send current session list and recent activity to the new client.
	s.sendSessionList(c)
	s.sendRecentEvents(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the current session state to a client.
func (s *Server) sendSessionList(c *client) {
	for _, sess := range s.registry.List() {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionPayload(sess))
		if err != nil {
			continue
		}
		c.enqueue(msg)
	}
}

// sendRecentEvents replays buffered bead, permission, and queue events
// so a late client does not miss activity that preceded its connection.
// Status history is skipped: the session list already carries current
// state.
func (s *Server) sendRecentEvents(c *client) {
	for _, event := range s.bus.History() {
		if event.Name == events.SessionStatusChanged {
			continue
		}
		if msg := s.translateEvent(event); msg != nil {
			c.enqueue(msg)
		}
	}
}

func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.clientsMu.Unlock()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		var p protocol.SessionCreatePayload
		json.Unmarshal(msg.Payload, &p)
		sess, err := s.registry.Create(registry.Spec{
			ID:          p.ID,
			Name:        p.Name,
			Pane:        p.Pane,
			ProjectPath: p.ProjectPath,
			Status:      registry.Status(p.Status),
		})
		if err != nil {
			s.sendError(c, protocol.ErrInvalidMessage, err.Error())
			return
		}
		out, _ := protocol.NewMessage(protocol.TypeSessionUpdate, sessionPayload(sess))
		s.broadcast(out)

	case protocol.TypeSessionStatus:
		var p protocol.SessionStatusPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.updateStatus(p.SessionID, registry.Status(p.Status)); err != nil {
			s.sendError(c, statusErrorCode(err), err.Error())
		}

	case protocol.TypeInputSend:
		var p protocol.InputSendPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.router.SendInput(p.SessionID, p.Text); err != nil {
			s.sendError(c, routerErrorCode(err), err.Error())
		}

	case protocol.TypeInputInterrupt:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.router.SendInterrupt(p.SessionID); err != nil {
			s.sendError(c, routerErrorCode(err), err.Error())
		}

	case protocol.TypePermissionRespond:
		var p protocol.PermissionRespondPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.router.SendPermissionResponse(p.SessionID, p.Approved); err != nil {
			s.sendError(c, routerErrorCode(err), err.Error())
		}

	case protocol.TypePermissionConfig:
		var p protocol.PermissionConfigPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.perms.UpdateConfig(configUpdate(p)); err != nil {
			s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		}

	case protocol.TypeOutputLine:
		var p protocol.OutputLinePayload
		json.Unmarshal(msg.Payload, &p)
		s.perms.ProcessOutputLine(p.SessionID, p.Line)
	}
}

// updateStatus changes a session's status and reacts to the
// transition: a session that just became idle gets its queue flushed,
// and an offline session releases its output parser.
func (s *Server) updateStatus(sessionID string, status registry.Status) error {
	if err := s.registry.UpdateStatus(sessionID, status); err != nil {
		return err
	}

	switch status {
	case registry.StatusIdle:
		go s.router.FlushQueue(sessionID)
	case registry.StatusOffline:
		s.router.ClearQueue(sessionID)
		s.perms.RemoveSession(sessionID)
	}
	return nil
}

func configUpdate(p protocol.PermissionConfigPayload) permission.Update {
	u := permission.Update{}
	if p.DefaultMode != nil {
		mode := permission.Mode(*p.DefaultMode)
		u.DefaultMode = &mode
	}
	if len(p.SessionModes) > 0 {
		u.SessionModes = make(map[string]permission.Mode, len(p.SessionModes))
		for k, v := range p.SessionModes {
			u.SessionModes[k] = permission.Mode(v)
		}
	}
	if len(p.ToolModes) > 0 {
		u.ToolModes = make(map[string]permission.Mode, len(p.ToolModes))
		for k, v := range p.ToolModes {
			u.ToolModes[k] = permission.Mode(v)
		}
	}
	return u
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	c.enqueue(msg)
}
