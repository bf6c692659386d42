package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate         = "session.update"
	TypeQueueUpdate           = "queue.update"
	TypeInputDelivered        = "input.delivered"
	TypePermissionRequest     = "permission.request"
	TypePermissionAutoHandled = "permission.autoHandled"
	TypeBeadUpdated           = "bead.updated"
	TypeBeadClosed            = "bead.closed"
	TypeError                 = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate     = "session.create"
	TypeSessionStatus     = "session.status"
	TypeInputSend         = "input.send"
	TypeInputInterrupt    = "input.interrupt"
	TypePermissionRespond = "permission.respond"
	TypePermissionConfig  = "permission.config"
	TypeOutputLine        = "output.line"
)

// Error codes sent to clients.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrSessionOffline  = "SESSION_OFFLINE"
	ErrDeliveryFailed  = "DELIVERY_FAILED"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrInvalidStatus   = "INVALID_STATUS"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Pane        string `json:"pane"`
	ProjectPath string `json:"projectPath"`
	Status      string `json:"status"`
	UpdatedAt   string `json:"updatedAt"`
}

type QueueUpdatePayload struct {
	SessionID string `json:"sessionId"`
	Length    int    `json:"length"`
}

type InputDeliveredPayload struct {
	SessionID string `json:"sessionId"`
	Delivered int    `json:"delivered"`
}

type PermissionEventPayload struct {
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool,omitempty"`
	Line      string `json:"line"`
	Response  string `json:"response,omitempty"`
}

type BeadEventPayload struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Pane        string `json:"pane"`
	ProjectPath string `json:"projectPath"`
	Status      string `json:"status"`
}

type SessionStatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type InputSendPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type PermissionRespondPayload struct {
	SessionID string `json:"sessionId"`
	Approved  bool   `json:"approved"`
}

type PermissionConfigPayload struct {
	DefaultMode  *string           `json:"defaultMode,omitempty"`
	SessionModes map[string]string `json:"sessionModes,omitempty"`
	ToolModes    map[string]string `json:"toolModes,omitempty"`
}

type OutputLinePayload struct {
	SessionID string `json:"sessionId"`
	Line      string `json:"line"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}
