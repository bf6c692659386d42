package registry

import "time"

// Status represents the delivery-relevant state of an agent session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusBlocked Status = "blocked"
	StatusStuck   Status = "stuck"
	StatusOffline Status = "offline"
)

// ValidStatus reports whether s is a recognized session status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusIdle, StatusWorking, StatusBlocked, StatusStuck, StatusOffline:
		return true
	}
	return false
}

// Session holds metadata and state for a single agent process bound to
// a terminal pane. ID and Pane never change after creation.
type Session struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Pane        string    `json:"pane"`
	ProjectPath string    `json:"projectPath"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Spec describes a session to create. ID and Status are optional; a
// missing ID is generated, a missing Status defaults to idle.
type Spec struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Pane        string `json:"pane"`
	ProjectPath string `json:"projectPath"`
	Status      Status `json:"status"`
}
