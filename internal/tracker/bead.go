package tracker

import "strings"

// Bead types and statuses recognized by the gateway.
const (
	TypeEpic = "epic"
	TypeTask = "task"
	TypeBug  = "bug"
)

var validStatuses = map[string]bool{
	"open":        true,
	"in_progress": true,
	"blocked":     true,
	"closed":      true,
}

// Bead is a tracked unit of work in the external issue store. Only the
// fields the gateway inspects are modeled here; the store owns the
// record.
type Bead struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Type   string `json:"issue_type"`
	Status string `json:"status"`
	Parent string `json:"parent,omitempty"`
}

// validBeadID rejects empty ids and ids with whitespace, which would
// split into extra CLI arguments.
func validBeadID(id string) bool {
	return id != "" && !strings.ContainsAny(id, " \t\n")
}
