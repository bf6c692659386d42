// Package tracker wraps all access to the external bead issue store
// behind a single FIFO gate and implements the epic auto-completion
// cascade. The store tolerates only one concurrent caller, so every
// operation runs inside the gate.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/events"
)

const defaultAcquireTimeout = 30 * time.Second

// Gateway serializes issue-tracker commands and applies the epic close
// guard and cascade policy.
type Gateway struct {
	gate           *Gate
	runner         Runner
	bus            *events.Bus
	opts           ExecOpts
	acquireTimeout time.Duration
}

// New creates a gateway. acquireTimeout bounds how long a caller waits
// for the gate; zero means the default.
func New(runner Runner, bus *events.Bus, opts ExecOpts, acquireTimeout time.Duration) *Gateway {
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	return &Gateway{
		gate:           NewGate(),
		runner:         runner,
		bus:            bus,
		opts:           opts,
		acquireTimeout: acquireTimeout,
	}
}

// exclusive runs fn inside the gate. The timeout applies only to
// acquisition, not to fn itself; a caller that cannot get the gate in
// time receives GATEWAY_BUSY instead of blocking forever.
func (g *Gateway) exclusive(ctx context.Context, fn func() Result) Result {
	acquireCtx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	defer cancel()

	var res Result
	err := g.gate.RunExclusive(acquireCtx, func() error {
		res = fn()
		return nil
	})
	if err != nil {
		// A caller abandoning the request (disconnect, its own
		// deadline) is not tracker contention.
		if ctx.Err() != nil {
			return failure(CodeRequestCancelled, "request cancelled: "+ctx.Err().Error())
		}
		return failure(CodeGatewayBusy, "issue tracker busy: "+err.Error())
	}
	return res
}

// CreateRequest describes a bead to create. A missing ID is generated
// by the server; a missing Type defaults to task.
type CreateRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// CreateBead creates a new bead. The success payload carries the final
// id so callers can report server-generated ids.
func (g *Gateway) CreateBead(ctx context.Context, req CreateRequest) Result {
	if strings.TrimSpace(req.Title) == "" {
		return failure(CodeInvalidRequest, "title is required")
	}

	id := req.ID
	if id == "" {
		id = "bd-" + uuid.New().String()[:8]
	}
	if !validBeadID(id) {
		return failure(CodeInvalidBeadID, fmt.Sprintf("invalid bead id %q", req.ID))
	}

	beadType := req.Type
	if beadType == "" {
		beadType = TypeTask
	}

	return g.exclusive(ctx, func() Result {
		args := []string{req.Title, "--id", id, "--type", beadType}
		if req.Description != "" {
			args = append(args, "--description", req.Description)
		}
		res := g.runner.Run(ctx, "create", args, g.opts)
		if !res.Success {
			return res
		}
		return success(map[string]string{
			"id":      id,
			"message": fmt.Sprintf("Created bead %s", id),
		})
	})
}

// ListBeads lists beads, including closed ones.
func (g *Gateway) ListBeads(ctx context.Context) Result {
	return g.exclusive(ctx, func() Result {
		return g.runner.Run(ctx, "list", []string{"--all"}, g.opts)
	})
}

// ShowBead fetches a single bead by id.
func (g *Gateway) ShowBead(ctx context.Context, id string) Result {
	if !validBeadID(id) {
		return failure(CodeInvalidBeadID, fmt.Sprintf("invalid bead id %q", id))
	}
	return g.exclusive(ctx, func() Result {
		res := g.runner.Run(ctx, "show", []string{id}, g.opts)
		if !res.Success && res.Error != nil && strings.Contains(strings.ToLower(res.Error.Message), "not found") {
			return failure(CodeBeadNotFound, res.Error.Message)
		}
		return res
	})
}

// UpdateBead applies field changes to a bead. An empty field set is
// rejected, as is an unrecognized status. Setting status to closed is
// subject to the epic guard: epics only complete via the cascade.
func (g *Gateway) UpdateBead(ctx context.Context, id string, fields map[string]string) Result {
	if !validBeadID(id) {
		return failure(CodeInvalidBeadID, fmt.Sprintf("invalid bead id %q", id))
	}
	if len(fields) == 0 {
		return failure(CodeInvalidRequest, "no fields to update")
	}

	status, hasStatus := fields["status"]
	if hasStatus && !validStatuses[status] {
		return failure(CodeInvalidStatus, fmt.Sprintf("unrecognized status %q", status))
	}

	return g.exclusive(ctx, func() Result {
		closing := hasStatus && status == "closed"
		var title string
		if closing {
			if bead, ok := g.lookupBead(ctx, id); ok {
				title = bead.Title
				if bead.Type == TypeEpic {
					return failure(CodeEpicCloseBlocked,
						fmt.Sprintf("epic %s cannot be closed directly; epics complete automatically when all children close", id))
				}
			}
		}

		res := g.runner.Run(ctx, "update", append([]string{id}, fieldArgs(fields)...), g.opts)
		if !res.Success {
			return res
		}

		if g.bus != nil {
			g.bus.Emit(events.BeadUpdated, events.BeadPayload{ID: id, Title: title})
		}

		if !closing {
			return success(map[string]string{
				"id":      id,
				"message": fmt.Sprintf("Updated bead %s", id),
			})
		}

		if g.bus != nil {
			g.bus.Emit(events.BeadClosed, events.BeadPayload{ID: id, Title: title})
		}
		autoClosed := g.cascade(ctx)
		return success(closePayload(id, autoClosed))
	})
}

// CloseBead closes a bead, applying the epic guard and then the
// cascade. The result payload lists the epics auto-closed as a
// consequence.
func (g *Gateway) CloseBead(ctx context.Context, id string) Result {
	if !validBeadID(id) {
		return failure(CodeInvalidBeadID, fmt.Sprintf("invalid bead id %q", id))
	}

	return g.exclusive(ctx, func() Result {
		var title string
		if bead, ok := g.lookupBead(ctx, id); ok {
			title = bead.Title
			if bead.Type == TypeEpic {
				return failure(CodeEpicCloseBlocked,
					fmt.Sprintf("epic %s cannot be closed directly; epics complete automatically when all children close", id))
			}
		}

		res := g.runner.Run(ctx, "close", []string{id}, g.opts)
		if !res.Success {
			return res
		}

		if g.bus != nil {
			g.bus.Emit(events.BeadClosed, events.BeadPayload{ID: id, Title: title})
		}
		autoClosed := g.cascade(ctx)
		return success(closePayload(id, autoClosed))
	})
}

// IsBeadEpic reports whether a bead is an epic. Lookup failures are
// treated as "not an epic": a transient store error must never block a
// legitimate close. Runs inside the gate.
func (g *Gateway) IsBeadEpic(ctx context.Context, id string) bool {
	if !validBeadID(id) {
		return false
	}
	epic := false
	g.exclusive(ctx, func() Result {
		if bead, ok := g.lookupBead(ctx, id); ok {
			epic = bead.Type == TypeEpic
		}
		return Result{Success: true}
	})
	return epic
}

// lookupBead fetches and parses a bead. Any failure yields (nil,
// false). Caller holds the gate.
func (g *Gateway) lookupBead(ctx context.Context, id string) (*Bead, bool) {
	res := g.runner.Run(ctx, "show", []string{id}, g.opts)
	if !res.Success || len(res.Data) == 0 {
		return nil, false
	}

	var bead Bead
	if err := json.Unmarshal(res.Data, &bead); err != nil {
		// Some versions wrap the record in a single-element array.
		var beads []Bead
		if err := json.Unmarshal(res.Data, &beads); err != nil || len(beads) == 0 {
			return nil, false
		}
		bead = beads[0]
	}
	if bead.ID == "" {
		return nil, false
	}
	return &bead, true
}

// cascade closes every epic whose children are now fully closed and
// emits one closed-event per epic. Failures are logged into the result
// by omission: an epic that fails to close is simply not reported as
// auto-closed. Caller holds the gate.
func (g *Gateway) cascade(ctx context.Context) []string {
	res := g.runner.Run(ctx, "close-eligible", nil, g.opts)
	if !res.Success || len(res.Data) == 0 {
		return nil
	}

	ids := parseEligibleIDs(res.Data)
	var closed []string
	for _, epicID := range ids {
		closeRes := g.runner.Run(ctx, "close", []string{epicID}, g.opts)
		if !closeRes.Success {
			continue
		}
		closed = append(closed, epicID)
		if g.bus != nil {
			g.bus.Emit(events.BeadClosed, events.BeadPayload{ID: epicID})
		}
	}
	return closed
}

// parseEligibleIDs accepts either a bare id array or an array of bead
// records from the close-eligible query.
func parseEligibleIDs(data json.RawMessage) []string {
	var ids []string
	if err := json.Unmarshal(data, &ids); err == nil {
		return ids
	}
	var beads []Bead
	if err := json.Unmarshal(data, &beads); err != nil {
		return nil
	}
	for _, b := range beads {
		if b.ID != "" {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

func closePayload(id string, autoClosed []string) map[string]interface{} {
	message := fmt.Sprintf("Closed bead %s", id)
	if len(autoClosed) > 0 {
		message += fmt.Sprintf(". Auto-completed epics: %s", strings.Join(autoClosed, ", "))
	}
	if autoClosed == nil {
		autoClosed = []string{}
	}
	return map[string]interface{}{
		"id":              id,
		"autoClosedEpics": autoClosed,
		"message":         message,
	}
}

// fieldArgs renders update fields as deterministic CLI flags.
func fieldArgs(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, "--"+k, fields[k])
	}
	return args
}
