package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frankawp/data-agent/internal/tools"
)

// ErrUserRejected marks a tool call the user declined or let time out.
// It is surfaced to the model as the tool result; the turn continues.
var ErrUserRejected = errors.New("operation rejected by user")

// DefaultConfirmTimeout bounds how long a pending confirmation waits
// for a decision before it is treated as a rejection.
const DefaultConfirmTimeout = 300 * time.Second

// Decision is the user's answer to a confirmation request.
type Decision struct {
	ToolCallID string         `json:"tool_call_id"`
	Decision   string         `json:"decision"` // approve | edit | reject
	EditedArgs map[string]any `json:"edited_args,omitempty"`
}

// Gate holds tool calls that need explicit user approval before
// dispatch. With safe mode on, data-modifying SQL blocks until the
// user approves, edits, or rejects it.
type Gate struct {
	bus     *Bus
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan Decision
}

// NewGate creates a gate publishing confirmation requests on bus.
func NewGate(bus *Bus, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Gate{
		bus:     bus,
		timeout: timeout,
		pending: map[string]chan Decision{},
	}
}

// NeedsConfirmation reports whether a call must be confirmed: safe
// mode is on, the tool executes SQL, and the statement modifies data.
// Read-only statements pass through even in safe mode.
func NeedsConfirmation(safeMode bool, toolName string, args map[string]any) bool {
	if !safeMode {
		return false
	}
	if toolName != "execute_sql" {
		return false
	}
	query, _ := args["query"].(string)
	return tools.IsDataModifyingSQL(query)
}

// Request publishes a confirmation request and blocks until the user
// decides or the timeout elapses. It returns the arguments to dispatch
// with (possibly edited) or ErrUserRejected.
func (g *Gate) Request(ctx context.Context, toolCallID, toolName string, args map[string]any, description string) (map[string]any, error) {
	ch := make(chan Decision, 1)
	g.mu.Lock()
	g.pending[toolCallID] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, toolCallID)
		g.mu.Unlock()
	}()

	g.bus.Publish(Event{
		Type:        EventConfirmationRequest,
		ToolCallID:  toolCallID,
		ToolName:    toolName,
		Args:        args,
		Description: description,
	})

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		switch d.Decision {
		case "approve":
			return args, nil
		case "edit":
			return mergeArgs(args, d.EditedArgs), nil
		default:
			return nil, ErrUserRejected
		}
	case <-timer.C:
		return nil, fmt.Errorf("%w: no decision within %s", ErrUserRejected, g.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers a decision to the pending call it names. Unknown or
// already-resolved ids return false.
func (g *Gate) Resolve(d Decision) bool {
	g.mu.Lock()
	ch, ok := g.pending[d.ToolCallID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- d:
		return true
	default:
		return false
	}
}

// PendingIDs lists tool call ids awaiting a decision.
func (g *Gate) PendingIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	return ids
}

func mergeArgs(base, edits map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(edits))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range edits {
		merged[k] = v
	}
	return merged
}
