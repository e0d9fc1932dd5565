// Package agent implements the conversation runtime: the streaming
// event bus, the LLM/tool loop, plan mode, history compaction, the
// privilege gate, and sub-agent delegation.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a stream event.
type EventType string

const (
	EventThinking            EventType = "thinking"
	EventToolCall            EventType = "tool_call"
	EventToolResult          EventType = "tool_result"
	EventSubagentToolCall    EventType = "subagent_tool_call"
	EventSubagentToolResult  EventType = "subagent_tool_result"
	EventNodeStart           EventType = "node_start"
	EventNodeComplete        EventType = "node_complete"
	EventMessage             EventType = "message"
	EventError               EventType = "error"
	EventDone                EventType = "done"
	EventConfirmationRequest EventType = "confirmation_request"
	EventFeedbackAck         EventType = "feedback_ack"
)

// Event is one observable moment of a turn. Fields are populated per
// type; unused fields stay empty.
type Event struct {
	Type         EventType      `json:"type"`
	Step         int            `json:"step,omitempty"`
	ToolCallID   string         `json:"tool_call_id,omitempty"`
	ToolName     string         `json:"tool_name,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
	Result       string         `json:"result,omitempty"`
	Content      string         `json:"content,omitempty"`
	SubagentName string         `json:"subagent_name,omitempty"`
	Description  string         `json:"description,omitempty"`
	Error        string         `json:"error,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// ToolCallRecord is the retained record of one invocation, used by the
// CLI step-detail view.
type ToolCallRecord struct {
	Step      int            `json:"step"`
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	Result    string         `json:"result"`
	Timestamp time.Time      `json:"timestamp"`
	Subagent  string         `json:"subagent,omitempty"`
}

// subscriberBuffer bounds each subscriber's channel. A subscriber that
// falls this far behind is dropped rather than blocking the producer.
const subscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

// Bus fans events out to subscribers over bounded channels. One
// producer per turn publishes in program order; each subscriber sees
// that order. Slow subscribers are dropped with a warning.
type Bus struct {
	mu          sync.Mutex
	subscribers []*subscriber
	logger      *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a consumer. The returned channel closes when the
// context ends or the subscriber is dropped. The returned func
// unsubscribes early.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	subCtx, cancelFn := context.WithCancel(ctx)
	sub := &subscriber{
		ch:     make(chan Event, subscriberBuffer),
		ctx:    subCtx,
		cancel: cancelFn,
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub.ch, cancelFn
}

// Publish delivers the event to every live subscriber. Cancelled
// subscribers are removed; full ones are disconnected.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.subscribers[:0]
	for _, sub := range b.subscribers {
		select {
		case <-sub.ctx.Done():
			close(sub.ch)
			continue
		default:
		}

		select {
		case sub.ch <- ev:
			remaining = append(remaining, sub)
		default:
			b.logger.Warn("dropping slow event subscriber", "event", ev.Type)
			close(sub.ch)
			sub.cancel()
		}
	}
	b.subscribers = remaining
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
