package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ToolCallback observes a tool invocation. before fires ahead of
// dispatch, after fires with the stringified result or error text.
type ToolCallback struct {
	Before func(step int, toolName string, args map[string]any)
	After  func(step int, toolName string, result string, err error)
}

// CallbackHolder carries the currently installed callback and allows
// swapping it while a delegated sub-agent is running. Sub-agents share
// the parent's holder, so the parent can observe nested tool activity
// without the sub-agent knowing who listens.
type CallbackHolder struct {
	cb atomic.Pointer[ToolCallback]
}

// Set installs cb and returns the previous callback so callers can
// restore it.
func (h *CallbackHolder) Set(cb *ToolCallback) *ToolCallback {
	return h.cb.Swap(cb)
}

// Get returns the installed callback, or nil.
func (h *CallbackHolder) Get() *ToolCallback {
	return h.cb.Load()
}

// Dispatcher is the terminal stage of the middleware chain: it invokes
// the named tool and returns its result.
type Dispatcher func(ctx context.Context, toolCallID, toolName string, args map[string]any) (any, error)

// Middleware wraps a Dispatcher.
type Middleware func(Dispatcher) Dispatcher

// Chain composes middlewares so the first wraps outermost.
func Chain(d Dispatcher, mws ...Middleware) Dispatcher {
	for i := len(mws) - 1; i >= 0; i-- {
		d = mws[i](d)
	}
	return d
}

// Monitor wraps a dispatcher with callback notifications. It keeps its
// own step counter, independent of the agent's turn counter. Callback
// panics are swallowed: an observer must never break the tool loop.
type Monitor struct {
	holder *CallbackHolder
	logger *slog.Logger

	mu   sync.Mutex
	step int
}

// NewMonitor creates a monitor reading callbacks from holder.
func NewMonitor(holder *CallbackHolder, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{holder: holder, logger: logger}
}

// ResetSteps zeroes the monitor's counter, typically at turn start.
func (m *Monitor) ResetSteps() {
	m.mu.Lock()
	m.step = 0
	m.mu.Unlock()
}

// Middleware returns the monitoring stage.
func (m *Monitor) Middleware() Middleware {
	return func(next Dispatcher) Dispatcher {
		return func(ctx context.Context, toolCallID, toolName string, args map[string]any) (any, error) {
			m.mu.Lock()
			m.step++
			step := m.step
			m.mu.Unlock()

			if cb := m.holder.Get(); cb != nil && cb.Before != nil {
				m.safely(func() { cb.Before(step, toolName, args) })
			}

			result, err := next(ctx, toolCallID, toolName, args)

			if cb := m.holder.Get(); cb != nil && cb.After != nil {
				m.safely(func() { cb.After(step, toolName, Stringify(result), err) })
			}
			return result, err
		}
	}
}

func (m *Monitor) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("tool callback panicked", "panic", r)
		}
	}()
	fn()
}
