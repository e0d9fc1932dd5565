// Package tools maps tool names to invocables and manages groups,
// aliases, and configuration-driven enablement.
package tools

import (
	"context"
	"errors"
	"time"
)

// ErrToolNotFound is returned when a registry lookup fails, including
// lookups of disabled tools.
var ErrToolNotFound = errors.New("tool not found")

// Tool is a single invocable capability. Implementations must be safe
// for concurrent invocation.
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// TimeoutHinter is implemented by tools that override the scheduler's
// default deadline.
type TimeoutHinter interface {
	Timeout() time.Duration
}

// SchemaProvider is implemented by tools that declare a JSON-schema
// parameter object for the model. Tools without one are advertised as
// accepting any object.
type SchemaProvider interface {
	Parameters() map[string]any
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName string
	Desc     string
	Params   map[string]any
	Deadline time.Duration
	Fn       func(ctx context.Context, args map[string]any) (any, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }

// Parameters returns the declared JSON-schema parameter object.
func (f *Func) Parameters() map[string]any { return f.Params }

func (f *Func) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}

// Timeout returns the per-tool deadline override, zero for the default.
func (f *Func) Timeout() time.Duration { return f.Deadline }
