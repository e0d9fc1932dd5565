// Package sandbox executes user code in an isolated sandbox server,
// falling back to a restricted in-process evaluator when the server is
// unreachable. Sandboxes are named after the session so repeated
// executions within a session reuse the same isolation unit.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/frankawp/data-agent/internal/session"
)

// ErrUnavailable indicates the sandbox server cannot be reached. It is
// informational: execution falls back, it is not surfaced to the user.
var ErrUnavailable = errors.New("sandbox unavailable")

// Result is the outcome of one code execution.
type Result struct {
	Output        string         `json:"output"`
	Error         string         `json:"error,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Fallback      bool           `json:"fallback"`
}

// execRequest is the sandbox server's execute payload.
type execRequest struct {
	Sandbox   string         `json:"sandbox"`
	Code      string         `json:"code"`
	Variables map[string]any `json:"variables,omitempty"`
	ExportDir string         `json:"export_dir,omitempty"`
}

type execResponse struct {
	Output    string         `json:"output"`
	Error     string         `json:"error"`
	Variables map[string]any `json:"variables"`
}

// Fallback runs code when the sandbox is unreachable. The variable
// store is merged into its environment and the filtered post-execution
// environment is returned.
type Fallback interface {
	Run(ctx context.Context, code string, vars map[string]any) (output string, outVars map[string]any, err error)
}

// Runner coordinates sandbox executions for sessions.
type Runner struct {
	client    *resty.Client
	serverURL string
	timeout   time.Duration
	fallback  Fallback
	logger    *slog.Logger
}

// Config configures a Runner.
type Config struct {
	// ServerURL of the sandbox server; empty disables the sandbox path
	// entirely.
	ServerURL string
	// Timeout per execution, default 2 minutes.
	Timeout  time.Duration
	Fallback Fallback
	Logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().SetBaseURL(cfg.ServerURL).SetTimeout(timeout)
	return &Runner{
		client:    client,
		serverURL: cfg.ServerURL,
		timeout:   timeout,
		fallback:  cfg.Fallback,
		logger:    logger,
	}
}

// Execute runs code for the session. The sandbox path is attempted while
// the session's flag allows it; the first connection failure flips the
// flag for the session's life and all later executions use the fallback.
// Acquisition is scoped per execution via the session's execution lock.
func (r *Runner) Execute(ctx context.Context, sess *session.Session, code string) (*Result, error) {
	unlock := sess.LockExecution()
	defer unlock()

	start := time.Now()

	if r.serverURL != "" && sess.SandboxAvailable() {
		res, err := r.executeRemote(ctx, sess, code)
		if err == nil {
			res.ExecutionTime = time.Since(start)
			return res, nil
		}
		if errors.Is(err, ErrUnavailable) {
			sess.MarkSandboxUnavailable(err.Error())
			r.logger.Info("sandbox unreachable, using fallback for the rest of the session",
				"session_id", sess.ID(), "error", err)
		} else {
			// Execution errors inside a reachable sandbox are real
			// results, not reachability failures.
			return &Result{Error: err.Error(), ExecutionTime: time.Since(start)}, nil
		}
	}

	return r.executeFallback(ctx, sess, code, start)
}

func (r *Runner) executeRemote(ctx context.Context, sess *session.Session, code string) (*Result, error) {
	var out execResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(execRequest{
			Sandbox:   sess.SandboxName(),
			Code:      code,
			Variables: sess.Variables(),
			ExportDir: sess.ExportDir(),
		}).
		SetResult(&out).
		// The server's replies are JSON regardless of what content type
		// it advertises.
		ForceContentType("application/json").
		Post("/v1/execute")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: server returned %s", ErrUnavailable, resp.Status())
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	if len(out.Variables) > 0 {
		sess.UpdateVariables(FilterVariables(out.Variables))
	}
	return &Result{Output: out.Output, Variables: out.Variables}, nil
}

func (r *Runner) executeFallback(ctx context.Context, sess *session.Session, code string, start time.Time) (*Result, error) {
	if r.fallback == nil {
		return nil, fmt.Errorf("no fallback interpreter configured")
	}
	output, vars, err := r.fallback.Run(ctx, code, sess.Variables())
	res := &Result{
		Output:        output,
		Fallback:      true,
		ExecutionTime: time.Since(start),
	}
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	filtered := FilterVariables(vars)
	res.Variables = filtered
	sess.UpdateVariables(filtered)
	return res, nil
}

// FilterVariables drops entries that should not persist across
// executions: private names, callables, and module-like values.
func FilterVariables(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for name, v := range vars {
		if name == "" || name[0] == '_' {
			continue
		}
		switch v.(type) {
		case func(), map[string]func():
			continue
		}
		out[name] = v
	}
	return out
}
