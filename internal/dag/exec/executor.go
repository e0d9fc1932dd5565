// Package exec schedules a validated DAG plan: level-parallel fan-out,
// inter-node parameter references, cancellation, and per-node deadlines.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/frankawp/data-agent/internal/cancel"
	"github.com/frankawp/data-agent/internal/dag"
	"github.com/frankawp/data-agent/internal/tools"
)

// Scheduler error kinds. Per-node errors are recorded on the node and in
// the result map; the run-level error reports why scheduling stopped.
var (
	ErrExecutionTimeout = errors.New("tool execution timed out")
	ErrToolFailure      = errors.New("tool failed")
	ErrNodeFailed       = errors.New("node failed")
)

// DefaultTimeout is the per-tool deadline when the tool declares none.
const DefaultTimeout = 5 * time.Minute

// Results maps node id to result value. Failed nodes map to an error
// entry under "error".
type Results map[string]any

// Options configures one execution.
type Options struct {
	// OnNodeStart fires before a node's tool is dispatched.
	OnNodeStart func(n *dag.Node)
	// OnNodeComplete fires after a node reaches a terminal status.
	OnNodeComplete func(n *dag.Node)
	// Cancel is polled at level boundaries and before each dispatch.
	// In-flight tools are never preempted.
	Cancel *cancel.Signal
}

// ToolResolver is the subset of the tool registry the scheduler uses.
type ToolResolver interface {
	Get(name string) (tools.Tool, bool)
}

// Executor runs DAG plans. Safe for concurrent use; each Execute call is
// independent.
type Executor struct {
	resolver   ToolResolver
	maxWorkers int64
	timeout    time.Duration
	logger     *slog.Logger
}

// Config configures an Executor.
type Config struct {
	Resolver ToolResolver
	// MaxWorkers caps concurrently running nodes. Zero means 8.
	MaxWorkers int
	// Timeout is the default per-tool deadline; zero means
	// DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// New creates an Executor.
func New(cfg Config) *Executor {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 8
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		resolver:   cfg.Resolver,
		maxWorkers: int64(workers),
		timeout:    timeout,
		logger:     logger,
	}
}

// Execute runs the plan level by level. Nodes within a level run
// concurrently, bounded by the worker cap. On any node failure the
// remaining levels are not scheduled and their nodes stay pending; the
// accumulated results are returned together with ErrNodeFailed. A fired
// cancel signal stops new dispatches, lets in-flight nodes finish, and
// returns cancel.ErrInterrupted.
func (e *Executor) Execute(ctx context.Context, plan *dag.Plan, opts Options) (Results, error) {
	if errs := plan.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid plan: %v", errs)
	}
	levels, err := plan.Levels()
	if err != nil {
		return nil, err
	}

	results := Results{}
	var mu sync.Mutex
	sem := semaphore.NewWeighted(e.maxWorkers)

	for _, level := range levels {
		if err := opts.Cancel.Check(); err != nil {
			return results, err
		}

		var wg sync.WaitGroup
		interrupted := false
		for _, id := range level {
			node, _ := plan.GetNode(id)

			// The signal may fire between sibling dispatches; nodes not
			// yet started stay pending.
			if opts.Cancel.Fired() {
				interrupted = true
				break
			}

			if opts.OnNodeStart != nil {
				opts.OnNodeStart(node)
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return results, err
			}
			wg.Add(1)
			go func(node *dag.Node) {
				defer func() {
					sem.Release(1)
					wg.Done()
				}()
				e.runNode(ctx, node, results, &mu)
				if opts.OnNodeComplete != nil {
					opts.OnNodeComplete(node)
				}
			}(node)
		}
		wg.Wait()

		if interrupted {
			return results, cancel.ErrInterrupted
		}

		for _, id := range level {
			node, _ := plan.GetNode(id)
			if node.Status == dag.NodeStatusFailed {
				e.logger.Error("node failed, halting execution",
					"node_id", node.ID, "error", node.Error)
				return results, fmt.Errorf("%w: %s: %s", ErrNodeFailed, node.ID, node.Error)
			}
		}
	}

	return results, nil
}

// runNode executes one node: resolve references, dispatch with a
// deadline, record status and timing.
func (e *Executor) runNode(ctx context.Context, node *dag.Node, results Results, mu *sync.Mutex) {
	node.Status = dag.NodeStatusRunning
	start := time.Now()

	fail := func(err error) {
		node.Status = dag.NodeStatusFailed
		node.Error = err.Error()
		node.ExecutionTime = time.Since(start)
		mu.Lock()
		results[node.ID] = map[string]any{"error": err.Error()}
		mu.Unlock()
		e.logger.Error("node failed", "node_id", node.ID, "tool", node.Tool, "error", err)
	}

	tool, ok := e.resolver.Get(node.Tool)
	if !ok {
		fail(fmt.Errorf("%w: %s", tools.ErrToolNotFound, node.Tool))
		return
	}

	mu.Lock()
	snapshot := make(map[string]any, len(results))
	for k, v := range results {
		snapshot[k] = v
	}
	mu.Unlock()

	params, err := resolveParams(node.Params, snapshot)
	if err != nil {
		fail(err)
		return
	}

	timeout := e.timeout
	if hinter, ok := tool.(tools.TimeoutHinter); ok && hinter.Timeout() > 0 {
		timeout = hinter.Timeout()
	}
	toolCtx, cancelFn := context.WithTimeout(ctx, timeout)
	defer cancelFn()

	result, err := tool.Invoke(toolCtx, params)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %s", ErrExecutionTimeout, timeout, node.Tool)
		} else {
			err = fmt.Errorf("%w: %v", ErrToolFailure, err)
		}
		node.ExecutionTime = elapsed
		fail(err)
		return
	}

	node.Status = dag.NodeStatusCompleted
	node.Result = result
	node.ExecutionTime = elapsed
	mu.Lock()
	results[node.ID] = result
	mu.Unlock()
	e.logger.Info("node completed", "node_id", node.ID, "tool", node.Tool,
		"elapsed", elapsed.Round(time.Millisecond))
}
