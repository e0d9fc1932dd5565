package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/frankawp/data-agent/internal/dag"
	"github.com/frankawp/data-agent/internal/dag/exec"
	"github.com/frankawp/data-agent/internal/llm"
	"github.com/frankawp/data-agent/internal/tools"
)

// DAGRunner exposes DAG planning and execution as the execute_dag tool:
// the model hands over a multi-step request, the runner asks the LLM for
// a dependency graph, and the scheduler runs it level-parallel against
// the registry. Node progress is published on the bus.
type DAGRunner struct {
	generator *dag.Generator
	executor  *exec.Executor
	bus       *Bus
	logger    *slog.Logger
}

// DAGRunnerConfig wires a DAGRunner.
type DAGRunnerConfig struct {
	Provider llm.Provider
	Model    string
	Registry *tools.Registry
	Bus      *Bus
	// MaxWorkers caps concurrently running nodes; zero uses the
	// scheduler default.
	MaxWorkers int
	Logger     *slog.Logger
}

// NewDAGRunner creates a DAGRunner.
func NewDAGRunner(cfg DAGRunnerConfig) *DAGRunner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DAGRunner{
		generator: dag.NewGenerator(cfg.Provider, cfg.Model),
		executor: exec.New(exec.Config{
			Resolver:   cfg.Registry,
			MaxWorkers: cfg.MaxWorkers,
			Logger:     logger,
		}),
		bus:    cfg.Bus,
		logger: logger,
	}
}

// Tool returns the execute_dag tool.
func (d *DAGRunner) Tool() tools.Tool {
	return &tools.Func{
		ToolName: "execute_dag",
		Desc: "Plan a multi-step analysis as a dependency graph and run it. " +
			"Independent steps execute in parallel; a step may reference an " +
			"earlier step's result. Use this for tasks with several " +
			"interdependent tool invocations.",
		Params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"request": map[string]any{"type": "string", "description": "the full task to decompose and execute"},
				"context": map[string]any{"type": "string", "description": "extra context such as table schemas (optional)"},
			},
			"required": []string{"request"},
		},
		Fn: d.run,
	}
}

func (d *DAGRunner) run(ctx context.Context, args map[string]any) (any, error) {
	request, _ := args["request"].(string)
	if request == "" {
		return nil, fmt.Errorf("execute_dag: empty request")
	}
	extra, _ := args["context"].(string)

	plan, err := d.generator.Generate(ctx, request, extra)
	if err != nil {
		return nil, err
	}
	d.logger.Info("dag plan generated", "plan", plan.Name, "nodes", len(plan.Nodes))
	d.bus.Publish(Event{Type: EventThinking, Content: plan.Sprint()})

	results, err := d.executor.Execute(ctx, plan, exec.Options{
		OnNodeStart: func(n *dag.Node) {
			d.bus.Publish(Event{
				Type:     EventNodeStart,
				ToolName: n.Tool,
				Content:  n.ID,
			})
		},
		OnNodeComplete: func(n *dag.Node) {
			ev := Event{
				Type:     EventNodeComplete,
				ToolName: n.Tool,
				Content:  n.ID,
				Result:   Truncate(Stringify(n.Result), publishedResultMax),
			}
			if n.Error != "" {
				ev.Error = n.Error
			}
			d.bus.Publish(ev)
		},
	})
	// A failed node is a visible outcome the model can react to, not a
	// dispatch failure; partial results are part of it.
	if err != nil && !errors.Is(err, exec.ErrNodeFailed) {
		return nil, err
	}

	summary := map[string]any{
		"plan":    plan.Name,
		"results": map[string]any(results),
	}
	if err != nil {
		summary["error"] = err.Error()
	}
	statuses := make(map[string]string, len(plan.Nodes))
	for _, n := range plan.Nodes {
		statuses[n.ID] = string(n.Status)
	}
	summary["statuses"] = statuses
	return summary, nil
}
