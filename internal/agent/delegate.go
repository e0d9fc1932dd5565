package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/frankawp/data-agent/internal/config"
	"github.com/frankawp/data-agent/internal/llm"
	"github.com/frankawp/data-agent/internal/tools"
)

// subAgentMaxSteps caps a delegated run independently of the
// coordinator's own limit.
const subAgentMaxSteps = 15

// Delegator exposes configured sub-agents as a single "task" tool.
// Each invocation runs an isolated tool loop with the sub-agent's LLM
// profile, system prompt, and tool subset; nested tool activity is
// published as subagent_* events through the shared callback holder.
type Delegator struct {
	system      *config.Config
	registry    *tools.Registry
	bus         *Bus
	holder      *CallbackHolder
	gate        *Gate
	modes       *config.ModeManager
	providerFor func(config.LLMProfile) llm.Provider
	logger      *slog.Logger
}

// DelegatorConfig wires a Delegator.
type DelegatorConfig struct {
	System      *config.Config
	Registry    *tools.Registry
	Bus         *Bus
	Holder      *CallbackHolder
	Gate        *Gate
	Modes       *config.ModeManager
	ProviderFor func(config.LLMProfile) llm.Provider
	Logger      *slog.Logger
}

// NewDelegator creates a delegator over the configured sub-agents.
func NewDelegator(cfg DelegatorConfig) *Delegator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Delegator{
		system:      cfg.System,
		registry:    cfg.Registry,
		bus:         cfg.Bus,
		holder:      cfg.Holder,
		gate:        cfg.Gate,
		modes:       cfg.Modes,
		providerFor: cfg.ProviderFor,
		logger:      logger,
	}
}

// Tool returns the "task" tool the coordinator delegates through. It
// is registered only when sub-agents are configured.
func (d *Delegator) Tool() tools.Tool {
	names := make([]string, 0, len(d.system.SubAgents))
	for name := range d.system.SubAgents {
		names = append(names, name)
	}
	sort.Strings(names)

	var desc strings.Builder
	desc.WriteString("Delegate a sub-task to a specialized agent. Available agents:\n")
	for _, name := range names {
		fmt.Fprintf(&desc, "- %s: %s\n", name, d.system.SubAgents[name].Description)
	}

	return &tools.Func{
		ToolName: "task",
		Desc:     desc.String(),
		Params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"subagent":    map[string]any{"type": "string", "description": "name of the agent to delegate to"},
				"description": map[string]any{"type": "string", "description": "short label for the sub-task"},
				"prompt":      map[string]any{"type": "string", "description": "full instructions for the sub-agent"},
			},
			"required": []string{"subagent", "prompt"},
		},
		Deadline: 10 * time.Minute,
		Fn:       d.run,
	}
}

func (d *Delegator) run(ctx context.Context, args map[string]any) (any, error) {
	name, _ := args["subagent"].(string)
	prompt, _ := args["prompt"].(string)
	description, _ := args["description"].(string)

	sub, ok := d.system.SubAgents[name]
	if !ok {
		return nil, fmt.Errorf("unknown subagent: %s", name)
	}
	if prompt == "" {
		return nil, fmt.Errorf("subagent %s: empty prompt", name)
	}

	// Observe nested tool calls as subagent events; the coordinator's
	// callback is restored when the delegated run finishes.
	previous := d.holder.Set(&ToolCallback{
		Before: func(step int, toolName string, callArgs map[string]any) {
			d.bus.Publish(Event{
				Type:         EventSubagentToolCall,
				Step:         step,
				ToolName:     toolName,
				Args:         callArgs,
				SubagentName: name,
				Description:  description,
			})
		},
		After: func(step int, toolName string, result string, err error) {
			ev := Event{
				Type:         EventSubagentToolResult,
				Step:         step,
				ToolName:     toolName,
				Result:       Truncate(result, publishedResultMax),
				SubagentName: name,
			}
			if err != nil {
				ev.Error = err.Error()
			}
			d.bus.Publish(ev)
		},
	})
	defer d.holder.Set(previous)

	profile := d.system.LLM.Profile(sub.LLM)
	provider := d.providerFor(profile)
	monitor := NewMonitor(d.holder, d.logger)

	runner := &subRunner{
		provider: provider,
		profile:  profile,
		registry: d.registry,
		allowed:  sub.Tools,
		gate:     d.gate,
		modes:    d.modes,
		dispatch: nil,
		logger:   d.logger.With("subagent", name),
	}
	runner.dispatch = Chain(runner.invoke, runner.gateMiddleware(), monitor.Middleware())

	d.logger.Info("delegating to subagent", "subagent", name, "description", description)
	return runner.Run(ctx, sub.SystemPrompt, prompt)
}

// subRunner is the isolated tool loop of one delegated run. It shares
// the registry but resolves only the sub-agent's allowed tools.
type subRunner struct {
	provider llm.Provider
	profile  config.LLMProfile
	registry *tools.Registry
	allowed  []string
	gate     *Gate
	modes    *config.ModeManager
	dispatch Dispatcher
	logger   *slog.Logger
}

func (r *subRunner) allowedTool(name string) bool {
	if len(r.allowed) == 0 {
		return true
	}
	for _, n := range r.allowed {
		if n == name {
			return true
		}
	}
	return false
}

func (r *subRunner) specs() []llm.Tool {
	var specs []llm.Tool
	for _, name := range r.registry.List() {
		if !r.allowedTool(name) {
			continue
		}
		tool, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		params := map[string]any{"type": "object", "properties": map[string]any{}}
		if sp, ok := tool.(tools.SchemaProvider); ok && sp.Parameters() != nil {
			params = sp.Parameters()
		}
		specs = append(specs, llm.Tool{Name: tool.Name(), Description: tool.Description(), Parameters: params})
	}
	return specs
}

func (r *subRunner) Run(ctx context.Context, systemPrompt, prompt string) (string, error) {
	if systemPrompt == "" {
		systemPrompt = "You are a focused sub-agent. Complete the given task with the provided tools and report the result."
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}
	specs := r.specs()

	for step := 0; step < subAgentMaxSteps; step++ {
		temp := r.profile.Temperature
		resp, err := r.provider.Chat(ctx, &llm.ChatRequest{
			Model:       r.profile.Model,
			Messages:    messages,
			Tools:       specs,
			Temperature: &temp,
		})
		if err != nil {
			return "", fmt.Errorf("subagent llm request failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			args := map[string]any{}
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					r.logger.Warn("malformed tool arguments", "tool", tc.Function.Name, "error", err)
				}
			}
			result, err := r.dispatch(ctx, tc.ID, tc.Function.Name, args)
			text := ""
			if err != nil {
				text = "Error: " + err.Error()
			} else {
				text = Stringify(result)
			}
			messages = append(messages, llm.Message{Role: llm.RoleTool, Content: text, ToolCallID: tc.ID})
		}
	}
	return "", fmt.Errorf("subagent exceeded %d steps without finishing", subAgentMaxSteps)
}

func (r *subRunner) gateMiddleware() Middleware {
	return func(next Dispatcher) Dispatcher {
		return func(ctx context.Context, toolCallID, toolName string, args map[string]any) (any, error) {
			if NeedsConfirmation(r.modes.Snapshot().SafeMode, toolName, args) {
				query, _ := args["query"].(string)
				approved, err := r.gate.Request(ctx, toolCallID, toolName, args,
					"This SQL statement modifies data:\n"+query)
				if err != nil {
					return nil, err
				}
				args = approved
			}
			return next(ctx, toolCallID, toolName, args)
		}
	}
}

func (r *subRunner) invoke(ctx context.Context, _ string, toolName string, args map[string]any) (any, error) {
	if !r.allowedTool(toolName) {
		return nil, fmt.Errorf("%w: %s (not allowed for this subagent)", tools.ErrToolNotFound, toolName)
	}
	tool, ok := r.registry.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tools.ErrToolNotFound, toolName)
	}
	timeout := defaultDispatchTimeout
	if hinter, ok := tool.(tools.TimeoutHinter); ok && hinter.Timeout() > 0 {
		timeout = hinter.Timeout()
	}
	toolCtx, cancelFn := context.WithTimeout(ctx, timeout)
	defer cancelFn()
	return tool.Invoke(toolCtx, args)
}
