package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frankawp/data-agent/internal/cancel"
	"github.com/frankawp/data-agent/internal/config"
	"github.com/frankawp/data-agent/internal/llm"
	"github.com/frankawp/data-agent/internal/session"
	"github.com/frankawp/data-agent/internal/tools"
)

// Loop limits and history compaction parameters.
const (
	DefaultMaxSteps        = 25
	defaultContextTokens   = 32000
	compactThreshold       = 0.8
	compactKeepRatio       = 0.3
	publishedResultMax     = 2000
	defaultDispatchTimeout = 5 * time.Minute
)

// ErrBusy is returned when Chat is called while a turn is running.
var ErrBusy = errors.New("a turn is already in progress")

const defaultSystemPrompt = `You are a data-analysis assistant. You query
PostgreSQL, run Python analysis, train models, and export results using
the provided tools. Prefer tools over guessing; report concrete numbers;
mention the session export path when you save files.`

// Config wires an Agent.
type Config struct {
	Provider llm.Provider
	Profile  config.LLMProfile
	System   *config.Config
	Registry *tools.Registry
	Sessions *session.Registry
	Modes    *config.ModeManager
	Bus      *Bus
	// Holder is shared with sub-agents so callers can observe nested
	// tool activity. Nil creates a private holder.
	Holder *CallbackHolder
	// Gate is the confirmation gate, shared with sub-agents so one
	// decision channel serves the whole process. Nil creates one.
	Gate *Gate
	// MaxSteps caps tool-loop iterations per turn; zero means
	// DefaultMaxSteps.
	MaxSteps int
	// ConfirmPlan decides whether a generated plan runs. Nil defers to
	// the auto-execute mode.
	ConfirmPlan func(plan *ExecutionPlan) bool
	Logger      *slog.Logger
}

// Agent is the conversation runtime: it owns the history, the tool
// loop, plan mode, compaction, and the privilege gate.
type Agent struct {
	provider    llm.Provider
	profile     config.LLMProfile
	system      *config.Config
	registry    *tools.Registry
	sessions    *session.Registry
	modes       *config.ModeManager
	bus         *Bus
	gate        *Gate
	holder      *CallbackHolder
	monitor     *Monitor
	dispatch    Dispatcher
	compactor   *Compactor
	confirmPlan func(plan *ExecutionPlan) bool
	maxSteps    int
	logger      *slog.Logger

	mu        sync.Mutex
	history   []llm.Message
	records   []ToolCallRecord
	signal    *cancel.Signal
	busy      bool
	stepCount int
}

// New builds an Agent. Compactor initialization failure is logged and
// disables compaction rather than failing construction.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	holder := cfg.Holder
	if holder == nil {
		holder = &CallbackHolder{}
	}
	gate := cfg.Gate
	if gate == nil {
		gate = NewGate(cfg.Bus, 0)
	}

	a := &Agent{
		provider:    cfg.Provider,
		profile:     cfg.Profile,
		system:      cfg.System,
		registry:    cfg.Registry,
		sessions:    cfg.Sessions,
		modes:       cfg.Modes,
		bus:         cfg.Bus,
		gate:        gate,
		holder:      holder,
		confirmPlan: cfg.ConfirmPlan,
		maxSteps:    maxSteps,
		logger:      logger,
	}
	if a.confirmPlan == nil {
		a.confirmPlan = func(*ExecutionPlan) bool { return a.modes.Snapshot().AutoExecute }
	}
	a.monitor = NewMonitor(holder, logger)
	a.dispatch = Chain(a.invokeTool, a.gateMiddleware(), a.monitor.Middleware())

	compactor, err := NewCompactor(cfg.Provider, cfg.Profile.Model)
	if err != nil {
		logger.Warn("token counting unavailable, history compaction disabled", "error", err)
	} else {
		a.compactor = compactor
	}
	return a
}

// Bus returns the agent's event bus.
func (a *Agent) Bus() *Bus { return a.bus }

// Gate returns the confirmation gate, for decision delivery.
func (a *Agent) Gate() *Gate { return a.gate }

// Cancel requests that the current turn stop at the next boundary. The
// in-flight tool call, if any, runs to completion first.
func (a *Agent) Cancel() {
	a.mu.Lock()
	sig := a.signal
	a.mu.Unlock()
	if sig != nil {
		sig.Fire()
	}
}

func (a *Agent) sig() *cancel.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signal
}

// Busy reports whether a turn is running.
func (a *Agent) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// Records returns the retained tool-call records of the conversation.
func (a *Agent) Records() []ToolCallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ToolCallRecord(nil), a.records...)
}

// Record returns the n-th (1-based) tool-call record.
func (a *Agent) Record(n int) (ToolCallRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < 1 || n > len(a.records) {
		return ToolCallRecord{}, false
	}
	return a.records[n-1], true
}

// Reset clears the conversation history and records.
func (a *Agent) Reset() {
	a.mu.Lock()
	a.history = nil
	a.records = nil
	a.mu.Unlock()
}

// History returns a copy of the conversation history.
func (a *Agent) History() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Message(nil), a.history...)
}

// Chat runs one user turn to completion and returns the final text.
// Events stream on the bus throughout; a done event ends the turn.
func (a *Agent) Chat(ctx context.Context, input string) (string, error) {
	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		return "", ErrBusy
	}
	a.busy = true
	a.signal = cancel.NewSignal()
	a.stepCount = 0
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.busy = false
		a.mu.Unlock()
		a.bus.Publish(Event{Type: EventDone})
	}()
	a.monitor.ResetSteps()

	final, err := a.runTurn(ctx, input)
	if err != nil {
		if errors.Is(err, cancel.ErrInterrupted) {
			a.bus.Publish(Event{Type: EventMessage, Content: "Operation cancelled."})
			return "Operation cancelled.", nil
		}
		a.bus.Publish(Event{Type: EventError, Error: err.Error()})
		return "", err
	}
	return final, nil
}

func (a *Agent) runTurn(ctx context.Context, input string) (string, error) {
	modes := a.modes.Snapshot()

	if ShouldPlan(modes.PlanMode, input) {
		plan, err := GeneratePlan(ctx, a.provider, a.profile.Model, input)
		if err != nil {
			a.logger.Warn("plan generation failed, executing directly", "error", err)
		} else if plan != nil {
			return a.runPlanned(ctx, input, plan)
		}
	}
	return a.runDirect(ctx, input)
}

// runDirect appends the input to the shared history and runs the tool
// loop over it.
func (a *Agent) runDirect(ctx context.Context, input string) (string, error) {
	a.mu.Lock()
	a.history = append(a.history, llm.Message{Role: llm.RoleUser, Content: input})
	messages := a.compacted(ctx, a.history)
	a.mu.Unlock()

	final, updated, err := a.runLoop(ctx, messages)

	a.mu.Lock()
	a.history = updated
	a.mu.Unlock()
	return final, err
}

// runPlanned presents the plan, waits for confirmation, then executes
// steps in order with isolated per-step loops. A rejected plan cancels
// the turn with a message rather than an error.
func (a *Agent) runPlanned(ctx context.Context, input string, plan *ExecutionPlan) (string, error) {
	a.bus.Publish(Event{Type: EventMessage, Content: plan.Markdown()})

	if !a.confirmPlan(plan) {
		msg := "Plan rejected. Tell me how to adjust it, or switch plan mode off with /plan off."
		a.bus.Publish(Event{Type: EventMessage, Content: msg})
		return msg, nil
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if err := a.sig().Check(); err != nil {
			for j := i; j < len(plan.Steps); j++ {
				plan.Steps[j].Status = StepSkipped
			}
			return "", err
		}

		step.Status = StepRunning
		a.bus.Publish(Event{
			Type:    EventThinking,
			Step:    step.Index,
			Content: fmt.Sprintf("Step %d/%d: %s", step.Index, len(plan.Steps), step.Description),
		})

		result, _, err := a.runLoop(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: a.systemPrompt()},
			{Role: llm.RoleUser, Content: StepPrompt(plan, step)},
		})
		if err != nil {
			if errors.Is(err, cancel.ErrInterrupted) {
				step.Status = StepSkipped
				for j := i + 1; j < len(plan.Steps); j++ {
					plan.Steps[j].Status = StepSkipped
				}
				return "", err
			}
			step.Status = StepFailed
			step.Result = err.Error()
			for j := i + 1; j < len(plan.Steps); j++ {
				plan.Steps[j].Status = StepSkipped
			}
			break
		}
		step.Status = StepCompleted
		step.Result = result
	}

	summary := SummarizePlan(plan)
	a.mu.Lock()
	a.history = append(a.history,
		llm.Message{Role: llm.RoleUser, Content: input},
		llm.Message{Role: llm.RoleAssistant, Content: summary},
	)
	a.mu.Unlock()

	a.bus.Publish(Event{Type: EventMessage, Content: summary})
	return summary, nil
}

// runLoop is the LLM/tool cycle: call the model, dispatch any requested
// tools, feed results back, repeat until the model answers in text or
// the step cap is reached.
func (a *Agent) runLoop(ctx context.Context, messages []llm.Message) (string, []llm.Message, error) {
	if len(messages) == 0 || messages[0].Role != llm.RoleSystem {
		messages = append([]llm.Message{{Role: llm.RoleSystem, Content: a.systemPrompt()}}, messages...)
	}
	toolSpecs := a.toolSpecs()

	for step := 0; step < a.maxSteps; step++ {
		if err := a.sig().Check(); err != nil {
			return "", messages, err
		}

		temp := a.profile.Temperature
		req := &llm.ChatRequest{
			Model:       a.profile.Model,
			Messages:    messages,
			Tools:       toolSpecs,
			Temperature: &temp,
		}
		resp, err := a.provider.Chat(ctx, req)
		if err != nil {
			return "", messages, fmt.Errorf("llm request failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
			a.bus.Publish(Event{Type: EventMessage, Content: resp.Content})
			return resp.Content, messages, nil
		}

		if resp.Content != "" {
			a.bus.Publish(Event{Type: EventThinking, Content: resp.Content})
		}
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			// Fire point between sibling calls: already-dispatched
			// results stay in the transcript.
			if err := a.sig().Check(); err != nil {
				return "", messages, err
			}
			messages = append(messages, a.executeToolCall(ctx, tc))
		}
	}

	msg := fmt.Sprintf("Stopped after %d steps without a final answer. Narrow the request or raise the step limit.", a.maxSteps)
	a.bus.Publish(Event{Type: EventMessage, Content: msg})
	return msg, messages, nil
}

// executeToolCall dispatches one call through the middleware chain and
// converts the outcome into a tool message. Failures, including user
// rejections, become visible results, not turn aborts.
func (a *Agent) executeToolCall(ctx context.Context, tc llm.ToolCall) llm.Message {
	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			a.logger.Warn("malformed tool arguments", "tool", tc.Function.Name, "error", err)
		}
	}

	// One index per call, scoped to the turn: tool_call, the record, and
	// tool_result all carry the same k.
	a.mu.Lock()
	a.stepCount++
	step := a.stepCount
	a.mu.Unlock()

	a.bus.Publish(Event{
		Type:       EventToolCall,
		Step:       step,
		ToolCallID: tc.ID,
		ToolName:   tc.Function.Name,
		Args:       args,
	})

	result, err := a.dispatch(ctx, tc.ID, tc.Function.Name, args)

	var text string
	if err != nil {
		text = "Error: " + err.Error()
	} else {
		text = Stringify(result)
	}

	a.mu.Lock()
	a.records = append(a.records, ToolCallRecord{
		Step:      step,
		ToolName:  tc.Function.Name,
		Args:      args,
		Result:    text,
		Timestamp: time.Now(),
	})
	a.mu.Unlock()

	a.bus.Publish(Event{
		Type:       EventToolResult,
		Step:       step,
		ToolCallID: tc.ID,
		ToolName:   tc.Function.Name,
		Result:     Truncate(text, publishedResultMax),
	})

	return llm.Message{Role: llm.RoleTool, Content: text, ToolCallID: tc.ID}
}

// gateMiddleware holds data-modifying SQL for confirmation when safe
// mode is on.
func (a *Agent) gateMiddleware() Middleware {
	return func(next Dispatcher) Dispatcher {
		return func(ctx context.Context, toolCallID, toolName string, args map[string]any) (any, error) {
			if NeedsConfirmation(a.modes.Snapshot().SafeMode, toolName, args) {
				query, _ := args["query"].(string)
				approved, err := a.gate.Request(ctx, toolCallID, toolName, args,
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

// invokeTool is the terminal dispatcher: registry lookup plus a
// per-tool deadline.
func (a *Agent) invokeTool(ctx context.Context, _ string, toolName string, args map[string]any) (any, error) {
	tool, ok := a.registry.Get(toolName)
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

// compacted returns messages, compacting first when usage crosses the
// threshold. Compaction failure is non-fatal.
func (a *Agent) compacted(ctx context.Context, messages []llm.Message) []llm.Message {
	if a.compactor == nil {
		return messages
	}
	maxTokens := a.profile.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultContextTokens
	}
	if !a.compactor.ShouldCompact(messages, maxTokens, compactThreshold) {
		return messages
	}
	compacted, err := a.compactor.Compact(ctx, messages, maxTokens, compactKeepRatio)
	if err != nil {
		a.logger.Warn("history compaction failed, continuing uncompacted", "error", err)
		return messages
	}
	a.logger.Info("history compacted", "before", len(messages), "after", len(compacted))
	return compacted
}

func (a *Agent) systemPrompt() string {
	if a.system != nil {
		c := a.system.Coordinator
		if c.SystemPrompt != "" {
			if c.UseDefaultPrompt == nil || *c.UseDefaultPrompt {
				return defaultSystemPrompt + "\n\n" + c.SystemPrompt
			}
			return c.SystemPrompt
		}
	}
	return defaultSystemPrompt
}

// toolSpecs builds the model-facing tool list from the enabled
// registry entries.
func (a *Agent) toolSpecs() []llm.Tool {
	names := a.registry.List()
	specs := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		tool, ok := a.registry.Get(name)
		if !ok {
			continue
		}
		params := map[string]any{"type": "object", "properties": map[string]any{}}
		if sp, ok := tool.(tools.SchemaProvider); ok && sp.Parameters() != nil {
			params = sp.Parameters()
		}
		specs = append(specs, llm.Tool{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  params,
		})
	}
	return specs
}

// Stringify renders a tool result for the transcript: strings pass
// through, everything else is JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case error:
		return val.Error()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// Truncate caps s at max bytes with an ellipsis marker.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "... [truncated]"
}
