package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankawp/data-agent/internal/config"
	"github.com/frankawp/data-agent/internal/llm"
	"github.com/frankawp/data-agent/internal/tools"
)

// fakeProvider replays scripted responses in order. After the script is
// exhausted it answers with plain text so loops always terminate.
type fakeProvider struct {
	mu        sync.Mutex
	responses []llm.ChatResponse
	requests  []*llm.ChatRequest
	err       error
}

func (f *fakeProvider) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return &llm.ChatResponse{Content: "done"}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return &resp, nil
}

func (f *fakeProvider) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func toolCallResponse(id, name, args string) llm.ChatResponse {
	return llm.ChatResponse{ToolCalls: []llm.ToolCall{{
		ID:       id,
		Function: llm.FunctionCall{Name: name, Arguments: args},
	}}}
}

type agentFixture struct {
	agent    *Agent
	bus      *Bus
	modes    *config.ModeManager
	registry *tools.Registry
	provider *fakeProvider
}

func newFixture(t *testing.T, provider *fakeProvider) *agentFixture {
	t.Helper()
	bus := NewBus(nil)
	modes := config.NewModeManager(filepath.Join(t.TempDir(), "modes.json"))
	registry := tools.NewRegistry(nil)
	a := New(Config{
		Provider: provider,
		Profile:  config.LLMProfile{Model: "test-model"},
		Registry: registry,
		Modes:    modes,
		Bus:      bus,
	})
	return &agentFixture{agent: a, bus: bus, modes: modes, registry: registry, provider: provider}
}

// collectEvents drains the bus in the background until a done event,
// so the subscriber never stalls the publisher.
func collectEvents(t *testing.T, bus *Bus) func() []Event {
	t.Helper()
	ch, unsubscribe := bus.Subscribe(context.Background())
	out := make(chan []Event, 1)
	go func() {
		var events []Event
		for ev := range ch {
			events = append(events, ev)
			if ev.Type == EventDone {
				break
			}
		}
		out <- events
	}()
	return func() []Event {
		defer unsubscribe()
		select {
		case events := <-out:
			return events
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the done event")
			return nil
		}
	}
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestChatToolLoop(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{responses: []llm.ChatResponse{
		toolCallResponse("call-1", "row_count", `{"table": "orders"}`),
		{Content: "orders has 42 rows"},
	}}
	fx := newFixture(t, provider)

	var gotArgs map[string]any
	fx.registry.Register("test", &tools.Func{
		ToolName: "row_count",
		Desc:     "count rows",
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			gotArgs = args
			return map[string]any{"rows": 42}, nil
		},
	})

	wait := collectEvents(t, fx.bus)
	final, err := fx.agent.Chat(context.Background(), "how big is orders?")
	require.NoError(t, err)
	assert.Equal(t, "orders has 42 rows", final)
	assert.Equal(t, map[string]any{"table": "orders"}, gotArgs)

	events := wait()
	assert.Equal(t,
		[]EventType{EventToolCall, EventToolResult, EventMessage, EventDone},
		eventTypes(events))
	assert.Equal(t, "row_count", events[0].ToolName)
	assert.Equal(t, 1, events[0].Step)
	assert.Equal(t, 1, events[1].Step, "call and result carry the same index")
	assert.Equal(t, "call-1", events[1].ToolCallID)
	assert.Contains(t, events[1].Result, `"rows":42`)

	records := fx.agent.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Step)
	assert.Equal(t, "row_count", records[0].ToolName)

	// Tool results land in the transcript for the next model call.
	require.GreaterOrEqual(t, provider.requestCount(), 2)
	last := provider.requests[len(provider.requests)-1]
	tail := last.Messages[len(last.Messages)-1]
	assert.Equal(t, llm.RoleTool, tail.Role)
	assert.Equal(t, "call-1", tail.ToolCallID)
}

func TestChatToolErrorContinuesTurn(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{responses: []llm.ChatResponse{
		toolCallResponse("call-1", "flaky", `{}`),
		{Content: "it failed, sorry"},
	}}
	fx := newFixture(t, provider)
	fx.registry.Register("test", &tools.Func{
		ToolName: "flaky",
		Desc:     "always fails",
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, fmt.Errorf("connection refused")
		},
	})

	final, err := fx.agent.Chat(context.Background(), "try it")
	require.NoError(t, err)
	assert.Equal(t, "it failed, sorry", final)

	records := fx.agent.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "Error: connection refused", records[0].Result)
}

func TestChatUnknownToolBecomesResult(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{responses: []llm.ChatResponse{
		toolCallResponse("call-1", "no_such_tool", `{}`),
		{Content: "recovered"},
	}}
	fx := newFixture(t, provider)

	final, err := fx.agent.Chat(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "recovered", final)

	records := fx.agent.Records()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Result, "tool not found")
}

func TestChatSafeModeReject(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{responses: []llm.ChatResponse{
		toolCallResponse("call-1", "execute_sql", `{"query": "DELETE FROM orders"}`),
		{Content: "nothing was deleted"},
	}}
	fx := newFixture(t, provider)
	require.True(t, fx.modes.Snapshot().SafeMode)

	invoked := 0
	fx.registry.Register("sql", &tools.Func{
		ToolName: "execute_sql",
		Desc:     "run sql",
		Fn: func(context.Context, map[string]any) (any, error) {
			invoked++
			return "ok", nil
		},
	})

	wait := collectEvents(t, fx.bus)
	done := make(chan struct{})
	var final string
	var chatErr error
	go func() {
		defer close(done)
		final, chatErr = fx.agent.Chat(context.Background(), "clear the orders table")
	}()

	require.Eventually(t, func() bool {
		return len(fx.agent.Gate().PendingIDs()) == 1
	}, 5*time.Second, time.Millisecond)
	require.True(t, fx.agent.Gate().Resolve(Decision{ToolCallID: "call-1", Decision: "reject"}))

	<-done
	require.NoError(t, chatErr)
	assert.Equal(t, "nothing was deleted", final, "the turn continues after a rejection")
	assert.Zero(t, invoked, "a rejected tool never runs")

	records := fx.agent.Records()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Result, "rejected")

	types := eventTypes(wait())
	assert.Contains(t, types, EventConfirmationRequest)
}

func TestChatSafeModeApproveRunsTool(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{responses: []llm.ChatResponse{
		toolCallResponse("call-1", "execute_sql", `{"query": "UPDATE t SET x = 1"}`),
		{Content: "updated"},
	}}
	fx := newFixture(t, provider)

	var gotQuery string
	fx.registry.Register("sql", &tools.Func{
		ToolName: "execute_sql",
		Desc:     "run sql",
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			gotQuery, _ = args["query"].(string)
			return "1 row", nil
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = fx.agent.Chat(context.Background(), "update it")
	}()

	require.Eventually(t, func() bool {
		return fx.agent.Gate().Resolve(Decision{ToolCallID: "call-1", Decision: "approve"})
	}, 5*time.Second, time.Millisecond)
	<-done

	assert.Equal(t, "UPDATE t SET x = 1", gotQuery)
}

func TestChatSafeModeOffNeverConfirms(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{responses: []llm.ChatResponse{
		toolCallResponse("call-1", "execute_sql", `{"query": "DELETE FROM orders"}`),
		{Content: "deleted"},
	}}
	fx := newFixture(t, provider)
	require.NoError(t, fx.modes.Set("safe", "off"))

	invoked := 0
	fx.registry.Register("sql", &tools.Func{
		ToolName: "execute_sql",
		Desc:     "run sql",
		Fn: func(context.Context, map[string]any) (any, error) {
			invoked++
			return "ok", nil
		},
	})

	wait := collectEvents(t, fx.bus)
	final, err := fx.agent.Chat(context.Background(), "clear the orders table")
	require.NoError(t, err)
	assert.Equal(t, "deleted", final)
	assert.Equal(t, 1, invoked)
	assert.NotContains(t, eventTypes(wait()), EventConfirmationRequest)
}

func TestChatBusy(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	provider := &fakeProvider{responses: []llm.ChatResponse{
		toolCallResponse("call-1", "slow", `{}`),
	}}
	fx := newFixture(t, provider)
	fx.registry.Register("test", &tools.Func{
		ToolName: "slow",
		Desc:     "blocks",
		Fn: func(context.Context, map[string]any) (any, error) {
			<-release
			return "ok", nil
		},
	})

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, _ = fx.agent.Chat(context.Background(), "first")
	}()
	<-started

	require.Eventually(t, fx.agent.Busy, 5*time.Second, time.Millisecond)
	_, err := fx.agent.Chat(context.Background(), "second")
	require.ErrorIs(t, err, ErrBusy)

	close(release)
	<-done
	assert.False(t, fx.agent.Busy())
}

func TestChatCancelBetweenToolCalls(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{responses: []llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			{ID: "call-1", Function: llm.FunctionCall{Name: "probe", Arguments: `{}`}},
			{ID: "call-2", Function: llm.FunctionCall{Name: "probe", Arguments: `{}`}},
		}},
	}}
	fx := newFixture(t, provider)

	invoked := 0
	fx.registry.Register("test", &tools.Func{
		ToolName: "probe",
		Desc:     "cancels the turn",
		Fn: func(context.Context, map[string]any) (any, error) {
			invoked++
			fx.agent.Cancel()
			return "ok", nil
		},
	})

	final, err := fx.agent.Chat(context.Background(), "run twice")
	require.NoError(t, err, "cancellation is a clean stop, not an error")
	assert.Equal(t, "Operation cancelled.", final)
	assert.Equal(t, 1, invoked, "the sibling call after the fire point is not dispatched")

	// The completed call's record survives the cancellation.
	require.Len(t, fx.agent.Records(), 1)
}

func TestChatMaxStepsCap(t *testing.T) {
	t.Parallel()

	// Every response asks for another tool call.
	provider := &fakeProvider{responses: []llm.ChatResponse{
		toolCallResponse("call-1", "probe", `{}`),
		toolCallResponse("call-2", "probe", `{}`),
		toolCallResponse("call-3", "probe", `{}`),
	}}
	bus := NewBus(nil)
	modes := config.NewModeManager(filepath.Join(t.TempDir(), "modes.json"))
	registry := tools.NewRegistry(nil)
	registry.Register("test", &tools.Func{
		ToolName: "probe",
		Desc:     "no-op",
		Fn: func(context.Context, map[string]any) (any, error) { return "ok", nil },
	})
	a := New(Config{
		Provider: provider,
		Profile:  config.LLMProfile{Model: "test-model"},
		Registry: registry,
		Modes:    modes,
		Bus:      bus,
		MaxSteps: 2,
	})

	final, err := a.Chat(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.Contains(t, final, "Stopped after 2 steps")
	assert.Len(t, a.Records(), 2)
}

func TestStepIndicesResetPerTurn(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{responses: []llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			{ID: "call-1", Function: llm.FunctionCall{Name: "probe", Arguments: `{}`}},
			{ID: "call-2", Function: llm.FunctionCall{Name: "probe", Arguments: `{}`}},
		}},
		{Content: "first done"},
		toolCallResponse("call-3", "probe", `{}`),
		{Content: "second done"},
	}}
	fx := newFixture(t, provider)
	fx.registry.Register("test", &tools.Func{
		ToolName: "probe",
		Desc:     "no-op",
		Fn: func(context.Context, map[string]any) (any, error) { return "ok", nil },
	})

	wait := collectEvents(t, fx.bus)
	_, err := fx.agent.Chat(context.Background(), "first")
	require.NoError(t, err)
	events := wait()

	var steps []int
	for _, ev := range events {
		if ev.Type == EventToolCall || ev.Type == EventToolResult {
			steps = append(steps, ev.Step)
		}
	}
	assert.Equal(t, []int{1, 1, 2, 2}, steps, "contiguous within the turn")

	wait = collectEvents(t, fx.bus)
	_, err = fx.agent.Chat(context.Background(), "second")
	require.NoError(t, err)
	events = wait()

	steps = steps[:0]
	for _, ev := range events {
		if ev.Type == EventToolCall || ev.Type == EventToolResult {
			steps = append(steps, ev.Step)
		}
	}
	assert.Equal(t, []int{1, 1}, steps, "the counter restarts each turn")

	// Records keep the per-turn index; positional lookup is unaffected.
	records := fx.agent.Records()
	require.Len(t, records, 3)
	assert.Equal(t, 1, records[0].Step)
	assert.Equal(t, 2, records[1].Step)
	assert.Equal(t, 1, records[2].Step)
	rec, ok := fx.agent.Record(3)
	require.True(t, ok)
	assert.Equal(t, records[2], rec)
}

func TestChatPlanAutoExecuteOff(t *testing.T) {
	t.Parallel()

	planJSON := `{"goal": "g", "steps": [{"index": 1, "description": "step"}]}`
	provider := &fakeProvider{responses: []llm.ChatResponse{{Content: planJSON}}}
	fx := newFixture(t, provider)
	require.NoError(t, fx.modes.Set("plan", "on"))
	require.NoError(t, fx.modes.Set("auto", "off"))

	final, err := fx.agent.Chat(context.Background(), "do the thing")
	require.NoError(t, err)
	assert.Contains(t, final, "Plan rejected",
		"with auto execute off an unconfirmed plan does not run")
	assert.Equal(t, 1, provider.requestCount(), "no step loop runs")
}

func TestChatProviderError(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeProvider{err: errors.New("upstream 500")})
	wait := collectEvents(t, fx.bus)

	_, err := fx.agent.Chat(context.Background(), "hello")
	require.ErrorContains(t, err, "llm request failed")

	events := wait()
	require.NotEmpty(t, events)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Error, "upstream 500")
}

func TestRecordAccessors(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{responses: []llm.ChatResponse{
		toolCallResponse("call-1", "probe", `{}`),
		{Content: "ok"},
	}}
	fx := newFixture(t, provider)
	fx.registry.Register("test", &tools.Func{
		ToolName: "probe",
		Desc:     "no-op",
		Fn: func(context.Context, map[string]any) (any, error) { return "hi", nil },
	})

	_, err := fx.agent.Chat(context.Background(), "go")
	require.NoError(t, err)

	rec, ok := fx.agent.Record(1)
	require.True(t, ok)
	assert.Equal(t, "probe", rec.ToolName)

	_, ok = fx.agent.Record(0)
	assert.False(t, ok)
	_, ok = fx.agent.Record(2)
	assert.False(t, ok)

	require.NotEmpty(t, fx.agent.History())
	fx.agent.Reset()
	assert.Empty(t, fx.agent.Records())
	assert.Empty(t, fx.agent.History())
}

func TestChatPlanModeOn(t *testing.T) {
	t.Parallel()

	planJSON := `{"goal": "count orders", "steps": [{"index": 1, "description": "count rows", "tool_hint": "row_count"}]}`
	provider := &fakeProvider{responses: []llm.ChatResponse{
		{Content: planJSON}, // plan generation
		toolCallResponse("call-1", "row_count", `{"table": "orders"}`), // step 1 loop
		{Content: "there are 42 orders"},
	}}
	fx := newFixture(t, provider)
	require.NoError(t, fx.modes.Set("plan", "on"))
	fx.registry.Register("test", &tools.Func{
		ToolName: "row_count",
		Desc:     "count rows",
		Fn: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"rows": 42}, nil
		},
	})

	final, err := fx.agent.Chat(context.Background(), "count the orders")
	require.NoError(t, err)
	assert.Contains(t, final, "count orders")
	assert.Contains(t, final, "there are 42 orders")

	// The plan turn collapses into one user/assistant exchange.
	history := fx.agent.History()
	require.Len(t, history, 2)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, "count the orders", history[0].Content)
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
}

func TestChatPlanRejected(t *testing.T) {
	t.Parallel()

	planJSON := `{"goal": "g", "steps": [{"index": 1, "description": "step"}]}`
	provider := &fakeProvider{responses: []llm.ChatResponse{{Content: planJSON}}}
	bus := NewBus(nil)
	modes := config.NewModeManager(filepath.Join(t.TempDir(), "modes.json"))
	require.NoError(t, modes.Set("plan", "on"))
	a := New(Config{
		Provider:    provider,
		Profile:     config.LLMProfile{Model: "test-model"},
		Registry:    tools.NewRegistry(nil),
		Modes:       modes,
		Bus:         bus,
		ConfirmPlan: func(*ExecutionPlan) bool { return false },
	})

	final, err := a.Chat(context.Background(), "do the thing")
	require.NoError(t, err, "a rejected plan is a message, not an error")
	assert.Contains(t, final, "Plan rejected")
}

func TestStringify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "boom", Stringify(errors.New("boom")))
	assert.Equal(t, `{"rows":3}`, Stringify(map[string]any{"rows": 3}))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", Truncate("short", 100))
	assert.Equal(t, "short", Truncate("short", 0), "zero max means unlimited")
	got := Truncate("abcdefgh", 4)
	assert.Equal(t, "abcd... [truncated]", got)
}
