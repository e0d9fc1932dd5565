package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankawp/data-agent/internal/llm"
)

// newTestCompactor skips the test when the encoding cannot be
// initialized, e.g. in offline environments.
func newTestCompactor(t *testing.T, provider llm.Provider) *Compactor {
	t.Helper()
	c, err := NewCompactor(provider, "test-model")
	if err != nil {
		t.Skipf("cl100k_base encoding unavailable: %v", err)
	}
	return c
}

func TestCountTokens(t *testing.T) {
	t.Parallel()
	c := newTestCompactor(t, &fakeProvider{})

	assert.Equal(t, 0, c.CountTokens(nil))

	// Each message costs its content tokens plus a fixed overhead.
	one := c.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "hello world"}})
	assert.Greater(t, one, messageOverhead)

	empty := c.CountTokens([]llm.Message{{Role: llm.RoleUser}})
	assert.Equal(t, messageOverhead, empty)
}

func TestShouldCompact(t *testing.T) {
	t.Parallel()
	c := newTestCompactor(t, &fakeProvider{})

	short := []llm.Message{{Role: llm.RoleUser, Content: "hi"}}
	assert.False(t, c.ShouldCompact(short, 64000, 0.8))
	assert.False(t, c.ShouldCompact(short, 0, 0.8), "zero budget never compacts")

	// A tiny budget is crossed immediately.
	assert.True(t, c.ShouldCompact(short, 5, 0.8))
}

func TestCompact(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		responses: []llm.ChatResponse{{Content: "the user explored the orders table"}},
	}
	c := newTestCompactor(t, provider)

	// A long alternating history, well over the keep budget.
	var history []llm.Message
	for i := 0; i < 200; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{
			Role:    role,
			Content: fmt.Sprintf("message %d with some padding text to cost tokens", i),
		})
	}

	maxTokens := 1000
	keepRatio := 0.3
	out, err := c.Compact(context.Background(), history, maxTokens, keepRatio)
	require.NoError(t, err)

	require.Less(t, len(out), len(history))
	assert.Equal(t, llm.RoleSystem, out[0].Role)
	assert.Contains(t, out[0].Content, "the user explored the orders table")
	require.Greater(t, len(out), 1)
	assert.Equal(t, llm.RoleUser, out[1].Role, "retained suffix starts at a user message")

	// The retained suffix fits the keep budget.
	suffixTokens := c.CountTokens(out[1:])
	assert.LessOrEqual(t, suffixTokens, int(float64(maxTokens)*keepRatio))

	// The suffix is the unmodified tail of the original history.
	assert.Equal(t, history[len(history)-(len(out)-1):], out[1:])
}

func TestCompactNothingToSummarize(t *testing.T) {
	t.Parallel()
	c := newTestCompactor(t, &fakeProvider{})

	history := []llm.Message{{Role: llm.RoleUser, Content: "hi"}}
	out, err := c.Compact(context.Background(), history, 64000, 0.3)
	require.NoError(t, err)
	assert.Equal(t, history, out, "a history within budget is returned unchanged")
}

func TestCompactSummaryFailure(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: fmt.Errorf("llm down")}
	c := newTestCompactor(t, provider)

	var history []llm.Message
	for i := 0; i < 50; i++ {
		history = append(history, llm.Message{Role: llm.RoleUser, Content: "some long enough message body here"})
	}
	_, err := c.Compact(context.Background(), history, 100, 0.3)
	require.ErrorIs(t, err, ErrCompactionFailed)
}
