package dag

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankawp/data-agent/internal/llm"
)

type stubProvider struct {
	response string
	err      error
	lastReq  *llm.ChatRequest
}

func (s *stubProvider) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Content: s.response}, nil
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{response: "```json\n" + `{
		"name": "row counts",
		"description": "count and report",
		"nodes": [
			{"id": "count", "name": "count rows", "tool": "execute_sql",
			 "params": {"query": "SELECT count(*) FROM orders"}, "dependencies": []},
			{"id": "report", "name": "summarize", "tool": "analyze_dataframe",
			 "params": {"data": "${count}"}, "dependencies": ["count"]}
		]
	}` + "\n```"}
	g := NewGenerator(provider, "test-model")

	plan, err := g.Generate(context.Background(), "how many orders?", "orders(id, total)")
	require.NoError(t, err)
	assert.Equal(t, "row counts", plan.Name)
	require.Len(t, plan.Nodes, 2)

	// The schema context rides along in the user prompt.
	require.NotNil(t, provider.lastReq)
	require.Len(t, provider.lastReq.Messages, 2)
	assert.Contains(t, provider.lastReq.Messages[1].Content, "orders(id, total)")
}

func TestGenerateRejectsInvalidPlan(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{response: `{
		"name": "broken",
		"nodes": [{"id": "a", "tool": "t", "dependencies": ["ghost"]}]
	}`}
	g := NewGenerator(provider, "test-model")

	_, err := g.Generate(context.Background(), "do it", "")
	require.ErrorContains(t, err, "invalid")
}

func TestGenerateProviderError(t *testing.T) {
	t.Parallel()

	g := NewGenerator(&stubProvider{err: errors.New("upstream down")}, "test-model")
	_, err := g.Generate(context.Background(), "do it", "")
	require.ErrorContains(t, err, "plan generation failed")
}

func TestSprint(t *testing.T) {
	t.Parallel()

	p := buildDiamond()
	a, _ := p.GetNode("a")
	a.Status = NodeStatusCompleted

	out := p.Sprint()
	assert.Contains(t, out, "diamond")
	assert.Contains(t, out, "layer 0:")
	assert.Contains(t, out, "layer 2:")
	assert.Contains(t, out, "✓ a (execute_sql)")
	assert.Contains(t, out, "○ d (export_text) <- b, c")
}

func TestMermaid(t *testing.T) {
	t.Parallel()

	out := buildDiamond().Mermaid()
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, `a["load"]`)
	assert.Contains(t, out, "a --> b")
	assert.Contains(t, out, "c --> d")
}
