package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/frankawp/data-agent/internal/llm"
)

const planningPrompt = `You are a data-analysis planner. Decompose the
user's request into a directed acyclic graph of tool invocations.

Respond with JSON only, in this exact shape:
{
  "name": "short plan name",
  "description": "one-line description",
  "nodes": [
    {"id": "a", "name": "human readable", "tool": "tool_name",
     "params": {"arg": "value or ${other_node_id}"},
     "dependencies": []}
  ]
}

Rules:
- node ids must be unique and referenced dependencies must exist
- use ${node_id} in params to reference an earlier node's result
- keep the graph minimal; independent nodes may share a level`

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Generator asks the LLM for a DAG plan.
type Generator struct {
	provider llm.Provider
	model    string
}

// NewGenerator builds a plan generator on the given provider.
func NewGenerator(provider llm.Provider, model string) *Generator {
	return &Generator{provider: provider, model: model}
}

// Generate produces a validated plan for the request. Extra context
// (table schemas etc.) is appended to the user prompt when non-empty.
func (g *Generator) Generate(ctx context.Context, request, extra string) (*Plan, error) {
	userPrompt := "User request: " + request
	if extra != "" {
		userPrompt += "\n\nContext:\n" + extra
	}

	temp := 0.3
	resp, err := g.provider.Chat(ctx, &llm.ChatRequest{
		Model:       g.model,
		Temperature: &temp,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: planningPrompt},
			{Role: llm.RoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}

	plan, err := ParsePlanResponse(resp.Content)
	if err != nil {
		return nil, err
	}
	if errs := plan.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("generated plan is invalid: %v", errs)
	}
	return plan, nil
}

// ParsePlanResponse extracts a plan from model output, accepting either
// a fenced JSON block or a bare JSON object.
func ParsePlanResponse(text string) (*Plan, error) {
	jsonStr := text
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		jsonStr = m[1]
	} else {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON object found in plan response")
		}
		jsonStr = text[start : end+1]
	}

	var p Plan
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return nil, fmt.Errorf("malformed plan JSON: %w", err)
	}
	if len(p.Nodes) == 0 {
		return nil, fmt.Errorf("plan has no nodes")
	}
	p.ensureIndex()
	return &p, nil
}
