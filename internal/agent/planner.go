package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/frankawp/data-agent/internal/config"
	"github.com/frankawp/data-agent/internal/llm"
)

// StepStatus is the execution state of one plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// PlanStep is one entry of a linear, user-facing plan.
type PlanStep struct {
	Index       int        `json:"index"`
	Description string     `json:"description"`
	ToolHint    string     `json:"tool_hint,omitempty"`
	Status      StepStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
}

// ExecutionPlan is the linear plan produced by Plan Mode. It is
// distinct from a DAG plan: it is user-facing and confirmed before
// execution.
type ExecutionPlan struct {
	Goal           string     `json:"goal"`
	Steps          []PlanStep `json:"steps"`
	EstimatedTools []string   `json:"estimated_tools,omitempty"`
}

// Progress returns completed and total step counts.
func (p *ExecutionPlan) Progress() (completed, total int) {
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			completed++
		}
	}
	return completed, len(p.Steps)
}

// Markdown renders the plan for display and confirmation prompts.
func (p *ExecutionPlan) Markdown() string {
	glyphs := map[StepStatus]string{
		StepPending:   "○",
		StepRunning:   "→",
		StepCompleted: "✓",
		StepFailed:    "✗",
		StepSkipped:   "⊘",
	}
	var b strings.Builder
	b.WriteString("## Goal\n")
	b.WriteString(p.Goal)
	b.WriteString("\n\n## Steps\n\n")
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "%s **Step %d**: %s\n", glyphs[s.Status], s.Index, s.Description)
		if s.ToolHint != "" {
			fmt.Fprintf(&b, "   _tool: %s_\n", s.ToolHint)
		}
		b.WriteByte('\n')
	}
	if len(p.EstimatedTools) > 0 {
		b.WriteString("## Expected tools\n")
		b.WriteString(strings.Join(p.EstimatedTools, ", "))
		b.WriteByte('\n')
	}
	return b.String()
}

// Keywords that mark a request as complex for the auto-plan heuristic.
var complexKeywords = []string{
	"analyze", "analysis", "compare", "statistic", "trend", "predict",
	"train", "model", "multiple", "all ", "batch", "aggregate",
	"summary", "report", "visuali", "join", "group by", "correlat",
	"regression", "classif", "cluster", "machine learning", "optimiz",
}

// ShouldPlan applies the mode gate: off never, on always, auto by
// complexity.
func ShouldPlan(mode config.PlanMode, input string) bool {
	switch mode {
	case config.PlanModeOff:
		return false
	case config.PlanModeOn:
		return true
	default:
		return isComplexTask(input)
	}
}

func isComplexTask(input string) bool {
	lower := strings.ToLower(input)

	complexCount := 0
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			complexCount++
		}
	}

	longInput := len(input) > 100
	multiClause := strings.Count(input, ",") > 2 || strings.Count(input, "?") > 1

	return complexCount >= 2 || (complexCount >= 1 && (longInput || multiClause))
}

const planPromptTemplate = `Produce a detailed execution plan for the
following data-analysis task.

Task: %s

Reply strictly with JSON in this shape and nothing else:
` + "```json" + `
{
    "goal": "core goal of the task",
    "steps": [
        {"index": 1, "description": "concrete step", "tool_hint": "expected tool name (optional)"},
        {"index": 2, "description": "concrete step", "tool_hint": "expected tool name (optional)"}
    ],
    "estimated_tools": ["tool1", "tool2"]
}
` + "```" + `

Notes:
1. Each step must be an independent, executable operation.
2. Order steps by their dependencies.
3. tool_hint may be: execute_sql, list_tables, describe_table,
   analyze_dataframe, statistical_analysis, train_model, predict.
4. Aim for 2-6 steps.`

var planJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// GeneratePlan asks the LLM for a linear plan. A nil plan with nil
// error means the response was unparseable and the caller should fall
// back to direct execution.
func GeneratePlan(ctx context.Context, provider llm.Provider, model, input string) (*ExecutionPlan, error) {
	resp, err := provider.Chat(ctx, &llm.ChatRequest{
		Model: model,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(planPromptTemplate, input)},
		},
	})
	if err != nil {
		return nil, err
	}
	return ParsePlan(resp.Content, input), nil
}

// ParsePlan extracts a plan from model output; nil when no usable plan
// is present.
func ParsePlan(response, originalGoal string) *ExecutionPlan {
	jsonStr := ""
	if m := planJSONRe.FindStringSubmatch(response); m != nil {
		jsonStr = m[1]
	} else {
		start := strings.Index(response, "{")
		end := strings.LastIndex(response, "}")
		if start < 0 || end <= start {
			return nil
		}
		jsonStr = response[start : end+1]
	}

	var raw struct {
		Goal  string `json:"goal"`
		Steps []struct {
			Index       int    `json:"index"`
			Description string `json:"description"`
			ToolHint    string `json:"tool_hint"`
		} `json:"steps"`
		EstimatedTools []string `json:"estimated_tools"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil
	}
	if len(raw.Steps) == 0 {
		return nil
	}

	plan := &ExecutionPlan{Goal: raw.Goal, EstimatedTools: raw.EstimatedTools}
	if plan.Goal == "" {
		plan.Goal = originalGoal
	}
	for i, s := range raw.Steps {
		index := s.Index
		if index == 0 {
			index = i + 1
		}
		plan.Steps = append(plan.Steps, PlanStep{
			Index:       index,
			Description: s.Description,
			ToolHint:    s.ToolHint,
			Status:      StepPending,
		})
	}
	return plan
}

// StepPrompt builds the isolated execution prompt for one step,
// including summaries of prior completed steps.
func StepPrompt(plan *ExecutionPlan, step *PlanStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are executing step %d of a data-analysis task.\n\n", step.Index)
	fmt.Fprintf(&b, "Overall goal: %s\n\n", plan.Goal)
	fmt.Fprintf(&b, "Current step: %s\n", step.Description)
	if step.ToolHint != "" {
		fmt.Fprintf(&b, "Suggested tool: %s\n", step.ToolHint)
	}

	var prior []string
	for _, s := range plan.Steps {
		if s.Index < step.Index && s.Status == StepCompleted && s.Result != "" {
			result := s.Result
			if len(result) > 200 {
				result = result[:200] + "..."
			}
			prior = append(prior, fmt.Sprintf("Step %d result: %s", s.Index, result))
		}
	}
	if len(prior) > 0 {
		b.WriteString("\nResults of earlier steps:\n")
		b.WriteString(strings.Join(prior, "\n"))
		b.WriteByte('\n')
	}
	b.WriteString("\nExecute the current step and report the result.")
	return b.String()
}

// SummarizePlan renders the final turn text for a completed plan.
func SummarizePlan(plan *ExecutionPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task complete: %s\n\n", plan.Goal)
	for _, s := range plan.Steps {
		switch s.Status {
		case StepCompleted:
			fmt.Fprintf(&b, "### Step %d: %s\n", s.Index, s.Description)
			if s.Result != "" {
				result := s.Result
				if len(result) > 500 {
					result = result[:500] + "..."
				}
				b.WriteString(result)
				b.WriteByte('\n')
			}
			b.WriteByte('\n')
		case StepFailed:
			fmt.Fprintf(&b, "### Step %d: %s [failed]\n", s.Index, s.Description)
			if s.Result != "" {
				fmt.Fprintf(&b, "Error: %s\n", s.Result)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}
