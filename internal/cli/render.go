package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/frankawp/data-agent/internal/agent"
	"github.com/frankawp/data-agent/internal/config"
)

func renderModes(modes *config.ModeManager) string {
	values := modes.All()
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Mode", "Value", "Description"})
	for _, def := range config.ModeDefinitions {
		t.AppendRow(table.Row{def.Key, values[def.Key], def.Description})
	}
	return t.Render()
}

func renderSteps(records []agent.ToolCallRecord) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Step", "Tool", "Result", "Time"})
	for _, rec := range records {
		name := rec.ToolName
		if rec.Subagent != "" {
			name = rec.Subagent + "/" + name
		}
		t.AppendRow(table.Row{
			rec.Step,
			name,
			firstLine(rec.Result, 60),
			rec.Timestamp.Format("15:04:05"),
		})
	}
	return t.Render()
}

func renderStepDetail(rec agent.ToolCallRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %d: %s at %s\n", rec.Step, rec.ToolName, rec.Timestamp.Format("15:04:05"))
	if rec.Subagent != "" {
		fmt.Fprintf(&b, "Subagent: %s\n", rec.Subagent)
	}
	b.WriteString("Arguments:\n")
	if args, err := json.MarshalIndent(rec.Args, "  ", "  "); err == nil {
		fmt.Fprintf(&b, "  %s\n", args)
	}
	b.WriteString("Result:\n")
	b.WriteString(rec.Result)
	b.WriteString("\n")
	return b.String()
}
