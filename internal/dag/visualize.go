package dag

import (
	"fmt"
	"strings"
)

var statusGlyphs = map[NodeStatus]string{
	NodeStatusPending:   "○",
	NodeStatusRunning:   "→",
	NodeStatusCompleted: "✓",
	NodeStatusFailed:    "✗",
	NodeStatusSkipped:   "⊘",
}

// Sprint renders the plan as indented ASCII, one layer per block.
func (p *Plan) Sprint() string {
	layers, err := p.Levels()
	if err != nil {
		return fmt.Sprintf("(invalid plan: %v)", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", p.Name)
	for i, layer := range layers {
		fmt.Fprintf(&b, "  layer %d:\n", i)
		for _, id := range layer {
			n, _ := p.GetNode(id)
			glyph := statusGlyphs[n.Status]
			fmt.Fprintf(&b, "    %s %s (%s)", glyph, n.ID, n.Tool)
			if len(n.Dependencies) > 0 {
				fmt.Fprintf(&b, " <- %s", strings.Join(n.Dependencies, ", "))
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Mermaid renders the plan as a mermaid flowchart.
func (p *Plan) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	for _, n := range p.Nodes {
		fmt.Fprintf(&b, "    %s[\"%s\"]\n", n.ID, n.Name)
	}
	for _, e := range p.Edges() {
		fmt.Fprintf(&b, "    %s --> %s\n", e[0], e[1])
	}
	return b.String()
}
