package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/frankawp/data-agent/internal/llm"
)

// ErrCompactionFailed marks a failed history compaction. It is
// non-fatal: the turn proceeds with the uncompacted history.
var ErrCompactionFailed = errors.New("history compaction failed")

// messageOverhead accounts for role and formatting tokens per message.
const messageOverhead = 4

const compactPrompt = `Summarize the following conversation history into
a short context note. Keep:
- the user's main questions and intent
- important operations performed and their results
- key data findings or conclusions

Conversation:
%s

Reply with a 2-3 sentence summary of the core content.`

// Compactor summarizes old history when token usage crosses a
// threshold. Counting uses the cl100k_base encoding.
type Compactor struct {
	provider llm.Provider
	model    string
	encoder  *tiktoken.Tiktoken
}

// NewCompactor builds a compactor. Encoding initialization failure is
// returned; callers treat a nil compactor as "never compact".
func NewCompactor(provider llm.Provider, model string) (*Compactor, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}
	return &Compactor{provider: provider, model: model, encoder: enc}, nil
}

// CountTokens totals the message contents plus per-message overhead.
func (c *Compactor) CountTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += c.countMessage(m)
	}
	return total
}

func (c *Compactor) countMessage(m llm.Message) int {
	n := messageOverhead
	if m.Content != "" {
		n += len(c.encoder.Encode(m.Content, nil, nil))
	}
	return n
}

// ShouldCompact reports whether usage has crossed the threshold.
func (c *Compactor) ShouldCompact(messages []llm.Message, maxTokens int, threshold float64) bool {
	if maxTokens <= 0 {
		return false
	}
	return float64(c.CountTokens(messages))/float64(maxTokens) >= threshold
}

// Compact retains the suffix whose token count fits keepRatio of
// maxTokens, trimmed so it begins at a user message, and replaces the
// prefix with a single system message carrying an LLM-generated
// summary. When nothing precedes the retained suffix the input is
// returned unchanged.
func (c *Compactor) Compact(ctx context.Context, messages []llm.Message, maxTokens int, keepRatio float64) ([]llm.Message, error) {
	keepTokens := int(float64(maxTokens) * keepRatio)

	// Accumulate from the tail until the budget is spent.
	cut := len(messages)
	budget := 0
	for cut > 0 {
		tokens := c.countMessage(messages[cut-1])
		if budget+tokens > keepTokens {
			break
		}
		budget += tokens
		cut--
	}

	// The retained suffix must start at a user message so the model
	// never sees a dangling assistant/tool exchange.
	for cut < len(messages) && messages[cut].Role != llm.RoleUser {
		cut++
	}

	if cut == 0 {
		return messages, nil
	}

	summary, err := c.summarize(ctx, messages[:cut])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}

	out := make([]llm.Message, 0, len(messages)-cut+1)
	out = append(out, llm.Message{
		Role:    llm.RoleSystem,
		Content: "[conversation summary]\n" + summary,
	})
	out = append(out, messages[cut:]...)
	return out, nil
}

func (c *Compactor) summarize(ctx context.Context, messages []llm.Message) (string, error) {
	resp, err := c.provider.Chat(ctx, &llm.ChatRequest{
		Model: c.model,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(compactPrompt, formatForSummary(messages)),
		}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func formatForSummary(messages []llm.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		content := m.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}
	return b.String()
}
