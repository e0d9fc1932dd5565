package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/frankawp/data-agent/internal/agent"
)

// repl is the interactive loop: free text goes to the agent, slash
// commands manage modes and state, `:<n>` shows step detail.
type repl struct {
	app   *app
	agent *agent.Agent
	in    *bufio.Scanner
	out   *os.File
}

func newREPL(a *app) (*repl, error) {
	r := &repl{
		app: a,
		in:  bufio.NewScanner(os.Stdin),
		out: os.Stdout,
	}
	r.in.Buffer(make([]byte, 0, 64*1024), 1<<20)

	ag, err := a.newAgent(r.confirmPlan)
	if err != nil {
		return nil, err
	}
	r.agent = ag
	return r, nil
}

func (r *repl) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// Run is the REPL loop. The first SIGINT during a turn cancels it; at
// the prompt it reminds about exit.
func (r *repl) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if r.agent.Busy() {
				r.agent.Cancel()
				r.printf("\n[cancelling after the current tool call]\n")
			} else {
				r.printf("\nUse 'exit' to quit.\n> ")
			}
		}
	}()

	sess := r.app.sessions.Current()
	r.printf("data-agent | session %s\n", sess.ID())
	r.printf("Type /help for commands, exit to quit.\n")

	for {
		r.printf("> ")
		if !r.in.Scan() {
			r.printf("\n")
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "exit" || line == "quit" || line == "q":
			return nil
		case strings.HasPrefix(line, ":"):
			r.showStep(line[1:])
		case strings.HasPrefix(line, "/"):
			if err := r.command(ctx, line); err != nil {
				r.printf("error: %v\n", err)
			}
		default:
			r.turn(ctx, line)
		}
	}
}

// turn runs one agent turn, pumping events to the terminal.
func (r *repl) turn(ctx context.Context, input string) {
	events, unsubscribe := r.agent.Bus().Subscribe(ctx)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		_, err := r.agent.Chat(ctx, input)
		done <- err
	}()

	verbose := r.app.modes.Snapshot().Verbose
	for ev := range events {
		r.renderEvent(ev, verbose)
		if ev.Type == agent.EventDone {
			break
		}
	}
	if err := <-done; err != nil {
		r.printf("error: %v\n", err)
	}
}

func (r *repl) renderEvent(ev agent.Event, verbose bool) {
	switch ev.Type {
	case agent.EventThinking:
		if verbose && ev.Content != "" {
			r.printf("… %s\n", ev.Content)
		}
	case agent.EventToolCall:
		r.printf("→ [%d] %s %s\n", ev.Step, ev.ToolName, compactArgs(ev.Args))
	case agent.EventToolResult:
		r.printf("← [%d] %s\n", ev.Step, firstLine(ev.Result, 120))
	case agent.EventSubagentToolCall:
		r.printf("  ↳ %s → %s %s\n", ev.SubagentName, ev.ToolName, compactArgs(ev.Args))
	case agent.EventSubagentToolResult:
		r.printf("  ↲ %s ← %s\n", ev.SubagentName, firstLine(ev.Result, 120))
	case agent.EventMessage:
		r.printf("\n%s\n\n", ev.Content)
	case agent.EventError:
		r.printf("error: %s\n", ev.Error)
	case agent.EventConfirmationRequest:
		r.promptDecision(ev)
	}
}

// promptDecision handles a privilege-gate request inline: the REPL
// owns stdin while a turn runs, so reading here is safe.
func (r *repl) promptDecision(ev agent.Event) {
	r.printf("\n%s\n", ev.Description)
	r.printf("Approve? [y/N/e(dit)] ")
	if !r.in.Scan() {
		r.agent.Gate().Resolve(agent.Decision{ToolCallID: ev.ToolCallID, Decision: "reject"})
		return
	}
	answer := strings.ToLower(strings.TrimSpace(r.in.Text()))
	switch answer {
	case "y", "yes":
		r.agent.Gate().Resolve(agent.Decision{ToolCallID: ev.ToolCallID, Decision: "approve"})
	case "e", "edit":
		r.printf("New query: ")
		if !r.in.Scan() {
			r.agent.Gate().Resolve(agent.Decision{ToolCallID: ev.ToolCallID, Decision: "reject"})
			return
		}
		r.agent.Gate().Resolve(agent.Decision{
			ToolCallID: ev.ToolCallID,
			Decision:   "edit",
			EditedArgs: map[string]any{"query": strings.TrimSpace(r.in.Text())},
		})
	default:
		r.agent.Gate().Resolve(agent.Decision{ToolCallID: ev.ToolCallID, Decision: "reject"})
	}
}

// confirmPlan prompts for plan approval before execution.
func (r *repl) confirmPlan(plan *agent.ExecutionPlan) bool {
	r.printf("Execute this plan? [Y/n] ")
	if !r.in.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(r.in.Text()))
	return answer == "" || answer == "y" || answer == "yes"
}

func (r *repl) showStep(arg string) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		r.printf("usage: :<n> where n is a step number\n")
		return
	}
	rec, ok := r.agent.Record(n)
	if !ok {
		r.printf("no step %d in this conversation\n", n)
		return
	}
	r.printf("%s\n", renderStepDetail(rec))
}

func (r *repl) command(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		r.printf("%s", helpText)
	case "/modes":
		r.printf("%s\n", renderModes(r.app.modes))
	case "/plan", "/preview":
		key := strings.TrimPrefix(cmd, "/")
		if len(args) != 1 {
			value, _ := r.app.modes.Get(key)
			r.printf("%s = %s\n", key, value)
			return nil
		}
		if err := r.app.modes.Set(key, args[0]); err != nil {
			return err
		}
		r.printf("%s = %s\n", key, args[0])
	case "/auto", "/safe", "/verbose", "/export":
		key := strings.TrimPrefix(cmd, "/")
		if len(args) == 1 {
			if err := r.app.modes.Set(key, args[0]); err != nil {
				return err
			}
			r.printf("%s = %s\n", key, args[0])
			return nil
		}
		value, err := r.app.modes.Toggle(key)
		if err != nil {
			return err
		}
		r.printf("%s = %s\n", key, value)
	case "/reset":
		r.agent.Reset()
		r.printf("conversation history cleared\n")
	case "/clear":
		r.printf("\033[2J\033[H")
	case "/config":
		path := r.app.loader.ConfigPath()
		if path == "" {
			path = "(defaults, no agents.yaml found)"
		}
		r.printf("config: %s\n", path)
		r.printf("tools: %s\n", strings.Join(r.app.registry.List(), ", "))
	case "/reload":
		if _, err := r.app.loader.Reload(); err != nil {
			return err
		}
		r.printf("configuration reloaded\n")
	case "/steps":
		records := r.agent.Records()
		if len(records) == 0 {
			r.printf("no tool calls yet\n")
			return nil
		}
		r.printf("%s\n", renderSteps(records))
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

const helpText = `Commands:
  free text          send a message to the agent
  exit | quit | q    leave
  :<n>               show detail for tool-call step n
  /help              this help
  /modes             show all modes
  /plan on|off|auto  plan mode
  /auto [on|off]     auto execute (no arg toggles)
  /safe [on|off]     safe mode
  /verbose [on|off]  verbose output
  /preview 10|50|100|all  preview row limit
  /export [on|off]   auto export
  /reset             clear conversation history
  /clear             clear the screen
  /config            show config path and tools
  /reload            reload agents.yaml
  /steps             list tool calls of this conversation
`

func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args))
	for k, v := range args {
		parts = append(parts, fmt.Sprintf("%s=%s", k, firstLine(fmt.Sprintf("%v", v), 60)))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
