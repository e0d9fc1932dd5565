package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frankawp/data-agent/internal/agent"
	"github.com/frankawp/data-agent/internal/config"
	"github.com/frankawp/data-agent/internal/frontend"
	"github.com/frankawp/data-agent/internal/session"
)

// Run executes the CLI and returns the process exit code: 0 on a clean
// quit, 1 on initialization or run failure.
func Run(version string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(version string) *cobra.Command {
	var opts appOptions

	cmd := &cobra.Command{
		Use:           "data-agent",
		Short:         "Conversational data-analysis agent",
		Long:          "data-agent runs an LLM-driven analysis loop over SQL, Python, and ML tools.\nWithout a subcommand it starts an interactive REPL.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			r, err := newREPL(a)
			if err != nil {
				return err
			}
			return r.Run(cmd.Context())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to agents.yaml")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&opts.quiet, "quiet", false, "suppress console log output")
	flags.StringVar(&opts.logFile, "log-file", "", "log file path")

	cmd.AddCommand(newServeCmd(&opts))
	return cmd
}

func newServeCmd(opts *appOptions) *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket frontend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*opts)
			if err != nil {
				return err
			}

			srv := frontend.New(frontend.Config{
				Host:     host,
				Port:     port,
				Sessions: a.sessions,
				Modes:    a.modes,
				Loader:   a.loader,
				NewAgent: func(_ *session.Session) *agent.Agent {
					ag, err := a.newAgent(nil)
					if err != nil {
						a.logger.Error("agent construction failed", "error", err)
						ag = mustFallbackAgent(a)
					}
					return ag
				},
				Logger: a.logger,
			})

			// SIGINT shuts the server down; the REPL handles it itself.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if watcher := config.NewWatcher(a.loader, a.logger); watcher != nil {
				go func() {
					if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
						a.logger.Warn("config watcher stopped", "error", err)
					}
				}()
			}
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "listen host")
	cmd.Flags().IntVar(&port, "port", 8080, "listen port")
	return cmd
}

// mustFallbackAgent builds an agent against the default profile so the
// server can still answer with a configuration error message.
func mustFallbackAgent(a *app) *agent.Agent {
	cfg := a.loader.Config()
	return agent.New(agent.Config{
		Provider: providerFor(cfg.LLM.Default),
		Profile:  cfg.LLM.Default,
		System:   cfg,
		Registry: a.registry,
		Sessions: a.sessions,
		Modes:    a.modes,
		Bus:      a.bus,
		Holder:   a.holder,
		Gate:     a.gate,
		Logger:   a.logger,
	})
}
