// Package cli is the command-line entry: a REPL over the agent runtime
// plus a serve subcommand for the HTTP frontend.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/frankawp/data-agent/internal/agent"
	"github.com/frankawp/data-agent/internal/config"
	"github.com/frankawp/data-agent/internal/llm"
	"github.com/frankawp/data-agent/internal/logger"
	"github.com/frankawp/data-agent/internal/sandbox"
	"github.com/frankawp/data-agent/internal/session"
	"github.com/frankawp/data-agent/internal/tools"
)

// app is the wired runtime shared by the REPL and the HTTP server.
type app struct {
	logger   *slog.Logger
	loader   *config.Loader
	modes    *config.ModeManager
	sessions *session.Registry
	registry *tools.Registry
	holder   *agent.CallbackHolder
	bus      *agent.Bus
	gate     *agent.Gate
}

type appOptions struct {
	configPath string
	debug      bool
	quiet      bool
	logFile    string
}

// newApp builds the runtime stack: logger, config, modes, sessions,
// sandbox, tools.
func newApp(opts appOptions) (*app, error) {
	logFile := opts.logFile
	if logFile == "" {
		logFile = filepath.Join(config.BaseDir(), "logs", "agent.log")
	}
	log := logger.New(logger.Config{
		Debug: opts.debug,
		Quiet: opts.quiet,
		File:  logFile,
	})
	slog.SetDefault(log)

	loader := config.NewLoader(opts.configPath, log)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	modes := config.NewModeManager("")
	sessions := session.NewRegistry(session.RegistryConfig{
		BaseDir: config.SessionsDir(),
		Logger:  log,
	})
	if _, err := sessions.Create(""); err != nil {
		return nil, err
	}

	runner := sandbox.NewRunner(sandbox.Config{
		ServerURL: os.Getenv("DATA_AGENT_SANDBOX_URL"),
		Fallback:  &sandbox.LocalPython{},
		Logger:    log,
	})

	registry := tools.NewRegistry(log)
	tools.RegisterBuiltins(registry, tools.Deps{
		SessionFor: sessions.Current,
		Sandbox:    runner,
		Modes:      modes,
		Logger:     log,
	})
	registry.ApplyConfig(cfg.Tools)
	loader.OnReload(func(cfg *config.Config) {
		registry.ApplyConfig(cfg.Tools)
		log.Info("configuration reloaded", "path", loader.ConfigPath())
	})

	a := &app{
		logger:   log,
		loader:   loader,
		modes:    modes,
		sessions: sessions,
		registry: registry,
		holder:   &agent.CallbackHolder{},
		bus:      agent.NewBus(log),
	}
	a.gate = agent.NewGate(a.bus, 0)

	if cfg.HasSubAgents() {
		delegator := agent.NewDelegator(agent.DelegatorConfig{
			System:      cfg,
			Registry:    registry,
			Bus:         a.bus,
			Holder:      a.holder,
			Gate:        a.gate,
			Modes:       modes,
			ProviderFor: providerFor,
			Logger:      log,
		})
		registry.Register("coordination", delegator.Tool())
	}

	if profile := cfg.LLM.Profile(cfg.Coordinator.LLM); profile.Model != "" {
		runner := agent.NewDAGRunner(agent.DAGRunnerConfig{
			Provider: providerFor(profile),
			Model:    profile.Model,
			Registry: registry,
			Bus:      a.bus,
			Logger:   log,
		})
		registry.Register("coordination", runner.Tool())
	}
	return a, nil
}

// providerFor builds an LLM provider from a profile.
func providerFor(profile config.LLMProfile) llm.Provider {
	return llm.NewOpenAIProvider(profile.APIKey, profile.BaseURL)
}

// newAgent builds the conversation runtime for a session. The bus is
// shared so every transport observes the same event stream.
func (a *app) newAgent(confirmPlan func(*agent.ExecutionPlan) bool) (*agent.Agent, error) {
	cfg := a.loader.Config()
	profile := cfg.LLM.Profile(cfg.Coordinator.LLM)
	if profile.Model == "" {
		return nil, fmt.Errorf("no LLM model configured; set llm.default.model in agents.yaml")
	}
	return agent.New(agent.Config{
		Provider:    providerFor(profile),
		Profile:     profile,
		System:      cfg,
		Registry:    a.registry,
		Sessions:    a.sessions,
		Modes:       a.modes,
		Bus:         a.bus,
		Holder:      a.holder,
		Gate:        a.gate,
		ConfirmPlan: confirmPlan,
		Logger:      a.logger,
	}), nil
}
