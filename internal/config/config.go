// Package config loads the agents.yaml system configuration and manages
// the persisted runtime modes.
package config

import (
	"os"
	"path/filepath"
)

// LLMProfile is a named LLM endpoint configuration. Empty BaseURL or
// APIKey fall back to the default profile's values.
type LLMProfile struct {
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// LLMConfig holds the default profile plus named profiles referenced by
// sub-agents.
type LLMConfig struct {
	Default  LLMProfile            `yaml:"default"`
	Profiles map[string]LLMProfile `yaml:"profiles"`
}

// Profile resolves a profile by name; "default" or unknown names return
// the default profile. Missing endpoint fields inherit from the default.
func (c LLMConfig) Profile(name string) LLMProfile {
	if name == "" || name == "default" {
		return c.Default
	}
	p, ok := c.Profiles[name]
	if !ok {
		return c.Default
	}
	if p.BaseURL == "" {
		p.BaseURL = c.Default.BaseURL
	}
	if p.APIKey == "" {
		p.APIKey = c.Default.APIKey
	}
	return p
}

// BuiltinToolsConfig toggles whole builtin tool groups.
type BuiltinToolsConfig struct {
	SQLTools     *bool `yaml:"sql_tools"`
	PythonTools  *bool `yaml:"python_tools"`
	MLTools      *bool `yaml:"ml_tools"`
	GraphTools   *bool `yaml:"graph_tools"`
	DagsterTools *bool `yaml:"dagster_tools"`
}

// ExternalToolConfig names a tool module to import and which tool names
// to take from it.
type ExternalToolConfig struct {
	Module string   `yaml:"module"`
	Tools  []string `yaml:"tools"`
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	Builtin  BuiltinToolsConfig   `yaml:"builtin"`
	Aliases  map[string]string    `yaml:"aliases"`
	External []ExternalToolConfig `yaml:"external"`
	Disabled []string             `yaml:"disabled"`
	Enabled  []string             `yaml:"enabled"`
}

// SubAgentConfig describes one configured sub-agent.
type SubAgentConfig struct {
	Description  string   `yaml:"description"`
	LLM          string   `yaml:"llm"`
	Tools        []string `yaml:"tools"`
	PromptFile   string   `yaml:"prompt_file"`
	SystemPrompt string   `yaml:"system_prompt"`
	Middleware   []string `yaml:"middleware"`
}

// CoordinatorConfig configures the coordinator agent.
type CoordinatorConfig struct {
	LLM              string `yaml:"llm"`
	PromptFile       string `yaml:"prompt_file"`
	SystemPrompt     string `yaml:"system_prompt"`
	UseDefaultPrompt *bool  `yaml:"use_default_prompt"`
}

// HotReloadConfig controls config file watching.
type HotReloadConfig struct {
	Enabled    bool     `yaml:"enabled"`
	WatchPaths []string `yaml:"watch_paths"`
	DebounceMS int      `yaml:"debounce_ms"`
}

// Config is the root of agents.yaml.
type Config struct {
	Version     string                    `yaml:"version"`
	LLM         LLMConfig                 `yaml:"llm"`
	Tools       ToolsConfig               `yaml:"tools"`
	SubAgents   map[string]SubAgentConfig `yaml:"subagents"`
	Coordinator CoordinatorConfig         `yaml:"coordinator"`
	HotReload   HotReloadConfig           `yaml:"hot_reload"`
}

// HasSubAgents reports whether any sub-agents are configured.
func (c *Config) HasSubAgents() bool { return len(c.SubAgents) > 0 }

// DefaultConfig returns the configuration used when no agents.yaml is
// found.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		LLM: LLMConfig{
			Default: LLMProfile{Model: "deepseek-chat", Temperature: 0.7},
		},
		HotReload: HotReloadConfig{DebounceMS: 1000},
	}
}

// BaseDir returns the data directory, $HOME/.data_agent by default,
// overridable with DATA_AGENT_HOME.
func BaseDir() string {
	if dir := os.Getenv("DATA_AGENT_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".data_agent"
	}
	return filepath.Join(home, ".data_agent")
}

// SessionsDir returns the directory holding per-session state.
func SessionsDir() string { return filepath.Join(BaseDir(), "sessions") }
