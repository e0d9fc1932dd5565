package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// EnvConfigPath names the environment variable that points at the
// configuration file.
const EnvConfigPath = "DATA_AGENT_CONFIG"

// envVarRe matches ${VAR} and ${VAR:default}.
var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// Loader reads agents.yaml, expands environment references, and notifies
// registered callbacks on reload.
type Loader struct {
	mu         sync.RWMutex
	cfg        *Config
	configPath string
	callbacks  []func(*Config)
	logger     *slog.Logger
}

// NewLoader creates a Loader. Pass an empty path to use discovery
// (EnvConfigPath, then ./agents.yaml, then <base>/agents.yaml).
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{configPath: path, logger: logger}
}

// Load reads and parses the configuration. A missing file is not an
// error; defaults are used. A present but malformed file is a
// ConfigError.
func (l *Loader) Load() (*Config, error) {
	// .env is best-effort; absence is the normal case.
	_ = godotenv.Load()

	path := l.findConfigFile()
	if path == "" {
		l.setConfig(DefaultConfig(), "")
		return l.Config(), nil
	}

	cfg, err := l.parseFile(path)
	if err != nil {
		return nil, err
	}
	l.setConfig(cfg, path)
	return cfg, nil
}

// Reload re-reads the configuration and notifies callbacks. Errors leave
// the previous configuration in place.
func (l *Loader) Reload() (*Config, error) {
	path := l.ConfigPath()
	if path == "" {
		path = l.findConfigFile()
	}
	if path == "" {
		return l.Config(), nil
	}
	cfg, err := l.parseFile(path)
	if err != nil {
		return nil, err
	}
	l.setConfig(cfg, path)
	l.notify(cfg)
	return cfg, nil
}

func (l *Loader) parseFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := ExpandEnv(string(raw))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.HotReload.DebounceMS < 100 {
		cfg.HotReload.DebounceMS = 1000
	}
	if err := l.loadPromptFiles(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPromptFiles resolves prompt_file entries into SystemPrompt fields.
// A missing file is a hard error since the agent would silently run with
// no instructions otherwise.
func (l *Loader) loadPromptFiles(cfg *Config, baseDir string) error {
	readPrompt := func(file string) (string, error) {
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("config: prompt file %s: %w", file, err)
		}
		return string(data), nil
	}

	if cfg.Coordinator.PromptFile != "" && cfg.Coordinator.SystemPrompt == "" {
		prompt, err := readPrompt(cfg.Coordinator.PromptFile)
		if err != nil {
			return err
		}
		cfg.Coordinator.SystemPrompt = prompt
	}
	for name, sub := range cfg.SubAgents {
		if sub.PromptFile != "" && sub.SystemPrompt == "" {
			prompt, err := readPrompt(sub.PromptFile)
			if err != nil {
				return err
			}
			sub.SystemPrompt = prompt
			cfg.SubAgents[name] = sub
		}
	}
	return nil
}

func (l *Loader) findConfigFile() string {
	if env := os.Getenv(EnvConfigPath); env != "" {
		if _, err := os.Stat(env); err == nil {
			return env
		}
		l.logger.Warn("config path from environment does not exist", "path", env)
	}
	candidates := []string{
		"agents.yaml",
		"agents.yml",
		filepath.Join(BaseDir(), "agents.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func (l *Loader) setConfig(cfg *Config, path string) {
	l.mu.Lock()
	l.cfg = cfg
	l.configPath = path
	l.mu.Unlock()
}

// Config returns the current configuration, loading defaults if Load was
// never called.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.cfg == nil {
		return DefaultConfig()
	}
	return l.cfg
}

// ConfigPath returns the path of the loaded file, empty when defaults
// are in use.
func (l *Loader) ConfigPath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.configPath
}

// OnReload registers a callback invoked after each successful Reload.
// Callback panics are swallowed.
func (l *Loader) OnReload(fn func(*Config)) {
	l.mu.Lock()
	l.callbacks = append(l.callbacks, fn)
	l.mu.Unlock()
}

func (l *Loader) notify(cfg *Config) {
	l.mu.RLock()
	callbacks := slices.Clone(l.callbacks)
	l.mu.RUnlock()
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Warn("config reload callback panicked", "panic", r)
				}
			}()
			fn(cfg)
		}()
	}
}

// ExpandEnv substitutes ${VAR} and ${VAR:default} references. Unset
// variables without a default expand to the empty string.
func ExpandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarRe.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[2]
	})
}
