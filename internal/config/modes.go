package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// PlanMode controls when the agent plans before executing.
type PlanMode string

const (
	PlanModeOff  PlanMode = "off"
	PlanModeOn   PlanMode = "on"
	PlanModeAuto PlanMode = "auto"
)

// PreviewLimit bounds data preview rows. "all" means unlimited.
type PreviewLimit string

const (
	PreviewLimit10  PreviewLimit = "10"
	PreviewLimit50  PreviewLimit = "50"
	PreviewLimit100 PreviewLimit = "100"
	PreviewLimitAll PreviewLimit = "all"
)

// Rows returns the row cap, or -1 for "all".
func (p PreviewLimit) Rows() int {
	switch p {
	case PreviewLimit10:
		return 10
	case PreviewLimit50:
		return 50
	case PreviewLimit100:
		return 100
	default:
		return -1
	}
}

// Modes holds the process-wide runtime toggles. Persisted as JSON;
// environment variables override the file.
type Modes struct {
	PlanMode     PlanMode     `json:"plan_mode"`
	AutoExecute  bool         `json:"auto_execute"`
	SafeMode     bool         `json:"safe_mode"`
	Verbose      bool         `json:"verbose"`
	PreviewLimit PreviewLimit `json:"preview_limit"`
	ExportMode   bool         `json:"export_mode"`
}

// DefaultModes returns the default mode values.
func DefaultModes() Modes {
	return Modes{
		PlanMode:     PlanModeOff,
		AutoExecute:  true,
		SafeMode:     true,
		Verbose:      false,
		PreviewLimit: PreviewLimit50,
		ExportMode:   false,
	}
}

// ModeDefinition describes one mode for display and validation.
type ModeDefinition struct {
	Key           string   `json:"key"`
	DisplayName   string   `json:"display_name"`
	Description   string   `json:"description"`
	AllowedValues []string `json:"allowed_values"`
	EnvKey        string   `json:"env_key"`
}

// ModeDefinitions lists all mode keys in display order.
var ModeDefinitions = []ModeDefinition{
	{Key: "plan", DisplayName: "Plan mode", Description: "off=execute directly, on=plan then confirm, auto=plan complex tasks", AllowedValues: []string{"off", "on", "auto"}, EnvKey: "DATA_AGENT_PLAN_MODE"},
	{Key: "auto", DisplayName: "Auto execute", Description: "execute tool calls without prompting", AllowedValues: []string{"on", "off"}, EnvKey: "DATA_AGENT_AUTO_EXECUTE"},
	{Key: "safe", DisplayName: "Safe mode", Description: "require confirmation for data-modifying SQL", AllowedValues: []string{"on", "off"}, EnvKey: "DATA_AGENT_SAFE_MODE"},
	{Key: "verbose", DisplayName: "Verbose", Description: "show detailed thinking output", AllowedValues: []string{"on", "off"}, EnvKey: "DATA_AGENT_VERBOSE"},
	{Key: "preview", DisplayName: "Preview rows", Description: "maximum rows shown in data previews", AllowedValues: []string{"10", "50", "100", "all"}, EnvKey: "DATA_AGENT_PREVIEW_LIMIT"},
	{Key: "export", DisplayName: "Auto export", Description: "automatically save results to files", AllowedValues: []string{"on", "off"}, EnvKey: "DATA_AGENT_EXPORT_MODE"},
}

// ModeManager owns the runtime modes. All access goes through the mutex;
// change listeners are notified outside critical sections and their
// failures are swallowed.
type ModeManager struct {
	mu        sync.Mutex
	modes     Modes
	file      string
	listeners map[string][]func(key string, old, new string)
}

// NewModeManager loads modes from file (missing or malformed files fall
// back to defaults), then applies environment overrides.
func NewModeManager(file string) *ModeManager {
	if file == "" {
		file = filepath.Join(BaseDir(), "modes.json")
	}
	m := &ModeManager{
		modes:     DefaultModes(),
		file:      file,
		listeners: map[string][]func(string, string, string){},
	}
	m.loadFromFile()
	m.loadFromEnv()
	return m
}

func (m *ModeManager) loadFromFile() {
	data, err := os.ReadFile(m.file)
	if err != nil {
		return
	}
	modes := DefaultModes()
	if err := json.Unmarshal(data, &modes); err != nil {
		return
	}
	m.modes = modes
}

func (m *ModeManager) loadFromEnv() {
	for _, def := range ModeDefinitions {
		if v, ok := os.LookupEnv(def.EnvKey); ok {
			_ = m.set(def.Key, v)
		}
	}
}

// SaveToFile persists the current modes as JSON.
func (m *ModeManager) SaveToFile() error {
	m.mu.Lock()
	modes := m.modes
	file := m.file
	m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(file), 0750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(modes, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0640)
}

// Get returns the string form of a mode value.
func (m *ModeManager) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(key)
}

func (m *ModeManager) get(key string) (string, error) {
	switch key {
	case "plan":
		return string(m.modes.PlanMode), nil
	case "auto":
		return boolValue(m.modes.AutoExecute), nil
	case "safe":
		return boolValue(m.modes.SafeMode), nil
	case "verbose":
		return boolValue(m.modes.Verbose), nil
	case "preview":
		return string(m.modes.PreviewLimit), nil
	case "export":
		return boolValue(m.modes.ExportMode), nil
	default:
		return "", fmt.Errorf("unknown mode: %s", key)
	}
}

// Set validates and applies a mode value, persists it, and notifies
// listeners.
func (m *ModeManager) Set(key, value string) error {
	m.mu.Lock()
	old, err := m.get(key)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.setLocked(key, value); err != nil {
		m.mu.Unlock()
		return err
	}
	newVal, _ := m.get(key)
	listeners := slices.Clone(m.listeners[key])
	m.mu.Unlock()

	if err := m.SaveToFile(); err != nil {
		return err
	}
	for _, fn := range listeners {
		func() {
			defer func() { _ = recover() }()
			fn(key, old, newVal)
		}()
	}
	return nil
}

// set applies without persisting or notifying (env override path).
func (m *ModeManager) set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(key, value)
}

func (m *ModeManager) setLocked(key, value string) error {
	switch key {
	case "plan":
		v := PlanMode(strings.ToLower(value))
		if v != PlanModeOff && v != PlanModeOn && v != PlanModeAuto {
			return fmt.Errorf("invalid plan mode: %s", value)
		}
		m.modes.PlanMode = v
	case "preview":
		v := PreviewLimit(value)
		if v != PreviewLimit10 && v != PreviewLimit50 && v != PreviewLimit100 && v != PreviewLimitAll {
			return fmt.Errorf("invalid preview limit: %s", value)
		}
		m.modes.PreviewLimit = v
	case "auto":
		m.modes.AutoExecute = parseBool(value)
	case "safe":
		m.modes.SafeMode = parseBool(value)
	case "verbose":
		m.modes.Verbose = parseBool(value)
	case "export":
		m.modes.ExportMode = parseBool(value)
	default:
		return fmt.Errorf("unknown mode: %s", key)
	}
	return nil
}

// Toggle flips a boolean mode and returns the new string value. Non-bool
// modes return an error.
func (m *ModeManager) Toggle(key string) (string, error) {
	cur, err := m.Get(key)
	if err != nil {
		return "", err
	}
	switch key {
	case "plan", "preview":
		return "", fmt.Errorf("mode %s is not a toggle", key)
	}
	next := "on"
	if cur == "on" {
		next = "off"
	}
	if err := m.Set(key, next); err != nil {
		return "", err
	}
	return next, nil
}

// OnChange registers a listener for a mode key.
func (m *ModeManager) OnChange(key string, fn func(key, old, new string)) {
	m.mu.Lock()
	m.listeners[key] = append(m.listeners[key], fn)
	m.mu.Unlock()
}

// Reset restores all modes to defaults and persists.
func (m *ModeManager) Reset() error {
	m.mu.Lock()
	m.modes = DefaultModes()
	m.mu.Unlock()
	return m.SaveToFile()
}

// Snapshot returns a copy of the current modes.
func (m *ModeManager) Snapshot() Modes {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modes
}

// All returns the current value of every mode keyed by mode key.
func (m *ModeManager) All() map[string]string {
	out := make(map[string]string, len(ModeDefinitions))
	for _, def := range ModeDefinitions {
		v, _ := m.Get(def.Key)
		out[def.Key] = v
	}
	return out
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "on", "true", "1", "yes":
		return true
	default:
		return false
	}
}

func boolValue(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
