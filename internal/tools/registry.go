package tools

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/frankawp/data-agent/internal/config"
)

// Group names for builtin tools.
const (
	GroupSQL     = "sql"
	GroupPython  = "python"
	GroupML      = "ml"
	GroupGraph   = "graph"
	GroupDagster = "dagster"
)

// Registry is the process-wide tool table. Writes are guarded; reads
// after ApplyConfig are expected to dominate.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	aliases  map[string]string
	groups   map[string][]string
	disabled map[string]struct{}
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    map[string]Tool{},
		aliases:  map[string]string{},
		groups:   map[string][]string{},
		disabled: map[string]struct{}{},
		logger:   logger,
	}
}

// Register adds a tool under the given group. Re-registration replaces
// the previous tool of the same name.
func (r *Registry) Register(group string, t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.groups[group] = append(r.groups[group], name)
	}
	r.tools[name] = t
}

// Alias maps an alternative name to a registered tool.
func (r *Registry) Alias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = target
}

// Get resolves a name or alias. Disabled tools resolve to not-found.
func (r *Registry) Get(nameOrAlias string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name := nameOrAlias
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	if _, off := r.disabled[name]; off {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// GetGroup returns the enabled tools of a group, in registration order.
func (r *Registry) GetGroup(group string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, name := range r.groups[group] {
		if _, off := r.disabled[name]; off {
			continue
		}
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// List returns the names of all enabled tools, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if _, off := r.disabled[name]; off {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Disable hides a tool from lookups.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[name] = struct{}{}
}

// Enable reverses Disable.
func (r *Registry) Enable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, name)
}

// disableGroup hides every tool in a group.
func (r *Registry) setGroupEnabled(group string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.groups[group] {
		if enabled {
			delete(r.disabled, name)
		} else {
			r.disabled[name] = struct{}{}
		}
	}
}

// ApplyConfig enables/disables groups wholesale, then layers per-tool
// overrides and alias additions. External module entries are logged and
// skipped: tools are linked at build time here, there is no dynamic
// import.
func (r *Registry) ApplyConfig(cfg config.ToolsConfig) {
	groupToggles := map[string]*bool{
		GroupSQL:     cfg.Builtin.SQLTools,
		GroupPython:  cfg.Builtin.PythonTools,
		GroupML:      cfg.Builtin.MLTools,
		GroupGraph:   cfg.Builtin.GraphTools,
		GroupDagster: cfg.Builtin.DagsterTools,
	}
	for group, toggle := range groupToggles {
		if toggle != nil {
			r.setGroupEnabled(group, *toggle)
		}
	}

	for _, name := range cfg.Disabled {
		r.Disable(name)
	}
	for _, name := range cfg.Enabled {
		r.Enable(name)
	}
	for alias, target := range cfg.Aliases {
		r.Alias(alias, target)
	}
	for _, ext := range cfg.External {
		r.logger.Warn("external tool modules are not supported; skipping",
			"module", ext.Module, "tools", ext.Tools)
	}
}
