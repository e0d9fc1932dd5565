package tools

import (
	"log/slog"

	"github.com/go-viper/mapstructure/v2"

	"github.com/frankawp/data-agent/internal/config"
	"github.com/frankawp/data-agent/internal/sandbox"
	"github.com/frankawp/data-agent/internal/session"
)

// Deps carries the collaborators builtin tools need. SessionFor resolves
// the session an invocation runs under; tools must not rely on a global
// current-session pointer.
type Deps struct {
	SessionFor func() *session.Session
	Sandbox    *sandbox.Runner
	Modes      *config.ModeManager
	Logger     *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// RegisterBuiltins registers every builtin tool group.
func RegisterBuiltins(r *Registry, deps Deps) {
	registerSQLTools(r, deps)
	registerPythonTools(r, deps)
	registerDataTools(r, deps)
	registerMLTools(r, deps)
	registerGraphTools(r, deps)
	registerDagsterTools(r, deps)
}

// decodeArgs maps loosely-typed tool arguments onto a typed struct.
func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(args)
}
