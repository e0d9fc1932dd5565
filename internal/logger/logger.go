// Package logger configures the process-wide slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// Config controls logger construction.
type Config struct {
	// Debug enables debug-level logging.
	Debug bool
	// Quiet suppresses console output (file output, if any, is kept).
	Quiet bool
	// File is an optional log file path. The parent directory is created.
	File string
	// JSON switches the console handler to JSON output.
	JSON bool
}

// New builds a logger according to cfg. It never fails; if the log file
// cannot be opened the error is reported on stderr and console-only
// logging is used.
func New(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if !cfg.Quiet {
		var out io.Writer = os.Stderr
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0750); err == nil {
			f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				handlers = append(handlers, slog.NewJSONHandler(f, opts))
			} else {
				slog.Error("failed to open log file", "path", cfg.File, "error", err)
			}
		}
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, opts))
	case 1:
		return slog.New(handlers[0])
	default:
		return slog.New(slogmulti.Fanout(handlers...))
	}
}
