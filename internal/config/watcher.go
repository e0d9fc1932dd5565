package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers Loader.Reload when watched files change. Events are
// debounced so editors that write multiple times per save trigger a
// single reload.
type Watcher struct {
	loader   *Loader
	logger   *slog.Logger
	paths    []string
	debounce time.Duration
}

// NewWatcher builds a watcher from the hot_reload section. Returns nil
// when hot reload is disabled.
func NewWatcher(loader *Loader, logger *slog.Logger) *Watcher {
	cfg := loader.Config().HotReload
	if !cfg.Enabled {
		return nil
	}
	paths := cfg.WatchPaths
	if len(paths) == 0 && loader.ConfigPath() != "" {
		paths = []string{loader.ConfigPath()}
	}
	if len(paths) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		loader:   loader,
		logger:   logger,
		paths:    paths,
		debounce: time.Duration(cfg.DebounceMS) * time.Millisecond,
	}
}

// Run watches until ctx is done. Watch setup failure is returned;
// reload failures are logged and watching continues.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	for _, p := range w.paths {
		if err := fw.Add(p); err != nil {
			w.logger.Warn("cannot watch path", "path", p, "error", err)
		}
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := w.loader.Reload(); err != nil {
				w.logger.Error("config reload failed", "error", err)
			} else {
				w.logger.Info("configuration reloaded", "path", w.loader.ConfigPath())
			}
		}
	}
}
