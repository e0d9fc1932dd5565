package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultRetention is how long reaped-on-create session directories are
// kept on disk.
const DefaultRetention = 7 * 24 * time.Hour

// ErrInitFailed wraps filesystem failures during session creation.
type ErrInitFailed struct {
	ID  string
	Err error
}

func (e *ErrInitFailed) Error() string {
	return fmt.Sprintf("session init failed for %s: %v", e.ID, e.Err)
}

func (e *ErrInitFailed) Unwrap() error { return e.Err }

// Registry creates, looks up, and reaps sessions. It is safe for
// concurrent use.
type Registry struct {
	baseDir   string
	retention time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	current  *Session
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// BaseDir is the directory holding session directories.
	BaseDir string
	// Retention overrides DefaultRetention when positive.
	Retention time.Duration
	Logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		baseDir:   cfg.BaseDir,
		retention: retention,
		logger:    logger,
		sessions:  map[string]*Session{},
	}
}

// Create builds a session, creates its directories, reaps expired
// sibling directories, registers it, and makes it current. Pass an empty
// id to generate one.
func (r *Registry) Create(id string) (*Session, error) {
	if id == "" {
		id = GenerateID(time.Now())
	}

	dir := filepath.Join(r.baseDir, id)
	s := &Session{
		id:         id,
		sessionDir: dir,
		importDir:  filepath.Join(dir, "imports"),
		exportDir:  filepath.Join(dir, "exports"),
		workDir:    filepath.Join(dir, "workspace"),
		dagsterDir: filepath.Join(dir, "dagster"),
		variables:  map[string]any{},
	}
	for _, d := range []string{s.importDir, s.exportDir, s.workDir, s.dagsterDir} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, &ErrInitFailed{ID: id, Err: err}
		}
	}

	r.reapExpired(id)

	r.mu.Lock()
	r.sessions[id] = s
	r.current = s
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", id)
	return s, nil
}

// reapExpired removes sibling session directories whose embedded date is
// older than the retention window. Failures are logged, never raised.
func (r *Registry) reapExpired(currentID string) {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-r.retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == currentID {
			continue
		}
		ts, ok := ParseIDDate(entry.Name())
		if !ok {
			r.logger.Warn("cannot parse session directory name", "name", entry.Name())
			continue
		}
		if !ts.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.baseDir, entry.Name())); err != nil {
			r.logger.Warn("failed to remove expired session", "name", entry.Name(), "error", err)
			continue
		}
		removed++
		r.logger.Debug("removed expired session", "name", entry.Name())
	}
	if removed > 0 {
		r.logger.Info("reaped expired sessions", "count", removed)
	}
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the session with the given id, creating it if
// unknown. An empty id creates a fresh session.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	if id != "" {
		if s, ok := r.Get(id); ok {
			return s, nil
		}
	}
	return r.Create(id)
}

// Current returns the process-wide current session. Call sites wanting
// isolation should pass sessions explicitly instead.
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SetCurrent mutates the current-session pointer.
func (r *Registry) SetCurrent(s *Session) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
}

// List returns the ids of all registered sessions.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Cleanup removes the session's directory and drops the in-memory entry.
func (r *Registry) Cleanup(s *Session) error {
	err := os.RemoveAll(s.Dir())

	r.mu.Lock()
	delete(r.sessions, s.ID())
	if r.current == s {
		r.current = nil
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.logger.Info("session cleaned up", "session_id", s.ID())
	return nil
}
