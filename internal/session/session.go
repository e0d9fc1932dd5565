// Package session provides per-conversation isolation scopes: each
// session owns its own directories, sandbox handle, database descriptor,
// and variable store.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DBConfig describes a session's database connection. The password is
// never serialized.
type DBConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
}

// DSN returns a pgx connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// Session is the unit of isolation. Directories exist for the lifetime
// of the in-memory entry; the sandbox-available flag is monotonic.
type Session struct {
	id         string
	sessionDir string
	importDir  string
	exportDir  string
	workDir    string
	dagsterDir string

	mu                 sync.Mutex
	dbConfig           *DBConfig
	sandboxUnavailable bool
	sandboxError       string
	variables          map[string]any

	// execMu serializes sandbox/fallback code executions within the
	// session.
	execMu sync.Mutex
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Dir returns the session's root directory.
func (s *Session) Dir() string { return s.sessionDir }

// ImportDir returns the directory for user uploads.
func (s *Session) ImportDir() string { return s.importDir }

// ExportDir returns the directory for tool-produced artifacts.
func (s *Session) ExportDir() string { return s.exportDir }

// WorkspaceDir returns the tool scratch directory.
func (s *Session) WorkspaceDir() string { return s.workDir }

// DagsterDir returns the directory for generated pipeline scripts.
func (s *Session) DagsterDir() string { return s.dagsterDir }

// SandboxName derives the sandbox identifier. It is a pure function of
// the session id.
func (s *Session) SandboxName() string { return "sandbox_" + s.id }

// MarkSandboxUnavailable flips the sandbox flag. The flip is one-way;
// later calls keep the first recorded reason.
func (s *Session) MarkSandboxUnavailable(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sandboxUnavailable {
		return
	}
	s.sandboxUnavailable = true
	s.sandboxError = reason
}

// SandboxAvailable reports whether the sandbox may still be attempted.
func (s *Session) SandboxAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.sandboxUnavailable
}

// SandboxError returns the reason the sandbox was dropped, empty while
// it is still available.
func (s *Session) SandboxError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sandboxError
}

// SetDBConfig installs the session's database descriptor.
func (s *Session) SetDBConfig(cfg *DBConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbConfig = cfg
}

// DBConfig returns the session's database descriptor, nil when unset.
func (s *Session) DBConfig() *DBConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dbConfig
}

// Variables returns a copy of the session's variable store.
func (s *Session) Variables() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// UpdateVariables merges values into the variable store.
func (s *Session) UpdateVariables(vars map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range vars {
		s.variables[k] = v
	}
}

// ClearVariables empties the variable store.
func (s *Session) ClearVariables() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables = map[string]any{}
}

// LockExecution acquires the session's execution mutex. The returned
// function releases it.
func (s *Session) LockExecution() func() {
	s.execMu.Lock()
	return s.execMu.Unlock
}

// ExportPath returns the full path for an export file name.
func (s *Session) ExportPath(filename string) string {
	return filepath.Join(s.exportDir, filename)
}

// GenerateExportFilename builds a timestamped file name.
func (s *Session) GenerateExportFilename(prefix, ext string) string {
	if prefix == "" {
		prefix = "result"
	}
	if ext == "" {
		ext = "csv"
	}
	return fmt.Sprintf("%s_%s.%s", prefix, time.Now().Format("150405"), ext)
}

// ListExports returns the sorted file names in the export directory.
func (s *Session) ListExports() ([]string, error) {
	entries, err := os.ReadDir(s.exportDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// GenerateID builds a session id embedding the creation timestamp:
// session_YYYYMMDD_HHMMSS_xxxxxx.
func GenerateID(now time.Time) string {
	return fmt.Sprintf("session_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:6])
}

// ParseIDDate extracts the embedded date from a session id. The second
// return value is false for ids that do not follow the generated format.
func ParseIDDate(id string) (time.Time, bool) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 || parts[0] != "session" {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation("20060102", parts[1], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
