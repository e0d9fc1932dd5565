package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankawp/data-agent/internal/session"
)

type stubFallback struct {
	output string
	vars   map[string]any
	err    error
	calls  int
}

func (s *stubFallback) Run(context.Context, string, map[string]any) (string, map[string]any, error) {
	s.calls++
	return s.output, s.vars, s.err
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	reg := session.NewRegistry(session.RegistryConfig{BaseDir: t.TempDir()})
	sess, err := reg.Create("")
	require.NoError(t, err)
	return sess
}

func TestExecuteRemote(t *testing.T) {
	t.Parallel()

	var got execRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/execute", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(execResponse{
			Output:    "42\n",
			Variables: map[string]any{"result": float64(42), "_tmp": 1},
		})
	}))
	defer srv.Close()

	sess := newTestSession(t)
	sess.UpdateVariables(map[string]any{"seed": float64(7)})
	r := NewRunner(Config{ServerURL: srv.URL, Fallback: &stubFallback{}})

	res, err := r.Execute(context.Background(), sess, "print(seed * 6)")
	require.NoError(t, err)
	assert.Equal(t, "42\n", res.Output)
	assert.False(t, res.Fallback)
	assert.Positive(t, res.ExecutionTime)

	assert.Equal(t, sess.SandboxName(), got.Sandbox)
	assert.Equal(t, "print(seed * 6)", got.Code)
	assert.Equal(t, map[string]any{"seed": float64(7)}, got.Variables)

	// Returned variables persist into the session, private names dropped.
	vars := sess.Variables()
	assert.Equal(t, float64(42), vars["result"])
	assert.NotContains(t, vars, "_tmp")
}

func TestExecuteRemoteCodeError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(execResponse{Error: "NameError: name 'x' is not defined"})
	}))
	defer srv.Close()

	sess := newTestSession(t)
	fb := &stubFallback{}
	r := NewRunner(Config{ServerURL: srv.URL, Fallback: fb})

	res, err := r.Execute(context.Background(), sess, "print(x)")
	require.NoError(t, err, "code errors are results, not failures")
	assert.Contains(t, res.Error, "NameError")
	assert.Zero(t, fb.calls, "a reachable sandbox never falls back")
	assert.True(t, sess.SandboxAvailable())
}

func TestExecuteFallsBackWhenUnreachable(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)
	fb := &stubFallback{output: "hello\n", vars: map[string]any{"x": float64(1)}}
	// Nothing listens on this port.
	r := NewRunner(Config{ServerURL: "http://127.0.0.1:1", Fallback: fb})

	res, err := r.Execute(context.Background(), sess, "print('hello')")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, "hello\n", res.Output)
	assert.Equal(t, 1, fb.calls)
	assert.False(t, sess.SandboxAvailable(), "the first connection failure is sticky")

	// Later executions skip the sandbox entirely.
	_, err = r.Execute(context.Background(), sess, "print('again')")
	require.NoError(t, err)
	assert.Equal(t, 2, fb.calls)

	assert.Equal(t, float64(1), sess.Variables()["x"])
}

func TestExecuteNoServerConfigured(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)
	fb := &stubFallback{output: "ok"}
	r := NewRunner(Config{Fallback: fb})

	res, err := r.Execute(context.Background(), sess, "pass")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.True(t, sess.SandboxAvailable(), "no server is not a reachability failure")
}

func TestFilterVariables(t *testing.T) {
	t.Parallel()

	out := FilterVariables(map[string]any{
		"kept":    1,
		"_hidden": 2,
		"":        3,
		"fn":      func() {},
	})
	assert.Equal(t, map[string]any{"kept": 1}, out)
}

func TestLocalPython(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}

	lp := &LocalPython{}

	t.Run("variables bridge both ways", func(t *testing.T) {
		t.Parallel()
		output, vars, err := lp.Run(context.Background(),
			"total = seed * 2\nprint('total is', total)",
			map[string]any{"seed": 21})
		require.NoError(t, err)
		assert.Equal(t, "total is 42\n", output)
		assert.Equal(t, float64(42), vars["total"])
		assert.Equal(t, float64(21), vars["seed"])
	})

	t.Run("execution errors carry stderr", func(t *testing.T) {
		t.Parallel()
		_, _, err := lp.Run(context.Background(), "raise ValueError('bad input')", nil)
		require.ErrorContains(t, err, "ValueError")
	})

	t.Run("unserializable globals are dropped", func(t *testing.T) {
		t.Parallel()
		_, vars, err := lp.Run(context.Background(),
			"x = 1\nf = lambda: 1\nimport re\n", nil)
		require.NoError(t, err)
		assert.Equal(t, float64(1), vars["x"])
		assert.NotContains(t, vars, "f")
		assert.NotContains(t, vars, "re")
	})
}
