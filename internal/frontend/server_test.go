package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankawp/data-agent/internal/agent"
	"github.com/frankawp/data-agent/internal/config"
	"github.com/frankawp/data-agent/internal/llm"
	"github.com/frankawp/data-agent/internal/session"
	"github.com/frankawp/data-agent/internal/tools"
)

// scriptedProvider replays responses in order, then answers with text.
type scriptedProvider struct {
	responses []llm.ChatResponse
}

func (p *scriptedProvider) Chat(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	if len(p.responses) == 0 {
		return &llm.ChatResponse{Content: "done"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return &resp, nil
}

// slowProvider answers after a fixed delay, to exercise idle handling.
type slowProvider struct {
	delay    time.Duration
	response llm.ChatResponse
}

func (p *slowProvider) Chat(ctx context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	resp := p.response
	return &resp, nil
}

type serverFixture struct {
	server   *Server
	sessions *session.Registry
	modes    *config.ModeManager
}

func newServerFixture(t *testing.T, provider llm.Provider) *serverFixture {
	t.Helper()
	sessions := session.NewRegistry(session.RegistryConfig{BaseDir: t.TempDir()})
	modes := config.NewModeManager(filepath.Join(t.TempDir(), "modes.json"))
	registry := tools.NewRegistry(nil)
	registry.Register("test", &tools.Func{
		ToolName: "row_count",
		Desc:     "count rows",
		Fn: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"rows": 42}, nil
		},
	})

	srv := New(Config{
		Host:     "127.0.0.1",
		Port:     0,
		Sessions: sessions,
		Modes:    modes,
		NewAgent: func(*session.Session) *agent.Agent {
			return agent.New(agent.Config{
				Provider: provider,
				Profile:  config.LLMProfile{Model: "test-model"},
				Registry: registry,
				Sessions: sessions,
				Modes:    modes,
				Bus:      agent.NewBus(nil),
			})
		},
	})
	return &serverFixture{server: srv, sessions: sessions, modes: modes}
}

func (fx *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t, &scriptedProvider{})

	rec := fx.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeJSON(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestChatEndpoint(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{
			ID:       "call-1",
			Function: llm.FunctionCall{Name: "row_count", Arguments: `{"table": "orders"}`},
		}}},
		{Content: "orders has 42 rows"},
	}}
	fx := newServerFixture(t, provider)

	rec := fx.do(t, http.MethodPost, "/api/chat", map[string]any{"message": "how big is orders?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body chatResponse
	decodeJSON(t, rec, &body)
	assert.Equal(t, "assistant", body.Message.Role)
	assert.Equal(t, "orders has 42 rows", body.Message.Content)
	require.Len(t, body.ToolCalls, 1)
	assert.Equal(t, "row_count", body.ToolCalls[0].ToolName)
	assert.NotEmpty(t, body.SessionID)

	// The same session id reuses the in-memory agent.
	rec = fx.do(t, http.MethodPost, "/api/chat", map[string]any{
		"message": "thanks", "session_id": body.SessionID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var second chatResponse
	decodeJSON(t, rec, &second)
	assert.Equal(t, body.SessionID, second.SessionID)
}

func TestChatMessagesArrayForm(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t, &scriptedProvider{responses: []llm.ChatResponse{{Content: "hi there"}}})

	rec := fx.do(t, http.MethodPost, "/api/chat", map[string]any{
		"messages": []map[string]string{
			{"role": "assistant", "content": "earlier answer"},
			{"role": "user", "content": "latest question"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body chatResponse
	decodeJSON(t, rec, &body)
	assert.Equal(t, "hi there", body.Message.Content)
}

func TestChatRequiresMessage(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t, &scriptedProvider{})

	rec := fx.do(t, http.MethodPost, "/api/chat", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("not json"))
	rec = httptest.NewRecorder()
	fx.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatStream(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t, &scriptedProvider{responses: []llm.ChatResponse{{Content: "streamed answer"}}})

	rec := fx.do(t, http.MethodPost, "/api/chat/stream", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: message\n")
	assert.Contains(t, body, "streamed answer")
	assert.Contains(t, body, "event: done\n")
}

func TestChatStreamHeartbeatWhileIdle(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t, &slowProvider{
		delay:    3 * heartbeatInterval,
		response: llm.ChatResponse{Content: "slow answer"},
	})

	rec := fx.do(t, http.MethodPost, "/api/chat/stream", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, ": heartbeat\n", "idle time produces comment heartbeats")
	assert.Less(t, strings.Index(body, ": heartbeat"), strings.Index(body, "event: message"),
		"the heartbeat covers the wait for the model")
	assert.Contains(t, body, "slow answer")
}

func TestChatReset(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t, &scriptedProvider{})

	rec := fx.do(t, http.MethodPost, "/api/chat", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body chatResponse
	decodeJSON(t, rec, &body)

	rec = fx.do(t, http.MethodGet, "/api/chat/sessions", nil)
	var active struct {
		Sessions []string `json:"sessions"`
	}
	decodeJSON(t, rec, &active)
	require.Contains(t, active.Sessions, body.SessionID)

	rec = fx.do(t, http.MethodPost, "/api/chat/reset", map[string]any{"session_id": body.SessionID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/chat/sessions", nil)
	decodeJSON(t, rec, &active)
	assert.NotContains(t, active.Sessions, body.SessionID)
}

func TestModesEndpoints(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t, &scriptedProvider{})

	rec := fx.do(t, http.MethodGet, "/api/modes/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Modes map[string]string `json:"modes"`
	}
	decodeJSON(t, rec, &list)
	assert.Equal(t, "off", list.Modes["plan"])
	assert.Equal(t, "on", list.Modes["safe"])

	rec = fx.do(t, http.MethodPost, "/api/modes/plan", map[string]string{"value": "auto"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, config.PlanModeAuto, fx.modes.Snapshot().PlanMode)

	rec = fx.do(t, http.MethodPost, "/api/modes/plan", map[string]string{"value": "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/modes/verbose", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var kv map[string]string
	decodeJSON(t, rec, &kv)
	assert.Equal(t, "off", kv["value"])

	rec = fx.do(t, http.MethodGet, "/api/modes/nonsense", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/modes/safe/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, fx.modes.Snapshot().SafeMode)

	// Plan mode is tri-state, not a toggle.
	rec = fx.do(t, http.MethodPost, "/api/modes/plan/toggle", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/modes/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fx.modes.Snapshot().SafeMode)
	assert.Equal(t, config.PlanModeOff, fx.modes.Snapshot().PlanMode)
}

func TestSessionEndpoints(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t, &scriptedProvider{})

	rec := fx.do(t, http.MethodPost, "/api/sessions/new", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	decodeJSON(t, rec, &created)
	id := created["session_id"]
	require.NotEmpty(t, id)

	rec = fx.do(t, http.MethodGet, "/api/sessions/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []string `json:"sessions"`
		Current  string   `json:"current"`
	}
	decodeJSON(t, rec, &list)
	assert.Contains(t, list.Sessions, id)
	assert.Equal(t, id, list.Current)
}

func TestExportPreviewAndDownload(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t, &scriptedProvider{})

	sess, err := fx.sessions.Create("")
	require.NoError(t, err)
	csvPath := sess.ExportPath("result.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("name,rows\norders,42\ncustomers,7\nitems,9\n"), 0640))

	rec := fx.do(t, http.MethodGet, "/api/sessions/exports?session_id="+sess.ID(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Exports []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"exports"`
	}
	decodeJSON(t, rec, &list)
	require.Len(t, list.Exports, 1)
	assert.Equal(t, "result.csv", list.Exports[0].Name)
	assert.Positive(t, list.Exports[0].Size)

	rec = fx.do(t, http.MethodGet,
		fmt.Sprintf("/api/sessions/exports/result.csv/preview?session_id=%s&max_rows=2", sess.ID()), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var preview struct {
		Columns []string   `json:"columns"`
		Rows    [][]string `json:"rows"`
	}
	decodeJSON(t, rec, &preview)
	assert.Equal(t, []string{"name", "rows"}, preview.Columns)
	require.Len(t, preview.Rows, 2, "max_rows caps the preview")
	assert.Equal(t, []string{"orders", "42"}, preview.Rows[0])

	rec = fx.do(t, http.MethodGet, "/api/sessions/exports/result.csv/download?session_id="+sess.ID(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `"result.csv"`)
	assert.Contains(t, rec.Body.String(), "orders,42")

	rec = fx.do(t, http.MethodGet, "/api/sessions/exports/missing.csv/preview?session_id="+sess.ID(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Dotfiles are rejected before hitting the filesystem.
	rec = fx.do(t, http.MethodGet, "/api/sessions/exports/.hidden/preview?session_id="+sess.ID(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSafeJoin(t *testing.T) {
	t.Parallel()

	_, err := safeJoin("/data", "../etc/passwd")
	assert.Error(t, err)
	_, err = safeJoin("/data", ".env")
	assert.Error(t, err)
	_, err = safeJoin("/data", "")
	assert.Error(t, err)

	path, err := safeJoin("/data", "report.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "report.csv"), path)
}

func multipartUpload(t *testing.T, field, filename string, content []byte, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	for k, v := range extra {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestFileUploadAndImports(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t, &scriptedProvider{})

	sess, err := fx.sessions.Create("")
	require.NoError(t, err)

	body, contentType := multipartUpload(t, "file", "sales.csv",
		[]byte("region,total\nnorth,10\n"), map[string]string{"session_id": sess.ID()})
	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fx.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var uploaded map[string]any
	decodeJSON(t, rec, &uploaded)
	assert.Equal(t, "sales.csv", uploaded["name"])
	assert.Equal(t, sess.ID(), uploaded["session_id"])

	_, err = os.Stat(filepath.Join(sess.ImportDir(), "sales.csv"))
	require.NoError(t, err)

	rec = fx.do(t, http.MethodGet, "/api/files/imports?session_id="+sess.ID(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var imports struct {
		Imports []struct {
			Name string `json:"name"`
		} `json:"imports"`
	}
	decodeJSON(t, rec, &imports)
	require.Len(t, imports.Imports, 1)
	assert.Equal(t, "sales.csv", imports.Imports[0].Name)

	rec = fx.do(t, http.MethodDelete, "/api/files/imports/sales.csv?session_id="+sess.ID(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = os.Stat(filepath.Join(sess.ImportDir(), "sales.csv"))
	assert.True(t, os.IsNotExist(err))

	rec = fx.do(t, http.MethodDelete, "/api/files/imports/sales.csv?session_id="+sess.ID(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFileUploadRejectsUnsupportedType(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t, &scriptedProvider{})

	body, contentType := multipartUpload(t, "file", "script.sh", []byte("#!/bin/sh\n"), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fx.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported file type")
}
