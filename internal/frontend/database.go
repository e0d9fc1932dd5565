package frontend

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/frankawp/data-agent/internal/session"
	"github.com/frankawp/data-agent/internal/tools"
)

func (s *Server) handleDBTables(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	conn, err := tools.SessionDB(r.Context(), sess)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer func() { _ = conn.Close(r.Context()) }()

	rows, err := conn.Query(r.Context(), `SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' ORDER BY table_name`)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": names})
}

func (s *Server) handleDBTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	conn, err := tools.SessionDB(r.Context(), sess)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer func() { _ = conn.Close(r.Context()) }()

	rows, err := conn.Query(r.Context(), `SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer rows.Close()

	type column struct {
		Name     string `json:"name"`
		DataType string `json:"data_type"`
		Nullable string `json:"nullable"`
	}
	var columns []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(columns) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("table not found: %s", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"table": name, "columns": columns})
}

type dbConfigRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

func (s *Server) handleDBConfigSet(w http.ResponseWriter, r *http.Request) {
	var req dbConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Host == "" || req.Database == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("host and database are required"))
		return
	}
	if req.Port == 0 {
		req.Port = 5432
	}
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sess.SetDBConfig(&session.DBConfig{
		Host:     req.Host,
		Port:     req.Port,
		User:     req.User,
		Password: req.Password,
		Database: req.Database,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "configured", "session_id": sess.ID()})
}

func (s *Server) handleDBConfigGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	cfg := sess.DBConfig()
	if cfg == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no database configured"))
		return
	}
	// DBConfig's password field is excluded from serialization.
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDBConfigDelete(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sess.SetDBConfig(nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDBTest(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	conn, err := tools.SessionDB(r.Context(), sess)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	defer func() { _ = conn.Close(r.Context()) }()
	if err := conn.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
