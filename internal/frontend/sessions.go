package frontend

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleSessionsList(w http.ResponseWriter, _ *http.Request) {
	ids := s.sessions.List()
	current := ""
	if cur := s.sessions.Current(); cur != nil {
		current = cur.ID()
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids, "current": current})
}

func (s *Server) handleSessionNew(w http.ResponseWriter, _ *http.Request) {
	sess, err := s.sessions.Create("")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID()})
}

func (s *Server) handleExportsList(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	names, err := sess.ListExports()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type fileInfo struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	files := make([]fileInfo, 0, len(names))
	for _, name := range names {
		info, err := os.Stat(sess.ExportPath(name))
		if err != nil {
			continue
		}
		files = append(files, fileInfo{Name: name, Size: info.Size()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": files, "session_id": sess.ID()})
}

func (s *Server) handleExportPreview(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.servePreview(w, r, sess.ExportDir(), chi.URLParam(r, "filename"))
}

func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.serveDownload(w, r, sess.ExportDir(), chi.URLParam(r, "filename"))
}

// safeJoin resolves name inside dir, rejecting path traversal.
func safeJoin(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	return filepath.Join(dir, name), nil
}

// servePreview returns the head of a CSV as rows, or basic metadata for
// non-CSV files.
func (s *Server) servePreview(w http.ResponseWriter, r *http.Request, dir, name string) {
	path, err := safeJoin(dir, name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("file not found: %s", name))
		return
	}

	maxRows := 20
	if v := r.URL.Query().Get("max_rows"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxRows = n
		}
	}

	if strings.ToLower(filepath.Ext(name)) != ".csv" {
		writeJSON(w, http.StatusOK, map[string]any{
			"name": name, "size": info.Size(), "preview": nil,
			"note": "preview available for .csv files only",
		})
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("cannot read csv: %w", err))
		return
	}
	var rows [][]string
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("cannot read csv: %w", err))
			return
		}
		rows = append(rows, record)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name": name, "size": info.Size(), "columns": header, "rows": rows,
	})
}

func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request, dir, name string) {
	path, err := safeJoin(dir, name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("file not found: %s", name))
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}
