package frontend

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// maxUploadBytes caps multipart uploads at 50 MiB.
const maxUploadBytes = 50 << 20

var allowedUploadExts = map[string]struct{}{
	".xlsx": {},
	".xls":  {},
	".csv":  {},
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload too large or malformed: %w", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file field is required: %w", err))
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := allowedUploadExts[ext]; !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported file type %s, allowed: .xlsx, .xls, .csv", ext))
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	sess, err := s.sessions.GetOrCreate(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	path := filepath.Join(sess.ImportDir(), name)
	dst, err := os.Create(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer dst.Close()

	size, err := io.Copy(dst, file)
	if err != nil {
		_ = os.Remove(path)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("file uploaded", "session_id", sess.ID(), "file", name, "size", size)
	writeJSON(w, http.StatusCreated, map[string]any{
		"name": name, "size": size, "session_id": sess.ID(),
	})
}

func (s *Server) handleImportsList(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	entries, err := os.ReadDir(sess.ImportDir())
	if err != nil && !os.IsNotExist(err) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type fileInfo struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	files := []fileInfo{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{Name: e.Name(), Size: info.Size()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"imports": files, "session_id": sess.ID()})
}

func (s *Server) handleImportPreview(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.servePreview(w, r, sess.ImportDir(), chi.URLParam(r, "filename"))
}

func (s *Server) handleImportDownload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.serveDownload(w, r, sess.ImportDir(), chi.URLParam(r, "filename"))
}

func (s *Server) handleImportDelete(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	name := chi.URLParam(r, "filename")
	path, err := safeJoin(sess.ImportDir(), name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, fmt.Errorf("file not found: %s", name))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": name})
}
