// Package frontend serves the HTTP, SSE, and WebSocket interfaces over
// the agent runtime.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/frankawp/data-agent/internal/agent"
	"github.com/frankawp/data-agent/internal/config"
	"github.com/frankawp/data-agent/internal/session"
)

// AgentFactory builds the agent runtime for one session.
type AgentFactory func(sess *session.Session) *agent.Agent

// Config wires a Server.
type Config struct {
	Host     string
	Port     int
	Sessions *session.Registry
	Modes    *config.ModeManager
	Loader   *config.Loader
	NewAgent AgentFactory
	Logger   *slog.Logger
}

// Server is the HTTP frontend. It keeps one agent per session id;
// /api/chat/reset drops the in-memory agent for a session.
type Server struct {
	host     string
	port     int
	sessions *session.Registry
	modes    *config.ModeManager
	loader   *config.Loader
	newAgent AgentFactory
	logger   *slog.Logger
	router   chi.Router

	mu     sync.Mutex
	agents map[string]*agent.Agent
}

// New creates a Server with all routes mounted.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		host:     cfg.Host,
		port:     cfg.Port,
		sessions: cfg.Sessions,
		modes:    cfg.Modes,
		loader:   cfg.Loader,
		newAgent: cfg.NewAgent,
		logger:   logger,
		agents:   map[string]*agent.Agent{},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
		r.Post("/chat/reset", s.handleChatReset)
		r.Get("/chat/sessions", s.handleChatSessions)

		r.Route("/modes", func(r chi.Router) {
			r.Get("/", s.handleModesList)
			r.Post("/reset", s.handleModesReset)
			r.Get("/{key}", s.handleModeGet)
			r.Post("/{key}", s.handleModeSet)
			r.Post("/{key}/toggle", s.handleModeToggle)
		})

		r.Route("/database", func(r chi.Router) {
			r.Get("/tables", s.handleDBTables)
			r.Get("/tables/{name}", s.handleDBTable)
			r.Get("/config", s.handleDBConfigGet)
			r.Post("/config", s.handleDBConfigSet)
			r.Delete("/config", s.handleDBConfigDelete)
			r.Post("/test", s.handleDBTest)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleSessionsList)
			r.Post("/new", s.handleSessionNew)
			r.Get("/exports", s.handleExportsList)
			r.Get("/exports/{filename}/preview", s.handleExportPreview)
			r.Get("/exports/{filename}/download", s.handleExportDownload)
		})

		r.Route("/files", func(r chi.Router) {
			r.Post("/upload", s.handleFileUpload)
			r.Get("/imports", s.handleImportsList)
			r.Get("/imports/{filename}/preview", s.handleImportPreview)
			r.Get("/imports/{filename}/download", s.handleImportDownload)
			r.Delete("/imports/{filename}", s.handleImportDelete)
		})
	})

	r.Get("/ws/chat", s.handleWebSocket)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelFn()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// agentFor returns the session's agent, creating both on first use.
func (s *Server) agentFor(sessionID string) (*agent.Agent, *session.Session, error) {
	sess, err := s.sessions.GetOrCreate(sessionID)
	if err != nil {
		return nil, nil, err
	}
	// Builtin tools resolve their session through the current pointer.
	s.sessions.SetCurrent(sess)

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[sess.ID()]
	if !ok {
		a = s.newAgent(sess)
		s.agents[sess.ID()] = a
	}
	return a, sess, nil
}

// dropAgent forgets the in-memory agent for a session.
func (s *Server) dropAgent(sessionID string) {
	s.mu.Lock()
	delete(s.agents, sessionID)
	s.mu.Unlock()
}

// sessionFromQuery resolves ?session_id=, falling back to the current
// session.
func (s *Server) sessionFromQuery(r *http.Request) (*session.Session, error) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		if cur := s.sessions.Current(); cur != nil {
			return cur, nil
		}
		return s.sessions.Create("")
	}
	return s.sessions.GetOrCreate(id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
