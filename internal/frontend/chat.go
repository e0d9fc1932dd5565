package frontend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/frankawp/data-agent/internal/agent"
)

// heartbeatInterval is the idle period between SSE comment lines.
const heartbeatInterval = 100 * time.Millisecond

type chatRequest struct {
	Message   string        `json:"message"`
	Messages  []chatMessage `json:"messages"`
	SessionID string        `json:"session_id"`
	Stream    bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// input returns the user text: the last user message of messages, or
// message.
func (c *chatRequest) input() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == "user" {
			return c.Messages[i].Content
		}
	}
	return c.Message
}

type chatToolCall struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	Result   string         `json:"result"`
}

type chatResponse struct {
	Message   chatMessage    `json:"message"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
	SessionID string         `json:"session_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	input := req.input()
	if input == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return
	}

	a, sess, err := s.agentFor(req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	before := len(a.Records())
	final, err := a.Chat(r.Context(), input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := chatResponse{
		Message:   chatMessage{Role: "assistant", Content: final},
		SessionID: sess.ID(),
	}
	for _, rec := range a.Records()[before:] {
		resp.ToolCalls = append(resp.ToolCalls, chatToolCall{
			ToolName: rec.ToolName,
			Args:     rec.Args,
			Result:   rec.Result,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream runs the turn while pumping bus events as SSE. A
// comment heartbeat goes out every ~100ms of idle so proxies keep the
// connection open.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	input := req.input()
	if input == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	a, _, err := s.agentFor(req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := a.Bus().Subscribe(r.Context())
	defer unsubscribe()

	turnDone := make(chan struct{})
	go func() {
		defer close(turnDone)
		if _, err := a.Chat(r.Context(), input); err != nil {
			s.logger.Error("chat turn failed", "error", err)
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				<-turnDone
				return
			}
			writeSSE(w, flusher, ev)
			if ev.Type == agent.EventDone {
				<-turnDone
				return
			}
			// Heartbeats mark idle time only.
			heartbeat.Reset(heartbeatInterval)
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			a.Cancel()
			<-turnDone
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev agent.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
}

func (s *Server) handleChatReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	id := req.SessionID
	if id == "" {
		if cur := s.sessions.Current(); cur != nil {
			id = cur.ID()
		}
	}
	s.dropAgent(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "session_id": id})
}

func (s *Server) handleChatSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}
