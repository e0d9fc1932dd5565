package frontend

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/frankawp/data-agent/internal/agent"
)

// wsClientFrame is any inbound WebSocket message.
type wsClientFrame struct {
	Type       string         `json:"type"`
	Content    string         `json:"content,omitempty"`
	Decision   string         `json:"decision,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	EditedArgs map[string]any `json:"edited_args,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	a, sess, err := s.agentFor(r.URL.Query().Get("session_id"))
	if err != nil {
		_ = wsjson.Write(r.Context(), conn, agent.Event{Type: agent.EventError, Error: err.Error()})
		return
	}
	logger := s.logger.With("session_id", sess.ID())

	ctx, cancelFn := context.WithCancel(r.Context())
	defer cancelFn()

	// Event pump: bus -> socket.
	events, unsubscribe := a.Bus().Subscribe(ctx)
	defer unsubscribe()
	go func() {
		for ev := range events {
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				cancelFn()
				return
			}
		}
	}()

	// Feedback lines accumulate until the next user message.
	var feedbackMu sync.Mutex
	var feedback []string

	for {
		var frame wsClientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.Warn("websocket read failed", "error", err)
			}
			a.Cancel()
			return
		}

		switch frame.Type {
		case "user_message":
			if a.Busy() {
				_ = wsjson.Write(ctx, conn, agent.Event{
					Type:  agent.EventError,
					Error: "a turn is already in progress",
				})
				continue
			}
			input := frame.Content
			feedbackMu.Lock()
			if len(feedback) > 0 {
				input = "[user feedback]\n" + strings.Join(feedback, "\n") + "\n\n" + input
				feedback = nil
			}
			feedbackMu.Unlock()

			go func(input string) {
				if _, err := a.Chat(ctx, input); err != nil {
					logger.Error("chat turn failed", "error", err)
				}
			}(input)

		case "feedback":
			feedbackMu.Lock()
			feedback = append(feedback, frame.Content)
			feedbackMu.Unlock()
			_ = wsjson.Write(ctx, conn, agent.Event{
				Type:    agent.EventFeedbackAck,
				Message: "feedback recorded, it will be included in the next turn",
			})

		case "decision":
			ok := a.Gate().Resolve(agent.Decision{
				ToolCallID: frame.ToolCallID,
				Decision:   frame.Decision,
				EditedArgs: frame.EditedArgs,
			})
			if !ok {
				_ = wsjson.Write(ctx, conn, agent.Event{
					Type:  agent.EventError,
					Error: "no pending confirmation for tool_call_id " + frame.ToolCallID,
				})
			}

		case "cancel":
			a.Cancel()

		default:
			_ = wsjson.Write(ctx, conn, agent.Event{
				Type:  agent.EventError,
				Error: "unknown frame type: " + frame.Type,
			})
		}
	}
}
