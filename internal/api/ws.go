package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/codetutor/internal/chat"
	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/identity"
	"github.com/coder/websocket"
)

// wsMessage is a client frame on /ws/chat.
type wsMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Index   int    `json:"index,omitempty"`
}

// wsEvent is a server frame on /ws/chat.
type wsEvent struct {
	Type    string          `json:"type"`
	Delta   string          `json:"delta,omitempty"`
	Buffer  string          `json:"buffer,omitempty"`
	Message *domain.Message `json:"message,omitempty"`
	View    *chat.ViewModel `json:"view,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// ServeWS streams chat turns over a websocket. Turns on one connection run
// one at a time, in the order they arrive.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	c, ok := h.controller(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	ws.SetReadLimit(maxBodySize)

	ctx := r.Context()
	slog.Info("Chat websocket connected", "user_id", userID, "session_id", sessionID)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := writeJSON(ctx, ws, wsEvent{Type: EventError, Error: "invalid message", Code: CodeInvalidRequest}); err != nil {
				return
			}
			continue
		}

		if err := h.dispatchWS(ctx, ws, c, userID, msg); err != nil {
			slog.Debug("WebSocket write failed", "error", err, "user_id", userID)
			return
		}
	}
}

func (h *Handler) dispatchWS(ctx context.Context, ws *websocket.Conn, c *chat.Controller, userID string, msg wsMessage) error {
	if msg.Type == "ping" {
		return writeJSON(ctx, ws, wsEvent{Type: "pong"})
	}

	if msg.Type != "submit" && msg.Type != "resend" {
		return writeJSON(ctx, ws, wsEvent{Type: EventError, Error: "unknown message type " + msg.Type, Code: CodeInvalidRequest})
	}

	if h.limiter != nil && !h.limiter.Allow(userID) {
		return writeJSON(ctx, ws, wsEvent{Type: EventError, Error: "rate limit exceeded", Code: "rate_limited"})
	}

	var writeErr error
	onFragment := func(fragment, buffer string) {
		if writeErr != nil {
			return
		}
		writeErr = writeJSON(ctx, ws, wsEvent{Type: EventFragment, Delta: fragment, Buffer: buffer})
	}

	var reply domain.Message
	var err error
	if msg.Type == "submit" {
		reply, err = c.Submit(ctx, msg.Message, onFragment)
	} else {
		reply, err = c.EditAndResend(ctx, msg.Index, msg.Message, onFragment)
	}
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		_, body := classify(err)
		return writeJSON(ctx, ws, wsEvent{Type: EventError, Error: body.Error, Code: body.Code})
	}

	view := chat.Render(c.Snapshot())
	return writeJSON(ctx, ws, wsEvent{Type: EventDone, Message: &reply, View: &view})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg == nil || h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.FrontendURL == "*" {
		return true
	}
	if origin == h.cfg.FrontendURL {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.FrontendURL)
	return false
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
