package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/codetutor/internal/chat"
	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/identity"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/tmaxmax/go-sse"
)

// Stream event types.
const (
	EventFragment = "fragment"
	EventDone     = "done"
	EventError    = "error"
)

// ChatRequest submits a new user message.
type ChatRequest struct {
	Message string `json:"message"`
}

// ResendRequest replaces the most recent user message and regenerates the reply.
type ResendRequest struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// FragmentEvent carries one piece of a streaming reply.
type FragmentEvent struct {
	Delta  string `json:"delta"`
	Buffer string `json:"buffer"`
}

// DoneEvent carries the appended reply and the view after it.
type DoneEvent struct {
	Message domain.Message `json:"message"`
	View    chat.ViewModel `json:"view"`
}

// turnFunc runs one controller turn.
type turnFunc func(ctx context.Context, onFragment chat.FragmentFunc) (domain.Message, error)

// Chat handles POST /api/chat. The reply streams as server-sent events;
// requests rejected before the gateway is called get a plain JSON error.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.streamTurn(w, r, c, "submit", len(req.Message), func(ctx context.Context, onFragment chat.FragmentFunc) (domain.Message, error) {
		return c.Submit(ctx, req.Message, onFragment)
	})
}

// Resend handles POST /api/chat/resend.
func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req ResendRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.streamTurn(w, r, c, "resend", len(req.Message), func(ctx context.Context, onFragment chat.FragmentFunc) (domain.Message, error) {
		return c.EditAndResend(ctx, req.Index, req.Message, onFragment)
	})
}

func (h *Handler) streamTurn(w http.ResponseWriter, r *http.Request, c *chat.Controller, kind string, messageLength int, run turnFunc) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	reqID := chiMiddleware.GetReqID(r.Context())

	s := &eventStream{w: w, r: r}
	started := time.Now()
	fragments := 0

	slog.Info("Chat turn",
		"kind", kind,
		"user_id", userID,
		"session_id", sessionID,
		"request_id", reqID,
		"model", c.Snapshot().Settings.Model,
		"message_length", messageLength,
	)

	reply, err := run(r.Context(), func(fragment, buffer string) {
		fragments++
		if sendErr := s.send(EventFragment, FragmentEvent{Delta: fragment, Buffer: buffer}); sendErr != nil {
			slog.Debug("Failed to write fragment event", "error", sendErr, "request_id", reqID)
		}
	})
	if err != nil {
		status, body := classify(err)
		if status != http.StatusBadGateway && !s.opened() {
			writeError(w, err)
			return
		}
		slog.Warn("Chat turn failed",
			"error", err,
			"user_id", userID,
			"session_id", sessionID,
			"request_id", reqID,
			"fragments", fragments,
		)
		if sendErr := s.send(EventError, body); sendErr != nil {
			slog.Debug("Failed to write error event", "error", sendErr, "request_id", reqID)
		}
		return
	}

	slog.Info("Chat turn completed",
		"kind", kind,
		"user_id", userID,
		"session_id", sessionID,
		"request_id", reqID,
		"fragments", fragments,
		"reply_length", len(reply.Content),
		"duration", time.Since(started),
	)
	if sendErr := s.send(EventDone, DoneEvent{Message: reply, View: chat.Render(c.Snapshot())}); sendErr != nil {
		slog.Warn("Failed to write done event", "error", sendErr, "request_id", reqID)
	}
}

// eventStream upgrades to server-sent events on the first send, so a turn
// rejected up front can still answer with a JSON status.
type eventStream struct {
	w       http.ResponseWriter
	r       *http.Request
	sess    *sse.Session
	failed  bool
	lastErr error
}

func (s *eventStream) opened() bool {
	return s.sess != nil || s.failed
}

func (s *eventStream) send(event string, v interface{}) error {
	if s.failed {
		return s.lastErr
	}
	if s.sess == nil {
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.Header().Set("X-Accel-Buffering", "no")
		sess, err := sse.Upgrade(s.w, s.r)
		if err != nil {
			s.failed, s.lastErr = true, err
			return err
		}
		s.sess = sess
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &sse.Message{Type: sse.Type(event)}
	msg.AppendData(string(data))
	if err := s.sess.Send(msg); err != nil {
		s.failed, s.lastErr = true, err
		return err
	}
	if err := s.sess.Flush(); err != nil {
		s.failed, s.lastErr = true, err
		return err
	}
	return nil
}
