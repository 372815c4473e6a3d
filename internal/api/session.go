package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/codetutor/internal/chat"
	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/identity"
)

// ConfigResponse describes what the sidebar can offer.
type ConfigResponse struct {
	Backend           string         `json:"backend"`
	Models            []string       `json:"models"`
	Languages         []string       `json:"languages"`
	Levels            []domain.Level `json:"levels"`
	SessionTTLSeconds int64          `json:"session_ttl_seconds"`
}

// SettingsRequest updates any subset of the sidebar settings.
type SettingsRequest struct {
	APIKey *string       `json:"api_key,omitempty"`
	Model  *string       `json:"model,omitempty"`
	Level  *domain.Level `json:"level,omitempty"`
}

// LanguageRequest switches the tutoring language.
type LanguageRequest struct {
	Language string `json:"language"`
}

// EditRequest opens the editor on a transcript entry.
type EditRequest struct {
	Index int `json:"index"`
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, ConfigResponse{
		Backend:           h.cfg.Gateway.Backend,
		Models:            h.cfg.Gateway.Models,
		Languages:         h.cfg.Gateway.Languages,
		Levels:            domain.Levels,
		SessionTTLSeconds: int64(h.cfg.SessionTTL.Seconds()),
	})
}

// SessionTTLHeader reports the seconds a session may stay idle before it is reaped.
const SessionTTLHeader = "X-Session-TTL"

// GetSession returns the rendered view of the caller's session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	left, err := h.sessions.TimeLeft(r.Context(), identity.UserIDFromContext(r.Context()), identity.SessionIDFromContext(r.Context()))
	if err != nil {
		slog.Warn("Failed to read session TTL", "error", err)
	} else {
		w.Header().Set(SessionTTLHeader, strconv.FormatInt(int64(left.Seconds()), 10))
	}
	JSON(w, http.StatusOK, chat.Render(c.Snapshot()))
}

// UpdateSettings applies every supplied setting, or none of them when any is rejected.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req SettingsRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := c.UpdateSettings(chat.SettingsUpdate{
		APIKey: req.APIKey,
		Model:  req.Model,
		Level:  req.Level,
	}); err != nil {
		writeError(w, err)
		return
	}

	h.record(r, c)
	JSON(w, http.StatusOK, chat.Render(c.Snapshot()))
}

// SelectLanguage switches the language and starts a fresh transcript.
func (h *Handler) SelectLanguage(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req LanguageRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := c.SelectLanguage(req.Language); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("Tutoring language selected",
		"user_id", identity.UserIDFromContext(r.Context()),
		"session_id", identity.SessionIDFromContext(r.Context()),
		"language", req.Language)
	h.record(r, c)
	JSON(w, http.StatusOK, chat.Render(c.Snapshot()))
}

// DestroySession ends the caller's session. The next request starts a new one.
func (h *Handler) DestroySession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if err := h.sessions.Destroy(r.Context(), userID, sessionID); err != nil {
		if errors.Is(err, chat.ErrTurnInProgress) {
			writeError(w, err)
			return
		}
		slog.Error("Failed to destroy session", "error", err, "user_id", userID, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to destroy session")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// BeginEdit opens the editor on the most recent user message.
func (h *Handler) BeginEdit(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req EditRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := c.BeginEdit(req.Index); err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, chat.Render(c.Snapshot()))
}

// CancelEdit closes the editor.
func (h *Handler) CancelEdit(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := c.CancelEdit(); err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, chat.Render(c.Snapshot()))
}

func (h *Handler) record(r *http.Request, c *chat.Controller) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if err := h.sessions.Record(r.Context(), userID, sessionID, c); err != nil {
		slog.Warn("Failed to record session settings", "error", err, "user_id", userID, "session_id", sessionID)
	}
}
