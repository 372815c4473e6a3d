// Package api provides HTTP handlers for the tutor API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/codetutor/internal/chat"
	"github.com/ashureev/codetutor/internal/config"
	"github.com/ashureev/codetutor/internal/identity"
	"github.com/ashureev/codetutor/internal/middleware"
	"github.com/ashureev/codetutor/internal/session"
	"github.com/ashureev/codetutor/internal/store"
	"github.com/go-chi/chi/v5"
)

const defaultMaxRequestBodySize = 1 << 20

// Error codes returned alongside error messages.
const (
	CodeConfiguration  = "configuration_error"
	CodeGateway        = "gateway_error"
	CodeInvalidRequest = "invalid_request"
	CodeNotEditable    = "not_editable"
	CodeTurnInProgress = "turn_in_progress"
	CodeSessionClosed  = "session_closed"
	CodeInternal       = "internal_error"
)

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	sessions *session.Manager
	cfg      *config.Config
	limiter  *middleware.RateLimiter
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *session.Manager, cfg *config.Config, limiter *middleware.RateLimiter) *Handler {
	return &Handler{
		repo:     repo,
		sessions: sessions,
		cfg:      cfg,
		limiter:  limiter,
	}
}

// RegisterRoutes registers the session and chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/session", h.GetSession)
		r.Delete("/session", h.DestroySession)
		r.Put("/session/settings", h.UpdateSettings)
		r.Put("/session/language", h.SelectLanguage)

		r.Post("/chat/edit", h.BeginEdit)
		r.Delete("/chat/edit", h.CancelEdit)
		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(middleware.RateLimit(h.limiter))
			}
			r.Post("/chat", h.Chat)
			r.Post("/chat/resend", h.Resend)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorResponse is the body of every failed request and of error stream events.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// classify maps a controller error to an HTTP status and response body.
func classify(err error) (int, ErrorResponse) {
	var cfgErr *chat.ConfigurationError
	var gwErr *chat.GatewayError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, ErrorResponse{Error: cfgErr.Error(), Code: CodeConfiguration, Field: cfgErr.Field}
	case errors.As(err, &gwErr):
		return http.StatusBadGateway, ErrorResponse{Error: gwErr.Error(), Code: CodeGateway}
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest}
	case errors.Is(err, chat.ErrNotEditable):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeNotEditable}
	case errors.Is(err, chat.ErrTurnInProgress):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeTurnInProgress}
	case errors.Is(err, chat.ErrSessionClosed):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeSessionClosed}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: CodeInternal}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	JSON(w, status, body)
}

// controller resolves the caller's session, writing an error response when it cannot.
func (h *Handler) controller(w http.ResponseWriter, r *http.Request) (*chat.Controller, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	c, err := h.sessions.Get(r.Context(), userID, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		slog.Error("Failed to open session", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to open session")
		return nil, false
	}
	return c, true
}

// decode reads a bounded JSON body into v, writing an error response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			JSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large", Code: CodeInvalidRequest})
			return false
		}
		JSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: CodeInvalidRequest})
		return false
	}
	return true
}
