//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/codetutor/internal/chat"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"configuration", &chat.ConfigurationError{Field: "api_key", Reason: "missing credential"}, http.StatusBadRequest, CodeConfiguration},
		{"gateway", &chat.GatewayError{Model: "gpt-4", Err: errors.New("boom")}, http.StatusBadGateway, CodeGateway},
		{"empty", chat.ErrEmptyMessage, http.StatusBadRequest, CodeInvalidRequest},
		{"not editable", chat.ErrNotEditable, http.StatusConflict, CodeNotEditable},
		{"wrapped busy", fmt.Errorf("turn: %w", chat.ErrTurnInProgress), http.StatusConflict, CodeTurnInProgress},
		{"closed", chat.ErrSessionClosed, http.StatusConflict, CodeSessionClosed},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := classify(tt.err)
			if status != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, status)
			}
			if body.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, body.Code)
			}
		})
	}
}

func TestClassifyHidesInternalErrors(t *testing.T) {
	_, body := classify(errors.New("sqlite: /var/lib/secret.db locked"))
	if body.Error != "internal error" {
		t.Errorf("Expected generic message, got %q", body.Error)
	}
}
