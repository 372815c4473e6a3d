// Package gateway streams chat completions from hosted model APIs.
//
// Every backend exposes the reply as a lazy, single-use sequence of text
// fragments. Nothing is sent upstream until the sequence is ranged over.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/ashureev/codetutor/internal/config"
	"github.com/ashureev/codetutor/internal/domain"
)

var (
	// ErrEmptyCompletion is yielded when the upstream finishes without any text.
	ErrEmptyCompletion = errors.New("completion stream ended without content")
	// ErrStreamConsumed is yielded when a completion stream is ranged over twice.
	ErrStreamConsumed = errors.New("completion stream already consumed")
	// ErrMissingAPIKey is returned when a request carries no credential.
	ErrMissingAPIKey = errors.New("api key is required")
)

// Request is one completion call: the full transcript, verbatim, plus the
// model and the caller's credential.
type Request struct {
	Model    string
	APIKey   string
	Messages []domain.Message
}

// Gateway produces completions.
type Gateway interface {
	Complete(ctx context.Context, req Request) iter.Seq2[string, error]
}

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("upstream returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// New builds the gateway selected by cfg.Backend.
func New(cfg config.GatewayConfig) (Gateway, error) {
	// Completion calls are unbounded; cancellation comes from the request context.
	httpClient := &http.Client{}

	switch cfg.Backend {
	case config.BackendOpenAI:
		return NewOpenAI(cfg.BaseURL, httpClient), nil
	case config.BackendCompat:
		return NewCompat(cfg.BaseURL, httpClient), nil
	case config.BackendGoogle:
		return NewGoogle(httpClient), nil
	default:
		return nil, fmt.Errorf("unknown gateway backend %q", cfg.Backend)
	}
}

func validate(req Request) error {
	if strings.TrimSpace(req.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if req.APIKey == "" {
		return ErrMissingAPIKey
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages are required")
	}
	return nil
}

// stream wraps a backend producer with the shared contract: single use,
// empty deltas dropped, and a stream with no text reported as an error.
func stream(produce iter.Seq2[string, error]) iter.Seq2[string, error] {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}

		emitted := false
		for fragment, err := range produce {
			if err != nil {
				yield("", err)
				return
			}
			if fragment == "" {
				continue
			}
			emitted = true
			if !yield(fragment, nil) {
				return
			}
		}
		if !emitted {
			yield("", ErrEmptyCompletion)
		}
	}
}
