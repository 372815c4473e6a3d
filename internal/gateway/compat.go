package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"
)

const maxErrorBodyBytes = 4 << 10

// Compat talks to any server exposing an OpenAI-compatible
// /chat/completions endpoint (vLLM, Ollama, LiteLLM, OpenRouter).
type Compat struct {
	baseURL    string
	httpClient *http.Client
}

// NewCompat creates a gateway for an OpenAI-compatible endpoint.
func NewCompat(baseURL string, httpClient *http.Client) *Compat {
	return &Compat{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type compatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type compatRequest struct {
	Model    string          `json:"model"`
	Messages []compatMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type compatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete implements Gateway.
func (g *Compat) Complete(ctx context.Context, req Request) iter.Seq2[string, error] {
	return stream(func(yield func(string, error) bool) {
		if err := validate(req); err != nil {
			yield("", err)
			return
		}

		res, err := g.post(ctx, req)
		if err != nil {
			yield("", err)
			return
		}
		defer func() {
			_ = res.Body.Close()
		}()

		for ev, err := range sse.Read(res.Body, nil) {
			if err != nil {
				yield("", fmt.Errorf("read completion stream: %w", err))
				return
			}
			if ev.Data == "[DONE]" {
				return
			}

			var chunk compatChunk
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				yield("", fmt.Errorf("decode completion chunk: %w", err))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
	})
}

func (g *Compat) post(ctx context.Context, req Request) (*http.Response, error) {
	body := compatRequest{
		Model:    req.Model,
		Messages: make([]compatMessage, 0, len(req.Messages)),
		Stream:   true,
	}
	for _, msg := range req.Messages {
		body.Messages = append(body.Messages, compatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	res, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send completion request: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() {
			_ = res.Body.Close()
		}()
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
		return nil, &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	return res, nil
}
