package gateway

import (
	"context"
	"fmt"
	"iter"
	"net/http"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAI streams completions through the official OpenAI SDK.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates an OpenAI gateway. An empty baseURL uses the SDK default.
// The credential is supplied per request.
func NewOpenAI(baseURL string, httpClient *http.Client) *OpenAI {
	opts := []option.RequestOption{
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...)}
}

// Complete implements Gateway.
func (g *OpenAI) Complete(ctx context.Context, req Request) iter.Seq2[string, error] {
	return stream(func(yield func(string, error) bool) {
		if err := validate(req); err != nil {
			yield("", err)
			return
		}

		params, err := buildChatParams(req)
		if err != nil {
			yield("", err)
			return
		}

		s := g.client.Chat.Completions.NewStreaming(ctx, params, option.WithAPIKey(req.APIKey))
		defer func() {
			_ = s.Close()
		}()

		for s.Next() {
			chunk := s.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield("", fmt.Errorf("openai stream: %w", err))
		}
	})
}

func buildChatParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		param, err := toChatMessageParam(msg)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, param)
	}

	return openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}, nil
}

func toChatMessageParam(msg domain.Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch msg.Role {
	case domain.RoleUser:
		return openai.UserMessage(msg.Content), nil
	case domain.RoleAssistant:
		return openai.AssistantMessage(msg.Content), nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role: %s", msg.Role)
	}
}
