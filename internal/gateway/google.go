package gateway

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/ashureev/codetutor/internal/domain"
	"google.golang.org/genai"
)

type googleModelsClient interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

var newGoogleModels = func(ctx context.Context, cfg *genai.ClientConfig) (googleModelsClient, error) {
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client.Models, nil
}

// Google streams completions from the Gemini API.
type Google struct {
	httpClient *http.Client
}

// NewGoogle creates a Gemini gateway. The credential is supplied per request.
func NewGoogle(httpClient *http.Client) *Google {
	return &Google{httpClient: httpClient}
}

// Complete implements Gateway.
func (g *Google) Complete(ctx context.Context, req Request) iter.Seq2[string, error] {
	return stream(func(yield func(string, error) bool) {
		if err := validate(req); err != nil {
			yield("", err)
			return
		}

		models, err := newGoogleModels(ctx, &genai.ClientConfig{
			APIKey:     req.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: g.httpClient,
		})
		if err != nil {
			yield("", fmt.Errorf("create google client: %w", err))
			return
		}

		var acc chunkAssembler
		for resp, err := range models.GenerateContentStream(ctx, req.Model, toGoogleContents(req.Messages), nil) {
			if err != nil {
				yield("", fmt.Errorf("google stream: %w", err))
				return
			}
			text := extractVisibleText(resp)
			if text == "" {
				continue
			}
			if !yield(acc.next(text), nil) {
				return
			}
		}
	})
}

// chunkAssembler turns stream chunks into deltas. Some responses carry the
// full text so far instead of a delta. A chunk counts as cumulative only when
// it strictly extends the text assembled so far, and once a chunk has been
// taken as a delta the rest of the stream is treated as deltas too.
type chunkAssembler struct {
	output string
	deltas bool
}

func (a *chunkAssembler) next(text string) string {
	delta := text
	if !a.deltas && a.output != "" && len(text) > len(a.output) && strings.HasPrefix(text, a.output) {
		delta = text[len(a.output):]
	} else if a.output != "" {
		a.deltas = true
	}
	a.output += delta
	return delta
}

func toGoogleContents(messages []domain.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return contents
}

func extractVisibleText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}
