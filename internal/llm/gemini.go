package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/loomlock/companion/internal/domain"
)

var _ Backend = (*Gemini)(nil)

// Gemini is the last fallback backend.
type Gemini struct {
	client       *genai.Client
	model        string
	utilityModel string
}

// NewGemini creates a backend against the Gemini API.
func NewGemini(ctx context.Context, apiKey, model, utilityModel string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, utilityModel: utilityModel}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) contents(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.maxTokens()),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	return contents, config
}

func (g *Gemini) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents, config := g.contents(req)
		model := pick(req.Tier, g.model, g.utilityModel)

		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			if text := responseText(resp); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	contents, config := g.contents(req)
	resp, err := g.client.Models.GenerateContent(ctx, pick(req.Tier, g.model, g.utilityModel), contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini complete: %w", err)
	}
	return responseText(resp), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
