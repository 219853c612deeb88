package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomlock/companion/internal/domain"
)

var _ Backend = (*Anthropic)(nil)

// Anthropic is the primary completion backend.
type Anthropic struct {
	client       anthropic.Client
	model        string
	utilityModel string
}

// NewAnthropic creates a backend using the Messages API.
func NewAnthropic(apiKey, model, utilityModel string, opts ...option.RequestOption) *Anthropic {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		model:        model,
		utilityModel: utilityModel,
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) params(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == domain.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(pick(req.Tier, a.model, a.utilityModel)),
		MaxTokens:   req.maxTokens(),
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func (a *Anthropic) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := a.client.Messages.NewStreaming(ctx, a.params(req))
		defer stream.Close()

		for stream.Next() {
			ev, ok := stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if !yield(delta.Text, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield("", fmt.Errorf("anthropic stream: %w", err))
		}
	}
}

func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	msg, err := a.client.Messages.New(ctx, a.params(req))
	if err != nil {
		return "", fmt.Errorf("anthropic complete: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
