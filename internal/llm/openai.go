package llm

import (
	"context"
	"fmt"
	"iter"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loomlock/companion/internal/domain"
)

var _ Backend = (*OpenAI)(nil)

// OpenAI is the first fallback backend.
type OpenAI struct {
	client       openai.Client
	model        string
	utilityModel string
}

// NewOpenAI creates a backend using Chat Completions.
func NewOpenAI(apiKey, model, utilityModel string, opts ...option.RequestOption) *OpenAI {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAI{
		client:       openai.NewClient(opts...),
		model:        model,
		utilityModel: utilityModel,
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) params(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == domain.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	return openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(pick(req.Tier, o.model, o.utilityModel)),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(req.maxTokens()),
		Temperature:         openai.Float(req.Temperature),
	}
}

func (o *OpenAI) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(req))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", fmt.Errorf("openai stream: %w", err))
		}
	}
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(req))
	if err != nil {
		return "", fmt.Errorf("openai complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}
