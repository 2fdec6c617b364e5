package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// OpenAIClient implements the LLMClient interface for OpenAI chat models
type OpenAIClient struct {
	client  openai.Client
	model   string
	options ClientOptions
}

// NewOpenAIClient creates an OpenAI client using the official SDK
func NewOpenAIClient(apiKey, model string, options *ClientOptions) *OpenAIClient {
	opts := resolveOptions(options)
	if model == "" {
		model = "o3-mini"
	}

	requestOptions := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(opts.Timeout),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		requestOptions = append(requestOptions, option.WithBaseURL(opts.BaseURL))
	}

	return &OpenAIClient{
		client:  openai.NewClient(requestOptions...),
		model:   model,
		options: opts,
	}
}

// Model returns the default model name
func (c *OpenAIClient) Model() string {
	return c.model
}

// Chat performs a chat completion
func (c *OpenAIClient) Chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
	merged := mergeChatOptions(c.options, c.model, opts)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(merged.Model),
		Messages: c.convertMessages(messages),
	}
	if merged.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(merged.MaxTokens))
	}
	// reasoning models reject sampling parameters
	if !isReasoningModel(merged.Model) {
		if merged.Temperature > 0 {
			params.Temperature = openai.Float(merged.Temperature)
		}
		if merged.TopP > 0 {
			params.TopP = openai.Float(merged.TopP)
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned from openai")
	}

	choice := completion.Choices[0]
	return &domain.ChatResponse{
		Content: choice.Message.Content,
		Usage: domain.TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
		FinishReason: string(choice.FinishReason),
		Model:        completion.Model,
	}, nil
}

func (c *OpenAIClient) convertMessages(messages []domain.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func isReasoningModel(model string) bool {
	return len(model) >= 2 && model[0] == 'o' && model[1] >= '0' && model[1] <= '9'
}
