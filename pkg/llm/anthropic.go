package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// AnthropicClient implements the LLMClient interface for Claude models
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	options ClientOptions
}

// NewAnthropicClient creates a Claude client using the official SDK
func NewAnthropicClient(apiKey, model string, options *ClientOptions) *AnthropicClient {
	opts := resolveOptions(options)
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}

	requestOptions := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(opts.Timeout),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		requestOptions = append(requestOptions, option.WithBaseURL(opts.BaseURL))
	}

	return &AnthropicClient{
		client:  anthropic.NewClient(requestOptions...),
		model:   model,
		options: opts,
	}
}

// Model returns the default model name
func (c *AnthropicClient) Model() string {
	return c.model
}

// Chat performs a chat completion
func (c *AnthropicClient) Chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
	merged := mergeChatOptions(c.options, c.model, opts)
	system, conversation := splitSystem(messages)
	if len(conversation) == 0 {
		return nil, fmt.Errorf("at least one user message is required")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(merged.Model),
		MaxTokens: int64(merged.MaxTokens),
		Messages:  c.convertMessages(conversation),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if merged.Temperature > 0 {
		params.Temperature = anthropic.Float(merged.Temperature)
	}
	if merged.TopP > 0 {
		params.TopP = anthropic.Float(merged.TopP)
	}
	if len(merged.Stop) > 0 {
		params.StopSequences = merged.Stop
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	prompt := int(msg.Usage.InputTokens)
	completion := int(msg.Usage.OutputTokens)
	return &domain.ChatResponse{
		Content: text.String(),
		Usage: domain.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		FinishReason: string(msg.StopReason),
		Model:        string(msg.Model),
	}, nil
}

func (c *AnthropicClient) convertMessages(messages []domain.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}
