package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// GeminiClient implements the LLMClient interface for Google Gemini models
type GeminiClient struct {
	client  *genai.Client
	model   string
	options ClientOptions
}

// NewGeminiClient creates a Gemini client
func NewGeminiClient(ctx context.Context, apiKey, model string, options *ClientOptions) (*GeminiClient, error) {
	opts := resolveOptions(options)
	if model == "" {
		model = "gemini-1.5-pro"
	}

	clientOptions := []option.ClientOption{option.WithAPIKey(apiKey)}
	if opts.BaseURL != "" {
		clientOptions = append(clientOptions, option.WithEndpoint(opts.BaseURL))
	}

	client, err := genai.NewClient(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{client: client, model: model, options: opts}, nil
}

// Model returns the default model name
func (c *GeminiClient) Model() string {
	return c.model
}

// Chat performs a chat completion. Prior turns become the chat history and
// the final message is sent.
func (c *GeminiClient) Chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
	merged := mergeChatOptions(c.options, c.model, opts)
	system, conversation := splitSystem(messages)
	if len(conversation) == 0 {
		return nil, fmt.Errorf("at least one user message is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.options.Timeout)
	defer cancel()

	model := c.client.GenerativeModel(merged.Model)
	model.SetTemperature(float32(merged.Temperature))
	if merged.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(merged.MaxTokens))
	}
	if merged.TopP > 0 {
		model.SetTopP(float32(merged.TopP))
	}
	if len(merged.Stop) > 0 {
		model.StopSequences = merged.Stop
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	session := model.StartChat()
	for _, m := range conversation[:len(conversation)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		session.History = append(session.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	last := conversation[len(conversation)-1]
	resp, err := session.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no candidates returned from gemini")
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	response := &domain.ChatResponse{
		Content:      text.String(),
		FinishReason: strings.ToLower(candidate.FinishReason.String()),
		Model:        merged.Model,
	}
	if resp.UsageMetadata != nil {
		response.Usage = domain.TokenUsage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return response, nil
}

// Close releases the underlying connection
func (c *GeminiClient) Close() error {
	return c.client.Close()
}
