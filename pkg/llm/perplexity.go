package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// PerplexityClient implements the LLMClient interface for the Perplexity
// online models. Responses carry the URLs the model cited.
type PerplexityClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	options    ClientOptions
}

// PerplexityRequest represents a request to the chat completions endpoint
type PerplexityRequest struct {
	Model           string              `json:"model"`
	Messages        []PerplexityMessage `json:"messages"`
	Temperature     float64             `json:"temperature,omitempty"`
	MaxTokens       int                 `json:"max_tokens,omitempty"`
	TopP            float64             `json:"top_p,omitempty"`
	Stop            []string            `json:"stop,omitempty"`
	ReturnCitations bool                `json:"return_citations"`
}

// PerplexityMessage represents a message in the Perplexity format
type PerplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PerplexityResponse represents a response from the chat completions endpoint
type PerplexityResponse struct {
	Model   string   `json:"model"`
	Choices []struct {
		Message      PerplexityMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Citations []string `json:"citations"`
	Usage     struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewPerplexityClient creates a new Perplexity client
func NewPerplexityClient(apiKey, model string, options *ClientOptions) *PerplexityClient {
	opts := resolveOptions(options)
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.perplexity.ai"
	}
	if model == "" {
		model = "llama-3.1-sonar-large-128k-online"
	}

	return &PerplexityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		options: opts,
	}
}

// Model returns the default model name
func (c *PerplexityClient) Model() string {
	return c.model
}

// Chat performs a chat completion
func (c *PerplexityClient) Chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
	merged := mergeChatOptions(c.options, c.model, opts)

	req := PerplexityRequest{
		Model:           merged.Model,
		Messages:        c.convertMessages(messages),
		Temperature:     merged.Temperature,
		MaxTokens:       merged.MaxTokens,
		TopP:            merged.TopP,
		Stop:            merged.Stop,
		ReturnCitations: true,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf("%s/chat/completions", c.baseURL),
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("perplexity returned status %d: %s", resp.StatusCode, string(body))
	}

	var pplxResp PerplexityResponse
	if err := json.NewDecoder(resp.Body).Decode(&pplxResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(pplxResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned from perplexity")
	}

	return &domain.ChatResponse{
		Content:   pplxResp.Choices[0].Message.Content,
		Citations: pplxResp.Citations,
		Usage: domain.TokenUsage{
			PromptTokens:     pplxResp.Usage.PromptTokens,
			CompletionTokens: pplxResp.Usage.CompletionTokens,
			TotalTokens:      pplxResp.Usage.TotalTokens,
		},
		FinishReason: pplxResp.Choices[0].FinishReason,
		Model:        pplxResp.Model,
	}, nil
}

func (c *PerplexityClient) convertMessages(messages []domain.Message) []PerplexityMessage {
	out := make([]PerplexityMessage, len(messages))
	for i, msg := range messages {
		out[i] = PerplexityMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return out
}
