package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/observability"
)

// InstrumentedClient wraps an LLM client with tracing and metrics
type InstrumentedClient struct {
	client    domain.LLMClient
	telemetry *observability.Telemetry
	metrics   *observability.Metrics
	provider  string
	model     string
}

// NewInstrumentedClient creates a new instrumented LLM client. metrics may be nil.
func NewInstrumentedClient(client domain.LLMClient, telemetry *observability.Telemetry, metrics *observability.Metrics, provider, model string) (*InstrumentedClient, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if telemetry == nil {
		return nil, fmt.Errorf("telemetry is required")
	}

	return &InstrumentedClient{
		client:    client,
		telemetry: telemetry,
		metrics:   metrics,
		provider:  provider,
		model:     model,
	}, nil
}

// Provider returns the provider name used in spans
func (c *InstrumentedClient) Provider() string {
	return c.provider
}

// Chat performs an instrumented chat completion
func (c *InstrumentedClient) Chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	var response *domain.ChatResponse
	startTime := time.Now()
	err := c.telemetry.InstrumentLLMCall(ctx, c.provider, model, func(ctx context.Context) (int, int, error) {
		var err error
		response, err = c.client.Chat(ctx, messages, opts)
		if err != nil {
			return 0, 0, err
		}
		return response.Usage.PromptTokens, response.Usage.CompletionTokens, nil
	})
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.RecordLLMRequest(ctx, model,
			int64(response.Usage.PromptTokens),
			int64(response.Usage.CompletionTokens),
			time.Since(startTime))
	}
	return response, nil
}
