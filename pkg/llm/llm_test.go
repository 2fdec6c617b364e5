package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/llm"
	"github.com/ncolesummers/handywriterz/pkg/observability"
)

func userMessages(content string) []domain.Message {
	return []domain.Message{
		{Role: llm.RoleSystem, Content: "You are an academic researcher."},
		{Role: llm.RoleUser, Content: content},
	}
}

func noRetry() *llm.ClientOptions {
	opts := llm.DefaultClientOptions()
	opts.MaxRetries = 0
	return opts
}

func TestPerplexityClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer pplx-key", r.Header.Get("Authorization"))

		var req llm.PerplexityRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sonar-test", req.Model)
		assert.True(t, req.ReturnCitations)
		assert.Len(t, req.Messages, 2)
		assert.InDelta(t, 0.2, req.Temperature, 1e-9)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "sonar-test",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "Findings [1]"}, "finish_reason": "stop"},
			},
			"citations": []string{"https://doi.org/10.1000/xyz"},
			"usage":     map[string]int{"prompt_tokens": 30, "completion_tokens": 50, "total_tokens": 80},
		})
	}))
	defer server.Close()

	opts := llm.DefaultClientOptions()
	opts.BaseURL = server.URL + "/"
	client := llm.NewPerplexityClient("pplx-key", "sonar-test", opts)

	resp, err := client.Chat(context.Background(), userMessages("find sources"), domain.ChatOptions{Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "Findings [1]", resp.Content)
	assert.Equal(t, []string{"https://doi.org/10.1000/xyz"}, resp.Citations)
	assert.Equal(t, 80, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestPerplexityClient_ErrorStatusIsClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   domain.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, domain.ErrUnauthorized},
		{"gateway timeout", http.StatusGatewayTimeout, domain.ErrProviderTimeout},
		{"server error", http.StatusInternalServerError, domain.ErrProviderError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			opts := llm.DefaultClientOptions()
			opts.BaseURL = server.URL
			client := llm.NewPerplexityClient("key", "", opts)

			_, err := client.Chat(context.Background(), userMessages("q"), domain.ChatOptions{})
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.ClassifyProviderError(err))
		})
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var req map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "o3-mini", req["model"])
		_, hasTemperature := req["temperature"]
		assert.False(t, hasTemperature, "reasoning models take no temperature")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "o3-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Draft body"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20}
		}`))
	}))
	defer server.Close()

	opts := noRetry()
	opts.BaseURL = server.URL
	client := llm.NewOpenAIClient("sk-test", "o3-mini", opts)

	resp, err := client.Chat(context.Background(), userMessages("write"), domain.ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Draft body", resp.Content)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 8, resp.Usage.CompletionTokens)
	assert.Equal(t, "o3-mini", resp.Model)
}

func TestAnthropicClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)

		var req map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotNil(t, req["system"])
		assert.Len(t, req["messages"], 1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "Evaluation"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 40, "output_tokens": 10}
		}`))
	}))
	defer server.Close()

	opts := noRetry()
	opts.BaseURL = server.URL
	client := llm.NewAnthropicClient("sk-ant", "", opts)

	resp, err := client.Chat(context.Background(), userMessages("evaluate"), domain.ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Evaluation", resp.Content)
	assert.Equal(t, 50, resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)
}

func TestAnthropicClient_RequiresUserMessage(t *testing.T) {
	client := llm.NewAnthropicClient("key", "", nil)
	_, err := client.Chat(context.Background(), []domain.Message{{Role: llm.RoleSystem, Content: "only system"}}, domain.ChatOptions{})
	assert.Error(t, err)
}

type stubClient struct {
	resp *domain.ChatResponse
	err  error
}

func (s *stubClient) Chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
	return s.resp, s.err
}

func TestInstrumentedClient(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tel := observability.NewTelemetryWithProviders("test", tp, nil)

	_, err := llm.NewInstrumentedClient(nil, tel, nil, "openai", "o3-mini")
	require.Error(t, err)

	ok, err := llm.NewInstrumentedClient(&stubClient{resp: &domain.ChatResponse{
		Content: "ok",
		Usage:   domain.TokenUsage{PromptTokens: 3, CompletionTokens: 4},
	}}, tel, nil, "openai", "o3-mini")
	require.NoError(t, err)
	resp, err := ok.Chat(context.Background(), userMessages("hi"), domain.ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	failing, err := llm.NewInstrumentedClient(&stubClient{err: errors.New("boom")}, tel, nil, "anthropic", "claude")
	require.NoError(t, err)
	_, err = failing.Chat(context.Background(), userMessages("hi"), domain.ChatOptions{})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "llm.chat", spans[0].Name())
}

func TestTokenizerFallback(t *testing.T) {
	var tok *llm.Tokenizer
	assert.Equal(t, 3, tok.CountTokens("abcdefghij"))
	assert.Equal(t, "abcd", tok.Truncate("abcdefghij", 1))
	assert.Equal(t, "", tok.Truncate("abc", 0))
	assert.Equal(t, "aé", tok.Truncate("aéééé", 1), "multi-byte characters are never split")
	assert.Equal(t, 4, llm.CountWords("  four words right here "))
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"score": 0.9}`, `{"score": 0.9}`},
		{"fenced", "Here you go:\n```json\n{\"a\": [1, 2]}\n```\nthanks", `{"a": [1, 2]}`},
		{"array with prose", `Sources: [{"title": "x}"}] done`, `[{"title": "x}"}]`},
		{"none", "no json here", ""},
		{"unterminated", `{"a": 1`, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, llm.ExtractJSON(tt.in))
		})
	}
}
