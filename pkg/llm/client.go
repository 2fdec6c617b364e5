package llm

import (
	"strings"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// Chat roles understood by every client
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ClientOptions configures a provider client
type ClientOptions struct {
	BaseURL     string        `json:"base_url"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
	Timeout     time.Duration `json:"timeout"`
	MaxRetries  int           `json:"max_retries"`
}

// DefaultClientOptions returns the options used when none are given
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		Temperature: 0.7,
		MaxTokens:   4096,
		Timeout:     2 * time.Minute,
	}
}

func resolveOptions(options *ClientOptions) ClientOptions {
	if options == nil {
		return *DefaultClientOptions()
	}
	resolved := *options
	if resolved.MaxTokens <= 0 {
		resolved.MaxTokens = 4096
	}
	if resolved.Timeout <= 0 {
		resolved.Timeout = 2 * time.Minute
	}
	return resolved
}

// mergeChatOptions lets per-call options override the client defaults
func mergeChatOptions(defaults ClientOptions, model string, opts domain.ChatOptions) domain.ChatOptions {
	merged := opts
	if merged.Model == "" {
		merged.Model = model
	}
	if merged.Temperature == 0 {
		merged.Temperature = defaults.Temperature
	}
	if merged.MaxTokens == 0 {
		merged.MaxTokens = defaults.MaxTokens
	}
	if merged.TopP == 0 {
		merged.TopP = defaults.TopP
	}
	return merged
}

// splitSystem separates system messages, which most providers take out of band
func splitSystem(messages []domain.Message) (string, []domain.Message) {
	var system []string
	rest := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// ExtractJSON returns the first JSON object or array in a model reply,
// tolerating markdown code fences and surrounding prose.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			text = strings.TrimSpace(rest[:j])
		}
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	opener, closer := text[start], byte('}')
	if opener == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == opener:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
