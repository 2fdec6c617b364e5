package generation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/llm"
	"github.com/ncolesummers/handywriterz/pkg/sources"
)

// in-text citations: (Smith 2020), (Smith, 2020), (Smith et al., 2020), (Smith), [3]
var citationPattern = regexp.MustCompile(`\([A-Z][A-Za-z'\-]+(?: et al\.)?(?:,? (?:\d{4}|n\.d\.))?\)|\[\d+\]`)

// WriterConfig configures the model backed writer
type WriterConfig struct {
	// ContextTokens bounds the source and reference material in the prompt
	ContextTokens int
	Temperature   float64
}

// LLMWriter drafts and revises documents with a chat model
type LLMWriter struct {
	client    domain.LLMClient
	tokenizer *llm.Tokenizer
	cfg       WriterConfig
	now       func() time.Time
}

// NewLLMWriter creates a writer. tokenizer may be nil, in which case token
// counts are estimated.
func NewLLMWriter(client domain.LLMClient, tokenizer *llm.Tokenizer, cfg WriterConfig) *LLMWriter {
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = 12000
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &LLMWriter{client: client, tokenizer: tokenizer, cfg: cfg, now: time.Now}
}

// Write produces the draft with the requested version number
func (w *LLMWriter) Write(ctx context.Context, input domain.WriteInput) (*domain.Draft, error) {
	if input.Version < 1 {
		return nil, fmt.Errorf("draft version must be positive, got %d", input.Version)
	}

	messages := []domain.Message{
		{Role: llm.RoleSystem, Content: w.systemPrompt(input.Parameters)},
		{Role: llm.RoleUser, Content: w.userPrompt(input)},
	}

	// roughly 1.4 tokens per word plus headroom for headings and references
	maxTokens := input.Parameters.WordCount*2 + 1024
	resp, err := w.client.Chat(ctx, messages, domain.ChatOptions{
		Temperature: w.cfg.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, domain.NewError(domain.ErrProviderError, "writer returned an empty draft")
	}

	reason := input.Reason
	if reason == "" {
		reason = "initial"
	}
	return &domain.Draft{
		Version:       input.Version,
		Content:       content,
		WordCount:     llm.CountWords(content),
		CitationCount: CountCitations(content),
		Reason:        reason,
		CreatedAt:     w.now().UTC(),
	}, nil
}

func (w *LLMWriter) systemPrompt(p domain.Parameters) string {
	return fmt.Sprintf(`You are an expert academic writer in %s. Write a %s of about %d words
for a %s audience. Cite sources in %s style using in-text citations, only from the
verified sources provided. Use markdown headings for sections. Do not include a
reference list; it is added separately.`,
		p.Field, strings.ReplaceAll(string(p.DocumentType), "_", " "), p.WordCount,
		strings.ToUpper(string(p.Region)), strings.ToUpper(string(p.CitationStyle)))
}

func (w *LLMWriter) userPrompt(input domain.WriteInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\n", input.Prompt)

	if len(input.Outline) > 0 {
		b.WriteString("Outline:\n")
		for i, s := range input.Outline {
			fmt.Fprintf(&b, "%d. %s (~%d words)\n", i+1, s.Heading, s.WordTarget)
			for _, kp := range s.KeyPoints {
				fmt.Fprintf(&b, "   - %s\n", kp)
			}
		}
		b.WriteString("\n")
	}

	budget := w.cfg.ContextTokens
	b.WriteString("Verified sources:\n")
	for _, s := range input.Sources {
		entry := fmt.Sprintf("- %s %s\n", sources.InText(input.Parameters.CitationStyle, s), sources.Reference(input.Parameters.CitationStyle, s))
		if s.Abstract != "" {
			entry += "  Summary: " + s.Abstract + "\n"
		}
		for _, ev := range s.Evidence {
			entry += "  Evidence: " + ev + "\n"
		}
		cost := w.tokenizer.CountTokens(entry)
		if cost > budget {
			break
		}
		budget -= cost
		b.WriteString(entry)
	}
	b.WriteString("\n")

	for _, doc := range input.Context {
		if budget <= 0 {
			break
		}
		excerpt := w.tokenizer.Truncate(doc.Text, budget/2)
		budget -= w.tokenizer.CountTokens(excerpt)
		fmt.Fprintf(&b, "Reference material from %s:\n%s\n\n", doc.URL, excerpt)
	}

	if input.Previous != nil {
		fmt.Fprintf(&b, "Previous draft (version %d):\n%s\n\n", input.Previous.Version, input.Previous.Content)
	}
	if len(input.Feedback) > 0 {
		b.WriteString("Revise the previous draft to address this feedback:\n")
		for _, f := range input.Feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if len(input.Highlights) > 0 {
		b.WriteString("These passages matched existing work or read as machine generated. Rewrite them in original wording:\n")
		for _, h := range input.Highlights {
			fmt.Fprintf(&b, "- %q\n", h.Text)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Write the complete %d word document now.", input.Parameters.WordCount)
	return b.String()
}

// CountCitations counts in-text citation markers
func CountCitations(content string) int {
	return len(citationPattern.FindAllString(content, -1))
}
