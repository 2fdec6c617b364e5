package research

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/llm"
	"github.com/ncolesummers/handywriterz/pkg/sources"
)

var (
	citationMarker  = regexp.MustCompile(`\[(\d+)\]`)
	sentencePattern = regexp.MustCompile(`[^.\n]+\.?(?:\s*\[\d+\])*`)
)

// PerplexityProvider searches the web through an online model and turns the
// citations of each answer into candidate sources
type PerplexityProvider struct {
	client     domain.LLMClient
	maxQueries int
	now        func() time.Time
}

// NewPerplexityProvider creates a provider backed by a Perplexity chat client
func NewPerplexityProvider(client domain.LLMClient, maxQueries int) *PerplexityProvider {
	if maxQueries < 1 {
		maxQueries = 3
	}
	return &PerplexityProvider{client: client, maxQueries: maxQueries, now: time.Now}
}

// Name returns the provider name
func (p *PerplexityProvider) Name() string {
	return "perplexity"
}

// Search runs each agenda query and collects the cited URLs. A failing query
// is skipped; the search fails only when every query fails.
func (p *PerplexityProvider) Search(ctx context.Context, q domain.ResearchQuery) ([]domain.Source, error) {
	var (
		found   []domain.Source
		lastErr error
		ok      int
	)

	for _, query := range queries(q, p.maxQueries) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := p.client.Chat(ctx, []domain.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: academicQuery(query, q)},
		}, domain.ChatOptions{Temperature: 0.2})
		if err != nil {
			lastErr = err
			continue
		}
		ok++
		found = append(found, p.citationsToSources(resp, q)...)
	}

	if ok == 0 && lastErr != nil {
		return nil, fmt.Errorf("perplexity search failed: %w", lastErr)
	}
	if q.MaxResults > 0 && len(found) > q.MaxResults {
		found = found[:q.MaxResults]
	}
	return found, nil
}

func (p *PerplexityProvider) citationsToSources(resp *domain.ChatResponse, q domain.ResearchQuery) []domain.Source {
	evidence := evidenceByCitation(resp.Content)
	year := currentYear(p.now)

	out := make([]domain.Source, 0, len(resp.Citations))
	for i, link := range resp.Citations {
		relevance := 1.0 - 0.1*float64(i)
		if relevance < 0.3 {
			relevance = 0.3
		}
		src := domain.Source{
			URL:            link,
			DOI:            sources.DOIFromURL(link),
			Title:          titleFromURL(link),
			Provider:       p.Name(),
			RelevanceScore: relevance,
			Evidence:       evidence[i+1],
		}
		src.CredibilityScore = sources.Credibility(sources.CredibilityInput{
			URL:     link,
			Field:   q.Field,
			Content: strings.Join(src.Evidence, " "),
			DOI:     src.DOI,
		}, year)
		out = append(out, src)
	}
	return out
}

// evidenceByCitation maps citation numbers to the sentences that cite them
func evidenceByCitation(content string) map[int][]string {
	out := make(map[int][]string)
	for _, sentence := range splitSentences(content) {
		for _, m := range citationMarker.FindAllStringSubmatch(sentence, -1) {
			var n int
			if _, err := fmt.Sscanf(m[1], "%d", &n); err == nil {
				out[n] = append(out[n], strings.TrimSpace(citationMarker.ReplaceAllString(sentence, "")))
			}
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	for _, m := range sentencePattern.FindAllString(text, -1) {
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func titleFromURL(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return link
	}
	host := strings.TrimPrefix(u.Host, "www.")
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	if last == "" {
		return host
	}
	last = strings.NewReplacer("-", " ", "_", " ").Replace(last)
	if i := strings.LastIndex(last, "."); i > 0 {
		last = last[:i]
	}
	return fmt.Sprintf("%s (%s)", last, host)
}
