package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/llm"
	"github.com/ncolesummers/handywriterz/pkg/sources"
)

const sourcesInstruction = `Respond with JSON only, in the form
{"sources": [{"title": "", "authors": "", "year": 2020, "doi": "", "url": "",
"abstract": "", "relevance": 0.0, "peer_reviewed": true}]}
relevance is between 0 and 1. Use an empty string when a DOI is unknown.`

type llmSource struct {
	Title        string  `json:"title"`
	Authors      string  `json:"authors"`
	Year         int     `json:"year"`
	DOI          string  `json:"doi"`
	URL          string  `json:"url"`
	Abstract     string  `json:"abstract"`
	Relevance    float64 `json:"relevance"`
	PeerReviewed bool    `json:"peer_reviewed"`
}

// LLMProvider asks a general model for a structured list of sources. It
// backs the Claude and O3 research nodes.
type LLMProvider struct {
	name   string
	client domain.LLMClient
	now    func() time.Time
}

// NewLLMProvider creates a provider with the given node name
func NewLLMProvider(name string, client domain.LLMClient) *LLMProvider {
	return &LLMProvider{name: name, client: client, now: time.Now}
}

// Name returns the provider name
func (p *LLMProvider) Name() string {
	return p.name
}

// Search asks the model for sources covering the whole research agenda
func (p *LLMProvider) Search(ctx context.Context, q domain.ResearchQuery) ([]domain.Source, error) {
	var prompt strings.Builder
	prompt.WriteString("Find scholarly sources for the following research questions:\n")
	for _, query := range queries(q, 0) {
		fmt.Fprintf(&prompt, "- %s\n", query)
	}
	prompt.WriteString("\n")
	prompt.WriteString(academicQuery(q.Prompt, q))
	if q.MaxResults > 0 {
		fmt.Fprintf(&prompt, "\nReturn at most %d sources.\n", q.MaxResults)
	}
	prompt.WriteString("\n")
	prompt.WriteString(sourcesInstruction)

	resp, err := p.client.Chat(ctx, []domain.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: prompt.String()},
	}, domain.ChatOptions{Temperature: 0.2})
	if err != nil {
		return nil, fmt.Errorf("%s search failed: %w", p.name, err)
	}

	found, err := p.parse(resp.Content, q)
	if err != nil {
		return nil, fmt.Errorf("%s returned unusable sources: %w", p.name, err)
	}
	if q.MaxResults > 0 && len(found) > q.MaxResults {
		found = found[:q.MaxResults]
	}
	return found, nil
}

func (p *LLMProvider) parse(content string, q domain.ResearchQuery) ([]domain.Source, error) {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON in response")
	}

	var list []llmSource
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, err
		}
	} else {
		var wrapped struct {
			Sources []llmSource `json:"sources"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, err
		}
		list = wrapped.Sources
	}

	year := currentYear(p.now)
	out := make([]domain.Source, 0, len(list))
	for _, item := range list {
		doi := sources.NormalizeDOI(item.DOI)
		link := strings.TrimSpace(item.URL)
		if link == "" && doi != "" {
			link = "https://doi.org/" + doi
		}
		if link == "" {
			continue
		}

		src := domain.Source{
			URL:            link,
			DOI:            doi,
			Title:          strings.TrimSpace(item.Title),
			Author:         strings.TrimSpace(item.Authors),
			Abstract:       strings.TrimSpace(item.Abstract),
			Provider:       p.name,
			RelevanceScore: clamp01(item.Relevance),
		}
		if item.Year > 0 {
			y := item.Year
			src.Year = &y
		}

		content := src.Abstract
		if item.PeerReviewed {
			content += " peer-reviewed"
		}
		src.CredibilityScore = sources.Credibility(sources.CredibilityInput{
			URL:     link,
			Field:   q.Field,
			Content: content,
			DOI:     doi,
			Year:    src.Year,
		}, year)
		out = append(out, src)
	}
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		if v <= 100 {
			return v / 100
		}
		return 1
	}
	return v
}
