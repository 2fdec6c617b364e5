package research

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

const systemPrompt = `You are an academic research assistant. Prioritise peer-reviewed journal
articles, systematic reviews, meta-analyses, and official guidance. Never invent sources.`

// queries returns the searches to run for a request: the research agenda
// when the planner produced one, otherwise the prompt itself
func queries(q domain.ResearchQuery, max int) []string {
	var out []string
	for _, item := range q.Agenda {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = []string{q.Prompt}
	}
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func academicQuery(query string, q domain.ResearchQuery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Academic research query: %s\n\n", query)
	fmt.Fprintf(&b, "Focus on sources relevant to the %s field", q.Field)
	if q.Region != "" && q.Region != domain.RegionGeneral {
		fmt.Fprintf(&b, " with %s context or applicability", strings.ToUpper(string(q.Region)))
	}
	b.WriteString(".\n")
	if q.PublishedAfter > 0 {
		fmt.Fprintf(&b, "Only include work published in %d or later.\n", q.PublishedAfter)
	}
	if len(q.ContextExcerpts) > 0 {
		b.WriteString("\nThe author supplied these reference excerpts:\n")
		for _, excerpt := range q.ContextExcerpts {
			fmt.Fprintf(&b, "- %s\n", excerpt)
		}
	}
	return b.String()
}

func currentYear(now func() time.Time) int {
	if now == nil {
		return time.Now().Year()
	}
	return now().Year()
}
