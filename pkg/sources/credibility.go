package sources

import (
	"net/url"
	"strings"
)

var academicIndicators = []string{
	".edu", ".ac.uk", ".gov", "pubmed", "jstor", "springer",
	"wiley", "elsevier", "nature", "science", "ncbi", "nih",
}

var fieldDomains = map[string][]string{
	"nursing":     {"nursingworld.org", "aacnnursing.org", "cochrane.org", "rcn.org.uk"},
	"law":         {"westlaw", "lexisnexis", "justia", "law.com", "legislation.gov.uk"},
	"medicine":    {"medscape", "uptodate", "bmj", "nejm", "thelancet"},
	"social_work": {"nasw.org", "cswe.org", "socialworkers.org"},
	"business":    {"hbr.org", "mckinsey.com", "ft.com"},
	"education":   {"eric.ed.gov", "tes.com"},
}

// CredibilityInput carries what the credibility heuristic looks at
type CredibilityInput struct {
	URL     string
	Field   string
	Content string
	DOI     string
	Year    *int
}

// Credibility scores a source between 0 and 1. Academic and field specific
// domains raise the score, peer review and a DOI add a little, and sources
// older than five years lose up to 0.2.
func Credibility(in CredibilityInput, currentYear int) float64 {
	host := hostOf(in.URL)
	score := 0.5

	for _, indicator := range academicIndicators {
		if strings.Contains(host, indicator) {
			score += 0.3
			break
		}
	}

	field := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(in.Field)), " ", "_")
	for _, d := range fieldDomains[field] {
		if strings.Contains(host, d) {
			score += 0.2
			break
		}
	}

	if in.Year != nil {
		if age := currentYear - *in.Year; age > 5 {
			penalty := float64(age) * 0.02
			if penalty > 0.2 {
				penalty = 0.2
			}
			score -= penalty
		}
	}

	content := strings.ToLower(in.Content)
	if strings.Contains(content, "peer-reviewed") || strings.Contains(content, "peer reviewed") {
		score += 0.1
	}
	if NormalizeDOI(in.DOI) != "" || DOIFromURL(in.URL) != "" || strings.Contains(content, "doi:") {
		score += 0.1
	}

	switch {
	case score > 1:
		return 1
	case score < 0:
		return 0
	}
	return score
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Host)
}
