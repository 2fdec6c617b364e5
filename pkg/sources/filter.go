// Package sources holds the deterministic source selection rules and the
// citation styles used in generated documents.
package sources

import (
	"net/url"
	"sort"
	"strings"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// FilterConfig controls which candidate sources are kept
type FilterConfig struct {
	MinCredibility float64
	// AgeLimitYears discards sources published more than this many years
	// before the current year. Zero disables the check.
	AgeLimitYears int
	// MaxSources caps the output. Zero keeps every accepted source.
	MaxSources int
}

// Key returns the canonical identity of a source: its DOI when present,
// otherwise the normalized URL.
func Key(s domain.Source) string {
	if doi := NormalizeDOI(s.DOI); doi != "" {
		return "doi:" + doi
	}
	if doi := DOIFromURL(s.URL); doi != "" {
		return "doi:" + doi
	}
	return "url:" + NormalizeURL(s.URL)
}

// NormalizeDOI lowercases a DOI and strips resolver prefixes
func NormalizeDOI(doi string) string {
	d := strings.ToLower(strings.TrimSpace(doi))
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi:"} {
		d = strings.TrimPrefix(d, prefix)
	}
	if !strings.HasPrefix(d, "10.") {
		return ""
	}
	return d
}

// DOIFromURL extracts the DOI from a doi.org link
func DOIFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host != "doi.org" && host != "dx.doi.org" {
		return ""
	}
	return NormalizeDOI(strings.TrimPrefix(u.Path, "/"))
}

// NormalizeURL drops the scheme, a leading www, fragments, and trailing
// slashes so that trivially different links compare equal.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(trimmed), "/")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimRight(u.Path, "/")
	out := host + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

// Dedupe coalesces sources with the same key, keeping the entry with the
// highest relevance. Missing DOI, year, and author fields are filled from the
// dropped duplicates. Output order is the order of first appearance.
func Dedupe(in []domain.Source) []domain.Source {
	index := make(map[string]int, len(in))
	out := make([]domain.Source, 0, len(in))
	for _, s := range in {
		k := Key(s)
		i, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, copySource(s))
			continue
		}
		kept := out[i]
		if s.RelevanceScore > kept.RelevanceScore {
			kept, s = copySource(s), kept
		}
		out[i] = fillMissing(kept, s)
	}
	return out
}

func fillMissing(dst, src domain.Source) domain.Source {
	if dst.DOI == "" {
		dst.DOI = src.DOI
	}
	if dst.Year == nil && src.Year != nil {
		y := *src.Year
		dst.Year = &y
	}
	if dst.Author == "" {
		dst.Author = src.Author
	}
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.Abstract == "" {
		dst.Abstract = src.Abstract
	}
	if src.CredibilityScore > dst.CredibilityScore {
		dst.CredibilityScore = src.CredibilityScore
	}
	return dst
}

func copySource(s domain.Source) domain.Source {
	if s.Year != nil {
		y := *s.Year
		s.Year = &y
	}
	s.Evidence = append([]string(nil), s.Evidence...)
	return s
}

// Filter is the source filter stage. It dedupes the candidates, drops those
// below the credibility floor or outside the age window, marks the rest
// verified, and orders them by credibility with sources carrying a DOI first
// among equals. It has no side effects and its output depends only on its
// arguments, so applying it to its own output returns the same set.
func Filter(cfg FilterConfig, candidates []domain.Source, currentYear int) []domain.Source {
	unique := Dedupe(candidates)

	kept := make([]domain.Source, 0, len(unique))
	for _, s := range unique {
		if s.CredibilityScore < cfg.MinCredibility {
			continue
		}
		if cfg.AgeLimitYears > 0 && s.Year != nil && currentYear-*s.Year > cfg.AgeLimitYears {
			continue
		}
		s.Verified = true
		kept = append(kept, s)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.CredibilityScore != b.CredibilityScore {
			return a.CredibilityScore > b.CredibilityScore
		}
		if a.HasDOI() != b.HasDOI() {
			return a.HasDOI()
		}
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		return Key(a) < Key(b)
	})

	if cfg.MaxSources > 0 && len(kept) > cfg.MaxSources {
		kept = kept[:cfg.MaxSources]
	}
	return kept
}

// Bounds returns how many verified sources a document of wordCount words
// may cite: one per wordsPerSource words, at least minVerified and at most
// maxSources.
func Bounds(wordCount, wordsPerSource, minVerified, maxSources int) int {
	if wordsPerSource <= 0 {
		wordsPerSource = 200
	}
	n := wordCount / wordsPerSource
	if n < minVerified {
		n = minVerified
	}
	if maxSources > 0 && n > maxSources {
		n = maxSources
	}
	return n
}
