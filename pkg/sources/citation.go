package sources

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// Reference renders a reference list entry in the given style
func Reference(style domain.CitationStyle, s domain.Source) string {
	author := s.Author
	if author == "" {
		author = "Unknown Author"
	}
	title := s.Title
	if title == "" {
		title = "Untitled"
	}
	year := "n.d."
	if s.Year != nil {
		year = strconv.Itoa(*s.Year)
	}
	link := s.URL
	if doi := NormalizeDOI(s.DOI); doi != "" {
		link = "https://doi.org/" + doi
	}

	switch style {
	case domain.CitationAPA:
		return fmt.Sprintf("%s (%s). %s. %s", author, year, title, link)
	case domain.CitationMLA:
		return fmt.Sprintf("%s \"%s.\" %s, %s.", sentence(author), title, year, link)
	case domain.CitationChicago:
		return fmt.Sprintf("%s %s. \"%s.\" %s.", sentence(author), year, title, link)
	default:
		return fmt.Sprintf("%s (%s) %s. Available at: %s", author, year, title, link)
	}
}

// InText renders the in-text citation marker for a source
func InText(style domain.CitationStyle, s domain.Source) string {
	surname := surnameOf(s.Author)
	year := "n.d."
	if s.Year != nil {
		year = strconv.Itoa(*s.Year)
	}

	switch style {
	case domain.CitationMLA:
		return fmt.Sprintf("(%s)", surname)
	case domain.CitationAPA:
		return fmt.Sprintf("(%s, %s)", surname, year)
	default:
		return fmt.Sprintf("(%s %s)", surname, year)
	}
}

// References renders a sorted reference list
func References(style domain.CitationStyle, list []domain.Source) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, Reference(style, s))
	}
	sort.Strings(out)
	return out
}

func surnameOf(author string) string {
	author = strings.TrimSpace(author)
	if author == "" {
		return "Anon."
	}
	first := strings.Split(author, ",")[0]
	first = strings.Split(first, " and ")[0]
	if strings.Contains(author, ",") {
		return strings.TrimSpace(first)
	}
	parts := strings.Fields(first)
	return parts[len(parts)-1]
}

func sentence(s string) string {
	if strings.HasSuffix(s, ".") {
		return s
	}
	return s + "."
}

// Cited reports whether the body mentions the source's author surname and,
// when known, its year
func Cited(body string, s domain.Source) bool {
	surname := surnameOf(s.Author)
	if surname == "Anon." || !strings.Contains(body, surname) {
		return false
	}
	return s.Year == nil || strings.Contains(body, strconv.Itoa(*s.Year))
}
