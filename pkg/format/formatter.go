// Package format turns the selected draft into the delivered document.
package format

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/llm"
	"github.com/ncolesummers/handywriterz/pkg/sources"
)

var (
	titlePattern      = regexp.MustCompile(`(?m)^#\s+(.+?)\s*$`)
	referencesPattern = regexp.MustCompile(`(?im)^#{1,3}\s*(references|reference list|bibliography|works cited)\s*$`)
)

// Input is what the formatter needs for one document
type Input struct {
	Prompt     string
	Parameters domain.Parameters
	Draft      domain.Draft
	Sources    []domain.Source
	Warnings   []domain.Warning
}

// Formatter renders drafts with a title, body and reference list
type Formatter struct {
	tolerance float64
}

// NewFormatter creates a formatter. tolerance is the allowed relative word
// count deviation before a warning is attached, 0.1 by default.
func NewFormatter(tolerance float64) *Formatter {
	if tolerance <= 0 {
		tolerance = 0.1
	}
	return &Formatter{tolerance: tolerance}
}

// Format builds the final document
func (f *Formatter) Format(in Input) (*domain.FormattedDocument, error) {
	if strings.TrimSpace(in.Draft.Content) == "" {
		return nil, domain.NewError(domain.ErrFatal, fmt.Sprintf("draft %d has no content", in.Draft.Version))
	}

	title, body := splitTitle(in.Draft.Content)
	if title == "" {
		title = titleFromPrompt(in.Prompt)
	}
	body = stripReferences(body)

	style := in.Parameters.CitationStyle
	if style == "" {
		style = domain.CitationHarvard
	}

	var cited []domain.Source
	for _, s := range in.Sources {
		if sources.Cited(body, s) {
			cited = append(cited, s)
		}
	}
	if len(cited) == 0 {
		cited = in.Sources
	}
	references := sources.References(style, cited)

	doc := &domain.FormattedDocument{
		DraftVersion:  in.Draft.Version,
		Title:         title,
		Body:          body,
		References:    references,
		CitationStyle: style,
		WordCount:     llm.CountWords(body),
		Warnings:      append([]domain.Warning(nil), in.Warnings...),
	}
	if w, ok := f.wordCountWarning(doc.WordCount, in.Parameters.WordCount); ok {
		doc.Warnings = append(doc.Warnings, w)
	}
	doc.Rendered = render(doc)
	return doc, nil
}

func (f *Formatter) wordCountWarning(actual, target int) (domain.Warning, bool) {
	if target <= 0 {
		return domain.Warning{}, false
	}
	deviation := math.Abs(float64(actual-target)) / float64(target)
	if deviation <= f.tolerance {
		return domain.Warning{}, false
	}
	return domain.Warning{
		Code:    domain.WarningWordCountOutOfRange,
		Message: fmt.Sprintf("document has %d words, target was %d", actual, target),
		Node:    "formatter",
	}, true
}

// splitTitle takes the first level one heading as the title
func splitTitle(content string) (string, string) {
	loc := titlePattern.FindStringSubmatchIndex(content)
	if loc == nil {
		return "", strings.TrimSpace(content)
	}
	title := strings.TrimSpace(content[loc[2]:loc[3]])
	body := content[:loc[0]] + content[loc[1]:]
	return title, strings.TrimSpace(body)
}

// stripReferences drops any reference section the writer produced; the
// formatter renders its own from verified sources
func stripReferences(body string) string {
	loc := referencesPattern.FindStringIndex(body)
	if loc == nil {
		return body
	}
	return strings.TrimSpace(body[:loc[0]])
}

func titleFromPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if i := strings.IndexAny(prompt, ".?!\n"); i > 0 {
		prompt = prompt[:i]
	}
	words := strings.Fields(prompt)
	if len(words) == 0 {
		return "Untitled"
	}
	if len(words) > 12 {
		words = words[:12]
	}
	r, size := utf8.DecodeRuneInString(words[0])
	words[0] = string(unicode.ToUpper(r)) + words[0][size:]
	return strings.Join(words, " ")
}

func render(doc *domain.FormattedDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", doc.Title)
	b.WriteString(doc.Body)
	b.WriteString("\n")
	if len(doc.References) > 0 {
		b.WriteString("\n## References\n\n")
		for _, ref := range doc.References {
			fmt.Fprintf(&b, "%s\n\n", ref)
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
