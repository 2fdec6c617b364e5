package format_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/format"
)

func year(y int) *int { return &y }

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func TestFormatterBuildsDocument(t *testing.T) {
	content := "# Falls Prevention in Care Homes\n\n" +
		"Falls fell by a third after staff training (Smith 2021). " + words(90) + "\n\n" +
		"## References\n\nSmith (2021) something the writer made up"

	doc, err := format.NewFormatter(0.1).Format(format.Input{
		Prompt:     "write about falls",
		Parameters: domain.Parameters{WordCount: 100, CitationStyle: domain.CitationHarvard},
		Draft:      domain.Draft{Version: 2, Content: content},
		Sources: []domain.Source{
			{Author: "Smith, J.", Title: "Falls in care homes", Year: year(2021), URL: "https://a.org"},
			{Author: "Jones, K.", Title: "Unrelated", Year: year(2020), URL: "https://b.org"},
		},
		Warnings: []domain.Warning{{Code: domain.WarningQualityExhausted, Message: "best effort"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, doc.DraftVersion)
	assert.Equal(t, "Falls Prevention in Care Homes", doc.Title)
	assert.NotContains(t, doc.Body, "made up")
	assert.NotContains(t, doc.Body, "# Falls Prevention")
	assert.Equal(t, []string{"Smith, J. (2021) Falls in care homes. Available at: https://a.org"}, doc.References)
	assert.Equal(t, domain.CitationHarvard, doc.CitationStyle)
	assert.Equal(t, 100, doc.WordCount)
	require.Len(t, doc.Warnings, 1)
	assert.Equal(t, domain.WarningQualityExhausted, doc.Warnings[0].Code)

	assert.True(t, strings.HasPrefix(doc.Rendered, "# Falls Prevention in Care Homes\n\n"))
	assert.Contains(t, doc.Rendered, "\n## References\n\nSmith, J. (2021)")
}

func TestFormatterWordCountWarning(t *testing.T) {
	tests := []struct {
		name    string
		words   int
		warning bool
	}{
		{"exact", 1000, false},
		{"upper edge", 1100, false},
		{"lower edge", 900, false},
		{"too long", 1101, true},
		{"too short", 899, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			doc, err := format.NewFormatter(0).Format(format.Input{
				Prompt:     "an essay",
				Parameters: domain.Parameters{WordCount: 1000},
				Draft:      domain.Draft{Version: 1, Content: words(tt.words)},
			})
			require.NoError(t, err)

			found := false
			for _, w := range doc.Warnings {
				if w.Code == domain.WarningWordCountOutOfRange {
					found = true
				}
			}
			assert.Equal(t, tt.warning, found)
		})
	}
}

func TestFormatterFallsBackToPromptTitleAndAllSources(t *testing.T) {
	doc, err := format.NewFormatter(0.1).Format(format.Input{
		Prompt:     "discuss the role of nurse-led clinics. Use UK sources",
		Parameters: domain.Parameters{WordCount: 3, CitationStyle: domain.CitationAPA},
		Draft:      domain.Draft{Version: 1, Content: "no citations here"},
		Sources: []domain.Source{
			{Author: "Brown, A.", Title: "Clinics", Year: year(2022), DOI: "10.1/x"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Discuss the role of nurse-led clinics", doc.Title)
	assert.Equal(t, []string{"Brown, A. (2022). Clinics. https://doi.org/10.1/x"}, doc.References)
}

func TestFormatterRejectsEmptyDraft(t *testing.T) {
	_, err := format.NewFormatter(0.1).Format(format.Input{Draft: domain.Draft{Version: 1, Content: "  "}})
	assert.Equal(t, domain.ErrFatal, domain.KindOf(err))
}
