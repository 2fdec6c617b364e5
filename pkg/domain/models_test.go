package domain_test

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from domain.RequestStatus
		to   domain.RequestStatus
		want bool
	}{
		{"pending to running", domain.StatusPending, domain.StatusRunning, true},
		{"pending to awaiting payment", domain.StatusPending, domain.StatusAwaitingPayment, true},
		{"awaiting payment to running", domain.StatusAwaitingPayment, domain.StatusRunning, true},
		{"running to succeeded", domain.StatusRunning, domain.StatusSucceeded, true},
		{"running to cancelled", domain.StatusRunning, domain.StatusCancelled, true},
		{"running back to pending", domain.StatusRunning, domain.StatusPending, false},
		{"succeeded to running", domain.StatusSucceeded, domain.StatusRunning, false},
		{"failed to succeeded", domain.StatusFailed, domain.StatusSucceeded, false},
		{"pending straight to succeeded", domain.StatusPending, domain.StatusSucceeded, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.CanTransition(tt.from, tt.to))
		})
	}
}

func TestRequestTransition(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	req := &domain.Request{ID: "r1", Status: domain.StatusPending}

	require.NoError(t, req.Transition(domain.StatusRunning, now))
	assert.Nil(t, req.CompletedAt)

	require.NoError(t, req.Transition(domain.StatusSucceeded, now.Add(time.Minute)))
	require.NotNil(t, req.CompletedAt)
	assert.Equal(t, now.Add(time.Minute), *req.CompletedAt)

	err := req.Transition(domain.StatusRunning, now.Add(2*time.Minute))
	assert.Error(t, err)
	assert.Equal(t, domain.StatusSucceeded, req.Status)
}

func TestParametersValidate(t *testing.T) {
	valid := domain.Parameters{
		WordCount:           1500,
		Field:               "nursing",
		DocumentType:        domain.DocumentEssay,
		CitationStyle:       domain.CitationHarvard,
		Region:              domain.RegionUK,
		SourceAgeLimitYears: 5,
	}

	tests := []struct {
		name    string
		mutate  func(p *domain.Parameters)
		wantErr bool
	}{
		{"valid", func(p *domain.Parameters) {}, false},
		{"zero word count", func(p *domain.Parameters) { p.WordCount = 0 }, true},
		{"negative word count", func(p *domain.Parameters) { p.WordCount = -10 }, true},
		{"zero age limit", func(p *domain.Parameters) { p.SourceAgeLimitYears = 0 }, true},
		{"unknown citation style", func(p *domain.Parameters) { p.CitationStyle = "ieee" }, true},
		{"unknown document type", func(p *domain.Parameters) { p.DocumentType = "poem" }, true},
		{"unknown region", func(p *domain.Parameters) { p.Region = "mars" }, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.ErrInvalidInput, domain.KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParametersNormalize(t *testing.T) {
	p := domain.Parameters{WordCount: 500, SourceAgeLimitYears: 3, Field: "  Nursing ", CitationStyle: "APA"}.Normalize()

	assert.Equal(t, "nursing", p.Field)
	assert.Equal(t, domain.CitationAPA, p.CitationStyle)
	assert.Equal(t, domain.DocumentEssay, p.DocumentType)
	assert.Equal(t, domain.RegionGeneral, p.Region)
	assert.NoError(t, p.Validate())
}

func TestPlagiarismReportIsClean(t *testing.T) {
	tests := []struct {
		name   string
		report domain.PlagiarismReport
		want   bool
	}{
		{"clean", domain.PlagiarismReport{Status: domain.PlagiarismCompleted, SimilarityScore: 4}, true},
		{"at threshold", domain.PlagiarismReport{Status: domain.PlagiarismCompleted, SimilarityScore: 10}, true},
		{"similar", domain.PlagiarismReport{Status: domain.PlagiarismCompleted, SimilarityScore: 50}, false},
		{"ai content", domain.PlagiarismReport{Status: domain.PlagiarismCompleted, SimilarityScore: 2, AIScore: 12}, false},
		{"still processing", domain.PlagiarismReport{Status: domain.PlagiarismProcessing}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.report.IsClean(10))
		})
	}
}

func TestSourceHasDOI(t *testing.T) {
	assert.True(t, domain.Source{DOI: "10.1000/xyz123"}.HasDOI())
	assert.False(t, domain.Source{DOI: ""}.HasDOI())
	assert.False(t, domain.Source{DOI: "not-a-doi"}.HasDOI())
}

func TestDraftContentHash(t *testing.T) {
	a := domain.Draft{Version: 1, Content: "same text"}
	b := domain.Draft{Version: 2, Content: "same text"}
	c := domain.Draft{Version: 3, Content: "other text"}

	assert.Equal(t, a.ContentHash(), b.ContentHash())
	assert.NotEqual(t, a.ContentHash(), c.ContentHash())
}

func TestEventKindIsTerminal(t *testing.T) {
	assert.True(t, domain.EventWorkflowComplete.IsTerminal())
	assert.True(t, domain.EventWorkflowFailed.IsTerminal())
	assert.False(t, domain.EventNodeFailed.IsTerminal())
	assert.False(t, domain.EventNodeStart.IsTerminal())
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"shorter than limit", "essay", 10, "essay"},
		{"ascii cut", "evidence", 4, "evid"},
		{"zero limit", "evidence", 0, ""},
		{"cut inside two-byte rune", "café au lait", 4, "caf"},
		{"cut after two-byte rune", "café au lait", 5, "café"},
		{"cut inside three-byte rune", "a€b", 2, "a"},
		{"cut inside four-byte rune", "ok😀", 5, "ok"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := domain.Truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), len(tt.in))
		})
	}
}

func TestRequestSummarizeKeepsValidUTF8(t *testing.T) {
	req := &domain.Request{ID: "r1", Prompt: strings.Repeat("a", 119) + strings.Repeat("é", 10)}
	summary := req.Summarize()
	assert.True(t, utf8.ValidString(summary.Prompt))
	assert.Equal(t, strings.Repeat("a", 119)+"...", summary.Prompt)

	short := &domain.Request{ID: "r2", Prompt: "Discuss nurse staffing"}
	assert.Equal(t, "Discuss nurse staffing", short.Summarize().Prompt)
}
