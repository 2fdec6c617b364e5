package plagiarism_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/plagiarism"
)

func TestHTTPChecker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tii-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/submissions":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "draft text", body["content"])
			_, _ = w.Write([]byte(`{"id": "sub-1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/submissions/sub-1":
			_, _ = w.Write([]byte(`{"id": "sub-1", "status": "COMPLETED", "similarity_score": 12.5, "ai_score": 0,
				"highlighted_sections": [{"start": 0, "end": 5, "text": "draft", "similarity": 80, "matched_url": "https://x.org"}]}`))
		case r.URL.Path == "/submissions/missing":
			http.Error(w, "not found", http.StatusNotFound)
		default:
			http.Error(w, "unexpected", http.StatusBadRequest)
		}
	}))
	defer server.Close()

	checker := plagiarism.NewHTTPChecker(server.URL+"/", "tii-key", time.Second)

	id, err := checker.Submit(context.Background(), "draft text")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)

	report, err := checker.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.PlagiarismCompleted, report.Status)
	assert.Equal(t, 12.5, report.SimilarityScore)
	require.Len(t, report.HighlightedSections, 1)
	assert.Equal(t, "https://x.org", report.HighlightedSections[0].MatchedURL)

	_, err = checker.Status(context.Background(), "missing")
	assert.Error(t, err)
}

type scriptedChecker struct {
	mu        sync.Mutex
	statuses  []domain.PlagiarismStatus
	submits   int
	polls     int
	submitErr error
}

func (c *scriptedChecker) Submit(ctx context.Context, content string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	return "sub", c.submitErr
}

func (c *scriptedChecker) Status(ctx context.Context, id string) (*domain.PlagiarismReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := domain.PlagiarismProcessing
	if c.polls < len(c.statuses) {
		status = c.statuses[c.polls]
	}
	c.polls++
	return &domain.PlagiarismReport{Status: status, SimilarityScore: 4}, nil
}

func fastPolls(maxPolls, resubmits int) plagiarism.PollConfig {
	return plagiarism.PollConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
		MaxPolls:        maxPolls,
		MaxResubmits:    resubmits,
	}
}

func TestPollerWaitsForCompletedReport(t *testing.T) {
	checker := &scriptedChecker{statuses: []domain.PlagiarismStatus{
		domain.PlagiarismPending, domain.PlagiarismProcessing, domain.PlagiarismCompleted,
	}}
	poller := plagiarism.NewPoller(checker, fastPolls(5, 0), nil)

	report, err := poller.Check(context.Background(), "req-1", "text", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.DraftVersion)
	assert.Equal(t, "sub", report.SubmissionID)
	assert.Equal(t, 3, checker.polls)
}

func TestPollerTimesOutAfterMaxPolls(t *testing.T) {
	checker := &scriptedChecker{}
	poller := plagiarism.NewPoller(checker, fastPolls(4, 0), nil)

	_, err := poller.Check(context.Background(), "req-1", "text", 1)
	require.Error(t, err)
	assert.Equal(t, domain.ErrProviderTimeout, domain.KindOf(err))
	assert.Equal(t, 4, checker.polls)
}

func TestPollerResubmitsFailedReportsThenFails(t *testing.T) {
	checker := &scriptedChecker{statuses: []domain.PlagiarismStatus{
		domain.PlagiarismFailed, domain.PlagiarismFailed, domain.PlagiarismFailed,
	}}
	poller := plagiarism.NewPoller(checker, fastPolls(3, 2), nil)

	_, err := poller.Check(context.Background(), "req-1", "text", 1)
	require.Error(t, err)
	assert.Equal(t, domain.ErrFatal, domain.KindOf(err))
	assert.Equal(t, 3, checker.submits)
}

func TestPollerRecoversAfterOneFailedReport(t *testing.T) {
	checker := &scriptedChecker{statuses: []domain.PlagiarismStatus{
		domain.PlagiarismFailed, domain.PlagiarismCompleted,
	}}
	poller := plagiarism.NewPoller(checker, fastPolls(3, 1), nil)

	report, err := poller.Check(context.Background(), "req-1", "text", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PlagiarismCompleted, report.Status)
	assert.Equal(t, 2, checker.submits)
}

func TestPollerSubmitFailureIsClassified(t *testing.T) {
	checker := &scriptedChecker{submitErr: errors.New("401 unauthorized")}
	_, err := plagiarism.NewPoller(checker, fastPolls(3, 0), nil).Check(context.Background(), "req-1", "text", 1)
	assert.Equal(t, domain.ErrUnauthorized, domain.KindOf(err))
}

func TestPollerObservesCancellation(t *testing.T) {
	checker := &scriptedChecker{}
	cfg := fastPolls(100, 0)
	cfg.InitialInterval = 50 * time.Millisecond
	cfg.MaxInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := plagiarism.NewPoller(checker, cfg, nil).Check(ctx, "req-1", "text", 1)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, checker.polls, 3)
}

func TestLoopNext(t *testing.T) {
	cfg := plagiarism.DefaultLoopConfig()
	clean := domain.PlagiarismReport{Status: domain.PlagiarismCompleted, SimilarityScore: 10}
	similar := domain.PlagiarismReport{Status: domain.PlagiarismCompleted, SimilarityScore: 50}
	aiFlagged := domain.PlagiarismReport{Status: domain.PlagiarismCompleted, SimilarityScore: 2, AIScore: 15}

	assert.Equal(t, domain.PlagiarismClean, cfg.Next(clean, 1))
	assert.Equal(t, domain.PlagiarismNeedsRevision, cfg.Next(similar, 1))
	assert.Equal(t, domain.PlagiarismNeedsRevision, cfg.Next(aiFlagged, 2))
	assert.Equal(t, domain.PlagiarismExhausted, cfg.Next(similar, 3))
	assert.Equal(t, domain.PlagiarismClean, cfg.Next(clean, 3))
}
