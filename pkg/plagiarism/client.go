// Package plagiarism talks to the external similarity service and drives
// the check and revise loop around it.
package plagiarism

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// HTTPChecker implements domain.PlagiarismChecker against a Turnitin style
// REST API: POST /submissions and GET /submissions/{id}
type HTTPChecker struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

type submitRequest struct {
	Content string `json:"content"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	ID                  string        `json:"id"`
	Status              string        `json:"status"`
	SimilarityScore     float64       `json:"similarity_score"`
	AIScore             float64       `json:"ai_score"`
	HighlightedSections []domain.Span `json:"highlighted_sections"`
}

// NewHTTPChecker creates a checker client
func NewHTTPChecker(baseURL, apiKey string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPChecker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Submit uploads a draft for checking
func (c *HTTPChecker) Submit(ctx context.Context, content string) (string, error) {
	body, err := json.Marshal(submitRequest{Content: content})
	if err != nil {
		return "", fmt.Errorf("failed to marshal submission: %w", err)
	}

	var out submitResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/submissions", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("plagiarism service returned no submission id")
	}
	return out.ID, nil
}

// Status fetches the report of a submission
func (c *HTTPChecker) Status(ctx context.Context, submissionID string) (*domain.PlagiarismReport, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/submissions/"+url.PathEscape(submissionID), nil, &out); err != nil {
		return nil, err
	}

	status := domain.PlagiarismStatus(strings.ToLower(out.Status))
	switch status {
	case domain.PlagiarismPending, domain.PlagiarismProcessing, domain.PlagiarismCompleted, domain.PlagiarismFailed:
	default:
		return nil, fmt.Errorf("plagiarism service returned unknown status %q", out.Status)
	}

	return &domain.PlagiarismReport{
		SubmissionID:        submissionID,
		SimilarityScore:     out.SimilarityScore,
		AIScore:             out.AIScore,
		Status:              status,
		HighlightedSections: out.HighlightedSections,
		CheckedAt:           c.now().UTC(),
	}, nil
}

func (c *HTTPChecker) do(ctx context.Context, method, endpoint string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("plagiarism service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
