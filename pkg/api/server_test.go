package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ncolesummers/handywriterz/internal/testutil"
	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/workflow"
)

type fakeService struct {
	mu          sync.Mutex
	submissions []domain.Submission
	requests    map[string]*domain.Request
	events      map[string][]domain.Event
	listOpts    domain.ListOptions
	submitErr   error
	cancelled   []string
	payments    map[string]string
	stats       workflow.RunPoolStats
}

func newFakeService() *fakeService {
	return &fakeService{
		requests: map[string]*domain.Request{},
		events:   map[string][]domain.Event{},
		payments: map[string]string{},
		stats:    workflow.RunPoolStats{Workers: 2, Running: true},
	}
}

func (f *fakeService) Submit(ctx context.Context, sub domain.Submission) (*domain.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submissions = append(f.submissions, sub)
	status := domain.StatusPending
	if sub.PaymentTransactionID == "pending-tx" {
		status = domain.StatusAwaitingPayment
	}
	req := &domain.Request{ID: "req-1", Status: status, Prompt: sub.Prompt}
	f.requests[req.ID] = req
	return req, nil
}

func (f *fakeService) Status(ctx context.Context, id string) (*domain.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, workflow.ErrRequestNotFound
	}
	return req, nil
}

func (f *fakeService) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return workflow.ErrRequestNotFound
	}
	if req.Status.IsTerminal() {
		return domain.NewError(domain.ErrInvalidInput, "request already finished")
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeService) List(ctx context.Context, opts domain.ListOptions) ([]*domain.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listOpts = opts
	var out []*domain.Request
	for _, req := range f.requests {
		out = append(out, req)
	}
	return out, nil
}

func (f *fakeService) ConfirmPayment(ctx context.Context, id, tx string) (*domain.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.requests[id]; !ok {
		return nil, workflow.ErrRequestNotFound
	}
	if tx == "" {
		return nil, domain.NewError(domain.ErrInvalidInput, "transaction id is required")
	}
	f.payments[id] = tx
	return &domain.Request{ID: id, Status: domain.StatusPending}, nil
}

func (f *fakeService) Subscribe(ctx context.Context, id string) (<-chan domain.Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.requests[id]; !ok {
		return nil, nil, workflow.ErrRequestNotFound
	}
	ch := make(chan domain.Event, len(f.events[id]))
	for _, ev := range f.events[id] {
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

func (f *fakeService) Stats() workflow.RunPoolStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func newTestServer(t *testing.T, svc *fakeService) *httptest.Server {
	t.Helper()
	srv := NewServer(svc, Config{
		Version:        "test",
		AllowedOrigins: []string{"https://app.example.com"},
		MaxAge:         600,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
	}, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestHealth(t *testing.T) {
	svc := newFakeService()
	ts := newTestServer(t, svc)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status  string                `json:"status"`
		Version string                `json:"version"`
		Pool    workflow.RunPoolStats `json:"pool"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, 2, body.Pool.Workers)

	svc.mu.Lock()
	svc.stats.Running = false
	svc.mu.Unlock()
	resp2, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t, newFakeService())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWrite(t *testing.T) {
	svc := newFakeService()
	ts := newTestServer(t, svc)

	body := `{"prompt":"Discuss evidence based practice","parameters":{"word_count":1000},"uploaded_file_urls":["https://files.example.com/a.pdf"]}`
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/write", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer token-123")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var got writeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "/api/stream/req-1", got.StreamURL)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.submissions, 1)
	sub := svc.submissions[0]
	assert.Equal(t, "token-123", sub.AuthToken)
	assert.Equal(t, 1000, sub.Parameters.WordCount)
	assert.Equal(t, []string{"https://files.example.com/a.pdf"}, sub.UploadedFileURLs)
}

func TestWriteAwaitingPayment(t *testing.T) {
	ts := newTestServer(t, newFakeService())

	resp, err := http.Post(ts.URL+"/api/write", "application/json",
		strings.NewReader(`{"prompt":"x","payment_transaction_id":"pending-tx"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestWriteErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantKind domain.ErrorKind
		wantMsg  string
	}{
		{
			name:     "malformed json",
			body:     `{"prompt":`,
			wantCode: http.StatusBadRequest,
			wantKind: domain.ErrInvalidInput,
		},
		{
			name:     "invalid input",
			body:     `{"prompt":""}`,
			err:      domain.NewError(domain.ErrInvalidInput, "prompt is required"),
			wantCode: http.StatusBadRequest,
			wantKind: domain.ErrInvalidInput,
			wantMsg:  "prompt is required",
		},
		{
			name:     "unauthorized",
			body:     `{"prompt":"x"}`,
			err:      domain.NewError(domain.ErrUnauthorized, "invalid token"),
			wantCode: http.StatusUnauthorized,
			wantKind: domain.ErrUnauthorized,
		},
		{
			name:     "capacity exhausted",
			body:     `{"prompt":"x"}`,
			err:      domain.NewError(domain.ErrProviderError, "workflow capacity exhausted"),
			wantCode: http.StatusServiceUnavailable,
			wantKind: domain.ErrProviderError,
			wantMsg:  "workflow capacity exhausted",
		},
		{
			name:     "fatal hides detail",
			body:     `{"prompt":"x"}`,
			err:      domain.NewError(domain.ErrFatal, "connection string leaked"),
			wantCode: http.StatusInternalServerError,
			wantKind: domain.ErrFatal,
			wantMsg:  "internal server error",
		},
		{
			name:     "plain error",
			body:     `{"prompt":"x"}`,
			err:      errors.New("disk full"),
			wantCode: http.StatusInternalServerError,
			wantKind: domain.ErrFatal,
			wantMsg:  "internal server error",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.submitErr = tt.err
			ts := newTestServer(t, svc)

			resp, err := http.Post(ts.URL+"/api/write", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			got := decodeError(t, resp)
			assert.Equal(t, tt.wantKind, got.Kind)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, got.Message)
			}
		})
	}
}

func TestStatusAndList(t *testing.T) {
	svc := newFakeService()
	svc.requests["req-7"] = &domain.Request{ID: "req-7", UserID: "user-1", Status: domain.StatusRunning}
	ts := newTestServer(t, svc)

	resp, err := http.Get(ts.URL + "/api/requests/req-7")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var req domain.Request
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&req))
	assert.Equal(t, domain.StatusRunning, req.Status)

	missing, err := http.Get(ts.URL + "/api/requests/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	list, err := http.Get(ts.URL + "/api/requests?user_id=user-1&status=running,pending&limit=5&since=2026-01-02T00:00:00Z")
	require.NoError(t, err)
	defer list.Body.Close()
	require.Equal(t, http.StatusOK, list.StatusCode)
	var body struct {
		Requests []domain.Request `json:"requests"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&body))
	assert.Len(t, body.Requests, 1)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, "user-1", svc.listOpts.UserID)
	assert.Equal(t, []domain.RequestStatus{domain.StatusRunning, domain.StatusPending}, svc.listOpts.Statuses)
	assert.Equal(t, 5, svc.listOpts.Limit)
	require.NotNil(t, svc.listOpts.Since)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), svc.listOpts.Since.UTC())

}

func TestListRejectsBadQuery(t *testing.T) {
	ts := newTestServer(t, newFakeService())

	for _, query := range []string{"limit=-1", "limit=ten", "since=yesterday"} {
		bad, err := http.Get(ts.URL + "/api/requests?" + query)
		require.NoError(t, err)
		bad.Body.Close()
		assert.Equal(t, http.StatusBadRequest, bad.StatusCode, query)
	}
}

func TestCancel(t *testing.T) {
	svc := newFakeService()
	svc.requests["req-1"] = &domain.Request{ID: "req-1", Status: domain.StatusRunning}
	svc.requests["req-2"] = &domain.Request{ID: "req-2", Status: domain.StatusSucceeded}
	ts := newTestServer(t, svc)

	tests := []struct {
		id   string
		want int
	}{
		{"req-1", http.StatusAccepted},
		{"req-2", http.StatusBadRequest},
		{"req-9", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Post(ts.URL+"/api/requests/"+tt.id+"/cancel", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.want, resp.StatusCode, tt.id)
	}
	svc.mu.Lock()
	assert.Equal(t, []string{"req-1"}, svc.cancelled)
	svc.mu.Unlock()
}

func TestPayment(t *testing.T) {
	svc := newFakeService()
	svc.requests["req-1"] = &domain.Request{ID: "req-1", Status: domain.StatusAwaitingPayment}
	ts := newTestServer(t, svc)

	resp, err := http.Post(ts.URL+"/api/requests/req-1/payment", "application/json",
		strings.NewReader(`{"transaction_id":" tx-42 "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	svc.mu.Lock()
	assert.Equal(t, "tx-42", svc.payments["req-1"])
	svc.mu.Unlock()

	empty, err := http.Post(ts.URL+"/api/requests/req-1/payment", "application/json", nil)
	require.NoError(t, err)
	defer empty.Body.Close()
	assert.Equal(t, http.StatusBadRequest, empty.StatusCode)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, newFakeService())

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/write", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "600", resp.Header.Get("Access-Control-Max-Age"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestStream(t *testing.T) {
	svc := newFakeService()
	svc.requests["req-1"] = &domain.Request{ID: "req-1", Status: domain.StatusRunning}
	svc.events["req-1"] = []domain.Event{
		{Kind: domain.EventNodeStart, RequestID: "req-1", Node: "planner", Sequence: 1},
		{Kind: domain.EventNodeComplete, RequestID: "req-1", Node: "planner", Sequence: 2},
		{Kind: domain.EventWorkflowComplete, RequestID: "req-1", Sequence: 3},
		{Kind: domain.EventNodeStart, RequestID: "req-1", Node: "late", Sequence: 4},
	}
	ts := newTestServer(t, svc)

	resp, err := http.Get(ts.URL + "/api/stream/req-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var kinds, ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	require.NoError(t, scanner.Err())

	assert.Equal(t, []string{"connected", "node_start", "node_complete", "workflow_complete"}, kinds)
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	missing, err := http.Get(ts.URL + "/api/stream/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestTracingMiddleware(t *testing.T) {
	spanRecorder := tracetest.NewSpanRecorder()
	telemetry := testutil.SetupTestTelemetry(spanRecorder, metric.NewManualReader())

	svc := newFakeService()
	srv := NewServer(svc, Config{Version: "test"}, telemetry)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/requests/missing")
	require.NoError(t, err)
	resp.Body.Close()

	// the span ends after the response is written
	require.Eventually(t, func() bool {
		return len(spanRecorder.Ended()) > 0
	}, time.Second, 5*time.Millisecond)
	spans := spanRecorder.Ended()
	span := spans[len(spans)-1]
	assert.Equal(t, "http GET /api/requests/missing", span.Name())

	var status int64
	for _, attr := range span.Attributes() {
		if attr.Key == "http.status_code" {
			status = attr.Value.AsInt64()
		}
	}
	assert.Equal(t, int64(http.StatusNotFound), status)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", tt.header)
		assert.Equal(t, tt.want, bearerToken(r), tt.header)
	}
}
