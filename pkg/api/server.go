// Package api exposes the writing service over HTTP: submission, status,
// cancellation, payment confirmation and server-sent event streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/observability"
	"github.com/ncolesummers/handywriterz/pkg/workflow"
)

// WritingService is the part of the workflow service the server calls
type WritingService interface {
	domain.WritingService
	ConfirmPayment(ctx context.Context, requestID, transactionID string) (*domain.Request, error)
	Subscribe(ctx context.Context, requestID string) (<-chan domain.Event, func(), error)
	Stats() workflow.RunPoolStats
}

var _ WritingService = (*workflow.Service)(nil)

// Config holds server settings
type Config struct {
	Version        string
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
	// Heartbeat is the interval of SSE keep-alive comments
	Heartbeat time.Duration
	// MetricsHandler serves /metrics; promhttp.Handler() when nil
	MetricsHandler http.Handler
}

// Server routes HTTP calls to the writing service
type Server struct {
	svc       WritingService
	cfg       Config
	telemetry *observability.Telemetry
	logger    *observability.StructuredLogger
}

// NewServer creates a server. telemetry may be nil.
func NewServer(svc WritingService, cfg Config, telemetry *observability.Telemetry) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = []string{"Authorization", "Content-Type"}
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	return &Server{
		svc:       svc,
		cfg:       cfg,
		telemetry: telemetry,
		logger:    observability.NewStructuredLogger("api"),
	}
}

// Routes returns the HTTP handler of the server
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	mux.HandleFunc("POST /api/write", s.handleWrite)
	mux.HandleFunc("GET /api/requests", s.handleList)
	mux.HandleFunc("GET /api/requests/{id}", s.handleStatus)
	mux.HandleFunc("POST /api/requests/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/requests/{id}/payment", s.handlePayment)
	mux.HandleFunc("GET /api/stream/{id}", s.handleStream)
	return s.withCORS(s.withTracing(mux))
}

type writeRequest struct {
	Prompt               string            `json:"prompt"`
	Parameters           domain.Parameters `json:"parameters"`
	PaymentTransactionID string            `json:"payment_transaction_id,omitempty"`
	UploadedFileURLs     []string          `json:"uploaded_file_urls,omitempty"`
}

type writeResponse struct {
	RequestID string               `json:"request_id"`
	Status    domain.RequestStatus `json:"status"`
	StreamURL string               `json:"stream_url"`
	Quote     float64              `json:"quote,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.svc.Stats()
	status := http.StatusOK
	state := "ok"
	if !stats.Running {
		status = http.StatusServiceUnavailable
		state = "stopped"
	}
	writeJSON(w, status, map[string]any{
		"status":  state,
		"version": s.cfg.Version,
		"pool":    stats,
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var body writeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, domain.NewError(domain.ErrInvalidInput, fmt.Sprintf("invalid json: %v", err)))
		return
	}

	req, err := s.svc.Submit(r.Context(), domain.Submission{
		Prompt:               body.Prompt,
		Parameters:           body.Parameters,
		AuthToken:            bearerToken(r),
		PaymentTransactionID: body.PaymentTransactionID,
		UploadedFileURLs:     body.UploadedFileURLs,
	})
	if err != nil {
		s.logFailure(r, err)
		writeErr(w, err)
		return
	}

	code := http.StatusAccepted
	if req.Status == domain.StatusAwaitingPayment {
		code = http.StatusPaymentRequired
	}
	writeJSON(w, code, writeResponse{
		RequestID: req.ID,
		Status:    req.Status,
		StreamURL: "/api/stream/" + req.ID,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := domain.ListOptions{UserID: strings.TrimSpace(q.Get("user_id"))}
	for _, raw := range strings.Split(q.Get("status"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			opts.Statuses = append(opts.Statuses, domain.RequestStatus(raw))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeErr(w, domain.NewError(domain.ErrInvalidInput, "limit must be a non-negative integer"))
			return
		}
		opts.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErr(w, domain.NewError(domain.ErrInvalidInput, "since must be an RFC 3339 timestamp"))
			return
		}
		opts.Since = &since
	}

	reqs, err := s.svc.List(r.Context(), opts)
	if err != nil {
		s.logFailure(r, err)
		writeErr(w, err)
		return
	}
	if reqs == nil {
		reqs = []*domain.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"request_id": id, "cancel_requested": true})
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TransactionID string `json:"transaction_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, domain.NewError(domain.ErrInvalidInput, fmt.Sprintf("invalid json: %v", err)))
			return
		}
	}

	req, err := s.svc.ConfirmPayment(r.Context(), r.PathValue("id"), strings.TrimSpace(body.TransactionID))
	if err != nil {
		s.logFailure(r, err)
		writeErr(w, err)
		return
	}
	code := http.StatusAccepted
	if req.Status == domain.StatusAwaitingPayment {
		code = http.StatusPaymentRequired
	}
	writeJSON(w, code, writeResponse{RequestID: req.ID, Status: req.Status, StreamURL: "/api/stream/" + req.ID})
}

// handleStream relays request events as server-sent events: a connected
// preamble, every event so far, then live events until the terminal one
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, errors.New("streaming unsupported"))
		return
	}

	events, cancel, err := s.svc.Subscribe(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "connected", "", map[string]any{"request_id": id}); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, string(ev.Kind), strconv.FormatInt(ev.Sequence, 10), ev); err != nil {
				s.logger.Debug(r.Context(), "Stream client gone", map[string]interface{}{"request_id": id})
				return
			}
			flusher.Flush()
			if ev.Kind.IsTerminal() {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *Server) logFailure(r *http.Request, err error) {
	kind := domain.KindOf(err)
	if kind == domain.ErrInvalidInput || kind == domain.ErrUnauthorized || errors.Is(err, workflow.ErrRequestNotFound) {
		return
	}
	s.logger.Error(r.Context(), "Request handling failed", err, map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
	})
}

// bearerToken returns the token of an "Authorization: Bearer" header
func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

type errorBody struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps err to a status code. Only workflow errors carry their
// message to the client.
func writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, workflow.ErrRequestNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": errorBody{Kind: domain.ErrInvalidInput, Message: err.Error()}})
		return
	}

	var werr *domain.WorkflowError
	if !errors.As(err, &werr) || werr.Kind == domain.ErrFatal {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": errorBody{Kind: domain.ErrFatal, Message: "internal server error"}})
		return
	}
	writeJSON(w, statusFor(werr.Kind), map[string]any{"error": errorBody{Kind: werr.Kind, Message: werr.Message}})
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrInvalidInput:
		return http.StatusBadRequest
	case domain.ErrUnauthorized:
		return http.StatusUnauthorized
	case domain.ErrCancelled:
		return http.StatusConflict
	case domain.ErrProviderError, domain.ErrProviderTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	origins := strings.Join(s.cfg.AllowedOrigins, ", ")
	methods := strings.Join(s.cfg.AllowedMethods, ",")
	headers := strings.Join(s.cfg.AllowedHeaders, ",")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origins)
		w.Header().Set("Access-Control-Allow-Headers", headers)
		w.Header().Set("Access-Control-Allow-Methods", methods)
		if s.cfg.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(s.cfg.MaxAge))
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder keeps the response code for the request span and still
// lets SSE handlers flush
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withTracing(next http.Handler) http.Handler {
	if s.telemetry == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.telemetry.StartSpan(r.Context(), "http "+r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
	})
}
