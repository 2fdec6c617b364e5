package observability

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics
type Metrics struct {
	meter metric.Meter

	// Counters
	requestsTotal         metric.Int64Counter
	nodeExecutionsTotal   metric.Int64Counter
	nodeRetriesTotal      metric.Int64Counter
	providerRequestsTotal metric.Int64Counter
	sourcesFoundTotal     metric.Int64Counter
	generationIterations  metric.Int64Counter
	plagiarismChecksTotal metric.Int64Counter
	llmRequestsTotal      metric.Int64Counter
	llmTokensUsedTotal    metric.Int64Counter
	eventsPublishedTotal  metric.Int64Counter

	// Histograms
	requestDuration    metric.Float64Histogram
	nodeDuration       metric.Float64Histogram
	llmRequestDuration metric.Float64Histogram
	qualityScore       metric.Float64Histogram

	// Gauges
	activeRequests metric.Int64ObservableGauge
	queuedRequests metric.Int64ObservableGauge

	activeRequestCount atomic.Int64
	queuedRequestCount atomic.Int64
}

// NewMetrics creates and initializes all metrics
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		meter: meter,
	}

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&m.requestsTotal, "writing_requests_total", "Total number of writing requests by final status"},
		{&m.nodeExecutionsTotal, "workflow_node_executions_total", "Total number of workflow node executions"},
		{&m.nodeRetriesTotal, "workflow_node_retries_total", "Total number of workflow node retries"},
		{&m.providerRequestsTotal, "research_provider_requests_total", "Total number of research provider searches"},
		{&m.sourcesFoundTotal, "research_sources_found_total", "Total number of candidate sources returned by providers"},
		{&m.generationIterations, "generation_iterations_total", "Total number of drafts generated"},
		{&m.plagiarismChecksTotal, "plagiarism_checks_total", "Total number of plagiarism checks by outcome"},
		{&m.llmRequestsTotal, "llm_requests_total", "Total number of LLM requests"},
		{&m.llmTokensUsedTotal, "llm_tokens_used_total", "Total number of LLM tokens used"},
		{&m.eventsPublishedTotal, "workflow_events_published_total", "Total number of workflow events published"},
	}

	var err error
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(
			c.name,
			metric.WithDescription(c.description),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, err
		}
	}

	m.requestDuration, err = meter.Float64Histogram(
		"writing_request_duration_seconds",
		metric.WithDescription("Duration of writing requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.nodeDuration, err = meter.Float64Histogram(
		"workflow_node_duration_seconds",
		metric.WithDescription("Duration of workflow node executions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.llmRequestDuration, err = meter.Float64Histogram(
		"llm_request_duration_seconds",
		metric.WithDescription("Duration of LLM requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.qualityScore, err = meter.Float64Histogram(
		"draft_quality_score",
		metric.WithDescription("Aggregated evaluator score per draft"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.activeRequests, err = meter.Int64ObservableGauge(
		"active_writing_requests",
		metric.WithDescription("Number of running writing requests"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.activeRequestCount.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	m.queuedRequests, err = meter.Int64ObservableGauge(
		"queued_writing_requests",
		metric.WithDescription("Number of writing requests waiting for a worker"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.queuedRequestCount.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRequestQueued records a request entering the run queue
func (m *Metrics) RecordRequestQueued(ctx context.Context) {
	m.queuedRequestCount.Add(1)
}

// RecordRequestStarted records a request leaving the queue for a worker
func (m *Metrics) RecordRequestStarted(ctx context.Context) {
	m.queuedRequestCount.Add(-1)
	m.activeRequestCount.Add(1)
}

// RecordRequestComplete records the terminal status of a request
func (m *Metrics) RecordRequestComplete(ctx context.Context, duration time.Duration, status string) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
	m.activeRequestCount.Add(-1)
}

// RecordNodeExecution records one node attempt
func (m *Metrics) RecordNodeExecution(ctx context.Context, node string, duration time.Duration, status string) {
	attrs := metric.WithAttributes(
		attribute.String("node", node),
		attribute.String("status", status),
	)
	m.nodeExecutionsTotal.Add(ctx, 1, attrs)
	m.nodeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordNodeRetry records a node being scheduled for another attempt
func (m *Metrics) RecordNodeRetry(ctx context.Context, node, kind string) {
	m.nodeRetriesTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("node", node),
			attribute.String("kind", kind),
		),
	)
}

// RecordProviderSearch records a research provider search
func (m *Metrics) RecordProviderSearch(ctx context.Context, provider string, sources int, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.providerRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	if sources > 0 {
		m.sourcesFoundTotal.Add(ctx, int64(sources),
			metric.WithAttributes(attribute.String("provider", provider)),
		)
	}
}

// RecordGeneration records a generated draft and its aggregated score
func (m *Metrics) RecordGeneration(ctx context.Context, score float64) {
	m.generationIterations.Add(ctx, 1)
	m.qualityScore.Record(ctx, score)
}

// RecordPlagiarismCheck records the outcome of one plagiarism check
func (m *Metrics) RecordPlagiarismCheck(ctx context.Context, outcome string) {
	m.plagiarismChecksTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordLLMRequest records an LLM request
func (m *Metrics) RecordLLMRequest(ctx context.Context, model string, promptTokens, completionTokens int64, duration time.Duration) {
	m.llmRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
		),
	)

	m.llmTokensUsedTotal.Add(ctx, promptTokens+completionTokens,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("type", "total"),
		),
	)

	m.llmRequestDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("model", model),
		),
	)
}

// RecordEventPublished records a published workflow event
func (m *Metrics) RecordEventPublished(ctx context.Context, kind string) {
	m.eventsPublishedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// GetActiveRequestCount returns the current number of running requests
func (m *Metrics) GetActiveRequestCount() int64 {
	return m.activeRequestCount.Load()
}

// GetQueuedRequestCount returns the current number of queued requests
func (m *Metrics) GetQueuedRequestCount() int64 {
	return m.queuedRequestCount.Load()
}
