package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTimeout provides a standard timeout for test contexts
const TestTimeout = 5 * time.Second

// NewTestContext creates a context with standard test timeout
func NewTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	t.Cleanup(cancel)
	return ctx
}

// NewTestParameters returns valid parameters for a nursing essay
func NewTestParameters(wordCount int) domain.Parameters {
	return domain.Parameters{
		WordCount:           wordCount,
		Field:               "nursing",
		DocumentType:        domain.DocumentEssay,
		CitationStyle:       domain.CitationHarvard,
		Region:              domain.RegionUK,
		SourceAgeLimitYears: 10,
	}
}

// NewTestRequest creates a pending writing request
func NewTestRequest(prompt string) *domain.Request {
	now := time.Now().UTC()
	return &domain.Request{
		ID:         "test-req-1",
		Status:     domain.StatusPending,
		Prompt:     prompt,
		Parameters: NewTestParameters(1000),
		AuthToken:  "test-token",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewTestSource creates a credible source published in year
func NewTestSource(n int, provider string, year int) domain.Source {
	y := year
	return domain.Source{
		URL:              fmt.Sprintf("https://journals.example.ac.uk/article/%d", n),
		DOI:              fmt.Sprintf("10.1000/test.%d", n),
		Title:            fmt.Sprintf("Evidence based nursing practice %d", n),
		Author:           fmt.Sprintf("Author%d, A.", n),
		Year:             &y,
		Provider:         provider,
		CredibilityScore: 0.8,
		RelevanceScore:   0.7,
	}
}

// Words returns n filler words
func Words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

// SetupTestTelemetry creates test telemetry with span recorder and metric reader
func SetupTestTelemetry(spanRecorder *tracetest.SpanRecorder, metricReader metric.Reader) *observability.Telemetry {
	tracerProvider := trace.NewTracerProvider(
		trace.WithSpanProcessor(spanRecorder),
	)
	otel.SetTracerProvider(tracerProvider)

	meterProvider := metric.NewMeterProvider(
		metric.WithReader(metricReader),
	)
	otel.SetMeterProvider(meterProvider)

	return observability.NewTelemetryWithProviders("test-service", tracerProvider, meterProvider)
}
