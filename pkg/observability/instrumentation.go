package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentWorkflowNode wraps one attempt of a workflow node with a span
func (t *Telemetry) InstrumentWorkflowNode(ctx context.Context, requestID, nodeName string, attempt int, fn func(context.Context) error) error {
	ctx, span := t.StartSpan(ctx, fmt.Sprintf("workflow.node.%s", nodeName),
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("node.name", nodeName),
			attribute.Int("node.attempt", attempt),
		),
	)
	defer span.End()

	startTime := time.Now()
	err := fn(ctx)
	duration := time.Since(startTime)

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration.seconds", duration.Seconds()),
	)

	return err
}

// InstrumentLLMCall wraps an LLM call with observability
func (t *Telemetry) InstrumentLLMCall(ctx context.Context, provider, model string, fn func(context.Context) (promptTokens, completionTokens int, err error)) error {
	ctx, span := t.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.String("llm.provider", provider),
		),
	)
	defer span.End()

	startTime := time.Now()
	promptTokens, completionTokens, err := fn(ctx)
	duration := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", promptTokens),
			attribute.Int("llm.completion_tokens", completionTokens),
			attribute.Int("llm.total_tokens", promptTokens+completionTokens),
		)
	}

	span.SetAttributes(
		attribute.Float64("duration.seconds", duration.Seconds()),
	)

	return err
}

// InstrumentResearchProvider wraps one research provider search
func (t *Telemetry) InstrumentResearchProvider(ctx context.Context, provider string, fn func(context.Context) (int, error)) error {
	ctx, span := t.StartSpan(ctx, "research.provider",
		trace.WithAttributes(
			attribute.String("provider.name", provider),
		),
	)
	defer span.End()

	count, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int("provider.sources", count))
	return nil
}

// StartPlagiarismPoll starts a span covering one submit-and-poll cycle
func (t *Telemetry) StartPlagiarismPoll(ctx context.Context, requestID string, draftVersion, attempt int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "plagiarism.poll",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.Int("draft.version", draftVersion),
			attribute.Int("plagiarism.attempt", attempt),
		),
	)
}

// StartWritingRequest starts a root span for a writing request
func (t *Telemetry) StartWritingRequest(ctx context.Context, requestID, userID string, wordCount int, field string) (context.Context, trace.Span) {
	ctx, span := t.StartSpan(ctx, "writing.request",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("user.id", userID),
			attribute.Int("request.word_count", wordCount),
			attribute.String("request.field", field),
			attribute.String("complexity", estimateComplexity(wordCount)),
		),
	)
	return ctx, span
}

func estimateComplexity(wordCount int) string {
	if wordCount < 1000 {
		return "low"
	} else if wordCount < 4000 {
		return "medium"
	}
	return "high"
}

// EndSpan finishes a span, recording err when non-nil
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
