package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

var (
	logMu sync.RWMutex
	// logOutput is the destination for log entries. It's a variable to allow redirection in tests.
	logOutput io.Writer = os.Stdout
	minLevel            = LogLevelInfo
)

// SetLogOutput sets the output destination for the structured logger.
func SetLogOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logOutput = w
}

// SetLogLevel sets the minimum severity written by every logger.
// Unknown values fall back to info.
func SetLogLevel(level string) {
	l := LogLevel(strings.ToUpper(strings.TrimSpace(level)))
	if _, ok := levelRank[l]; !ok {
		l = LogLevelInfo
	}
	logMu.Lock()
	defer logMu.Unlock()
	minLevel = l
}

// StructuredLogger provides structured logging with trace correlation
type StructuredLogger struct {
	output    io.Writer
	component string
	fields    map[string]interface{}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(component string) *StructuredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	return &StructuredLogger{
		output:    logOutput,
		component: component,
	}
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Severity   LogLevel               `json:"severity"`
	Component  string                 `json:"component"`
	Message    string                 `json:"message"`
	TraceID    string                 `json:"trace_id,omitempty"`
	SpanID     string                 `json:"span_id,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// extractTraceInfo extracts trace and span IDs from context
func extractTraceInfo(ctx context.Context) (traceID, spanID string) {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		traceID = spanCtx.TraceID().String()
		spanID = spanCtx.SpanID().String()
	}
	return traceID, spanID
}

func enabled(level LogLevel) bool {
	logMu.RLock()
	defer logMu.RUnlock()
	return levelRank[level] >= levelRank[minLevel]
}

// log writes a structured log entry
func (l *StructuredLogger) log(ctx context.Context, level LogLevel, message string, attrs map[string]interface{}) {
	if !enabled(level) {
		return
	}
	traceID, spanID := extractTraceInfo(ctx)

	if len(l.fields) > 0 {
		merged := make(map[string]interface{}, len(l.fields)+len(attrs))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range attrs {
			merged[k] = v
		}
		attrs = merged
	}

	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Severity:   level,
		Component:  l.component,
		Message:    message,
		TraceID:    traceID,
		SpanID:     spanID,
		Attributes: attrs,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fallback to simple logging if marshaling fails
		fmt.Fprintf(l.output, "[%s] %s: %s\n", level, l.component, message)
		return
	}

	fmt.Fprintln(l.output, string(data))
}

func firstAttrs(attrs []map[string]interface{}) map[string]interface{} {
	if len(attrs) > 0 {
		return attrs[0]
	}
	return nil
}

// Debug logs a debug message
func (l *StructuredLogger) Debug(ctx context.Context, message string, attrs ...map[string]interface{}) {
	l.log(ctx, LogLevelDebug, message, firstAttrs(attrs))
}

// Info logs an info message
func (l *StructuredLogger) Info(ctx context.Context, message string, attrs ...map[string]interface{}) {
	l.log(ctx, LogLevelInfo, message, firstAttrs(attrs))
}

// Warn logs a warning message
func (l *StructuredLogger) Warn(ctx context.Context, message string, attrs ...map[string]interface{}) {
	l.log(ctx, LogLevelWarn, message, firstAttrs(attrs))
}

// Error logs an error message
func (l *StructuredLogger) Error(ctx context.Context, message string, err error, attrs ...map[string]interface{}) {
	attributes := make(map[string]interface{})
	for k, v := range firstAttrs(attrs) {
		attributes[k] = v
	}
	if err != nil {
		attributes["error"] = err.Error()
	}

	l.log(ctx, LogLevelError, message, attributes)
}

// WithRequest returns a logger that tags every entry with the request id
func (l *StructuredLogger) WithRequest(requestID string) *StructuredLogger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields["request_id"] = requestID
	return &StructuredLogger{
		output:    l.output,
		component: l.component,
		fields:    fields,
	}
}
