package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies workflow failures
type ErrorKind string

const (
	ErrUnauthorized        ErrorKind = "unauthorized"
	ErrInvalidInput        ErrorKind = "invalid_input"
	ErrProviderTimeout     ErrorKind = "provider_timeout"
	ErrProviderError       ErrorKind = "provider_error"
	ErrQualityExhausted    ErrorKind = "quality_exhausted"
	ErrPlagiarismExhausted ErrorKind = "plagiarism_exhausted"
	ErrCancelled           ErrorKind = "cancelled"
	ErrFatal               ErrorKind = "fatal"
)

// Retryable reports whether a node failing with this kind may be re-run
func (k ErrorKind) Retryable() bool {
	return k == ErrProviderTimeout || k == ErrProviderError
}

// WorkflowError is the error value carried through node results and request records
type WorkflowError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Node    string    `json:"node,omitempty"`
	cause   error
}

// NewError creates a workflow error of the given kind
func NewError(kind ErrorKind, msg string) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: msg}
}

// WrapError creates a workflow error that keeps the underlying cause
func WrapError(kind ErrorKind, msg string, cause error) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: msg, cause: cause}
}

func (e *WorkflowError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: %s (node %s)", e.Kind, e.Message, e.Node)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.cause
}

// WithNode returns a copy of the error attributed to a node
func (e *WorkflowError) WithNode(node string) *WorkflowError {
	c := *e
	c.Node = node
	return &c
}

// KindOf extracts the error kind from any error. Context deadlines map to
// provider timeouts, cancellation to cancelled and anything unknown to fatal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrProviderTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return ErrFatal
}

// AsWorkflowError converts err to a WorkflowError, classifying it with KindOf
func AsWorkflowError(err error) *WorkflowError {
	if err == nil {
		return nil
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return we
	}
	return WrapError(KindOf(err), err.Error(), err)
}

// ClassifyProviderError maps an external provider failure to a workflow error kind.
// Auth rejections are unauthorized, timeouts are provider timeouts, bad requests
// are invalid input and everything else (rate limits, 5xx, connection resets) is
// a retryable provider error.
func ClassifyProviderError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrProviderTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrProviderTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid api key"), strings.Contains(msg, "invalid_api_key"):
		return ErrUnauthorized
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "504"):
		return ErrProviderTimeout
	case strings.Contains(msg, "400 bad request"), strings.Contains(msg, "invalid_request"),
		strings.Contains(msg, "422"):
		return ErrInvalidInput
	default:
		return ErrProviderError
	}
}

// ProviderFailure wraps a provider error with its classified kind
func ProviderFailure(provider string, err error) *WorkflowError {
	return WrapError(ClassifyProviderError(err), fmt.Sprintf("%s: %v", provider, err), err)
}
