package domain

import "time"

// EventKind identifies a workflow event
type EventKind string

const (
	EventNodeStart        EventKind = "node_start"
	EventNodeProgress     EventKind = "node_progress"
	EventNodeComplete     EventKind = "node_complete"
	EventNodeFailed       EventKind = "node_failed"
	EventWorkflowComplete EventKind = "workflow_complete"
	EventWorkflowFailed   EventKind = "workflow_failed"
)

// IsTerminal reports whether no further events follow this one on the topic
func (k EventKind) IsTerminal() bool {
	return k == EventWorkflowComplete || k == EventWorkflowFailed
}

// Event is one entry of a request's event topic
type Event struct {
	Kind            EventKind      `json:"type"`
	RequestID       string         `json:"request_id"`
	Node            string         `json:"node,omitempty"`
	Sequence        int64          `json:"sequence"`
	ProgressPercent *float64       `json:"progress_percent,omitempty"`
	OverallPercent  *float64       `json:"overall_percent,omitempty"`
	Message         string         `json:"message,omitempty"`
	Error           *WorkflowError `json:"error,omitempty"`
	Result          *RequestResult `json:"result,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Percent is a helper to build the optional progress fields
func Percent(v float64) *float64 {
	return &v
}
