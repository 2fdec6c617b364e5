package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/state"
)

// Node names of the writing graph
const (
	NodeUserIntent   = "user_intent"
	NodePlanner      = "planner"
	NodeSearch       = "search"
	NodeSourceFilter = "source_filter"
	NodeWriter       = "writer"
	NodeEvaluator    = "evaluator"
	NodeTurnitin     = "turnitin"
	NodeFormatter    = "formatter"
	NodeMemoryWriter = "memory_writer"
)

// SearchNodeName returns the event node name of one research provider
func SearchNodeName(provider string) string {
	return "search_" + provider
}

// Action is what the orchestrator should do with a node result
type Action string

const (
	ActionContinue Action = "continue"
	ActionFail     Action = "fail"
	ActionRetry    Action = "retry"
)

// NodeResult is the outcome of one node execution
type NodeResult struct {
	Action Action
	// Delta is merged on Continue. On Fail it is only merged when the fail
	// handler resumes the run.
	Delta *state.Delta
	Err   *domain.WorkflowError
	After time.Duration
}

// Continue merges the delta and moves on
func Continue(delta *state.Delta) NodeResult {
	return NodeResult{Action: ActionContinue, Delta: delta}
}

// Fail stops the node with an error of the given kind
func Fail(kind domain.ErrorKind, msg string) NodeResult {
	return NodeResult{Action: ActionFail, Err: domain.NewError(kind, msg)}
}

// FailErr stops the node with err, classified by its kind
func FailErr(err error) NodeResult {
	return NodeResult{Action: ActionFail, Err: domain.AsWorkflowError(err)}
}

// Retry asks for the node to be run again after a delay
func Retry(after time.Duration) NodeResult {
	return NodeResult{Action: ActionRetry, After: after}
}

// NodePolicy bounds the execution of a node
type NodePolicy struct {
	Timeout    time.Duration
	MaxRetries int
	// Optional nodes that fail add Warning to the request instead of failing it
	Optional bool
	Warning  domain.WarningCode
}

// Node is one stage of the writing graph. Nodes read a snapshot and return
// a delta; they never touch the workflow state or publish events directly.
type Node interface {
	Name() string
	Policy() NodePolicy
	Execute(ctx context.Context, snap state.Snapshot, r *Reporter) NodeResult
}

// EmitFunc publishes one node level event
type EmitFunc func(kind domain.EventKind, node string, percent *float64, message string, err *domain.WorkflowError)

// Reporter lets a node publish progress for itself and for the sub-nodes it
// runs. A nil Reporter discards everything.
type Reporter struct {
	node string
	emit EmitFunc
}

// NewReporter creates a reporter for a node
func NewReporter(node string, emit EmitFunc) *Reporter {
	return &Reporter{node: node, emit: emit}
}

// Progress publishes a node_progress event
func (r *Reporter) Progress(percent float64, message string) {
	if r == nil || r.emit == nil {
		return
	}
	r.emit(domain.EventNodeProgress, r.node, domain.Percent(percent), message, nil)
}

// Child returns a reporter for a sub-node
func (r *Reporter) Child(node string) *Reporter {
	if r == nil {
		return nil
	}
	return &Reporter{node: node, emit: r.emit}
}

// detachable returns a reporter that publishes through r until detach is
// called and discards everything after
func (r *Reporter) detachable() (*Reporter, func()) {
	if r == nil || r.emit == nil {
		return r, func() {}
	}
	var (
		mu       sync.Mutex
		detached bool
	)
	emit := r.emit
	gated := func(kind domain.EventKind, node string, percent *float64, message string, err *domain.WorkflowError) {
		mu.Lock()
		defer mu.Unlock()
		if !detached {
			emit(kind, node, percent, message, err)
		}
	}
	return &Reporter{node: r.node, emit: gated}, func() {
		mu.Lock()
		detached = true
		mu.Unlock()
	}
}

// Start publishes node_start for the reporter's node
func (r *Reporter) Start() {
	if r == nil || r.emit == nil {
		return
	}
	r.emit(domain.EventNodeStart, r.node, nil, "", nil)
}

// Complete publishes node_complete for the reporter's node
func (r *Reporter) Complete(message string) {
	if r == nil || r.emit == nil {
		return
	}
	r.emit(domain.EventNodeComplete, r.node, domain.Percent(100), message, nil)
}

// Failed publishes node_failed for the reporter's node
func (r *Reporter) Failed(err *domain.WorkflowError) {
	if r == nil || r.emit == nil {
		return
	}
	r.emit(domain.EventNodeFailed, r.node, nil, err.Message, err.WithNode(r.node))
}

type basePolicy struct {
	policy NodePolicy
}

func (b basePolicy) Policy() NodePolicy {
	return b.policy
}
