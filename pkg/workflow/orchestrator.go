package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/events"
	"github.com/ncolesummers/handywriterz/pkg/observability"
	"github.com/ncolesummers/handywriterz/pkg/state"
)

var (
	// ErrCancelled is the cancellation cause of a run stopped by its caller
	ErrCancelled = errors.New("request cancelled by caller")
	// ErrShutdown is the cancellation cause of a run interrupted by a
	// shutdown. The request stays running so it can be recovered.
	ErrShutdown = errors.New("service shutting down")
)

// OrchestratorConfig holds the run defaults
type OrchestratorConfig struct {
	// NodeTimeout applies to nodes whose policy has no timeout
	NodeTimeout          time.Duration
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// MaxSteps bounds the node executions of one run
	MaxSteps int
}

// DefaultOrchestratorConfig returns 5m node timeout and 1s..20s retry backoff
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		NodeTimeout:          5 * time.Minute,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     20 * time.Second,
		MaxSteps:             64,
	}
}

// OrchestratorDeps are the collaborators of the orchestrator
type OrchestratorDeps struct {
	Graph     *Graph
	Requests  domain.RequestStore
	States    state.Store
	Publisher domain.EventPublisher
	// FailHandler is optional
	FailHandler FailHandler
	Telemetry   *observability.Telemetry
	Metrics     *observability.Metrics
}

// Orchestrator walks the writing graph for one request at a time. It alone
// owns the workflow state: nodes get snapshots and their deltas are merged
// here, and the state is persisted after every completed node.
type Orchestrator struct {
	graph       *Graph
	requests    domain.RequestStore
	states      state.Store
	emitter     *events.Emitter
	failHandler FailHandler
	cfg         OrchestratorConfig
	telemetry   *observability.Telemetry
	metrics     *observability.Metrics
	logger      *observability.StructuredLogger
	now         func() time.Time
}

// execution is the bookkeeping of one run
type execution struct {
	req     *domain.Request
	ws      *state.WorkflowState
	started time.Time
	overall float64
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) (*Orchestrator, error) {
	if deps.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if err := deps.Graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	if deps.Requests == nil || deps.States == nil {
		return nil, fmt.Errorf("request and state stores are required")
	}

	def := DefaultOrchestratorConfig()
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = def.NodeTimeout
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = def.RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = def.RetryMaxInterval
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}

	telemetry := deps.Telemetry
	if telemetry == nil {
		telemetry = observability.NewTelemetryWithProviders("handywriterz", nil, nil)
	}
	metrics := deps.Metrics
	if metrics == nil {
		var err error
		metrics, err = observability.NewMetrics(telemetry.Meter())
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	return &Orchestrator{
		graph:       deps.Graph,
		requests:    deps.Requests,
		states:      deps.States,
		emitter:     events.NewEmitter(deps.Publisher, metrics),
		failHandler: deps.FailHandler,
		cfg:         cfg,
		telemetry:   telemetry,
		metrics:     metrics,
		logger:      observability.NewStructuredLogger("orchestrator"),
		now:         time.Now,
	}, nil
}

// Run executes a request from the entry node. It returns nil when the
// request succeeded and the terminal error otherwise.
func (o *Orchestrator) Run(ctx context.Context, req *domain.Request) error {
	return o.run(ctx, &execution{req: req, ws: state.NewWorkflowState(*req)}, o.graph.Entry())
}

// Resume continues a request from its persisted state. The node that was
// running when the state was saved runs again.
func (o *Orchestrator) Resume(ctx context.Context, req *domain.Request, ws *state.WorkflowState) error {
	snap := ws.Snapshot()
	start := snap.NextNode
	if start == End && snap.LastCompletedNode == "" {
		start = o.graph.Entry()
	}
	return o.run(ctx, &execution{req: req, ws: ws}, start)
}

func (o *Orchestrator) run(ctx context.Context, ex *execution, start string) (err error) {
	req := ex.req
	ctx, span := o.telemetry.StartWritingRequest(ctx, req.ID, req.UserID, req.Parameters.WordCount, req.Parameters.Field)
	defer func() { observability.EndSpan(span, err) }()
	ex.started = o.now()

	if req.Status != domain.StatusRunning {
		if err := req.Transition(domain.StatusRunning, o.now()); err != nil {
			return domain.WrapError(domain.ErrFatal, "cannot start request", err)
		}
		if err := o.requests.Update(ctx, req); err != nil {
			return fmt.Errorf("failed to mark request running: %w", err)
		}
	}
	o.metrics.RecordRequestStarted(ctx)
	o.logger.Info(ctx, "Run started", map[string]interface{}{
		"request_id": req.ID,
		"start_node": start,
	})

	if err := o.states.Save(ctx, ex.ws); err != nil {
		return o.fail(ctx, ex, domain.WrapError(domain.ErrFatal, "failed to persist state", err))
	}

	current := start
	for steps := 0; current != End; steps++ {
		if ctx.Err() != nil {
			return o.stop(ctx, ex)
		}
		if steps >= o.cfg.MaxSteps {
			return o.fail(ctx, ex, domain.NewError(domain.ErrFatal,
				fmt.Sprintf("run exceeded %d node executions", o.cfg.MaxSteps)))
		}
		node, ok := o.graph.Node(current)
		if !ok {
			return o.fail(ctx, ex, domain.NewError(domain.ErrFatal, fmt.Sprintf("unknown node %s", current)))
		}

		ex.ws.SetNextNode(current)
		ex.ws.SetNodeProgress(current, domain.NodeProgress{Status: domain.NodeStatusRunning})
		reporter := NewReporter(current, o.emitFunc(ctx, ex, current))
		reporter.Start()

		nodeStart := o.now()
		result := o.execute(ctx, ex, node, reporter)
		if ctx.Err() != nil {
			// the node's delta is discarded
			return o.stop(ctx, ex)
		}

		if result.Action == ActionContinue {
			if err := ex.ws.Apply(result.Delta); err != nil {
				result = NodeResult{
					Action: ActionFail,
					Err:    domain.WrapError(domain.ErrFatal, fmt.Sprintf("rejected state update: %v", err), err),
				}
			}
		}

		if result.Action != ActionContinue {
			o.metrics.RecordNodeExecution(ctx, current, o.now().Sub(nodeStart), "failed")
			next, werr := o.handleFailure(ctx, ex, node, result, reporter)
			if werr != nil {
				return o.fail(ctx, ex, werr)
			}
			current = next
			continue
		}

		o.metrics.RecordNodeExecution(ctx, current, o.now().Sub(nodeStart), "success")
		ex.ws.SetNodeProgress(current, domain.NodeProgress{Status: domain.NodeStatusCompleted, Percent: 100})
		next, err := o.graph.Next(current, ex.ws.Snapshot())
		if err != nil {
			return o.fail(ctx, ex, domain.WrapError(domain.ErrFatal, err.Error(), err).WithNode(current))
		}
		ex.ws.SetNextNode(next)
		if err := o.states.Save(ctx, ex.ws); err != nil {
			return o.fail(ctx, ex, domain.WrapError(domain.ErrFatal, "failed to persist state", err).WithNode(current))
		}
		if p := o.graph.Progress(current); p > ex.overall {
			ex.overall = p
		}
		o.emit(ctx, ex, domain.Event{
			Kind:            domain.EventNodeComplete,
			Node:            current,
			ProgressPercent: domain.Percent(100),
		})
		current = next
	}

	return o.succeed(ctx, ex)
}

// handleFailure publishes node_failed and decides whether the run goes on.
// It returns the next node, or the error that ends the run.
func (o *Orchestrator) handleFailure(ctx context.Context, ex *execution, node Node, result NodeResult, r *Reporter) (string, *domain.WorkflowError) {
	name := node.Name()
	werr := result.Err
	if werr == nil {
		werr = domain.NewError(domain.ErrFatal, "node failed without an error")
	}
	werr = werr.WithNode(name)
	result.Err = werr

	ex.ws.SetNodeProgress(name, domain.NodeProgress{Status: domain.NodeStatusFailed, Message: werr.Message})
	r.Failed(werr)

	var recovery Recovery
	switch {
	case node.Policy().Optional:
		next, err := o.graph.Next(name, ex.ws.Snapshot())
		if err != nil {
			return End, domain.WrapError(domain.ErrFatal, err.Error(), err).WithNode(name)
		}
		recovery = Recovery{Next: next, Delta: &state.Delta{Warnings: []domain.Warning{{
			Code:    node.Policy().Warning,
			Message: werr.Message,
			Node:    name,
		}}}}
		o.logger.Warn(ctx, "Optional node failed, continuing", map[string]interface{}{
			"request_id": ex.req.ID,
			"node":       name,
			"error":      werr.Error(),
		})
	case o.failHandler != nil && werr.Kind != domain.ErrCancelled:
		var ok bool
		recovery, ok = o.failHandler.Handle(ex.ws.Snapshot(), name, result)
		if !ok {
			return End, werr
		}
		o.logger.Warn(ctx, "Fail handler resumed the run", map[string]interface{}{
			"request_id": ex.req.ID,
			"node":       name,
			"next_node":  recovery.Next,
			"error":      werr.Error(),
		})
	default:
		return End, werr
	}

	if err := ex.ws.Apply(recovery.Delta); err != nil {
		return End, domain.WrapError(domain.ErrFatal, fmt.Sprintf("rejected recovery update: %v", err), err).WithNode(name)
	}
	ex.ws.SetNextNode(recovery.Next)
	if err := o.states.Save(ctx, ex.ws); err != nil {
		return End, domain.WrapError(domain.ErrFatal, "failed to persist state", err).WithNode(name)
	}
	return recovery.Next, nil
}

// execute runs a node, retrying retryable failures with exponential
// backoff up to the node's retry limit
func (o *Orchestrator) execute(ctx context.Context, ex *execution, node Node, r *Reporter) NodeResult {
	name := node.Name()
	policy := node.Policy()
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = o.cfg.NodeTimeout
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitialInterval
	b.MaxInterval = o.cfg.RetryMaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		result := o.attempt(ctx, ex, node, attempt, timeout, r)
		if result.Action == ActionContinue || ctx.Err() != nil {
			return result
		}

		retryable := result.Action == ActionRetry || (result.Err != nil && result.Err.Kind.Retryable())
		if !retryable {
			return result
		}

		reason, kind := "retry requested", "retry"
		var cause error
		if result.Err != nil {
			reason, kind, cause = result.Err.Message, string(result.Err.Kind), result.Err
		}
		if attempt > policy.MaxRetries {
			return NodeResult{
				Action: ActionFail,
				Delta:  result.Delta,
				Err: domain.WrapError(domain.ErrFatal,
					fmt.Sprintf("node %s failed after %d attempts: %s", name, attempt, reason), cause),
			}
		}

		wait := b.NextBackOff()
		if result.Action == ActionRetry && result.After > 0 {
			wait = result.After
		}
		o.metrics.RecordNodeRetry(ctx, name, kind)
		r.Progress(0, fmt.Sprintf("attempt %d failed, retrying in %s: %s", attempt, wait, reason))
		ex.ws.SetNodeProgress(name, domain.NodeProgress{Status: domain.NodeStatusRetrying, Message: reason})
		o.logger.Warn(ctx, "Retrying node", map[string]interface{}{
			"request_id": ex.req.ID,
			"node":       name,
			"attempt":    attempt,
			"wait":       wait.String(),
			"kind":       kind,
		})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return FailErr(ctx.Err())
		case <-timer.C:
		}
	}
}

// abandonGrace is how long a node may take to return after its context is
// done before the attempt stops waiting for it
const abandonGrace = 100 * time.Millisecond

// attempt runs one instrumented, time bounded execution of a node against
// a fresh snapshot. A panicking node fails with a fatal error. A node that
// ignores its context is abandoned once the grace period runs out; its late
// result and progress are discarded.
func (o *Orchestrator) attempt(ctx context.Context, ex *execution, node Node, attempt int, timeout time.Duration, r *Reporter) NodeResult {
	var result NodeResult
	_ = o.telemetry.InstrumentWorkflowNode(ctx, ex.req.ID, node.Name(), attempt, func(ctx context.Context) error {
		nodeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		result = o.awaitNode(nodeCtx, ex, node, r)
		if result.Action == ActionContinue {
			return nil
		}
		if result.Action == ActionFail && result.Err == nil {
			result.Err = domain.NewError(domain.ErrFatal, "node failed without an error")
		}
		if ctx.Err() == nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && result.Action == ActionFail {
			result.Err = domain.WrapError(domain.ErrProviderTimeout,
				fmt.Sprintf("node %s timed out after %s", node.Name(), timeout), result.Err)
		}
		if result.Err != nil {
			return result.Err
		}
		return nil
	})
	return result
}

func (o *Orchestrator) awaitNode(ctx context.Context, ex *execution, node Node, r *Reporter) NodeResult {
	reporter, detach := r.detachable()
	done := make(chan NodeResult, 1)
	go func() {
		done <- safeExecute(ctx, node, ex.ws.Snapshot(), reporter)
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
	}

	grace := time.NewTimer(abandonGrace)
	defer grace.Stop()
	select {
	case result := <-done:
		return result
	case <-grace.C:
		detach()
		o.logger.Warn(ctx, "Node ignored cancellation, abandoning attempt", map[string]interface{}{
			"request_id": ex.req.ID,
			"node":       node.Name(),
		})
		return FailErr(ctx.Err())
	}
}

func safeExecute(ctx context.Context, node Node, snap state.Snapshot, r *Reporter) (result NodeResult) {
	defer func() {
		if p := recover(); p != nil {
			result = Fail(domain.ErrFatal, fmt.Sprintf("node %s panicked: %v", node.Name(), p))
		}
	}()
	return node.Execute(ctx, snap, r)
}

// stop ends a run whose context is done. A caller cancellation cancels the
// request, a shutdown leaves it running for recovery and a deadline fails it.
func (o *Orchestrator) stop(ctx context.Context, ex *execution) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrShutdown):
		if err := o.states.Save(context.WithoutCancel(ctx), ex.ws); err != nil {
			o.logger.Error(ctx, "Failed to persist state on shutdown", err, map[string]interface{}{"request_id": ex.req.ID})
		}
		o.logger.Info(ctx, "Run interrupted by shutdown", map[string]interface{}{
			"request_id": ex.req.ID,
			"next_node":  ex.ws.Snapshot().NextNode,
		})
		return domain.WrapError(domain.ErrCancelled, "interrupted by shutdown", cause)
	case errors.Is(cause, context.DeadlineExceeded):
		return o.fail(ctx, ex, domain.WrapError(domain.ErrProviderTimeout, "request timed out", cause))
	default:
		return o.finish(ctx, ex, domain.StatusCancelled, domain.WrapError(domain.ErrCancelled, "request cancelled", cause))
	}
}

func (o *Orchestrator) fail(ctx context.Context, ex *execution, werr *domain.WorkflowError) error {
	return o.finish(ctx, ex, domain.StatusFailed, werr)
}

// finish records a failed or cancelled request and publishes workflow_failed
func (o *Orchestrator) finish(ctx context.Context, ex *execution, status domain.RequestStatus, werr *domain.WorkflowError) error {
	ctx = context.WithoutCancel(ctx)
	req := ex.req
	if userID := ex.ws.Snapshot().UserID; userID != "" {
		req.UserID = userID
	}
	req.Error = werr
	if err := req.Transition(status, o.now()); err != nil {
		o.logger.Error(ctx, "Invalid terminal transition", err, map[string]interface{}{"request_id": req.ID})
	}
	if err := o.states.Save(ctx, ex.ws); err != nil {
		o.logger.Error(ctx, "Failed to persist final state", err, map[string]interface{}{"request_id": req.ID})
	}
	if err := o.requests.Update(ctx, req); err != nil {
		o.logger.Error(ctx, "Failed to record request outcome", err, map[string]interface{}{"request_id": req.ID})
	}

	o.emit(ctx, ex, domain.Event{
		Kind:    domain.EventWorkflowFailed,
		Node:    werr.Node,
		Message: werr.Message,
		Error:   werr,
	})
	o.metrics.RecordRequestComplete(ctx, o.now().Sub(ex.started), string(status))
	o.logger.Warn(ctx, "Run ended without a document", map[string]interface{}{
		"request_id": req.ID,
		"status":     string(status),
		"kind":       string(werr.Kind),
		"node":       werr.Node,
		"error":      werr.Message,
	})
	return werr
}

func (o *Orchestrator) succeed(ctx context.Context, ex *execution) error {
	req := ex.req
	snap := ex.ws.Snapshot()
	if snap.Formatted == nil {
		return o.fail(ctx, ex, domain.NewError(domain.ErrFatal, "run ended without a formatted document"))
	}
	if snap.UserID != "" {
		req.UserID = snap.UserID
	}
	req.Error = nil
	req.Result = &domain.RequestResult{
		DraftVersion: snap.Formatted.DraftVersion,
		Document:     snap.Formatted.Rendered,
		Warnings:     snap.Warnings,
	}
	if err := req.Transition(domain.StatusSucceeded, o.now()); err != nil {
		return o.fail(ctx, ex, domain.WrapError(domain.ErrFatal, "cannot complete request", err))
	}
	if err := o.requests.Update(ctx, req); err != nil {
		return fmt.Errorf("failed to record completed request: %w", err)
	}

	ex.overall = 100
	o.emit(ctx, ex, domain.Event{
		Kind:    domain.EventWorkflowComplete,
		Message: fmt.Sprintf("delivered draft %d", req.Result.DraftVersion),
		Result:  req.Result,
	})
	o.metrics.RecordRequestComplete(ctx, o.now().Sub(ex.started), string(domain.StatusSucceeded))
	o.logger.Info(ctx, "Run succeeded", map[string]interface{}{
		"request_id":    req.ID,
		"draft_version": req.Result.DraftVersion,
		"warnings":      len(req.Result.Warnings),
		"drafts":        len(snap.Drafts),
	})
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, ex *execution, event domain.Event) {
	event.RequestID = ex.req.ID
	if event.OverallPercent == nil {
		event.OverallPercent = domain.Percent(ex.overall)
	}
	o.emitter.Emit(ctx, event)
}

// emitFunc publishes node events on behalf of a node's reporter and keeps
// the node progress map current. The terminal status of self is recorded
// by the orchestrator.
func (o *Orchestrator) emitFunc(ctx context.Context, ex *execution, self string) EmitFunc {
	overall := ex.overall
	return func(kind domain.EventKind, node string, percent *float64, message string, err *domain.WorkflowError) {
		if node != self || kind == domain.EventNodeProgress {
			progress := domain.NodeProgress{Status: domain.NodeStatusRunning, Message: message}
			if percent != nil {
				progress.Percent = *percent
			}
			switch kind {
			case domain.EventNodeComplete:
				progress.Status = domain.NodeStatusCompleted
			case domain.EventNodeFailed:
				progress.Status = domain.NodeStatusFailed
			}
			ex.ws.SetNodeProgress(node, progress)
		}
		o.emitter.Emit(ctx, domain.Event{
			Kind:            kind,
			RequestID:       ex.req.ID,
			Node:            node,
			ProgressPercent: percent,
			OverallPercent:  domain.Percent(overall),
			Message:         message,
			Error:           err,
		})
	}
}
