package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/generation"
	"github.com/ncolesummers/handywriterz/pkg/observability"
	"github.com/ncolesummers/handywriterz/pkg/state"
)

// Draft reasons recorded on each version
const (
	ReasonInitial            = "initial"
	ReasonQualityRevision    = "quality_revision"
	ReasonPlagiarismRevision = "plagiarism_revision"
)

// WriterNode produces the next draft version. A revision carries the
// evaluator feedback or the plagiarism highlights of the draft it revises.
type WriterNode struct {
	basePolicy
	writer domain.Writer
}

// NewWriterNode creates the writer node
func NewWriterNode(writer domain.Writer, policy NodePolicy) *WriterNode {
	return &WriterNode{basePolicy: basePolicy{policy}, writer: writer}
}

// Name returns the node name
func (n *WriterNode) Name() string { return NodeWriter }

// Execute runs the node
func (n *WriterNode) Execute(ctx context.Context, snap state.Snapshot, r *Reporter) NodeResult {
	input := domain.WriteInput{
		Prompt:     snap.Prompt,
		Parameters: snap.Parameters,
		Outline:    snap.Outline,
		Sources:    snap.Verified,
		Context:    snap.ContextDocs,
		Version:    len(snap.Drafts) + 1,
		Reason:     ReasonInitial,
	}

	switch {
	case snap.PlagiarismPhase == domain.PlagiarismNeedsRevision:
		report, ok := snap.LatestPlagiarismReport()
		if !ok {
			return Fail(domain.ErrFatal, "plagiarism revision requested without a report")
		}
		prev, ok := snap.Draft(report.DraftVersion)
		if !ok {
			return Fail(domain.ErrFatal, fmt.Sprintf("plagiarism report references missing draft %d", report.DraftVersion))
		}
		input.Previous = &prev
		input.Highlights = report.HighlightedSections
		input.Reason = ReasonPlagiarismRevision
	case snap.GenerationPhase == domain.GenerationRevising:
		prev, ok := snap.LatestDraft()
		if !ok {
			return Fail(domain.ErrFatal, "revision requested without a draft")
		}
		input.Previous = &prev
		input.Feedback = generation.Feedback(snap.Evaluations[prev.Version])
		input.Reason = ReasonQualityRevision
	}

	r.Progress(10, fmt.Sprintf("writing draft %d (%s)", input.Version, input.Reason))
	draft, err := n.writer.Write(ctx, input)
	if err != nil {
		return FailErr(providerError("writer", err))
	}
	draft.Version = input.Version
	draft.Reason = input.Reason

	delta := &state.Delta{NewDraft: draft}
	// a plagiarism revision leaves the finished generation loop alone
	if input.Reason != ReasonPlagiarismRevision {
		phase := domain.GenerationEvaluating
		delta.GenerationPhase = &phase
	}
	return Continue(delta)
}

// EvaluatorNode scores the latest draft with every evaluator and decides
// whether the generation loop accepts, revises or gives up
type EvaluatorNode struct {
	basePolicy
	evaluators []domain.Evaluator
	loop       generation.LoopConfig
	metrics    *observability.Metrics
	logger     *observability.StructuredLogger
}

// NewEvaluatorNode creates the evaluator node. metrics may be nil.
func NewEvaluatorNode(evaluators []domain.Evaluator, loop generation.LoopConfig, metrics *observability.Metrics, policy NodePolicy) *EvaluatorNode {
	return &EvaluatorNode{
		basePolicy: basePolicy{policy},
		evaluators: evaluators,
		loop:       loop,
		metrics:    metrics,
		logger:     observability.NewStructuredLogger("evaluator"),
	}
}

// Name returns the node name
func (n *EvaluatorNode) Name() string { return NodeEvaluator }

// Execute runs the node
func (n *EvaluatorNode) Execute(ctx context.Context, snap state.Snapshot, r *Reporter) NodeResult {
	draft, ok := snap.LatestDraft()
	if !ok {
		return Fail(domain.ErrFatal, "no draft to evaluate")
	}

	delta := &state.Delta{}
	score, scored := snap.QualityScores[draft.Version]
	if !scored {
		r.Progress(10, fmt.Sprintf("evaluating draft %d with %d evaluators", draft.Version, len(n.evaluators)))
		panel, err := generation.EvaluatePanel(ctx, n.evaluators, domain.EvaluateInput{
			Prompt:     snap.Prompt,
			Parameters: snap.Parameters,
			Draft:      draft,
			Sources:    snap.Verified,
		})
		if err != nil {
			return FailErr(err)
		}
		for _, name := range failedEvaluators(panel.Failures) {
			n.logger.Warn(ctx, "Evaluator failed, scoring without it", map[string]interface{}{
				"request_id": snap.RequestID,
				"evaluator":  name,
				"error":      panel.Failures[name].Error(),
			})
		}
		score, err = generation.Aggregate(panel.Evaluations)
		if err != nil {
			return FailErr(err)
		}
		delta.Evaluations = panel.Evaluations
		delta.Score = &state.ScoreUpdate{Version: draft.Version, Score: score}
		if n.metrics != nil {
			n.metrics.RecordGeneration(ctx, score)
		}
	}

	// a plagiarism revision goes straight back to the check
	if snap.PlagiarismPhase == domain.PlagiarismNeedsRevision {
		version := draft.Version
		checking := domain.PlagiarismChecking
		delta.SelectedVersion = &version
		delta.PlagiarismPhase = &checking
		r.Progress(100, fmt.Sprintf("draft %d scored %.2f, rechecking originality", version, score))
		return Continue(delta)
	}

	iterations := snap.GenerationIterations + 1
	phase := n.loop.Next(iterations, score)
	delta.GenerationIterations = &iterations
	delta.GenerationPhase = &phase

	switch phase {
	case domain.GenerationAccepted:
		version := draft.Version
		delta.SelectedVersion = &version
	case domain.GenerationExhausted:
		drafts := snap.Drafts
		for i := range drafts {
			if drafts[i].Version == draft.Version {
				s := score
				drafts[i].QualityScore = &s
			}
		}
		best := generation.BestDraft(drafts)
		delta.SelectedVersion = &best
		delta.Warnings = append(delta.Warnings, domain.Warning{
			Code: domain.WarningQualityExhausted,
			Message: fmt.Sprintf("no draft reached quality %.2f after %d iterations; delivering draft %d",
				n.loop.QualityThreshold, iterations, best),
			Node: NodeEvaluator,
		})
	}
	r.Progress(100, fmt.Sprintf("draft %d scored %.2f (%s)", draft.Version, score, phase))
	return Continue(delta)
}

func failedEvaluators(failures map[string]error) []string {
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
