package workflow

import (
	"fmt"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/config"
	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/format"
	"github.com/ncolesummers/handywriterz/pkg/generation"
	"github.com/ncolesummers/handywriterz/pkg/observability"
	"github.com/ncolesummers/handywriterz/pkg/plagiarism"
	"github.com/ncolesummers/handywriterz/pkg/research"
	"github.com/ncolesummers/handywriterz/pkg/state"
)

// Components are the collaborators the writing graph's nodes use
type Components struct {
	// Auth and Files may be nil
	Auth  domain.Authenticator
	Files domain.FileStorage
	// Planner may be nil for the deterministic outline
	Planner    domain.LLMClient
	FanOut     *research.FanOut
	Writer     domain.Writer
	Evaluators []domain.Evaluator
	// Poller is nil when the plagiarism check is disabled
	Poller       *plagiarism.Poller
	Formatter    *format.Formatter
	Fingerprints domain.FingerprintStore
	Metrics      *observability.Metrics
}

// GraphConfig holds the loop bounds and node policies of the writing graph
type GraphConfig struct {
	Policy                NodePolicy
	Generation            generation.LoopConfig
	Plagiarism            plagiarism.LoopConfig
	Sources               SourceFilterConfig
	MaxResultsPerProvider int
}

// GraphConfigFromConfig maps the workflow and research sections
func GraphConfigFromConfig(cfg *config.Config) GraphConfig {
	return GraphConfig{
		Policy: NodePolicy{
			Timeout:    cfg.GetDuration(cfg.Workflow.NodeTimeout, 5*time.Minute),
			MaxRetries: cfg.Workflow.MaxRetries,
		},
		Generation: generation.LoopConfig{
			QualityThreshold: cfg.Workflow.QualityThreshold,
			MaxIterations:    cfg.Workflow.MaxIterations,
		},
		Plagiarism: plagiarism.LoopConfig{
			SimilarityThreshold: cfg.Workflow.SimilarityThreshold,
			MaxAttempts:         cfg.Workflow.MaxPlagiarismAttempts,
		},
		Sources: SourceFilterConfig{
			MinCredibility:     cfg.Research.MinCredibility,
			MinVerifiedSources: cfg.Research.MinVerifiedSources,
			MaxSources:         cfg.Research.MaxSources,
			WordsPerSource:     cfg.Research.WordsPerSource,
		},
		MaxResultsPerProvider: cfg.Research.ResultsPerProvider,
	}
}

// OrchestratorConfigFromConfig maps the retry settings
func OrchestratorConfigFromConfig(cfg *config.Config) OrchestratorConfig {
	def := DefaultOrchestratorConfig()
	return OrchestratorConfig{
		NodeTimeout:          cfg.GetDuration(cfg.Workflow.NodeTimeout, def.NodeTimeout),
		RetryInitialInterval: cfg.GetDuration(cfg.Workflow.RetryInitialInterval, def.RetryInitialInterval),
		RetryMaxInterval:     cfg.GetDuration(cfg.Workflow.RetryMaxInterval, def.RetryMaxInterval),
		MaxSteps:             def.MaxSteps,
	}
}

// NewWritingGraph wires the writing pipeline:
//
//	user_intent -> planner -> search -> source_filter -> writer -> evaluator
//	evaluator -> writer (revising) | turnitin
//	turnitin -> writer (needs revision) | formatter
//	formatter -> memory_writer -> end
func NewWritingGraph(c Components, cfg GraphConfig) (*Graph, error) {
	if c.FanOut == nil {
		return nil, fmt.Errorf("research fan-out is required")
	}
	if c.Writer == nil {
		return nil, fmt.Errorf("writer is required")
	}
	if len(c.Evaluators) == 0 {
		return nil, fmt.Errorf("at least one evaluator is required")
	}
	if cfg.Generation.MaxIterations <= 0 {
		cfg.Generation = generation.DefaultLoopConfig()
	}
	if cfg.Plagiarism.MaxAttempts <= 0 {
		cfg.Plagiarism = plagiarism.DefaultLoopConfig()
	}

	policy := cfg.Policy
	noRetry := policy
	noRetry.MaxRetries = 0

	g := NewGraph()
	nodes := []Node{
		NewUserIntentNode(c.Auth, c.Files, policy),
		NewPlannerNode(c.Planner, policy),
		NewSearchNode(c.FanOut, cfg.MaxResultsPerProvider, policy),
		NewSourceFilterNode(cfg.Sources, noRetry),
		NewWriterNode(c.Writer, policy),
		NewEvaluatorNode(c.Evaluators, cfg.Generation, c.Metrics, policy),
		NewTurnitinNode(c.Poller, cfg.Plagiarism, c.Metrics, policy),
		NewFormatterNode(c.Formatter, noRetry),
		NewMemoryWriterNode(c.Fingerprints, policy),
	}
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}

	g.AddEdge(NodeUserIntent, NodePlanner)
	g.AddEdge(NodePlanner, NodeSearch)
	g.AddEdge(NodeSearch, NodeSourceFilter)
	g.AddEdge(NodeSourceFilter, NodeWriter)
	g.AddEdge(NodeWriter, NodeEvaluator)
	g.AddConditionalEdge(NodeEvaluator, RouteAfterEvaluation, NodeWriter, NodeTurnitin)
	g.AddConditionalEdge(NodeTurnitin, RouteAfterPlagiarismCheck, NodeWriter, NodeFormatter)
	g.AddEdge(NodeFormatter, NodeMemoryWriter)
	g.AddEdge(NodeMemoryWriter, End)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// RouteAfterEvaluation sends a draft back to the writer while the
// generation loop is revising
func RouteAfterEvaluation(snap state.Snapshot) string {
	if snap.GenerationPhase == domain.GenerationRevising {
		return NodeWriter
	}
	return NodeTurnitin
}

// RouteAfterPlagiarismCheck sends the draft back to the writer while the
// plagiarism loop needs a revision
func RouteAfterPlagiarismCheck(snap state.Snapshot) string {
	if snap.PlagiarismPhase == domain.PlagiarismNeedsRevision {
		return NodeWriter
	}
	return NodeFormatter
}
