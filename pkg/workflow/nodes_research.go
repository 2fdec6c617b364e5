package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/research"
	"github.com/ncolesummers/handywriterz/pkg/sources"
	"github.com/ncolesummers/handywriterz/pkg/state"
)

// ErrInsufficientSources marks a source filter failure that still produced
// some verified sources
var ErrInsufficientSources = errors.New("insufficient verified sources")

// SearchNode runs every research provider concurrently. Each provider is
// reported as its own search_<provider> node.
type SearchNode struct {
	basePolicy
	fanout     *research.FanOut
	maxResults int
	now        func() time.Time
}

// NewSearchNode creates the research fan-out node
func NewSearchNode(fanout *research.FanOut, maxResults int, policy NodePolicy) *SearchNode {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &SearchNode{basePolicy: basePolicy{policy}, fanout: fanout, maxResults: maxResults, now: time.Now}
}

// Name returns the node name
func (n *SearchNode) Name() string { return NodeSearch }

// Execute runs the node
func (n *SearchNode) Execute(ctx context.Context, snap state.Snapshot, r *Reporter) NodeResult {
	q := domain.ResearchQuery{
		Prompt:     snap.Prompt,
		Field:      snap.Parameters.Field,
		Region:     snap.Parameters.Region,
		Agenda:     snap.Agenda,
		MaxResults: n.maxResults,
		Outline:    snap.Outline,
	}
	if snap.Parameters.SourceAgeLimitYears > 0 {
		q.PublishedAfter = n.now().Year() - snap.Parameters.SourceAgeLimitYears
	}
	for _, doc := range snap.ContextDocs {
		q.ContextExcerpts = append(q.ContextExcerpts, domain.Truncate(doc.Text, 500))
	}

	total := len(n.fanout.Providers())
	var done atomic.Int32
	finished := func() {
		d := done.Add(1)
		if total > 0 {
			r.Progress(float64(d)/float64(total)*100, fmt.Sprintf("%d of %d providers finished", d, total))
		}
	}

	hooks := research.Hooks{
		OnStart: func(provider string) {
			r.Child(SearchNodeName(provider)).Start()
		},
		OnComplete: func(provider string, found int) {
			r.Child(SearchNodeName(provider)).Complete(fmt.Sprintf("found %d sources", found))
			finished()
		},
		OnFailure: func(provider string, err error) {
			r.Child(SearchNodeName(provider)).Failed(domain.ProviderFailure(provider, err))
			finished()
		},
	}

	result, err := n.fanout.Search(ctx, q, hooks)
	if err != nil {
		return FailErr(err)
	}
	return Continue(&state.Delta{Candidates: result.Sources})
}

// SourceFilterConfig configures the source filter node
type SourceFilterConfig struct {
	MinCredibility     float64
	MinVerifiedSources int
	MaxSources         int
	WordsPerSource     int
}

// SourceFilterNode verifies candidate sources. It is deterministic for a
// given candidate set and year.
type SourceFilterNode struct {
	basePolicy
	cfg SourceFilterConfig
	now func() time.Time
}

// NewSourceFilterNode creates the source filter node
func NewSourceFilterNode(cfg SourceFilterConfig, policy NodePolicy) *SourceFilterNode {
	if cfg.MinVerifiedSources <= 0 {
		cfg.MinVerifiedSources = 3
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 20
	}
	if cfg.WordsPerSource <= 0 {
		cfg.WordsPerSource = 200
	}
	return &SourceFilterNode{basePolicy: basePolicy{policy}, cfg: cfg, now: time.Now}
}

// Name returns the node name
func (n *SourceFilterNode) Name() string { return NodeSourceFilter }

// Execute runs the node
func (n *SourceFilterNode) Execute(ctx context.Context, snap state.Snapshot, r *Reporter) NodeResult {
	limit := sources.Bounds(snap.Parameters.WordCount, n.cfg.WordsPerSource, n.cfg.MinVerifiedSources, n.cfg.MaxSources)
	verified := sources.Filter(sources.FilterConfig{
		MinCredibility: n.cfg.MinCredibility,
		AgeLimitYears:  snap.Parameters.SourceAgeLimitYears,
		MaxSources:     limit,
	}, snap.Candidates, n.now().Year())
	if verified == nil {
		verified = []domain.Source{}
	}

	delta := &state.Delta{Verified: verified}
	r.Progress(100, fmt.Sprintf("verified %d of %d candidate sources", len(verified), len(snap.Candidates)))

	if len(verified) < n.cfg.MinVerifiedSources {
		return NodeResult{
			Action: ActionFail,
			Delta:  delta,
			Err: domain.WrapError(domain.ErrFatal,
				fmt.Sprintf("insufficient verified sources: %d of %d required", len(verified), n.cfg.MinVerifiedSources),
				ErrInsufficientSources),
		}
	}
	return Continue(delta)
}
