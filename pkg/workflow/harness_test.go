package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/handywriterz/internal/testutil"
	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/events"
	"github.com/ncolesummers/handywriterz/pkg/format"
	"github.com/ncolesummers/handywriterz/pkg/generation"
	"github.com/ncolesummers/handywriterz/pkg/plagiarism"
	"github.com/ncolesummers/handywriterz/pkg/research"
	"github.com/ncolesummers/handywriterz/pkg/state"
	"github.com/ncolesummers/handywriterz/pkg/storage"
	"github.com/ncolesummers/handywriterz/pkg/workflow"
)

const testUser = "user-1"

// harnessOptions tweaks the collaborators of a test pipeline. Zero values
// give a run that is accepted on the first draft and clean on the first check.
type harnessOptions struct {
	Scores            []float64
	Reports           []domain.PlagiarismReport
	Providers         []*testutil.MockResearchProvider
	WriterErrs        []error
	FailHandler       workflow.FailHandler
	Fingerprints      domain.FingerprintStore
	DisablePlagiarism bool
	MaxRetries        int
	Requests          *storage.MemoryRequestStore
	States            state.Store
	Broker            *events.MemoryBroker
}

type harness struct {
	auth         *testutil.MockAuthenticator
	writer       *testutil.MockWriter
	evaluator    *testutil.MockEvaluator
	checker      *testutil.MockPlagiarismChecker
	providers    []*testutil.MockResearchProvider
	fingerprints domain.FingerprintStore
	requests     *storage.MemoryRequestStore
	states       state.Store
	broker       *events.MemoryBroker
	graph        *workflow.Graph
	orchestrator *workflow.Orchestrator
}

func testSources(n, from int) []domain.Source {
	year := time.Now().Year() - 2
	out := make([]domain.Source, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, testutil.NewTestSource(i, "", year))
	}
	return out
}

func defaultProviders() []*testutil.MockResearchProvider {
	return []*testutil.MockResearchProvider{
		{ProviderName: "perplexity", Sources: testSources(3, 1)},
		{ProviderName: "gemini", Sources: testSources(3, 3)},
	}
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.Scores == nil {
		opts.Scores = []float64{0.9}
	}
	if opts.Providers == nil {
		opts.Providers = defaultProviders()
	}
	if opts.Fingerprints == nil {
		opts.Fingerprints = storage.NewMemoryFingerprintStore()
	}
	if opts.Requests == nil {
		opts.Requests = storage.NewMemoryRequestStore()
	}
	if opts.States == nil {
		opts.States = state.NewMemoryStore()
	}
	if opts.Broker == nil {
		opts.Broker = events.NewMemoryBroker(256)
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}

	h := &harness{
		auth:         &testutil.MockAuthenticator{Users: map[string]string{"test-token": testUser}},
		writer:       &testutil.MockWriter{Errs: opts.WriterErrs},
		evaluator:    &testutil.MockEvaluator{EvaluatorName: "examiner", Scores: opts.Scores},
		checker:      &testutil.MockPlagiarismChecker{Reports: opts.Reports},
		providers:    opts.Providers,
		fingerprints: opts.Fingerprints,
		requests:     opts.Requests,
		states:       opts.States,
		broker:       opts.Broker,
	}

	registry := research.NewRegistry()
	for _, p := range opts.Providers {
		require.NoError(t, registry.Register(p))
	}
	fanout := research.NewFanOut(registry, research.FanOutConfig{
		ProviderTimeout:     2 * time.Second,
		BreakerFailures:     100,
		BreakerResetTimeout: time.Minute,
	}, nil, nil)

	var poller *plagiarism.Poller
	if !opts.DisablePlagiarism {
		poller = plagiarism.NewPoller(h.checker, plagiarism.PollConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxPolls:        3,
		}, nil)
	}

	graph, err := workflow.NewWritingGraph(workflow.Components{
		Auth:         h.auth,
		FanOut:       fanout,
		Writer:       h.writer,
		Evaluators:   []domain.Evaluator{h.evaluator},
		Poller:       poller,
		Formatter:    format.NewFormatter(0),
		Fingerprints: opts.Fingerprints,
	}, workflow.GraphConfig{
		Policy:     workflow.NodePolicy{Timeout: 2 * time.Second, MaxRetries: opts.MaxRetries},
		Generation: generation.LoopConfig{QualityThreshold: 0.8, MaxIterations: 3},
		Plagiarism: plagiarism.LoopConfig{SimilarityThreshold: 10, MaxAttempts: 3},
		Sources: workflow.SourceFilterConfig{
			MinCredibility:     0.5,
			MinVerifiedSources: 3,
			MaxSources:         20,
			WordsPerSource:     200,
		},
		MaxResultsPerProvider: 10,
	})
	require.NoError(t, err)
	h.graph = graph

	h.orchestrator, err = workflow.NewOrchestrator(workflow.OrchestratorDeps{
		Graph:       graph,
		Requests:    opts.Requests,
		States:      opts.States,
		Publisher:   opts.Broker,
		FailHandler: opts.FailHandler,
	}, fastOrchestratorConfig())
	require.NoError(t, err)
	return h
}

func fastOrchestratorConfig() workflow.OrchestratorConfig {
	return workflow.OrchestratorConfig{
		NodeTimeout:          2 * time.Second,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		MaxSteps:             64,
	}
}

// newRequest stores a pending request for the run
func (h *harness) newRequest(t *testing.T, id string) *domain.Request {
	t.Helper()
	req := testutil.NewTestRequest("Discuss evidence based practice in adult nursing")
	req.ID = id
	require.NoError(t, h.requests.Create(context.Background(), req))
	return req
}

func (h *harness) stored(t *testing.T, id string) *domain.Request {
	t.Helper()
	req, err := h.requests.Get(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (h *harness) snapshot(t *testing.T, id string) state.Snapshot {
	t.Helper()
	ws, err := h.states.Load(context.Background(), id)
	require.NoError(t, err)
	return ws.Snapshot()
}

// started returns the node names of node_start events in publication order
func (h *harness) started(id string) []string {
	var out []string
	for _, ev := range h.broker.History(id) {
		if ev.Kind == domain.EventNodeStart {
			out = append(out, ev.Node)
		}
	}
	return out
}

func (h *harness) lastEvent(t *testing.T, id string) domain.Event {
	t.Helper()
	history := h.broker.History(id)
	require.NotEmpty(t, history)
	return history[len(history)-1]
}

func warningCodes(ws []domain.Warning) []domain.WarningCode {
	out := make([]domain.WarningCode, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

// recordingStore remembers the last completed node of every save
type recordingStore struct {
	*state.MemoryStore
	mu    sync.Mutex
	saves []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: state.NewMemoryStore()}
}

func (s *recordingStore) Save(ctx context.Context, ws *state.WorkflowState) error {
	s.mu.Lock()
	s.saves = append(s.saves, ws.Snapshot().LastCompletedNode)
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, ws)
}

func (s *recordingStore) completed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range s.saves {
		if n != "" && (len(out) == 0 || out[len(out)-1] != n) {
			out = append(out, n)
		}
	}
	return out
}

type failingFingerprints struct{}

func (failingFingerprints) Save(ctx context.Context, fp *domain.Fingerprint) error {
	return domain.NewError(domain.ErrProviderError, "fingerprint database unavailable")
}

func (failingFingerprints) Get(ctx context.Context, userID string) (*domain.Fingerprint, error) {
	return nil, domain.NewError(domain.ErrProviderError, "fingerprint database unavailable")
}
