package state_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/state"
)

func newState() *state.WorkflowState {
	return state.NewWorkflowState(domain.Request{
		ID:     "req-1",
		Prompt: "Discuss nurse staffing ratios",
		Parameters: domain.Parameters{
			WordCount:           1000,
			Field:               "nursing",
			DocumentType:        domain.DocumentEssay,
			CitationStyle:       domain.CitationHarvard,
			Region:              domain.RegionUK,
			SourceAgeLimitYears: 5,
		},
	})
}

func draft(version int) *domain.Draft {
	return &domain.Draft{Version: version, Content: fmt.Sprintf("draft %d", version), WordCount: 2}
}

func intPtr(v int) *int { return &v }

func TestNewWorkflowState(t *testing.T) {
	s := newState()
	snap := s.Snapshot()

	assert.Equal(t, "req-1", snap.RequestID)
	assert.Equal(t, "nursing", snap.Parameters.Field)
	assert.Empty(t, snap.Drafts)
	assert.Zero(t, snap.GenerationIterations)
}

func TestApplyDraftVersionsStrictlyIncrease(t *testing.T) {
	s := newState()

	require.NoError(t, s.Apply(&state.Delta{NewDraft: draft(1)}))
	require.NoError(t, s.Apply(&state.Delta{NewDraft: draft(2)}))

	err := s.Apply(&state.Delta{NewDraft: draft(2)})
	assert.Error(t, err)

	err = s.Apply(&state.Delta{NewDraft: draft(4)})
	assert.Error(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Drafts, 2)
	assert.Equal(t, 1, snap.Drafts[0].Version)
	assert.Equal(t, 2, snap.Drafts[1].Version)
}

func TestApplyIsAllOrNothing(t *testing.T) {
	s := newState()
	require.NoError(t, s.Apply(&state.Delta{NewDraft: draft(1)}))

	err := s.Apply(&state.Delta{
		Candidates: []domain.Source{{URL: "https://example.org/a", Title: "A"}},
		Warnings:   []domain.Warning{{Code: domain.WarningQualityExhausted}},
		// version 3 does not exist, so nothing above may land
		SelectedVersion: intPtr(3),
	})
	require.Error(t, err)

	snap := s.Snapshot()
	assert.Empty(t, snap.Candidates)
	assert.Empty(t, snap.Warnings)
	assert.Zero(t, snap.SelectedVersion)
}

func TestApplyRejectsDecreasingCounters(t *testing.T) {
	s := newState()
	require.NoError(t, s.Apply(&state.Delta{GenerationIterations: intPtr(2)}))
	assert.Error(t, s.Apply(&state.Delta{GenerationIterations: intPtr(1)}))
	assert.Equal(t, 2, s.Snapshot().GenerationIterations)
}

func TestDraftsAreNeverMutatedByScoring(t *testing.T) {
	s := newState()
	require.NoError(t, s.Apply(&state.Delta{NewDraft: draft(1)}))
	before := s.Snapshot().Drafts[0]
	assert.Nil(t, before.QualityScore)

	require.NoError(t, s.Apply(&state.Delta{
		Evaluations: []domain.Evaluation{{Evaluator: "claude", DraftVersion: 1, Score: 0.8}},
		Score:       &state.ScoreUpdate{Version: 1, Score: 0.8},
	}))

	after := s.Snapshot().Drafts[0]
	require.NotNil(t, after.QualityScore)
	assert.Equal(t, 0.8, *after.QualityScore)
	assert.Equal(t, before.Content, after.Content)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)

	// a second score for the same version is rejected
	assert.Error(t, s.Apply(&state.Delta{Score: &state.ScoreUpdate{Version: 1, Score: 0.1}}))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newState()
	year := 2022
	require.NoError(t, s.Apply(&state.Delta{
		Candidates: []domain.Source{{URL: "https://example.org/a", Year: &year, Evidence: []string{"x"}}},
	}))

	snap := s.Snapshot()
	*snap.Candidates[0].Year = 1990
	snap.Candidates[0].Evidence[0] = "changed"
	snap.Candidates = append(snap.Candidates, domain.Source{URL: "https://example.org/b"})

	fresh := s.Snapshot()
	require.Len(t, fresh.Candidates, 1)
	assert.Equal(t, 2022, *fresh.Candidates[0].Year)
	assert.Equal(t, "x", fresh.Candidates[0].Evidence[0])
}

func TestEvaluationMustReferenceExistingDraft(t *testing.T) {
	s := newState()
	err := s.Apply(&state.Delta{
		Evaluations: []domain.Evaluation{{Evaluator: "o3", DraftVersion: 1}},
	})
	assert.Error(t, err)

	// the draft and its evaluation may arrive in the same delta
	require.NoError(t, s.Apply(&state.Delta{
		NewDraft:    draft(1),
		Evaluations: []domain.Evaluation{{Evaluator: "o3", DraftVersion: 1, Feedback: "ok"}},
	}))
	assert.Equal(t, "ok", s.Snapshot().Evaluations[1][0].Feedback)
}

func TestConcurrentApply(t *testing.T) {
	s := newState()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Apply(&state.Delta{Candidates: []domain.Source{{URL: fmt.Sprintf("https://example.org/%d", i)}}})
			_ = s.Snapshot()
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Snapshot().Candidates, 50)
}

func TestNodeProgressTracksLastCompleted(t *testing.T) {
	s := newState()
	s.SetNodeProgress("planner", domain.NodeProgress{Status: domain.NodeStatusRunning})
	s.SetNodeProgress("planner", domain.NodeProgress{Status: domain.NodeStatusCompleted, Percent: 100})
	s.SetNodeProgress("writer", domain.NodeProgress{Status: domain.NodeStatusRunning, Percent: 10})

	snap := s.Snapshot()
	assert.Equal(t, "planner", snap.LastCompletedNode)
	assert.Equal(t, 10.0, snap.NodeProgress["writer"].Percent)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	req := domain.Request{ID: "req-1", Prompt: "Discuss nurse staffing ratios", AuthToken: "secret"}
	s := state.NewWorkflowState(req)
	require.NoError(t, s.Apply(&state.Delta{NewDraft: draft(1)}))

	require.NoError(t, store.Save(ctx, s))

	loaded, err := store.Load(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, loaded.Snapshot().Drafts, 1)
	assert.Empty(t, loaded.Snapshot().AuthToken, "auth tokens are not stored")

	// the stored copy is isolated from later changes
	require.NoError(t, s.Apply(&state.Delta{NewDraft: draft(2)}))
	loaded, err = store.Load(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, loaded.Snapshot().Drafts, 1)

	ids, err := store.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1"}, ids)

	require.NoError(t, store.Delete(ctx, "req-1"))
	_, err = store.Load(ctx, "req-1")
	assert.True(t, errors.Is(err, state.ErrNotFound))
}
