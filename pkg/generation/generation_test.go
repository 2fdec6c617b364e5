package generation_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/generation"
)

func score(v float64) *float64 { return &v }

func TestLoopNext(t *testing.T) {
	cfg := generation.DefaultLoopConfig()

	tests := []struct {
		name       string
		iterations int
		score      float64
		want       domain.GenerationPhase
	}{
		{"accepted first draft", 1, 0.9, domain.GenerationAccepted},
		{"threshold is inclusive", 2, 0.8, domain.GenerationAccepted},
		{"revise below threshold", 1, 0.5, domain.GenerationRevising},
		{"revise on second draft", 2, 0.79, domain.GenerationRevising},
		{"exhausted at max", 3, 0.0, domain.GenerationExhausted},
		{"accepted at max", 3, 0.95, domain.GenerationAccepted},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.Next(tt.iterations, tt.score))
		})
	}
}

func TestLoopTerminatesWithZeroScores(t *testing.T) {
	cfg := generation.LoopConfig{QualityThreshold: 0.8, MaxIterations: 3}

	cycles := 0
	phase := domain.GenerationDrafting
	for phase != domain.GenerationAccepted && phase != domain.GenerationExhausted {
		cycles++
		require.LessOrEqual(t, cycles, 10, "loop must be bounded")
		phase = cfg.Next(cycles, 0)
	}
	assert.Equal(t, domain.GenerationExhausted, phase)
	assert.Equal(t, 3, cycles)
}

func TestAggregate(t *testing.T) {
	_, err := generation.Aggregate(nil)
	assert.Error(t, err)

	mean, err := generation.Aggregate([]domain.Evaluation{{Score: 0.9}, {Score: 70}, {Score: 0.8}})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, mean, 1e-9)

	assert.Equal(t, 1.0, generation.NormalizeScore(150))
	assert.Equal(t, 0.0, generation.NormalizeScore(-3))
	assert.Equal(t, 0.85, generation.NormalizeScore(85))
}

func TestBestDraft(t *testing.T) {
	assert.Equal(t, 0, generation.BestDraft(nil))

	drafts := []domain.Draft{
		{Version: 1, QualityScore: score(0.6)},
		{Version: 2, QualityScore: score(0.7)},
		{Version: 3, QualityScore: score(0.7)},
		{Version: 4},
	}
	assert.Equal(t, 3, generation.BestDraft(drafts), "ties go to the later version")

	assert.Equal(t, 2, generation.BestDraft([]domain.Draft{{Version: 1}, {Version: 2}}))
}

func TestFeedbackIsOrderedByEvaluator(t *testing.T) {
	got := generation.Feedback([]domain.Evaluation{
		{Evaluator: "o3", Feedback: "thin evidence", Improvements: []string{"cite trials"}},
		{Evaluator: "claude", Feedback: "good structure"},
	})
	assert.Equal(t, []string{"[claude] good structure", "[o3] thin evidence", "[o3] improve: cite trials"}, got)
}

type chatFunc func(messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error)

func (f chatFunc) Chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
	return f(messages, opts)
}

func TestLLMWriter(t *testing.T) {
	var prompt string
	client := chatFunc(func(messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
		prompt = messages[1].Content
		return &domain.ChatResponse{Content: "## Introduction\nFalls are common (Smith 2021). Rounding helps (Jones, 2020) [3]."}, nil
	})
	writer := generation.NewLLMWriter(client, nil, generation.WriterConfig{})

	prev := &domain.Draft{Version: 1, Content: "old text"}
	draft, err := writer.Write(context.Background(), domain.WriteInput{
		Prompt:     "Discuss falls prevention",
		Parameters: domain.Parameters{WordCount: 1000, Field: "nursing", CitationStyle: domain.CitationHarvard},
		Outline:    []domain.Section{{Heading: "Introduction", WordTarget: 100}},
		Sources:    []domain.Source{{Author: "Smith, J.", Title: "Falls", URL: "https://a.org"}},
		Previous:   prev,
		Feedback:   []string{"[claude] add counter arguments"},
		Highlights: []domain.Span{{Text: "copied sentence"}},
		Version:    2,
		Reason:     "quality_revision",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, draft.Version)
	assert.Equal(t, "quality_revision", draft.Reason)
	assert.Equal(t, 3, draft.CitationCount)
	assert.Equal(t, 12, draft.WordCount)
	assert.False(t, draft.CreatedAt.IsZero())

	for _, want := range []string{"Discuss falls prevention", "Introduction (~100 words)", "(Smith n.d.)", "old text", "add counter arguments", "copied sentence"} {
		assert.True(t, strings.Contains(prompt, want), "prompt missing %q", want)
	}
}

func TestLLMWriterRejectsEmptyDraft(t *testing.T) {
	client := chatFunc(func(messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{Content: "   "}, nil
	})
	_, err := generation.NewLLMWriter(client, nil, generation.WriterConfig{}).Write(context.Background(), domain.WriteInput{Version: 1})
	require.Error(t, err)
	assert.Equal(t, domain.ErrProviderError, domain.KindOf(err))

	_, err = generation.NewLLMWriter(client, nil, generation.WriterConfig{}).Write(context.Background(), domain.WriteInput{})
	assert.Error(t, err)
}

func TestLLMEvaluator(t *testing.T) {
	client := chatFunc(func(messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{Content: "Result:\n```json\n{\"score\": 82, \"feedback\": \"solid\", \"improvements\": [\"more sources\"]}\n```"}, nil
	})
	eval, err := generation.NewLLMEvaluator("gemini", client).Evaluate(context.Background(), domain.EvaluateInput{Draft: domain.Draft{Version: 2}})
	require.NoError(t, err)
	assert.Equal(t, "gemini", eval.Evaluator)
	assert.Equal(t, 2, eval.DraftVersion)
	assert.InDelta(t, 0.82, eval.Score, 1e-9)
	assert.Equal(t, []string{"more sources"}, eval.Improvements)

	bad := chatFunc(func(messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{Content: "looks fine"}, nil
	})
	_, err = generation.NewLLMEvaluator("o3", bad).Evaluate(context.Background(), domain.EvaluateInput{})
	assert.Equal(t, domain.ErrProviderError, domain.KindOf(err))
}

type fixedEvaluator struct {
	name  string
	score float64
	err   error
}

func (e fixedEvaluator) Name() string { return e.name }

func (e fixedEvaluator) Evaluate(ctx context.Context, input domain.EvaluateInput) (*domain.Evaluation, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &domain.Evaluation{Evaluator: e.name, Score: e.score}, nil
}

func TestEvaluatePanel(t *testing.T) {
	input := domain.EvaluateInput{Draft: domain.Draft{Version: 1}}

	result, err := generation.EvaluatePanel(context.Background(), []domain.Evaluator{
		fixedEvaluator{name: "claude", score: 90},
		fixedEvaluator{name: "o3", err: errors.New("503 unavailable")},
		fixedEvaluator{name: "gemini", score: 0.7},
	}, input)
	require.NoError(t, err)
	require.Len(t, result.Evaluations, 2)
	assert.Contains(t, result.Failures, "o3")
	mean, err := generation.Aggregate(result.Evaluations)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, mean, 1e-9)
	assert.Equal(t, 1, result.Evaluations[0].DraftVersion)

	_, err = generation.EvaluatePanel(context.Background(), []domain.Evaluator{
		fixedEvaluator{name: "claude", err: errors.New("timeout")},
	}, input)
	require.Error(t, err)
	assert.Equal(t, domain.ErrProviderTimeout, domain.KindOf(err))
}
