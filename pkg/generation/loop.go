// Package generation implements the writer and evaluator side of the
// drafting loop: score aggregation, the accept/revise/exhaust decision, and
// the model backed Writer and Evaluator.
package generation

import (
	"fmt"
	"sort"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// LoopConfig bounds the drafting loop
type LoopConfig struct {
	QualityThreshold float64
	MaxIterations    int
}

// DefaultLoopConfig returns the default threshold and iteration bound
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{QualityThreshold: 0.8, MaxIterations: 3}
}

// Next decides the loop phase after a draft was evaluated. iterations is
// the number of drafts written so far. A score exactly at the threshold is
// accepted.
func (c LoopConfig) Next(iterations int, score float64) domain.GenerationPhase {
	switch {
	case score >= c.QualityThreshold:
		return domain.GenerationAccepted
	case iterations < c.MaxIterations:
		return domain.GenerationRevising
	default:
		return domain.GenerationExhausted
	}
}

// NormalizeScore maps an evaluator score to [0,1]. Scores above 1 are read
// as percentages.
func NormalizeScore(score float64) float64 {
	if score > 1 {
		score /= 100
	}
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

// Aggregate returns the arithmetic mean of the normalized evaluator scores
func Aggregate(evaluations []domain.Evaluation) (float64, error) {
	if len(evaluations) == 0 {
		return 0, fmt.Errorf("no evaluations to aggregate")
	}
	var sum float64
	for _, e := range evaluations {
		sum += NormalizeScore(e.Score)
	}
	return sum / float64(len(evaluations)), nil
}

// BestDraft returns the version of the highest scoring draft. Ties go to
// the later version; unscored drafts rank below scored ones. It returns 0
// when there are no drafts.
func BestDraft(drafts []domain.Draft) int {
	best := 0
	bestScore := -1.0
	for _, d := range drafts {
		score := -0.5
		if d.QualityScore != nil {
			score = *d.QualityScore
		}
		if score >= bestScore {
			best = d.Version
			bestScore = score
		}
	}
	return best
}

// Feedback flattens evaluations into writer revision notes, ordered by
// evaluator name so the prompt is stable
func Feedback(evaluations []domain.Evaluation) []string {
	sorted := append([]domain.Evaluation(nil), evaluations...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Evaluator < sorted[j].Evaluator })

	var out []string
	for _, e := range sorted {
		if e.Feedback != "" {
			out = append(out, fmt.Sprintf("[%s] %s", e.Evaluator, e.Feedback))
		}
		for _, imp := range e.Improvements {
			out = append(out, fmt.Sprintf("[%s] improve: %s", e.Evaluator, imp))
		}
	}
	return out
}
