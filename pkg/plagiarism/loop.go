package plagiarism

import "github.com/ncolesummers/handywriterz/pkg/domain"

// LoopConfig bounds the check and revise loop
type LoopConfig struct {
	// SimilarityThreshold is the highest acceptable similarity percentage
	SimilarityThreshold float64
	// MaxAttempts is the number of checks, including the first, before the
	// loop gives up and delivers the last draft with a warning
	MaxAttempts int
}

// DefaultLoopConfig returns threshold 10 and three attempts
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{SimilarityThreshold: 10, MaxAttempts: 3}
}

// Next decides the loop phase after the attempts-th completed report
func (c LoopConfig) Next(report domain.PlagiarismReport, attempts int) domain.PlagiarismPhase {
	switch {
	case report.IsClean(c.SimilarityThreshold):
		return domain.PlagiarismClean
	case attempts < c.MaxAttempts:
		return domain.PlagiarismNeedsRevision
	default:
		return domain.PlagiarismExhausted
	}
}
