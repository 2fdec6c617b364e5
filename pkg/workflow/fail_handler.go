package workflow

import (
	"errors"
	"fmt"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/state"
)

// Recovery tells the orchestrator where a failed run continues and what is
// merged before it does
type Recovery struct {
	Next  string
	Delta *state.Delta
}

// FailHandler decides whether a fatal node failure ends the run. It returns
// false to confirm the failure.
type FailHandler interface {
	Handle(snap state.Snapshot, node string, result NodeResult) (Recovery, bool)
}

// DefaultFailHandler resumes at the writer when the source filter verified
// some, but not enough, sources. Every other failure is confirmed.
type DefaultFailHandler struct {
	ResumeOnInsufficientSources bool
}

// Handle implements FailHandler
func (h DefaultFailHandler) Handle(snap state.Snapshot, node string, result NodeResult) (Recovery, bool) {
	if !h.ResumeOnInsufficientSources || result.Err == nil || !errors.Is(result.Err, ErrInsufficientSources) {
		return Recovery{}, false
	}
	if result.Delta == nil || len(result.Delta.Verified) == 0 {
		return Recovery{}, false
	}

	delta := *result.Delta
	delta.Warnings = append(append([]domain.Warning(nil), delta.Warnings...), domain.Warning{
		Code:    domain.WarningInsufficientSources,
		Message: fmt.Sprintf("writing with %d verified sources: %s", len(delta.Verified), result.Err.Message),
		Node:    node,
	})
	return Recovery{Next: NodeWriter, Delta: &delta}, true
}
