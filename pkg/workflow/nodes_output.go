package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/format"
	"github.com/ncolesummers/handywriterz/pkg/generation"
	"github.com/ncolesummers/handywriterz/pkg/llm"
	"github.com/ncolesummers/handywriterz/pkg/observability"
	"github.com/ncolesummers/handywriterz/pkg/plagiarism"
	"github.com/ncolesummers/handywriterz/pkg/state"
)

// TurnitinNode checks the selected draft for similarity and AI content and
// decides whether the plagiarism loop is done
type TurnitinNode struct {
	basePolicy
	poller  *plagiarism.Poller
	loop    plagiarism.LoopConfig
	metrics *observability.Metrics
}

// NewTurnitinNode creates the plagiarism node. A nil poller disables the
// check and marks every draft clean.
func NewTurnitinNode(poller *plagiarism.Poller, loop plagiarism.LoopConfig, metrics *observability.Metrics, policy NodePolicy) *TurnitinNode {
	return &TurnitinNode{basePolicy: basePolicy{policy}, poller: poller, loop: loop, metrics: metrics}
}

// Name returns the node name
func (n *TurnitinNode) Name() string { return NodeTurnitin }

// Execute runs the node
func (n *TurnitinNode) Execute(ctx context.Context, snap state.Snapshot, r *Reporter) NodeResult {
	if n.poller == nil {
		clean := domain.PlagiarismClean
		r.Progress(100, "plagiarism check disabled")
		return Continue(&state.Delta{PlagiarismPhase: &clean})
	}

	draft, ok := selectedDraft(snap)
	if !ok {
		return Fail(domain.ErrFatal, "no draft selected for the plagiarism check")
	}

	r.Progress(10, fmt.Sprintf("checking draft %d", draft.Version))
	report, err := n.poller.Check(ctx, snap.RequestID, draft.Content, draft.Version)
	if err != nil {
		return FailErr(providerError("turnitin", err))
	}

	attempts := snap.PlagiarismAttempts + 1
	phase := n.loop.Next(*report, attempts)
	delta := &state.Delta{
		PlagiarismReport:   report,
		PlagiarismAttempts: &attempts,
		PlagiarismPhase:    &phase,
	}
	if phase == domain.PlagiarismExhausted {
		delta.Warnings = append(delta.Warnings, domain.Warning{
			Code: domain.WarningPlagiarismExhausted,
			Message: fmt.Sprintf("draft %d still at %.1f%% similarity and %.1f%% AI content after %d checks",
				draft.Version, report.SimilarityScore, report.AIScore, attempts),
			Node: NodeTurnitin,
		})
	}
	if n.metrics != nil {
		n.metrics.RecordPlagiarismCheck(ctx, string(phase))
	}
	r.Progress(100, fmt.Sprintf("similarity %.1f%%, AI %.1f%% (%s)", report.SimilarityScore, report.AIScore, phase))
	return Continue(delta)
}

// FormatterNode renders the selected draft with its reference list
type FormatterNode struct {
	basePolicy
	formatter *format.Formatter
}

// NewFormatterNode creates the formatter node
func NewFormatterNode(formatter *format.Formatter, policy NodePolicy) *FormatterNode {
	if formatter == nil {
		formatter = format.NewFormatter(0)
	}
	return &FormatterNode{basePolicy: basePolicy{policy}, formatter: formatter}
}

// Name returns the node name
func (n *FormatterNode) Name() string { return NodeFormatter }

// Execute runs the node
func (n *FormatterNode) Execute(ctx context.Context, snap state.Snapshot, r *Reporter) NodeResult {
	draft, ok := selectedDraft(snap)
	if !ok {
		return Fail(domain.ErrFatal, "no draft selected for formatting")
	}
	doc, err := n.formatter.Format(format.Input{
		Prompt:     snap.Prompt,
		Parameters: snap.Parameters,
		Draft:      draft,
		Sources:    snap.Verified,
		Warnings:   snap.Warnings,
	})
	if err != nil {
		return FailErr(err)
	}

	delta := &state.Delta{Formatted: doc}
	for _, w := range doc.Warnings {
		if !snap.HasWarning(w.Code) {
			delta.Warnings = append(delta.Warnings, w)
		}
	}
	r.Progress(100, fmt.Sprintf("formatted %d words with %d references", doc.WordCount, len(doc.References)))
	return Continue(delta)
}

// MemoryWriterNode records a writing fingerprint of the delivered document
// for the requesting user. It is optional: a failure only adds a warning.
type MemoryWriterNode struct {
	basePolicy
	store domain.FingerprintStore
	now   func() time.Time
}

// NewMemoryWriterNode creates the fingerprint node. store may be nil.
func NewMemoryWriterNode(store domain.FingerprintStore, policy NodePolicy) *MemoryWriterNode {
	policy.Optional = true
	if policy.Warning == "" {
		policy.Warning = domain.WarningFingerprintNotStored
	}
	return &MemoryWriterNode{basePolicy: basePolicy{policy}, store: store, now: time.Now}
}

// Name returns the node name
func (n *MemoryWriterNode) Name() string { return NodeMemoryWriter }

// Execute runs the node
func (n *MemoryWriterNode) Execute(ctx context.Context, snap state.Snapshot, r *Reporter) NodeResult {
	// already stored before a resume
	if n.store == nil || snap.UserID == "" || snap.Fingerprint != nil {
		return Continue(nil)
	}
	draft, ok := selectedDraft(snap)
	if !ok {
		return Continue(nil)
	}

	content := draft.Content
	if snap.Formatted != nil {
		content = snap.Formatted.Body
	}
	fp := ComputeFingerprint(snap.UserID, content, n.now())
	if score, ok := snap.QualityScores[draft.Version]; ok {
		fp.AvgQualityScore = score
	}

	if err := n.store.Save(ctx, &fp); err != nil {
		return FailErr(providerError("fingerprint store", err))
	}
	r.Progress(100, "writing fingerprint stored")
	return Continue(&state.Delta{Fingerprint: &fp})
}

var (
	sentenceEnd = regexp.MustCompile(`[.!?]+(\s|$)`)
	contraction = regexp.MustCompile(`(?i)\b\w+'(s|t|re|ve|ll|d|m)\b`)
	informal    = map[string]bool{
		"i": true, "me": true, "my": true, "you": true, "your": true, "we": true,
		"really": true, "very": true, "lots": true, "stuff": true, "things": true,
		"gonna": true, "kinda": true, "basically": true, "actually": true, "okay": true,
	}
)

// ComputeFingerprint measures one document. Citation density is citations
// per hundred words; formality is the share of words that are neither
// contractions nor informal markers.
func ComputeFingerprint(userID, content string, now time.Time) domain.Fingerprint {
	words := llm.CountWords(content)
	fp := domain.Fingerprint{
		UserID:    userID,
		WordCount: words,
		Samples:   1,
		UpdatedAt: now.UTC(),
	}
	if words == 0 {
		return fp
	}

	var body []string
	for _, p := range strings.Split(content, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		body = append(body, p)
	}
	fp.ParagraphCount = len(body)

	sentences := len(sentenceEnd.FindAllStringIndex(content, -1))
	if sentences == 0 {
		sentences = 1
	}
	fp.AvgSentenceLength = float64(words) / float64(sentences)
	fp.CitationDensity = float64(generation.CountCitations(content)) / float64(words) * 100

	casual := len(contraction.FindAllString(content, -1))
	for _, w := range strings.Fields(strings.ToLower(content)) {
		if informal[strings.Trim(w, `.,;:!?"'()`)] {
			casual++
		}
	}
	fp.Formality = 1 - float64(casual)/float64(words)
	if fp.Formality < 0 {
		fp.Formality = 0
	}
	return fp
}

// selectedDraft returns the selected draft, or the latest one when nothing
// has been selected yet
func selectedDraft(snap state.Snapshot) (domain.Draft, bool) {
	if snap.SelectedVersion > 0 {
		return snap.Draft(snap.SelectedVersion)
	}
	return snap.LatestDraft()
}
