package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// WorkflowState represents the complete state of one writing request
type WorkflowState struct {
	mu   sync.RWMutex
	data Snapshot
}

// Snapshot is an immutable copy of the workflow state; it is also the persisted form
type Snapshot struct {
	RequestID  string            `json:"request_id"`
	UserID     string            `json:"user_id,omitempty"`
	Prompt     string            `json:"prompt"`
	Parameters domain.Parameters `json:"parameters"`

	// AuthToken is only held in memory; a resumed run has none
	AuthToken        string   `json:"-"`
	UploadedFileURLs []string `json:"uploaded_file_urls,omitempty"`

	ContextDocs []domain.ContextDocument `json:"context_docs,omitempty"`
	Outline     []domain.Section         `json:"outline,omitempty"`
	Agenda      []string                 `json:"agenda,omitempty"`

	Candidates []domain.Source `json:"candidates,omitempty"`
	Verified   []domain.Source `json:"verified,omitempty"`

	Drafts               []domain.Draft                 `json:"drafts,omitempty"`
	Evaluations          map[int][]domain.Evaluation    `json:"evaluations,omitempty"`
	QualityScores        map[int]float64                `json:"quality_scores,omitempty"`
	GenerationIterations int                            `json:"generation_iterations"`
	GenerationPhase      domain.GenerationPhase         `json:"generation_phase,omitempty"`
	PlagiarismReports    []domain.PlagiarismReport      `json:"plagiarism_reports,omitempty"`
	PlagiarismAttempts   int                            `json:"plagiarism_attempts"`
	PlagiarismPhase      domain.PlagiarismPhase         `json:"plagiarism_phase,omitempty"`
	SelectedVersion      int                            `json:"selected_version,omitempty"`
	Warnings             []domain.Warning               `json:"warnings,omitempty"`
	Formatted            *domain.FormattedDocument      `json:"formatted,omitempty"`
	Fingerprint          *domain.Fingerprint            `json:"fingerprint,omitempty"`
	NodeProgress         map[string]domain.NodeProgress `json:"node_progress,omitempty"`
	LastCompletedNode    string                         `json:"last_completed_node,omitempty"`
	NextNode             string                         `json:"next_node,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScoreUpdate records the aggregated quality score of one draft
type ScoreUpdate struct {
	Version int
	Score   float64
}

// Delta is the set of changes a node returns. Nil fields are left untouched;
// slices named as appends are added to the existing values.
type Delta struct {
	UserID     string
	Parameters *domain.Parameters

	ContextDocs []domain.ContextDocument
	Outline     []domain.Section
	Agenda      []string

	// Candidates are appended
	Candidates []domain.Source
	// Verified replaces the verified set when non-nil
	Verified []domain.Source

	NewDraft    *domain.Draft
	Evaluations []domain.Evaluation
	Score       *ScoreUpdate

	GenerationIterations *int
	GenerationPhase      *domain.GenerationPhase

	PlagiarismReport   *domain.PlagiarismReport
	PlagiarismAttempts *int
	PlagiarismPhase    *domain.PlagiarismPhase

	SelectedVersion *int
	// Warnings are appended
	Warnings    []domain.Warning
	Formatted   *domain.FormattedDocument
	Fingerprint *domain.Fingerprint
}

// IsEmpty reports whether applying the delta would change nothing
func (d *Delta) IsEmpty() bool {
	return d == nil || (d.UserID == "" && d.Parameters == nil && d.ContextDocs == nil && d.Outline == nil && d.Agenda == nil &&
		d.Candidates == nil && d.Verified == nil && d.NewDraft == nil &&
		d.Evaluations == nil && d.Score == nil && d.GenerationIterations == nil &&
		d.GenerationPhase == nil && d.PlagiarismReport == nil && d.PlagiarismAttempts == nil &&
		d.PlagiarismPhase == nil && d.SelectedVersion == nil && d.Warnings == nil &&
		d.Formatted == nil && d.Fingerprint == nil)
}

// NewWorkflowState creates the initial state for a request
func NewWorkflowState(req domain.Request) *WorkflowState {
	now := time.Now()
	return &WorkflowState{
		data: Snapshot{
			RequestID:        req.ID,
			UserID:           req.UserID,
			Prompt:           req.Prompt,
			Parameters:       req.Parameters,
			AuthToken:        req.AuthToken,
			UploadedFileURLs: append([]string(nil), req.UploadedFileURLs...),
			Evaluations:      make(map[int][]domain.Evaluation),
			QualityScores:    make(map[int]float64),
			NodeProgress:     make(map[string]domain.NodeProgress),
			CreatedAt:        now,
			UpdatedAt:        now,
		},
	}
}

// Restore rebuilds a live state from a persisted snapshot
func Restore(snap Snapshot) *WorkflowState {
	c := snap.clone()
	if c.Evaluations == nil {
		c.Evaluations = make(map[int][]domain.Evaluation)
	}
	if c.QualityScores == nil {
		c.QualityScores = make(map[int]float64)
	}
	if c.NodeProgress == nil {
		c.NodeProgress = make(map[string]domain.NodeProgress)
	}
	return &WorkflowState{data: c}
}

// RequestID returns the id of the request the state belongs to
func (s *WorkflowState) RequestID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.RequestID
}

// Apply validates a delta against the current state and merges it. Either the
// whole delta is applied or, on error, nothing is.
func (s *WorkflowState) Apply(d *Delta) error {
	if d.IsEmpty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validate(d); err != nil {
		return err
	}

	if d.UserID != "" {
		s.data.UserID = d.UserID
	}
	if d.Parameters != nil {
		s.data.Parameters = *d.Parameters
	}
	if d.ContextDocs != nil {
		s.data.ContextDocs = append([]domain.ContextDocument(nil), d.ContextDocs...)
	}
	if d.Outline != nil {
		s.data.Outline = cloneSections(d.Outline)
	}
	if d.Agenda != nil {
		s.data.Agenda = append([]string(nil), d.Agenda...)
	}
	if len(d.Candidates) > 0 {
		s.data.Candidates = append(s.data.Candidates, cloneSources(d.Candidates)...)
	}
	if d.Verified != nil {
		s.data.Verified = cloneSources(d.Verified)
	}
	if d.NewDraft != nil {
		draft := *d.NewDraft
		draft.QualityScore = nil
		if draft.CreatedAt.IsZero() {
			draft.CreatedAt = time.Now()
		}
		s.data.Drafts = append(s.data.Drafts, draft)
	}
	for _, ev := range d.Evaluations {
		s.data.Evaluations[ev.DraftVersion] = append(s.data.Evaluations[ev.DraftVersion], ev)
	}
	if d.Score != nil {
		s.data.QualityScores[d.Score.Version] = d.Score.Score
	}
	if d.GenerationIterations != nil {
		s.data.GenerationIterations = *d.GenerationIterations
	}
	if d.GenerationPhase != nil {
		s.data.GenerationPhase = *d.GenerationPhase
	}
	if d.PlagiarismReport != nil {
		s.data.PlagiarismReports = append(s.data.PlagiarismReports, clonePlagiarismReport(*d.PlagiarismReport))
	}
	if d.PlagiarismAttempts != nil {
		s.data.PlagiarismAttempts = *d.PlagiarismAttempts
	}
	if d.PlagiarismPhase != nil {
		s.data.PlagiarismPhase = *d.PlagiarismPhase
	}
	if d.SelectedVersion != nil {
		s.data.SelectedVersion = *d.SelectedVersion
	}
	if len(d.Warnings) > 0 {
		s.data.Warnings = append(s.data.Warnings, d.Warnings...)
	}
	if d.Formatted != nil {
		f := *d.Formatted
		f.References = append([]string(nil), f.References...)
		f.Warnings = append([]domain.Warning(nil), f.Warnings...)
		s.data.Formatted = &f
	}
	if d.Fingerprint != nil {
		fp := *d.Fingerprint
		s.data.Fingerprint = &fp
	}

	s.data.UpdatedAt = time.Now()
	return nil
}

// validate checks a delta without mutating anything. Callers hold the lock.
func (s *WorkflowState) validate(d *Delta) error {
	versions := len(s.data.Drafts)
	if d.NewDraft != nil {
		if d.NewDraft.Version != versions+1 {
			return fmt.Errorf("draft version %d does not follow %d", d.NewDraft.Version, versions)
		}
		if d.NewDraft.Content == "" {
			return fmt.Errorf("draft version %d has no content", d.NewDraft.Version)
		}
		versions++
	}

	known := func(v int) bool { return v >= 1 && v <= versions }

	for _, ev := range d.Evaluations {
		if !known(ev.DraftVersion) {
			return fmt.Errorf("evaluation references unknown draft version %d", ev.DraftVersion)
		}
	}
	if d.Score != nil {
		if !known(d.Score.Version) {
			return fmt.Errorf("quality score references unknown draft version %d", d.Score.Version)
		}
		if _, exists := s.data.QualityScores[d.Score.Version]; exists {
			return fmt.Errorf("draft version %d already has a quality score", d.Score.Version)
		}
	}
	if d.PlagiarismReport != nil && !known(d.PlagiarismReport.DraftVersion) {
		return fmt.Errorf("plagiarism report references unknown draft version %d", d.PlagiarismReport.DraftVersion)
	}
	if d.SelectedVersion != nil && !known(*d.SelectedVersion) {
		return fmt.Errorf("selected draft version %d does not exist", *d.SelectedVersion)
	}
	if d.Formatted != nil && !known(d.Formatted.DraftVersion) {
		return fmt.Errorf("formatted document references unknown draft version %d", d.Formatted.DraftVersion)
	}
	if d.GenerationIterations != nil && *d.GenerationIterations < s.data.GenerationIterations {
		return fmt.Errorf("generation iterations cannot decrease from %d to %d", s.data.GenerationIterations, *d.GenerationIterations)
	}
	if d.PlagiarismAttempts != nil && *d.PlagiarismAttempts < s.data.PlagiarismAttempts {
		return fmt.Errorf("plagiarism attempts cannot decrease from %d to %d", s.data.PlagiarismAttempts, *d.PlagiarismAttempts)
	}
	return nil
}

// SetNodeProgress records the latest progress of a node
func (s *WorkflowState) SetNodeProgress(node string, progress domain.NodeProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.NodeProgress[node] = progress
	if progress.Status == domain.NodeStatusCompleted {
		s.data.LastCompletedNode = node
	}
	s.data.UpdatedAt = time.Now()
}

// SetNextNode records where execution continues, used when resuming
func (s *WorkflowState) SetNextNode(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.NextNode = node
	s.data.UpdatedAt = time.Now()
}

// Snapshot returns a deep copy of the current state. Each draft carries the
// quality score recorded for its version, if any.
func (s *WorkflowState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.data.clone()
	for i := range c.Drafts {
		if score, ok := c.QualityScores[c.Drafts[i].Version]; ok {
			sc := score
			c.Drafts[i].QualityScore = &sc
		}
	}
	return c
}

func (snap Snapshot) clone() Snapshot {
	c := snap
	c.UploadedFileURLs = append([]string(nil), snap.UploadedFileURLs...)
	c.ContextDocs = append([]domain.ContextDocument(nil), snap.ContextDocs...)
	c.Outline = cloneSections(snap.Outline)
	c.Agenda = append([]string(nil), snap.Agenda...)
	c.Candidates = cloneSources(snap.Candidates)
	c.Verified = cloneSources(snap.Verified)
	c.Drafts = append([]domain.Draft(nil), snap.Drafts...)
	for i := range c.Drafts {
		c.Drafts[i].QualityScore = nil
	}

	c.Evaluations = make(map[int][]domain.Evaluation, len(snap.Evaluations))
	for v, evs := range snap.Evaluations {
		c.Evaluations[v] = append([]domain.Evaluation(nil), evs...)
	}
	c.QualityScores = make(map[int]float64, len(snap.QualityScores))
	for v, score := range snap.QualityScores {
		c.QualityScores[v] = score
	}
	c.PlagiarismReports = make([]domain.PlagiarismReport, 0, len(snap.PlagiarismReports))
	for _, r := range snap.PlagiarismReports {
		c.PlagiarismReports = append(c.PlagiarismReports, clonePlagiarismReport(r))
	}
	c.Warnings = append([]domain.Warning(nil), snap.Warnings...)
	if snap.Formatted != nil {
		f := *snap.Formatted
		f.References = append([]string(nil), f.References...)
		f.Warnings = append([]domain.Warning(nil), f.Warnings...)
		c.Formatted = &f
	}
	if snap.Fingerprint != nil {
		fp := *snap.Fingerprint
		c.Fingerprint = &fp
	}
	c.NodeProgress = make(map[string]domain.NodeProgress, len(snap.NodeProgress))
	for k, v := range snap.NodeProgress {
		c.NodeProgress[k] = v
	}
	return c
}

func cloneSources(in []domain.Source) []domain.Source {
	if in == nil {
		return nil
	}
	out := make([]domain.Source, len(in))
	for i, src := range in {
		out[i] = src
		if src.Year != nil {
			y := *src.Year
			out[i].Year = &y
		}
		out[i].Evidence = append([]string(nil), src.Evidence...)
	}
	return out
}

func cloneSections(in []domain.Section) []domain.Section {
	if in == nil {
		return nil
	}
	out := make([]domain.Section, len(in))
	for i, sec := range in {
		out[i] = sec
		out[i].KeyPoints = append([]string(nil), sec.KeyPoints...)
		out[i].ResearchFor = append([]string(nil), sec.ResearchFor...)
	}
	return out
}

func clonePlagiarismReport(r domain.PlagiarismReport) domain.PlagiarismReport {
	r.HighlightedSections = append([]domain.Span(nil), r.HighlightedSections...)
	return r
}

// Snapshot helpers used by nodes

// LatestDraft returns the most recent draft, if any
func (snap Snapshot) LatestDraft() (domain.Draft, bool) {
	if len(snap.Drafts) == 0 {
		return domain.Draft{}, false
	}
	return snap.Drafts[len(snap.Drafts)-1], true
}

// Draft returns the draft with the given version
func (snap Snapshot) Draft(version int) (domain.Draft, bool) {
	if version < 1 || version > len(snap.Drafts) {
		return domain.Draft{}, false
	}
	return snap.Drafts[version-1], true
}

// LatestPlagiarismReport returns the most recent plagiarism report, if any
func (snap Snapshot) LatestPlagiarismReport() (domain.PlagiarismReport, bool) {
	if len(snap.PlagiarismReports) == 0 {
		return domain.PlagiarismReport{}, false
	}
	return snap.PlagiarismReports[len(snap.PlagiarismReports)-1], true
}

// HasWarning reports whether a warning with the code was recorded
func (snap Snapshot) HasWarning(code domain.WarningCode) bool {
	for _, w := range snap.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}
