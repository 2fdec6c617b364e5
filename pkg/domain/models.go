package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// RequestStatus represents the lifecycle status of a writing request
type RequestStatus string

const (
	StatusPending         RequestStatus = "pending"
	StatusAwaitingPayment RequestStatus = "awaiting_payment"
	StatusRunning         RequestStatus = "running"
	StatusSucceeded       RequestStatus = "succeeded"
	StatusFailed          RequestStatus = "failed"
	StatusCancelled       RequestStatus = "cancelled"
)

// statusTransitions lists the statuses reachable from each status. Terminal
// statuses have no outgoing edges and nothing ever returns to pending.
var statusTransitions = map[RequestStatus][]RequestStatus{
	StatusPending:         {StatusAwaitingPayment, StatusRunning, StatusFailed, StatusCancelled},
	StatusAwaitingPayment: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:         {StatusSucceeded, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a request may move from one status to another
func CanTransition(from, to RequestStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true once no further transitions are possible
func (s RequestStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// DocumentType is the kind of academic document requested
type DocumentType string

const (
	DocumentEssay        DocumentType = "essay"
	DocumentReport       DocumentType = "report"
	DocumentDissertation DocumentType = "dissertation"
	DocumentCaseStudy    DocumentType = "case_study"
	DocumentLitReview    DocumentType = "literature_review"
	DocumentReflection   DocumentType = "reflection"
)

// CitationStyle is the referencing convention for the final document
type CitationStyle string

const (
	CitationHarvard CitationStyle = "harvard"
	CitationAPA     CitationStyle = "apa"
	CitationMLA     CitationStyle = "mla"
	CitationChicago CitationStyle = "chicago"
)

// Region is the jurisdiction whose conventions the document follows
type Region string

const (
	RegionUK      Region = "uk"
	RegionUS      Region = "us"
	RegionAU      Region = "au"
	RegionCA      Region = "ca"
	RegionGeneral Region = "general"
)

var (
	validDocumentTypes = map[DocumentType]bool{
		DocumentEssay: true, DocumentReport: true, DocumentDissertation: true,
		DocumentCaseStudy: true, DocumentLitReview: true, DocumentReflection: true,
	}
	validCitationStyles = map[CitationStyle]bool{
		CitationHarvard: true, CitationAPA: true, CitationMLA: true, CitationChicago: true,
	}
	validRegions = map[Region]bool{
		RegionUK: true, RegionUS: true, RegionAU: true, RegionCA: true, RegionGeneral: true,
	}
)

// Parameters are the user supplied constraints for a writing request
type Parameters struct {
	WordCount           int           `json:"word_count"`
	Field               string        `json:"field"`
	DocumentType        DocumentType  `json:"document_type"`
	CitationStyle       CitationStyle `json:"citation_style"`
	Region              Region        `json:"region"`
	SourceAgeLimitYears int           `json:"source_age_limit_years"`
}

// Normalize lower-cases enum values and fills optional fields
func (p Parameters) Normalize() Parameters {
	p.Field = strings.ToLower(strings.TrimSpace(p.Field))
	p.DocumentType = DocumentType(strings.ToLower(string(p.DocumentType)))
	p.CitationStyle = CitationStyle(strings.ToLower(string(p.CitationStyle)))
	p.Region = Region(strings.ToLower(string(p.Region)))
	if p.DocumentType == "" {
		p.DocumentType = DocumentEssay
	}
	if p.CitationStyle == "" {
		p.CitationStyle = CitationHarvard
	}
	if p.Region == "" {
		p.Region = RegionGeneral
	}
	if p.Field == "" {
		p.Field = "general"
	}
	return p
}

// Validate checks the parameters, returning an InvalidInput error on the first problem
func (p Parameters) Validate() error {
	if p.WordCount <= 0 {
		return NewError(ErrInvalidInput, "word_count must be a positive integer")
	}
	if p.SourceAgeLimitYears <= 0 {
		return NewError(ErrInvalidInput, "source_age_limit_years must be a positive integer")
	}
	if !validDocumentTypes[p.DocumentType] {
		return NewError(ErrInvalidInput, fmt.Sprintf("unsupported document_type %q", p.DocumentType))
	}
	if !validCitationStyles[p.CitationStyle] {
		return NewError(ErrInvalidInput, fmt.Sprintf("unsupported citation_style %q", p.CitationStyle))
	}
	if !validRegions[p.Region] {
		return NewError(ErrInvalidInput, fmt.Sprintf("unsupported region %q", p.Region))
	}
	return nil
}

// Request represents one user writing job
type Request struct {
	ID                   string         `json:"id"`
	UserID               string         `json:"user_id,omitempty"`
	Status               RequestStatus  `json:"status"`
	Prompt               string         `json:"prompt"`
	Parameters           Parameters     `json:"parameters"`
	AuthToken            string         `json:"-"`
	PaymentTransactionID string         `json:"payment_transaction_id,omitempty"`
	UploadedFileURLs     []string       `json:"uploaded_file_urls,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	Error                *WorkflowError `json:"error,omitempty"`
	Result               *RequestResult `json:"result,omitempty"`
}

// RequestResult references the delivered document of a succeeded request
type RequestResult struct {
	DraftVersion int       `json:"draft_version"`
	Document     string    `json:"document"`
	Warnings     []Warning `json:"warnings,omitempty"`
}

// Transition moves the request to a new status, enforcing the monotonic lifecycle
func (r *Request) Transition(to RequestStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("invalid status transition %s -> %s", r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	if to.IsTerminal() {
		completed := now
		r.CompletedAt = &completed
	}
	return nil
}

// Section is one entry of the planned outline
type Section struct {
	Heading     string   `json:"heading"`
	WordTarget  int      `json:"word_target"`
	KeyPoints   []string `json:"key_points,omitempty"`
	ResearchFor []string `json:"research_for,omitempty"`
}

// ContextDocument is text extracted from a user uploaded reference file
type ContextDocument struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Text        string `json:"text"`
	WordCount   int    `json:"word_count"`
}

// Source represents a candidate reference found by research
type Source struct {
	URL              string   `json:"url"`
	DOI              string   `json:"doi,omitempty"`
	Title            string   `json:"title"`
	Author           string   `json:"author,omitempty"`
	Year             *int     `json:"year,omitempty"`
	Abstract         string   `json:"abstract,omitempty"`
	Provider         string   `json:"provider"`
	CredibilityScore float64  `json:"credibility_score"`
	RelevanceScore   float64  `json:"relevance_score"`
	Verified         bool     `json:"verified"`
	Evidence         []string `json:"evidence,omitempty"`
}

// HasDOI reports whether the source carries a resolvable DOI
func (s Source) HasDOI() bool {
	return strings.HasPrefix(strings.TrimSpace(s.DOI), "10.")
}

// Draft is one generated document version
type Draft struct {
	Version       int       `json:"version"`
	Content       string    `json:"content"`
	WordCount     int       `json:"word_count"`
	CitationCount int       `json:"citation_count"`
	QualityScore  *float64  `json:"quality_score,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ContentHash returns a stable fingerprint of the draft content
func (d Draft) ContentHash() string {
	sum := sha256.Sum256([]byte(d.Content))
	return hex.EncodeToString(sum[:])
}

// Evaluation is one evaluator's judgment of one draft
type Evaluation struct {
	Evaluator    string    `json:"evaluator"`
	DraftVersion int       `json:"draft_version"`
	Score        float64   `json:"score"`
	Feedback     string    `json:"feedback"`
	Strengths    []string  `json:"strengths,omitempty"`
	Improvements []string  `json:"improvements,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// PlagiarismStatus is the processing state of a plagiarism check
type PlagiarismStatus string

const (
	PlagiarismPending    PlagiarismStatus = "pending"
	PlagiarismProcessing PlagiarismStatus = "processing"
	PlagiarismCompleted  PlagiarismStatus = "completed"
	PlagiarismFailed     PlagiarismStatus = "failed"
)

// Span is a highlighted region of a checked document
type Span struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity,omitempty"`
	MatchedURL string  `json:"matched_url,omitempty"`
}

// PlagiarismReport is one similarity/AI check of one draft
type PlagiarismReport struct {
	SubmissionID        string           `json:"submission_id"`
	DraftVersion        int              `json:"draft_version"`
	SimilarityScore     float64          `json:"similarity_score"`
	AIScore             float64          `json:"ai_score"`
	Status              PlagiarismStatus `json:"status"`
	HighlightedSections []Span           `json:"highlighted_sections,omitempty"`
	CheckedAt           time.Time        `json:"checked_at"`
}

// IsClean reports whether a completed report passes the similarity threshold with no AI content
func (r PlagiarismReport) IsClean(similarityThreshold float64) bool {
	return r.Status == PlagiarismCompleted && r.SimilarityScore <= similarityThreshold && r.AIScore == 0
}

// WarningCode identifies a degraded-success annotation
type WarningCode string

const (
	WarningQualityExhausted     WarningCode = "quality_exhausted"
	WarningPlagiarismExhausted  WarningCode = "plagiarism_exhausted"
	WarningInsufficientSources  WarningCode = "insufficient_sources"
	WarningWordCountOutOfRange  WarningCode = "word_count_out_of_range"
	WarningFingerprintNotStored WarningCode = "fingerprint_not_stored"
)

// Warning annotates a succeeded request that took a degraded path
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
	Node    string      `json:"node,omitempty"`
}

// FormattedDocument is the final output of the formatter stage
type FormattedDocument struct {
	DraftVersion  int           `json:"draft_version"`
	Title         string        `json:"title"`
	Body          string        `json:"body"`
	References    []string      `json:"references"`
	CitationStyle CitationStyle `json:"citation_style"`
	WordCount     int           `json:"word_count"`
	Warnings      []Warning     `json:"warnings,omitempty"`
	Rendered      string        `json:"rendered"`
}

// Fingerprint summarises a user's writing style for later personalisation
type Fingerprint struct {
	UserID            string    `json:"user_id" bson:"_id"`
	AvgSentenceLength float64   `json:"avg_sentence_length" bson:"avg_sentence_length"`
	CitationDensity   float64   `json:"citation_density" bson:"citation_density"`
	Formality         float64   `json:"formality" bson:"formality"`
	AvgQualityScore   float64   `json:"avg_quality_score" bson:"avg_quality_score"`
	WordCount         int       `json:"word_count" bson:"word_count"`
	ParagraphCount    int       `json:"paragraph_count" bson:"paragraph_count"`
	Samples           int       `json:"samples" bson:"samples"`
	UpdatedAt         time.Time `json:"updated_at" bson:"updated_at"`
}

// NodeStatus is the latest lifecycle status recorded for a node
type NodeStatus string

const (
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusRetrying  NodeStatus = "retrying"
)

// NodeProgress is the latest progress snapshot of a node
type NodeProgress struct {
	Status  NodeStatus `json:"status"`
	Percent float64    `json:"percent"`
	Message string     `json:"message,omitempty"`
}

// ListOptions filters request listings
type ListOptions struct {
	UserID   string          `json:"user_id,omitempty"`
	Statuses []RequestStatus `json:"statuses,omitempty"`
	Since    *time.Time      `json:"since,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// GenerationPhase is the position of a request inside the draft/evaluate loop
type GenerationPhase string

const (
	GenerationDrafting   GenerationPhase = "drafting"
	GenerationEvaluating GenerationPhase = "evaluating"
	GenerationRevising   GenerationPhase = "revising"
	GenerationAccepted   GenerationPhase = "accepted"
	GenerationExhausted  GenerationPhase = "exhausted"
)

// PlagiarismPhase is the position of a request inside the plagiarism loop
type PlagiarismPhase string

const (
	PlagiarismChecking      PlagiarismPhase = "checking"
	PlagiarismClean         PlagiarismPhase = "clean"
	PlagiarismNeedsRevision PlagiarismPhase = "needs_revision"
	PlagiarismExhausted     PlagiarismPhase = "exhausted"
)

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
