package domain

import (
	"context"
	"time"
)

// WritingService defines the main writing service interface
type WritingService interface {
	// Submit validates and enqueues a new writing request
	Submit(ctx context.Context, submission Submission) (*Request, error)

	// Status returns the current record of a request
	Status(ctx context.Context, requestID string) (*Request, error)

	// Cancel cancels an ongoing request
	Cancel(ctx context.Context, requestID string) error

	// List returns requests matching the options
	List(ctx context.Context, opts ListOptions) ([]*Request, error)
}

// Submission is the input accepted by the writing service
type Submission struct {
	Prompt               string     `json:"prompt"`
	Parameters           Parameters `json:"parameters"`
	AuthToken            string     `json:"-"`
	PaymentTransactionID string     `json:"payment_transaction_id,omitempty"`
	UploadedFileURLs     []string   `json:"uploaded_file_urls,omitempty"`
}

// LLMClient defines the interface for language model interactions
type LLMClient interface {
	// Chat performs a chat completion
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResponse, error)
}

// Authenticator validates bearer tokens and resolves them to a user
type Authenticator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// PaymentVerifier checks whether a payment transaction has settled
type PaymentVerifier interface {
	Verify(ctx context.Context, transactionID string) (*Payment, error)
}

// Payment is a verified payment transaction
type Payment struct {
	TransactionID string        `json:"transaction_id"`
	Amount        float64       `json:"amount"`
	Currency      string        `json:"currency"`
	Status        PaymentStatus `json:"status"`
}

// PaymentStatus is the settlement state of a payment transaction
type PaymentStatus string

const (
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentPending   PaymentStatus = "pending"
	PaymentRejected  PaymentStatus = "rejected"
)

// FileStorage resolves uploaded file URLs to their content
type FileStorage interface {
	Fetch(ctx context.Context, url string) (*StoredFile, error)
}

// StoredFile is a fetched upload
type StoredFile struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// ResearchProvider searches one external source of academic references
type ResearchProvider interface {
	// Name returns the provider name, used as the node suffix
	Name() string

	// Search returns candidate sources for the query
	Search(ctx context.Context, query ResearchQuery) ([]Source, error)
}

// ResearchQuery is what a research provider is asked for
type ResearchQuery struct {
	Prompt          string    `json:"prompt"`
	Field           string    `json:"field"`
	Region          Region    `json:"region"`
	Agenda          []string  `json:"agenda,omitempty"`
	MaxResults      int       `json:"max_results"`
	PublishedAfter  int       `json:"published_after,omitempty"`
	ContextExcerpts []string  `json:"context_excerpts,omitempty"`
	Outline         []Section `json:"outline,omitempty"`
}

// Writer produces a draft from the current inputs
type Writer interface {
	Write(ctx context.Context, input WriteInput) (*Draft, error)
}

// WriteInput is what a writer receives for one draft
type WriteInput struct {
	Prompt     string            `json:"prompt"`
	Parameters Parameters        `json:"parameters"`
	Outline    []Section         `json:"outline,omitempty"`
	Sources    []Source          `json:"sources"`
	Context    []ContextDocument `json:"context,omitempty"`
	Previous   *Draft            `json:"previous,omitempty"`
	Feedback   []string          `json:"feedback,omitempty"`
	Highlights []Span            `json:"highlights,omitempty"`
	Version    int               `json:"version"`
	Reason     string            `json:"reason,omitempty"`
}

// Evaluator scores a draft
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, input EvaluateInput) (*Evaluation, error)
}

// EvaluateInput is what an evaluator receives for one draft
type EvaluateInput struct {
	Prompt     string     `json:"prompt"`
	Parameters Parameters `json:"parameters"`
	Draft      Draft      `json:"draft"`
	Sources    []Source   `json:"sources"`
}

// PlagiarismChecker submits drafts to an external similarity service
type PlagiarismChecker interface {
	// Submit uploads content and returns a submission identifier
	Submit(ctx context.Context, content string) (string, error)

	// Status returns the current report for a submission
	Status(ctx context.Context, submissionID string) (*PlagiarismReport, error)
}

// RequestStore persists request records
type RequestStore interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, requestID string) (*Request, error)
	Update(ctx context.Context, req *Request) error
	List(ctx context.Context, opts ListOptions) ([]*Request, error)
}

// EventPublisher fans workflow events out to subscribers
type EventPublisher interface {
	// Publish appends an event to the request topic
	Publish(ctx context.Context, event Event) error

	// Subscribe returns all events of the topic so far followed by live ones.
	// The channel is closed after a terminal event or when cancel is called.
	Subscribe(ctx context.Context, requestID string) (<-chan Event, func(), error)
}

// FingerprintStore persists per-user writing fingerprints
type FingerprintStore interface {
	Save(ctx context.Context, fp *Fingerprint) error
	Get(ctx context.Context, userID string) (*Fingerprint, error)
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions provides options for chat completions
type ChatOptions struct {
	Model       string   `json:"model,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ChatResponse represents a chat completion response
type ChatResponse struct {
	Content      string     `json:"content"`
	Citations    []string   `json:"citations,omitempty"`
	Usage        TokenUsage `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Model        string     `json:"model,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RequestSummary is the compact form returned by listings
type RequestSummary struct {
	ID        string        `json:"id"`
	Status    RequestStatus `json:"status"`
	Prompt    string        `json:"prompt"`
	CreatedAt time.Time     `json:"created_at"`
}

// Summarize builds a listing entry for the request
func (r *Request) Summarize() RequestSummary {
	prompt := r.Prompt
	if len(prompt) > 120 {
		prompt = Truncate(prompt, 120) + "..."
	}
	return RequestSummary{ID: r.ID, Status: r.Status, Prompt: prompt, CreatedAt: r.CreatedAt}
}
