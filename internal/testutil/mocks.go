package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// MockLLMClient is a mock implementation of LLMClient for testing
type MockLLMClient struct {
	mu           sync.Mutex
	Responses    map[string]string
	CallCount    int
	LastMessages []domain.Message
	ShouldError  bool
	ErrorMessage string
	// ChatFunc allows custom chat behavior for tests
	ChatFunc func(ctx context.Context, messages []domain.Message, options domain.ChatOptions) (*domain.ChatResponse, error)
}

// NewMockLLMClient creates a new mock LLM client
func NewMockLLMClient() *MockLLMClient {
	return &MockLLMClient{
		Responses: make(map[string]string),
	}
}

// Chat implements domain.LLMClient
func (m *MockLLMClient) Chat(ctx context.Context, messages []domain.Message, options domain.ChatOptions) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.CallCount++
	m.LastMessages = messages
	chatFunc := m.ChatFunc
	m.mu.Unlock()
	if chatFunc != nil {
		return chatFunc(ctx, messages, options)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldError {
		return nil, fmt.Errorf("%s", m.ErrorMessage)
	}

	content := "Mock response"
	if len(messages) > 0 {
		lastMsg := messages[len(messages)-1]
		if resp, ok := m.Responses[lastMsg.Content]; ok {
			content = resp
		} else if resp, ok := m.Responses["default"]; ok {
			content = resp
		}
	}

	return &domain.ChatResponse{
		Content: content,
		Usage: domain.TokenUsage{
			PromptTokens:     50,
			CompletionTokens: 50,
			TotalTokens:      100,
		},
		FinishReason: "stop",
	}, nil
}

// Calls returns the number of Chat calls
func (m *MockLLMClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// MockAuthenticator resolves tokens from a fixed table
type MockAuthenticator struct {
	Users map[string]string
	Err   error
}

// Validate implements domain.Authenticator
func (m *MockAuthenticator) Validate(ctx context.Context, token string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	userID, ok := m.Users[token]
	if !ok {
		return "", domain.NewError(domain.ErrUnauthorized, "invalid token")
	}
	return userID, nil
}

// MockFileStorage serves uploads from memory
type MockFileStorage struct {
	Files map[string]*domain.StoredFile
}

// Fetch implements domain.FileStorage
func (m *MockFileStorage) Fetch(ctx context.Context, url string) (*domain.StoredFile, error) {
	f, ok := m.Files[url]
	if !ok {
		return nil, domain.NewError(domain.ErrInvalidInput, fmt.Sprintf("file not found: %s", url))
	}
	return f, nil
}

// MockResearchProvider returns fixed sources, optionally after a delay
type MockResearchProvider struct {
	ProviderName string
	Sources      []domain.Source
	Err          error
	Delay        time.Duration
	// Started is signalled, if set, when a search begins
	Started chan<- string

	mu    sync.Mutex
	calls int
}

// Name implements domain.ResearchProvider
func (m *MockResearchProvider) Name() string {
	return m.ProviderName
}

// Search implements domain.ResearchProvider
func (m *MockResearchProvider) Search(ctx context.Context, q domain.ResearchQuery) ([]domain.Source, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.Started != nil {
		select {
		case m.Started <- m.ProviderName:
		default:
		}
	}
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]domain.Source, len(m.Sources))
	copy(out, m.Sources)
	for i := range out {
		out[i].Provider = m.ProviderName
	}
	return out, nil
}

// Calls returns the number of searches
func (m *MockResearchProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockWriter writes drafts of the requested length citing the first source
type MockWriter struct {
	// Errs are returned by the first calls, in order
	Errs []error

	mu     sync.Mutex
	Inputs []domain.WriteInput
}

// Write implements domain.Writer
func (m *MockWriter) Write(ctx context.Context, input domain.WriteInput) (*domain.Draft, error) {
	m.mu.Lock()
	call := len(m.Inputs)
	m.Inputs = append(m.Inputs, input)
	var err error
	if call < len(m.Errs) {
		err = m.Errs[call]
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	citation := ""
	if len(input.Sources) > 0 && input.Sources[0].Year != nil {
		citation = fmt.Sprintf(" (%s, %d).", surname(input.Sources[0].Author), *input.Sources[0].Year)
	}
	words := input.Parameters.WordCount - 5
	if words < 1 {
		words = 1
	}
	content := fmt.Sprintf("# Draft %d\n\n%s%s", input.Version, Words(words), citation)
	return &domain.Draft{
		Version:       input.Version,
		Content:       content,
		WordCount:     input.Parameters.WordCount,
		CitationCount: 1,
	}, nil
}

// Calls returns the recorded writer inputs
func (m *MockWriter) Calls() []domain.WriteInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.WriteInput(nil), m.Inputs...)
}

func surname(author string) string {
	for i, r := range author {
		if r == ',' || r == ' ' {
			return author[:i]
		}
	}
	return author
}

// MockEvaluator returns Scores in call order, repeating the last one
type MockEvaluator struct {
	EvaluatorName string
	Scores        []float64
	Err           error

	mu    sync.Mutex
	calls int
}

// Name implements domain.Evaluator
func (m *MockEvaluator) Name() string {
	return m.EvaluatorName
}

// Evaluate implements domain.Evaluator
func (m *MockEvaluator) Evaluate(ctx context.Context, input domain.EvaluateInput) (*domain.Evaluation, error) {
	m.mu.Lock()
	call := m.calls
	m.calls++
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	score := 0.0
	if len(m.Scores) > 0 {
		if call >= len(m.Scores) {
			call = len(m.Scores) - 1
		}
		score = m.Scores[call]
	}
	return &domain.Evaluation{
		Evaluator:    m.EvaluatorName,
		DraftVersion: input.Draft.Version,
		Score:        score,
		Feedback:     fmt.Sprintf("draft %d needs stronger analysis", input.Draft.Version),
		Improvements: []string{"cite more recent evidence"},
		CreatedAt:    time.Now(),
	}, nil
}

// Calls returns the number of evaluations
func (m *MockEvaluator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockPlagiarismChecker completes every submission immediately with
// Reports in submission order, repeating the last one
type MockPlagiarismChecker struct {
	Reports []domain.PlagiarismReport
	Err     error

	mu       sync.Mutex
	contents []string
}

// Submit implements domain.PlagiarismChecker
func (m *MockPlagiarismChecker) Submit(ctx context.Context, content string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contents = append(m.contents, content)
	return fmt.Sprintf("sub-%d", len(m.contents)), nil
}

// Status implements domain.PlagiarismChecker
func (m *MockPlagiarismChecker) Status(ctx context.Context, submissionID string) (*domain.PlagiarismReport, error) {
	var n int
	if _, err := fmt.Sscanf(submissionID, "sub-%d", &n); err != nil {
		return nil, fmt.Errorf("unknown submission %s", submissionID)
	}
	report := domain.PlagiarismReport{Status: domain.PlagiarismCompleted}
	if len(m.Reports) > 0 {
		i := n - 1
		if i >= len(m.Reports) {
			i = len(m.Reports) - 1
		}
		report = m.Reports[i]
	}
	report.SubmissionID = submissionID
	if report.Status == "" {
		report.Status = domain.PlagiarismCompleted
	}
	return &report, nil
}

// Submissions returns the submitted contents
func (m *MockPlagiarismChecker) Submissions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.contents...)
}

// MockPaymentVerifier returns payments from a fixed table
type MockPaymentVerifier struct {
	mu       sync.Mutex
	Payments map[string]*domain.Payment
	Err      error
}

// Verify implements domain.PaymentVerifier
func (m *MockPaymentVerifier) Verify(ctx context.Context, transactionID string) (*domain.Payment, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Payments[transactionID]
	if !ok {
		return nil, domain.NewError(domain.ErrInvalidInput, fmt.Sprintf("transaction %s not found", transactionID))
	}
	c := *p
	return &c, nil
}

// SetStatus changes the status of a known payment
func (m *MockPaymentVerifier) SetStatus(transactionID string, status domain.PaymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.Payments[transactionID]; ok {
		p.Status = status
	}
}
