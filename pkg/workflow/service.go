package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/events"
	"github.com/ncolesummers/handywriterz/pkg/intake"
	"github.com/ncolesummers/handywriterz/pkg/observability"
	"github.com/ncolesummers/handywriterz/pkg/state"
	"github.com/ncolesummers/handywriterz/pkg/storage"
)

// ErrRequestNotFound is returned for unknown request ids
var ErrRequestNotFound = errors.New("request not found")

// ServiceConfig holds admission settings
type ServiceConfig struct {
	RequirePayment bool
	Pricing        intake.Pricing
	// RequestTimeout bounds a whole run; zero means no bound
	RequestTimeout time.Duration
}

// ServiceDeps are the collaborators of the service
type ServiceDeps struct {
	Orchestrator *Orchestrator
	Pool         *RunPool
	Requests     domain.RequestStore
	States       state.Store
	Publisher    domain.EventPublisher
	// Payments may be nil when payment is not required
	Payments domain.PaymentVerifier
	// Auth resolves the submitting user; nil accepts anonymous requests
	Auth      domain.Authenticator
	Telemetry *observability.Telemetry
	Metrics   *observability.Metrics
}

// Service is the command surface of the writing workflow: it admits
// requests, runs them on the pool and answers status, cancel and stream
// calls
type Service struct {
	cfg          ServiceConfig
	orchestrator *Orchestrator
	pool         *RunPool
	requests     domain.RequestStore
	states       state.Store
	publisher    domain.EventPublisher
	payments     domain.PaymentVerifier
	auth         domain.Authenticator
	emitter      *events.Emitter
	metrics      *observability.Metrics
	logger       *observability.StructuredLogger

	mu   sync.Mutex
	runs map[string]context.CancelCauseFunc
	now  func() time.Time
}

var _ domain.WritingService = (*Service)(nil)

// NewService creates the service
func NewService(deps ServiceDeps, cfg ServiceConfig) (*Service, error) {
	if deps.Orchestrator == nil || deps.Pool == nil {
		return nil, fmt.Errorf("orchestrator and run pool are required")
	}
	if deps.Requests == nil || deps.States == nil || deps.Publisher == nil {
		return nil, fmt.Errorf("request store, state store and publisher are required")
	}
	if cfg.RequirePayment && deps.Payments == nil {
		return nil, fmt.Errorf("payment verifier is required when payment is required")
	}
	if cfg.Pricing.PricePerPage <= 0 {
		cfg.Pricing = intake.DefaultPricing()
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = deps.Orchestrator.metrics
	}

	return &Service{
		cfg:          cfg,
		orchestrator: deps.Orchestrator,
		pool:         deps.Pool,
		requests:     deps.Requests,
		states:       deps.States,
		publisher:    deps.Publisher,
		payments:     deps.Payments,
		auth:         deps.Auth,
		emitter:      events.NewEmitter(deps.Publisher, metrics),
		metrics:      metrics,
		logger:       observability.NewStructuredLogger("service"),
		runs:         make(map[string]context.CancelCauseFunc),
		now:          time.Now,
	}, nil
}

// Start starts the run pool
func (s *Service) Start(ctx context.Context) error {
	return s.pool.Start(ctx)
}

// Shutdown interrupts every run, leaving their requests running for
// recovery, and stops the pool
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.runs {
		cancel(ErrShutdown)
	}
	s.mu.Unlock()

	if err := s.pool.Stop(ctx); err != nil && !errors.Is(err, ErrPoolStopped) {
		return err
	}
	return nil
}

// Submit validates a submission, resolves the user, checks its payment and
// queues the run. A request whose payment is still pending is stored as
// awaiting_payment. Tokens are never stored, so the user is resolved here
// for runs that start after a restart.
func (s *Service) Submit(ctx context.Context, sub domain.Submission) (*domain.Request, error) {
	if strings.TrimSpace(sub.Prompt) == "" {
		return nil, domain.NewError(domain.ErrInvalidInput, "prompt is required")
	}
	params := sub.Parameters.Normalize()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var userID string
	if s.auth != nil {
		var err error
		userID, err = s.auth.Validate(ctx, sub.AuthToken)
		if err != nil {
			return nil, providerError("auth", err)
		}
	}

	now := s.now().UTC()
	req := &domain.Request{
		ID:                   uuid.New().String(),
		UserID:               userID,
		Status:               domain.StatusPending,
		Prompt:               strings.TrimSpace(sub.Prompt),
		Parameters:           params,
		AuthToken:            sub.AuthToken,
		PaymentTransactionID: sub.PaymentTransactionID,
		UploadedFileURLs:     append([]string(nil), sub.UploadedFileURLs...),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	admitted := true
	if s.cfg.RequirePayment || (sub.PaymentTransactionID != "" && s.payments != nil) {
		var err error
		admitted, err = s.checkPayment(ctx, sub.PaymentTransactionID, params.WordCount)
		if err != nil {
			return nil, err
		}
	}

	if err := s.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if !admitted {
		if err := req.Transition(domain.StatusAwaitingPayment, s.now()); err != nil {
			return nil, err
		}
		if err := s.requests.Update(ctx, req); err != nil {
			return nil, fmt.Errorf("failed to park request: %w", err)
		}
		s.logger.Info(ctx, "Request awaiting payment", map[string]interface{}{
			"request_id":     req.ID,
			"transaction_id": sub.PaymentTransactionID,
		})
		return req, nil
	}

	// the queued run owns req from here on
	queued := *req
	if err := s.enqueue(ctx, req, nil); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "Request submitted", map[string]interface{}{
		"request_id": req.ID,
		"word_count": params.WordCount,
		"field":      params.Field,
	})
	return &queued, nil
}

// ConfirmPayment re-checks the payment of a request awaiting it and queues
// the run once it is confirmed
func (s *Service) ConfirmPayment(ctx context.Context, requestID, transactionID string) (*domain.Request, error) {
	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.StatusAwaitingPayment {
		return nil, domain.NewError(domain.ErrInvalidInput, fmt.Sprintf("request %s is %s, not awaiting payment", requestID, req.Status))
	}
	if transactionID == "" {
		transactionID = req.PaymentTransactionID
	}

	admitted, err := s.checkPayment(ctx, transactionID, req.Parameters.WordCount)
	if err != nil {
		return nil, err
	}
	req.PaymentTransactionID = transactionID
	if !admitted {
		req.UpdatedAt = s.now()
		if err := s.requests.Update(ctx, req); err != nil {
			return nil, fmt.Errorf("failed to update request: %w", err)
		}
		return req, nil
	}

	queued := *req
	if err := s.enqueue(ctx, req, nil); err != nil {
		return nil, err
	}
	return &queued, nil
}

func (s *Service) checkPayment(ctx context.Context, transactionID string, wordCount int) (bool, error) {
	if s.payments == nil {
		return false, domain.NewError(domain.ErrInvalidInput, "payments are not enabled")
	}
	if strings.TrimSpace(transactionID) == "" {
		return false, domain.NewError(domain.ErrInvalidInput, "payment_transaction_id is required")
	}
	payment, err := s.payments.Verify(ctx, transactionID)
	if err != nil {
		return false, err
	}
	return s.cfg.Pricing.Admit(payment, wordCount)
}

// enqueue queues a run. With ws set the run resumes from that state.
func (s *Service) enqueue(ctx context.Context, req *domain.Request, ws *state.WorkflowState) error {
	runCtx, cancel := context.WithCancelCause(context.Background())
	var stopTimer context.CancelFunc = func() {}
	if s.cfg.RequestTimeout > 0 {
		runCtx, stopTimer = context.WithTimeout(runCtx, s.cfg.RequestTimeout)
	}

	s.mu.Lock()
	s.runs[req.ID] = cancel
	s.mu.Unlock()

	job := &RunJob{
		RequestID: req.ID,
		Context:   runCtx,
		Run: func(ctx context.Context) error {
			defer func() {
				stopTimer()
				s.release(req.ID)
			}()
			if ws != nil {
				return s.orchestrator.Resume(ctx, req, ws)
			}
			return s.orchestrator.Run(ctx, req)
		},
	}

	s.metrics.RecordRequestQueued(ctx)
	if err := s.pool.Submit(ctx, job); err != nil {
		stopTimer()
		s.release(req.ID)
		s.metrics.RecordRequestStarted(ctx)
		s.metrics.RecordRequestComplete(ctx, 0, string(domain.StatusFailed))

		werr := domain.WrapError(domain.ErrProviderError, "workflow capacity exhausted", err)
		if req.Transition(domain.StatusFailed, s.now()) == nil {
			req.Error = werr
			if uerr := s.requests.Update(context.WithoutCancel(ctx), req); uerr != nil {
				s.logger.Error(ctx, "Failed to record rejected request", uerr, map[string]interface{}{"request_id": req.ID})
			}
		}
		return werr
	}
	return nil
}

func (s *Service) release(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.runs[requestID]; ok {
		cancel(nil)
		delete(s.runs, requestID)
	}
}

// Status returns the current record of a request
func (s *Service) Status(ctx context.Context, requestID string) (*domain.Request, error) {
	return s.get(ctx, requestID)
}

func (s *Service) get(ctx context.Context, requestID string) (*domain.Request, error) {
	req, err := s.requests.Get(ctx, requestID)
	if errors.Is(err, storage.ErrRequestNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", requestID, err)
	}
	return req, nil
}

// Cancel stops a request. A queued or running request is cancelled by its
// run at the next suspension point; one that never started is cancelled
// here.
func (s *Service) Cancel(ctx context.Context, requestID string) error {
	req, err := s.get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return domain.NewError(domain.ErrInvalidInput, fmt.Sprintf("request %s already %s", requestID, req.Status))
	}

	s.mu.Lock()
	cancel, running := s.runs[requestID]
	s.mu.Unlock()

	if running {
		cancel(ErrCancelled)
		s.logger.Info(ctx, "Cancellation requested", map[string]interface{}{"request_id": requestID})
		return nil
	}

	werr := domain.NewError(domain.ErrCancelled, "request cancelled")
	req.Error = werr
	if err := req.Transition(domain.StatusCancelled, s.now()); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, err.Error(), err)
	}
	if err := s.requests.Update(ctx, req); err != nil {
		return fmt.Errorf("failed to cancel request: %w", err)
	}
	s.emitter.Emit(ctx, domain.Event{
		Kind:      domain.EventWorkflowFailed,
		RequestID: requestID,
		Message:   werr.Message,
		Error:     werr,
	})
	return nil
}

// List returns requests matching the options
func (s *Service) List(ctx context.Context, opts domain.ListOptions) ([]*domain.Request, error) {
	return s.requests.List(ctx, opts)
}

// Subscribe streams the events of a request: everything published so far
// followed by live events until the terminal one
func (s *Service) Subscribe(ctx context.Context, requestID string) (<-chan domain.Event, func(), error) {
	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status.IsTerminal() {
		if r, ok := s.publisher.(events.Retainer); ok {
			retained, err := r.Retained(ctx, requestID)
			if err != nil {
				return nil, nil, err
			}
			if !retained {
				return finalEvent(req), func() {}, nil
			}
		}
	}
	return s.publisher.Subscribe(ctx, requestID)
}

// finalEvent replays the outcome of a finished request whose event history
// has expired
func finalEvent(req *domain.Request) <-chan domain.Event {
	ev := domain.Event{
		Kind:      domain.EventWorkflowFailed,
		RequestID: req.ID,
		Message:   "event history expired",
		Error:     req.Error,
		Timestamp: req.UpdatedAt,
	}
	if req.Status == domain.StatusSucceeded {
		ev.Kind = domain.EventWorkflowComplete
		ev.Result = req.Result
		ev.Error = nil
	}
	ch := make(chan domain.Event, 1)
	ch <- ev
	close(ch)
	return ch
}

// Wait blocks until a request reaches a terminal status
func (s *Service) Wait(ctx context.Context, requestID string) (*domain.Request, error) {
	ch, cancel, err := s.Subscribe(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer cancel()

	for {
		select {
		case ev, ok := <-ch:
			if !ok || ev.Kind.IsTerminal() {
				return s.get(ctx, requestID)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stats reports the run pool counters
func (s *Service) Stats() RunPoolStats {
	return s.pool.Stats()
}

// Recover queues every request left pending or running by a previous
// process. Running requests resume from their persisted state.
func (s *Service) Recover(ctx context.Context) (int, error) {
	reqs, err := s.requests.List(ctx, domain.ListOptions{
		Statuses: []domain.RequestStatus{domain.StatusPending, domain.StatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished requests: %w", err)
	}

	recovered := 0
	for _, req := range reqs {
		s.mu.Lock()
		_, active := s.runs[req.ID]
		s.mu.Unlock()
		if active {
			continue
		}

		logger := s.logger.WithRequest(req.ID)
		var ws *state.WorkflowState
		if req.Status == domain.StatusRunning {
			ws, err = s.states.Load(ctx, req.ID)
			if err != nil && !errors.Is(err, state.ErrNotFound) {
				logger.Error(ctx, "Failed to load state for recovery", err)
				continue
			}
		}
		if err := s.enqueue(ctx, req, ws); err != nil {
			logger.Error(ctx, "Failed to queue recovered request", err)
			continue
		}
		recovered++
		logger.Info(ctx, "Request recovered", map[string]interface{}{
			"status":  string(req.Status),
			"resumed": ws != nil,
		})
	}
	return recovered, nil
}
