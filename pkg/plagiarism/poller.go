package plagiarism

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/observability"
)

var errStillProcessing = errors.New("report not ready")

// PollConfig bounds how long a submission is waited on
type PollConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxPolls        int
	// MaxResubmits is how many times a submission whose report failed is
	// sent again before giving up
	MaxResubmits int
}

// DefaultPollConfig returns 2s initial, x1.5, 30s cap, 20 polls
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      1.5,
		MaxPolls:        20,
		MaxResubmits:    2,
	}
}

// Poller submits a draft and waits for a completed report with
// exponential backoff between status calls
type Poller struct {
	checker   domain.PlagiarismChecker
	cfg       PollConfig
	telemetry *observability.Telemetry
	logger    *observability.StructuredLogger
}

// NewPoller creates a poller. telemetry may be nil.
func NewPoller(checker domain.PlagiarismChecker, cfg PollConfig, telemetry *observability.Telemetry) *Poller {
	def := DefaultPollConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = def.MaxPolls
	}
	if cfg.MaxResubmits < 0 {
		cfg.MaxResubmits = 0
	}
	if telemetry == nil {
		telemetry = observability.NewTelemetryWithProviders("handywriterz", nil, nil)
	}
	return &Poller{
		checker:   checker,
		cfg:       cfg,
		telemetry: telemetry,
		logger:    observability.NewStructuredLogger("plagiarism"),
	}
}

// Check submits content and returns its completed report. A report that
// comes back failed is resubmitted up to MaxResubmits times, after which
// the check fails with a fatal error. Running out of polls is a provider
// timeout.
func (p *Poller) Check(ctx context.Context, requestID, content string, draftVersion int) (*domain.PlagiarismReport, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxResubmits+1; attempt++ {
		report, err := p.checkOnce(ctx, requestID, content, draftVersion, attempt)
		if err == nil {
			return report, nil
		}
		if !errors.Is(err, errReportFailed) {
			return nil, err
		}
		lastErr = err
		p.logger.Warn(ctx, "Plagiarism report failed, resubmitting", map[string]interface{}{
			"request_id":    requestID,
			"draft_version": draftVersion,
			"attempt":       attempt,
		})
	}
	return nil, domain.WrapError(domain.ErrFatal,
		fmt.Sprintf("plagiarism check failed after %d submissions", p.cfg.MaxResubmits+1), lastErr)
}

var errReportFailed = errors.New("plagiarism report failed")

func (p *Poller) checkOnce(ctx context.Context, requestID, content string, draftVersion, attempt int) (report *domain.PlagiarismReport, err error) {
	ctx, span := p.telemetry.StartPlagiarismPoll(ctx, requestID, draftVersion, attempt)
	defer func() { observability.EndSpan(span, err) }()

	submissionID, err := p.checker.Submit(ctx, content)
	if err != nil {
		return nil, domain.ProviderFailure("plagiarism", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	// MaxPolls status calls means MaxPolls-1 waits between them
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxPolls-1)), ctx)

	polls := 0
	operation := func() error {
		polls++
		r, err := p.checker.Status(ctx, submissionID)
		if err != nil {
			kind := domain.ClassifyProviderError(err)
			if kind.Retryable() {
				return err
			}
			return backoff.Permanent(domain.ProviderFailure("plagiarism", err))
		}
		switch r.Status {
		case domain.PlagiarismCompleted:
			report = r
			return nil
		case domain.PlagiarismFailed:
			return backoff.Permanent(errReportFailed)
		default:
			return errStillProcessing
		}
	}

	err = backoff.Retry(operation, policy)
	if err == nil {
		report.DraftVersion = draftVersion
		if report.SubmissionID == "" {
			report.SubmissionID = submissionID
		}
		return report, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, errReportFailed) {
		return nil, err
	}
	if errors.Is(err, errStillProcessing) {
		return nil, domain.NewError(domain.ErrProviderTimeout,
			fmt.Sprintf("plagiarism report not ready after %d polls", polls))
	}
	var we *domain.WorkflowError
	if errors.As(err, &we) {
		return nil, we
	}
	return nil, domain.ProviderFailure("plagiarism", err)
}
