package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ncolesummers/handywriterz/pkg/observability"
)

// ErrPoolStopped is returned when submitting to a pool that is not running
var ErrPoolStopped = errors.New("run pool not running")

// RunPoolConfig holds configuration for the run pool
type RunPoolConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
	// SubmitTimeout bounds how long Submit waits for room in the queue
	SubmitTimeout time.Duration `json:"submit_timeout"`
	// StopTimeout bounds how long Stop waits for running jobs
	StopTimeout time.Duration `json:"stop_timeout"`
}

// RunJob is one queued request run. Run is called with Context, which
// carries the request's cancellation.
type RunJob struct {
	RequestID string
	Context   context.Context
	Run       func(ctx context.Context) error
	queuedAt  time.Time
}

// RunPoolStats is a point in time view of the pool
type RunPoolStats struct {
	Workers    int           `json:"workers"`
	Running    bool          `json:"running"`
	Queued     int64         `json:"queued"`
	Active     int64         `json:"active"`
	Completed  int64         `json:"completed"`
	Failed     int64         `json:"failed"`
	AvgRunTime time.Duration `json:"avg_run_time"`
}

type runPoolMetrics struct {
	queued       atomic.Int64
	active       atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	totalRunTime atomic.Int64 // nanoseconds
}

// RunPool runs requests on a fixed number of workers. Runs of different
// requests are independent; each worker runs one request at a time.
type RunPool struct {
	config RunPoolConfig
	queue  chan *RunJob

	wg     sync.WaitGroup
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	metrics runPoolMetrics

	telemetry *observability.Telemetry
	logger    *observability.StructuredLogger
}

// NewRunPool creates a run pool. telemetry may be nil.
func NewRunPool(cfg RunPoolConfig, telemetry *observability.Telemetry) *RunPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	return &RunPool{
		config:    cfg,
		queue:     make(chan *RunJob, cfg.QueueSize),
		telemetry: telemetry,
		logger:    observability.NewStructuredLogger("run_pool"),
	}
}

// Start launches the workers
func (p *RunPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return fmt.Errorf("run pool already running")
	}
	if p.ctx != nil {
		return fmt.Errorf("run pool cannot be restarted")
	}

	if p.telemetry != nil {
		_, span := p.telemetry.StartSpan(ctx, "run_pool.start",
			trace.WithAttributes(
				attribute.Int("workers", p.config.Workers),
				attribute.Int("queue_size", p.config.QueueSize),
			),
		)
		defer span.End()
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(fmt.Sprintf("worker-%d", i))
	}
	p.running.Store(true)

	p.logger.Info(ctx, "Run pool started", map[string]interface{}{
		"workers":    p.config.Workers,
		"queue_size": p.config.QueueSize,
	})
	return nil
}

// Stop closes the queue and waits for running jobs. Jobs still queued are
// dropped; their requests are picked up again by recovery.
func (p *RunPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return ErrPoolStopped
	}
	p.running.Store(false)
	close(p.queue)
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info(ctx, "Run pool stopped gracefully")
		return nil
	case <-time.After(p.config.StopTimeout):
		p.logger.Warn(ctx, "Run pool stop timeout - abandoning running jobs", map[string]interface{}{
			"active": p.metrics.active.Load(),
		})
		return fmt.Errorf("timeout waiting for %d running jobs", p.metrics.active.Load())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues a job, waiting up to SubmitTimeout for room
func (p *RunPool) Submit(ctx context.Context, job *RunJob) error {
	if job == nil || job.Run == nil {
		return fmt.Errorf("job has nothing to run")
	}
	if job.Context == nil {
		job.Context = context.Background()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running.Load() {
		return ErrPoolStopped
	}

	job.queuedAt = time.Now()
	p.metrics.queued.Add(1)

	timer := time.NewTimer(p.config.SubmitTimeout)
	defer timer.Stop()

	select {
	case p.queue <- job:
		p.logger.Debug(ctx, "Run queued", map[string]interface{}{
			"request_id":  job.RequestID,
			"queue_depth": p.metrics.queued.Load(),
		})
		return nil
	case <-timer.C:
		p.metrics.queued.Add(-1)
		return fmt.Errorf("timeout submitting run to queue - queue may be full")
	case <-ctx.Done():
		p.metrics.queued.Add(-1)
		return ctx.Err()
	}
}

// Stats returns the current pool counters
func (p *RunPool) Stats() RunPoolStats {
	stats := RunPoolStats{
		Workers:   p.config.Workers,
		Running:   p.running.Load(),
		Queued:    p.metrics.queued.Load(),
		Active:    p.metrics.active.Load(),
		Completed: p.metrics.completed.Load(),
		Failed:    p.metrics.failed.Load(),
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.AvgRunTime = time.Duration(p.metrics.totalRunTime.Load() / finished)
	}
	return stats
}

// WaitIdle waits until nothing is queued or running
func (p *RunPool) WaitIdle(ctx context.Context, timeout time.Duration) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.metrics.queued.Load() == 0 && p.metrics.active.Load() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for runs to complete")
		}
	}
}

func (p *RunPool) runWorker(id string) {
	defer p.wg.Done()

	for {
		select {
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.metrics.queued.Add(-1)
			p.process(id, job)
		case <-p.ctx.Done():
			p.logger.Debug(context.Background(), "Worker stopping - pool cancelled",
				map[string]interface{}{"worker_id": id})
			return
		}
	}
}

func (p *RunPool) process(workerID string, job *RunJob) {
	p.metrics.active.Add(1)
	defer p.metrics.active.Add(-1)

	start := time.Now()
	err := runSafely(job)
	p.metrics.totalRunTime.Add(int64(time.Since(start)))

	if err != nil {
		p.metrics.failed.Add(1)
		p.logger.Debug(job.Context, "Run finished with error", map[string]interface{}{
			"worker_id":  workerID,
			"request_id": job.RequestID,
			"error":      err.Error(),
			"queued_for": start.Sub(job.queuedAt).String(),
		})
		return
	}
	p.metrics.completed.Add(1)
}

func runSafely(job *RunJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run %s panicked: %v", job.RequestID, r)
		}
	}()
	return job.Run(job.Context)
}
