package research

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/observability"
	"github.com/ncolesummers/handywriterz/pkg/sources"
)

// FanOutConfig configures the concurrent provider search
type FanOutConfig struct {
	ProviderTimeout     time.Duration
	BreakerFailures     int
	BreakerResetTimeout time.Duration
}

// Hooks receive per-provider lifecycle callbacks. Callbacks may run
// concurrently from different provider goroutines.
type Hooks struct {
	OnStart    func(provider string)
	OnComplete func(provider string, found int)
	OnFailure  func(provider string, err error)
}

// ProviderResult is the outcome of one provider call
type ProviderResult struct {
	Provider string
	Sources  []domain.Source
	Err      error
	Duration time.Duration
}

// Result is the merged outcome of a fan-out
type Result struct {
	Sources   []domain.Source
	Providers []ProviderResult
}

// Succeeded returns the number of providers that answered without error
func (r *Result) Succeeded() int {
	n := 0
	for _, p := range r.Providers {
		if p.Err == nil {
			n++
		}
	}
	return n
}

// FanOut searches every registered provider concurrently. A provider that
// fails or times out contributes nothing; the search fails only when every
// provider fails.
type FanOut struct {
	registry  *Registry
	timeout   time.Duration
	telemetry *observability.Telemetry
	metrics   *observability.Metrics
	logger    *observability.StructuredLogger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	cfg      FanOutConfig
}

// NewFanOut creates a fan-out over the registry. telemetry and metrics may be nil.
func NewFanOut(registry *Registry, cfg FanOutConfig, telemetry *observability.Telemetry, metrics *observability.Metrics) *FanOut {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 2 * time.Minute
	}
	if telemetry == nil {
		telemetry = observability.NewTelemetryWithProviders("handywriterz", nil, nil)
	}
	return &FanOut{
		registry:  registry,
		timeout:   cfg.ProviderTimeout,
		telemetry: telemetry,
		metrics:   metrics,
		logger:    observability.NewStructuredLogger("research"),
		breakers:  make(map[string]*CircuitBreaker),
		cfg:       cfg,
	}
}

// Providers returns the names of the providers a search will call
func (f *FanOut) Providers() []string {
	names := make([]string, 0)
	for _, p := range f.registry.List() {
		names = append(names, p.Name())
	}
	return names
}

// Breaker returns the circuit breaker of a provider
func (f *FanOut) Breaker(provider string) *CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[provider]
	if !ok {
		cb = NewCircuitBreaker(f.cfg.BreakerFailures, f.cfg.BreakerResetTimeout)
		f.breakers[provider] = cb
	}
	return cb
}

// Search calls every provider and merges their sources once all of them
// have answered or timed out. When ctx is cancelled nothing is merged and
// the context error is returned.
func (f *FanOut) Search(ctx context.Context, q domain.ResearchQuery, hooks Hooks) (*Result, error) {
	providers := f.registry.List()
	if len(providers) == 0 {
		return nil, domain.NewError(domain.ErrFatal, "no research providers configured")
	}

	results := make([]ProviderResult, len(providers))
	var wg sync.WaitGroup
	for i, provider := range providers {
		wg.Add(1)
		go func(i int, provider domain.ResearchProvider) {
			defer wg.Done()
			results[i] = f.searchOne(ctx, provider, q, hooks)
		}(i, provider)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{Providers: results}
	var all []domain.Source
	var lastErr error
	for _, r := range results {
		if r.Err != nil {
			lastErr = r.Err
			continue
		}
		all = append(all, r.Sources...)
	}

	if result.Succeeded() == 0 {
		return result, domain.WrapError(domain.ErrFatal, "all research providers failed", lastErr)
	}

	result.Sources = Merge(all)
	return result, nil
}

func (f *FanOut) searchOne(ctx context.Context, provider domain.ResearchProvider, q domain.ResearchQuery, hooks Hooks) ProviderResult {
	name := provider.Name()
	result := ProviderResult{Provider: name}
	start := time.Now()

	if hooks.OnStart != nil {
		hooks.OnStart(name)
	}

	breaker := f.Breaker(name)
	if !breaker.Allow() {
		result.Err = fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	} else {
		result.Err = f.telemetry.InstrumentResearchProvider(ctx, name, func(ctx context.Context) (int, error) {
			found, err := f.callWithTimeout(ctx, provider, q)
			result.Sources = found
			return len(found), err
		})
		if result.Err != nil && ctx.Err() == nil {
			breaker.RecordFailure()
		} else if result.Err == nil {
			breaker.RecordSuccess()
		}
	}
	result.Duration = time.Since(start)

	if f.metrics != nil {
		f.metrics.RecordProviderSearch(ctx, name, len(result.Sources), result.Err == nil)
	}

	if result.Err != nil {
		result.Sources = nil
		f.logger.Warn(ctx, "Research provider failed", map[string]interface{}{
			"provider": name,
			"error":    result.Err.Error(),
			"kind":     string(domain.ClassifyProviderError(result.Err)),
		})
		if hooks.OnFailure != nil {
			hooks.OnFailure(name, result.Err)
		}
		return result
	}

	if hooks.OnComplete != nil {
		hooks.OnComplete(name, len(result.Sources))
	}
	return result
}

// callWithTimeout bounds a provider call even when the provider ignores its context
func (f *FanOut) callWithTimeout(ctx context.Context, provider domain.ResearchProvider, q domain.ResearchQuery) ([]domain.Source, error) {
	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	type outcome struct {
		sources []domain.Source
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		found, err := provider.Search(pctx, q)
		done <- outcome{found, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, domain.ProviderFailure(provider.Name(), o.err)
		}
		return o.sources, nil
	case <-pctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewError(domain.ErrProviderTimeout, fmt.Sprintf("%s timed out after %s", provider.Name(), f.timeout))
	}
}

// Merge unions provider results, coalescing duplicates by DOI or URL and
// keeping the highest relevance seen
func Merge(all []domain.Source) []domain.Source {
	return sources.Dedupe(all)
}
