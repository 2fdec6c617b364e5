package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ncolesummers/handywriterz/pkg/api"
	"github.com/ncolesummers/handywriterz/pkg/config"
	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/events"
	"github.com/ncolesummers/handywriterz/pkg/format"
	"github.com/ncolesummers/handywriterz/pkg/generation"
	"github.com/ncolesummers/handywriterz/pkg/intake"
	"github.com/ncolesummers/handywriterz/pkg/llm"
	"github.com/ncolesummers/handywriterz/pkg/observability"
	"github.com/ncolesummers/handywriterz/pkg/plagiarism"
	"github.com/ncolesummers/handywriterz/pkg/research"
	"github.com/ncolesummers/handywriterz/pkg/state"
	"github.com/ncolesummers/handywriterz/pkg/storage"
	"github.com/ncolesummers/handywriterz/pkg/workflow"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"

	// Global telemetry instance
	telemetry *observability.Telemetry
	metrics   *observability.Metrics
	tracer    trace.Tracer
)

func main() {
	var (
		configPath = flag.String("config", "configs/default.yaml", "Path to configuration file")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("HandyWriterz\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	cfg := config.LoadOrDefault(*configPath)
	observability.SetLogLevel(cfg.Observability.Logging.Level)

	ctx := context.Background()
	if err := initObservability(ctx, cfg); err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	defer shutdownObservability(ctx)

	log.Printf("Starting HandyWriterz v%s (built: %s)", Version, BuildTime)
	log.Printf("Configuration loaded from: %s", *configPath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Application failed: %v", err)
	}
}

func initObservability(ctx context.Context, cfg *config.Config) error {
	telConfig := &observability.TelemetryConfig{
		ServiceName:    "handywriterz",
		ServiceVersion: Version,
		Environment:    getEnvironment(),
		TraceExporter:  cfg.Observability.Tracing.Provider,
		OTLPEndpoint:   cfg.Observability.Tracing.Endpoint,
		Insecure:       cfg.Observability.Tracing.Insecure,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableTracing:  cfg.Observability.Tracing.Enabled,
		EnableMetrics:  cfg.Observability.Metrics.Enabled,
	}

	var err error
	telemetry, err = observability.NewTelemetry(telConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tracer = telemetry.Tracer()

	if cfg.Observability.Metrics.Enabled {
		metrics, err = observability.NewMetrics(telemetry.Meter())
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	log.Println("Observability initialized successfully")
	return nil
}

func shutdownObservability(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down telemetry: %v", err)
		}
	}
}

// backends holds the storage and event components plus their cleanup
type backends struct {
	requests     domain.RequestStore
	states       state.Store
	fingerprints domain.FingerprintStore
	publisher    domain.EventPublisher
	closers      []func(context.Context)
}

func (b *backends) close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i](ctx)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	initCtx, span := tracer.Start(ctx, "initialize_components",
		trace.WithAttributes(
			attribute.String("version", Version),
			attribute.String("storage", cfg.Storage.Type),
			attribute.String("broker", cfg.Events.Broker),
		),
	)

	b, err := openBackends(initCtx, cfg)
	if err != nil {
		span.RecordError(err)
		span.End()
		return err
	}
	defer b.close(context.WithoutCancel(ctx))

	components, closeClients, err := buildComponents(initCtx, cfg, b)
	if err != nil {
		span.RecordError(err)
		span.End()
		return err
	}
	defer closeClients()

	graph, err := workflow.NewWritingGraph(components, workflow.GraphConfigFromConfig(cfg))
	if err != nil {
		span.RecordError(err)
		span.End()
		return fmt.Errorf("failed to build writing graph: %w", err)
	}

	orchestrator, err := workflow.NewOrchestrator(workflow.OrchestratorDeps{
		Graph:       graph,
		Requests:    b.requests,
		States:      b.states,
		Publisher:   b.publisher,
		FailHandler: workflow.DefaultFailHandler{ResumeOnInsufficientSources: cfg.Workflow.ResumeOnFilterFailure},
		Telemetry:   telemetry,
		Metrics:     metrics,
	}, workflow.OrchestratorConfigFromConfig(cfg))
	if err != nil {
		span.RecordError(err)
		span.End()
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	var payments domain.PaymentVerifier
	if cfg.Intake.PaymentURL != "" {
		payments = intake.NewHTTPPaymentVerifier(cfg.Intake.PaymentURL, cfg.GetDuration(cfg.Intake.Timeout, 30*time.Second))
	}

	pool := workflow.NewRunPool(workflow.RunPoolConfig{
		Workers:   cfg.Workflow.Workers,
		QueueSize: cfg.Workflow.QueueSize,
	}, telemetry)

	svc, err := workflow.NewService(workflow.ServiceDeps{
		Orchestrator: orchestrator,
		Pool:         pool,
		Requests:     b.requests,
		States:       b.states,
		Publisher:    b.publisher,
		Payments:     payments,
		Auth:         components.Auth,
		Telemetry:    telemetry,
		Metrics:      metrics,
	}, workflow.ServiceConfig{
		RequirePayment: cfg.Workflow.RequirePayment,
		Pricing: intake.Pricing{
			PricePerPage: cfg.Workflow.PricePerPage,
			WordsPerPage: cfg.Workflow.WordsPerPage,
			Currency:     "GBP",
		},
		RequestTimeout: cfg.GetDuration(cfg.Workflow.RequestTimeout, 0),
	})
	if err != nil {
		span.RecordError(err)
		span.End()
		return fmt.Errorf("failed to create service: %w", err)
	}

	if err := svc.Start(initCtx); err != nil {
		span.RecordError(err)
		span.End()
		return fmt.Errorf("failed to start service: %w", err)
	}
	span.End()

	resumed, err := svc.Recover(ctx)
	if err != nil {
		log.Printf("Recovery failed: %v", err)
	} else if resumed > 0 {
		log.Printf("Resumed %d interrupted requests", resumed)
	}

	if !cfg.API.Enabled {
		<-ctx.Done()
		return shutdownService(ctx, svc)
	}
	return runAPIServer(ctx, cfg, svc)
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	switch cfg.Storage.Type {
	case "postgres":
		db, err := storage.NewDB(ctx, cfg.Storage.DatabaseURL, cfg.Storage.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) { db.Close() })
		if cfg.Storage.MigrateOnStart {
			if err := db.Migrate(ctx); err != nil {
				b.close(ctx)
				return nil, fmt.Errorf("failed to migrate schema: %w", err)
			}
		}
		b.requests = storage.NewRequestRepo(db)
		b.states = storage.NewStateRepo(db)
		log.Println("Postgres storage connected")
	default:
		b.requests = storage.NewMemoryRequestStore()
		b.states = state.NewMemoryStore()
	}

	if cfg.Storage.MongoURI != "" {
		fps, err := storage.NewMongoFingerprintStore(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase)
		if err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		b.closers = append(b.closers, func(ctx context.Context) {
			if err := fps.Close(ctx); err != nil {
				log.Printf("Error closing mongo: %v", err)
			}
		})
		b.fingerprints = fps
	} else {
		b.fingerprints = storage.NewMemoryFingerprintStore()
	}

	switch cfg.Events.Broker {
	case "redis":
		broker, err := events.NewRedisBroker(cfg.Events.RedisURL, cfg.GetDuration(cfg.Events.HistoryTTL, 24*time.Hour), cfg.Events.BufferSize)
		if err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("failed to create redis broker: %w", err)
		}
		if err := broker.Ping(ctx); err != nil {
			_ = broker.Close()
			b.close(ctx)
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) { _ = broker.Close() })
		b.publisher = broker
		log.Println("Redis event broker connected")
	default:
		b.publisher = events.NewMemoryBrokerWithRetention(cfg.Events.BufferSize, cfg.GetDuration(cfg.Events.HistoryTTL, 24*time.Hour))
	}

	return b, nil
}

// buildComponents creates the model clients and the collaborators of the
// writing graph
func buildComponents(ctx context.Context, cfg *config.Config, b *backends) (workflow.Components, func(), error) {
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	fail := func(err error) (workflow.Components, func(), error) {
		closeAll()
		return workflow.Components{}, nil, err
	}

	p := cfg.Providers
	instrument := func(client domain.LLMClient, provider, model string) (domain.LLMClient, error) {
		return llm.NewInstrumentedClient(client, telemetry, metrics, provider, model)
	}
	modelOptions := func(m config.ModelConfig) *llm.ClientOptions {
		return &llm.ClientOptions{
			BaseURL:     m.BaseURL,
			Temperature: m.Temperature,
			MaxTokens:   m.MaxTokens,
			Timeout:     cfg.GetDuration(m.Timeout, 2*time.Minute),
		}
	}

	registry := research.NewRegistry()
	var evaluators []domain.Evaluator
	var planner domain.LLMClient

	if p.Perplexity.Enabled {
		client, err := instrument(llm.NewPerplexityClient(p.Perplexity.APIKey, p.Perplexity.Model, modelOptions(p.Perplexity)), "perplexity", p.Perplexity.Model)
		if err != nil {
			return fail(err)
		}
		if err := registry.Register(research.NewPerplexityProvider(client, 3)); err != nil {
			return fail(err)
		}
	}
	if p.Anthropic.Enabled {
		client, err := instrument(llm.NewAnthropicClient(p.Anthropic.APIKey, p.Anthropic.Model, modelOptions(p.Anthropic)), "anthropic", p.Anthropic.Model)
		if err != nil {
			return fail(err)
		}
		if err := registry.Register(research.NewLLMProvider("claude", client)); err != nil {
			return fail(err)
		}
		evaluators = append(evaluators, generation.NewLLMEvaluator("claude", client))
	}
	if p.OpenAI.Enabled {
		client, err := instrument(llm.NewOpenAIClient(p.OpenAI.APIKey, p.OpenAI.Model, modelOptions(p.OpenAI)), "openai", p.OpenAI.Model)
		if err != nil {
			return fail(err)
		}
		if err := registry.Register(research.NewLLMProvider("o3", client)); err != nil {
			return fail(err)
		}
		evaluators = append(evaluators, generation.NewLLMEvaluator("o3", client))
		planner = client
	}

	var writer domain.Writer
	if p.Gemini.Enabled {
		geminiOptions := &llm.ClientOptions{
			Temperature: p.Gemini.Temperature,
			MaxTokens:   p.Gemini.MaxTokens,
			Timeout:     cfg.GetDuration(p.Gemini.Timeout, 3*time.Minute),
		}
		writerModel, err := llm.NewGeminiClient(ctx, p.Gemini.APIKey, p.Gemini.WriterModel, geminiOptions)
		if err != nil {
			return fail(fmt.Errorf("failed to create gemini writer: %w", err))
		}
		closers = append(closers, func() { _ = writerModel.Close() })
		evaluatorModel, err := llm.NewGeminiClient(ctx, p.Gemini.APIKey, p.Gemini.EvaluatorModel, geminiOptions)
		if err != nil {
			return fail(fmt.Errorf("failed to create gemini evaluator: %w", err))
		}
		closers = append(closers, func() { _ = evaluatorModel.Close() })

		writerClient, err := instrument(writerModel, "gemini", p.Gemini.WriterModel)
		if err != nil {
			return fail(err)
		}
		evaluatorClient, err := instrument(evaluatorModel, "gemini", p.Gemini.EvaluatorModel)
		if err != nil {
			return fail(err)
		}

		tokenizer, err := llm.NewTokenizer("cl100k_base")
		if err != nil {
			log.Printf("Tokenizer unavailable, estimating token counts: %v", err)
			tokenizer = nil
		}
		writer = generation.NewLLMWriter(writerClient, tokenizer, generation.WriterConfig{Temperature: p.Gemini.Temperature})
		evaluators = append(evaluators, generation.NewLLMEvaluator("gemini", evaluatorClient))
	}
	if writer == nil {
		return fail(errors.New("the gemini provider must be enabled to draft documents"))
	}
	if len(registry.List()) == 0 {
		return fail(errors.New("no research provider is enabled"))
	}

	fanout := research.NewFanOut(registry, research.FanOutConfig{
		ProviderTimeout:     cfg.GetDuration(cfg.Research.ProviderTimeout, 2*time.Minute),
		BreakerFailures:     cfg.Research.BreakerFailures,
		BreakerResetTimeout: cfg.GetDuration(cfg.Research.BreakerResetTimeout, 30*time.Second),
	}, telemetry, metrics)

	var poller *plagiarism.Poller
	if cfg.Plagiarism.Enabled {
		checker := plagiarism.NewHTTPChecker(cfg.Plagiarism.BaseURL, cfg.Plagiarism.APIKey, cfg.GetDuration(cfg.Intake.Timeout, 30*time.Second))
		poller = plagiarism.NewPoller(checker, plagiarism.PollConfig{
			InitialInterval: cfg.GetDuration(cfg.Plagiarism.PollInitial, 2*time.Second),
			MaxInterval:     cfg.GetDuration(cfg.Plagiarism.PollMaxInterval, 30*time.Second),
			MaxPolls:        cfg.Plagiarism.MaxPolls,
			MaxResubmits:    cfg.Plagiarism.MaxResubmits,
		}, telemetry)
	}

	intakeTimeout := cfg.GetDuration(cfg.Intake.Timeout, 30*time.Second)
	var auth domain.Authenticator
	if cfg.Intake.AuthURL != "" {
		auth = intake.NewHTTPAuthenticator(cfg.Intake.AuthURL, intakeTimeout)
	}

	return workflow.Components{
		Auth:         auth,
		Files:        intake.NewHTTPFileStorage(cfg.Intake.MaxFileBytes, intakeTimeout),
		Planner:      planner,
		FanOut:       fanout,
		Writer:       writer,
		Evaluators:   evaluators,
		Poller:       poller,
		Formatter:    format.NewFormatter(cfg.Workflow.WordCountTolerance),
		Fingerprints: b.fingerprints,
		Metrics:      metrics,
	}, closeAll, nil
}

func runAPIServer(ctx context.Context, cfg *config.Config, svc *workflow.Service) error {
	server := api.NewServer(svc, api.Config{
		Version:        Version,
		AllowedOrigins: cfg.API.CORS.AllowedOrigins,
		AllowedMethods: cfg.API.CORS.AllowedMethods,
		AllowedHeaders: cfg.API.CORS.AllowedHeaders,
		MaxAge:         cfg.API.CORS.MaxAge,
	}, telemetry)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("API server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = shutdownService(ctx, svc)
			return fmt.Errorf("api server failed: %w", err)
		}
	case <-ctx.Done():
		log.Println("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}
	return shutdownService(ctx, svc)
}

func shutdownService(ctx context.Context, svc *workflow.Service) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down service: %w", err)
	}
	log.Println("Shutdown complete")
	return nil
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
