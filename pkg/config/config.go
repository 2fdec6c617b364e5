package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Providers     ProvidersConfig     `yaml:"providers"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Research      ResearchConfig      `yaml:"research"`
	Plagiarism    PlagiarismConfig    `yaml:"plagiarism"`
	Intake        IntakeConfig        `yaml:"intake"`
	Storage       StorageConfig       `yaml:"storage"`
	Events        EventsConfig        `yaml:"events"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ProvidersConfig contains per-vendor model configuration
type ProvidersConfig struct {
	Anthropic  ModelConfig  `yaml:"anthropic"`
	OpenAI     ModelConfig  `yaml:"openai"`
	Gemini     GeminiConfig `yaml:"gemini"`
	Perplexity ModelConfig  `yaml:"perplexity"`
}

// ModelConfig contains the settings of one chat model endpoint
type ModelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	APIKey      string  `yaml:"api_key,omitempty"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     string  `yaml:"timeout"`
}

// GeminiConfig contains Gemini settings; the writer and evaluator use different models
type GeminiConfig struct {
	Enabled        bool    `yaml:"enabled"`
	APIKey         string  `yaml:"api_key,omitempty"`
	WriterModel    string  `yaml:"writer_model"`
	EvaluatorModel string  `yaml:"evaluator_model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	Timeout        string  `yaml:"timeout"`
}

// WorkflowConfig contains orchestration limits
type WorkflowConfig struct {
	QualityThreshold      float64 `yaml:"quality_threshold"`
	MaxIterations         int     `yaml:"max_iterations"`
	MaxPlagiarismAttempts int     `yaml:"max_plagiarism_attempts"`
	SimilarityThreshold   float64 `yaml:"similarity_threshold"`
	NodeTimeout           string  `yaml:"node_timeout"`
	MaxRetries            int     `yaml:"max_retries"`
	RetryInitialInterval  string  `yaml:"retry_initial_interval"`
	RetryMaxInterval      string  `yaml:"retry_max_interval"`
	RequestTimeout        string  `yaml:"request_timeout"`
	Workers               int     `yaml:"workers"`
	QueueSize             int     `yaml:"queue_size"`
	WordCountTolerance    float64 `yaml:"word_count_tolerance"`
	PricePerPage          float64 `yaml:"price_per_page"`
	WordsPerPage          int     `yaml:"words_per_page"`
	RequirePayment        bool    `yaml:"require_payment"`
	ResumeOnFilterFailure bool    `yaml:"resume_on_filter_failure"`
}

// ResearchConfig contains research fan-out and filter configuration
type ResearchConfig struct {
	MaxSources          int     `yaml:"max_sources"`
	MinVerifiedSources  int     `yaml:"min_verified_sources"`
	WordsPerSource      int     `yaml:"words_per_source"`
	MinCredibility      float64 `yaml:"min_credibility"`
	ProviderTimeout     string  `yaml:"provider_timeout"`
	ResultsPerProvider  int     `yaml:"results_per_provider"`
	BreakerFailures     int     `yaml:"breaker_failures"`
	BreakerResetTimeout string  `yaml:"breaker_reset_timeout"`
}

// PlagiarismConfig contains the external similarity service settings
type PlagiarismConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key,omitempty"`
	PollInitial     string `yaml:"poll_initial"`
	PollMaxInterval string `yaml:"poll_max_interval"`
	MaxPolls        int    `yaml:"max_polls"`
	MaxResubmits    int    `yaml:"max_resubmits"`
}

// IntakeConfig contains collaborator endpoints used before the workflow starts
type IntakeConfig struct {
	AuthURL      string `yaml:"auth_url,omitempty"`
	PaymentURL   string `yaml:"payment_url,omitempty"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
	Timeout      string `yaml:"timeout"`
}

// StorageConfig contains storage configuration
type StorageConfig struct {
	Type           string `yaml:"type"` // "memory", "postgres"
	DatabaseURL    string `yaml:"database_url,omitempty"`
	MaxConns       int32  `yaml:"max_conns,omitempty"`
	MongoURI       string `yaml:"mongo_uri,omitempty"`
	MongoDatabase  string `yaml:"mongo_database,omitempty"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// EventsConfig contains event publisher configuration
type EventsConfig struct {
	Broker     string `yaml:"broker"` // "memory", "redis"
	RedisURL   string `yaml:"redis_url,omitempty"`
	HistoryTTL string `yaml:"history_ttl"`
	BufferSize int    `yaml:"buffer_size"`
}

// APIConfig contains API server configuration
type APIConfig struct {
	Enabled bool       `yaml:"enabled"`
	Port    int        `yaml:"port"`
	Host    string     `yaml:"host"`
	CORS    CORSConfig `yaml:"cors"`
}

// CORSConfig contains CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// ObservabilityConfig contains observability configuration
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Provider     string  `yaml:"provider"` // "otlp", "stdout"
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // "prometheus"
	Path     string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"` // "debug", "info", "warn", "error"
	Format string `yaml:"format"`
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	config.overrideFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file or returns default config.
// A .env file in the working directory is loaded first when present.
func LoadOrDefault(path string) *Config {
	_ = godotenv.Load(".env")

	config, err := Load(path)
	if err != nil {
		config = Default()
		config.overrideFromEnv()
	}
	return config
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{
			Anthropic: ModelConfig{
				Enabled:     true,
				Model:       "claude-3-5-sonnet-20241022",
				Temperature: 0.3,
				MaxTokens:   4096,
				Timeout:     "2m",
			},
			OpenAI: ModelConfig{
				Enabled:     true,
				Model:       "o3-mini",
				Temperature: 0.3,
				MaxTokens:   4096,
				Timeout:     "2m",
			},
			Gemini: GeminiConfig{
				Enabled:        true,
				WriterModel:    "gemini-2.0-flash-exp",
				EvaluatorModel: "gemini-1.5-pro",
				Temperature:    0.7,
				MaxTokens:      8192,
				Timeout:        "3m",
			},
			Perplexity: ModelConfig{
				Enabled:     true,
				BaseURL:     "https://api.perplexity.ai",
				Model:       "llama-3.1-sonar-large-128k-online",
				Temperature: 0.2,
				MaxTokens:   4096,
				Timeout:     "90s",
			},
		},
		Workflow: WorkflowConfig{
			QualityThreshold:      0.8,
			MaxIterations:         3,
			MaxPlagiarismAttempts: 3,
			SimilarityThreshold:   10,
			NodeTimeout:           "5m",
			MaxRetries:            2,
			RetryInitialInterval:  "1s",
			RetryMaxInterval:      "20s",
			RequestTimeout:        "45m",
			Workers:               4,
			QueueSize:             100,
			WordCountTolerance:    0.1,
			PricePerPage:          12.00,
			WordsPerPage:          275,
			RequirePayment:        false,
			ResumeOnFilterFailure: true,
		},
		Research: ResearchConfig{
			MaxSources:          20,
			MinVerifiedSources:  3,
			WordsPerSource:      200,
			MinCredibility:      0.5,
			ProviderTimeout:     "2m",
			ResultsPerProvider:  10,
			BreakerFailures:     5,
			BreakerResetTimeout: "30s",
		},
		Plagiarism: PlagiarismConfig{
			Enabled:         true,
			BaseURL:         "http://localhost:8090",
			PollInitial:     "2s",
			PollMaxInterval: "30s",
			MaxPolls:        20,
			MaxResubmits:    2,
		},
		Intake: IntakeConfig{
			MaxFileBytes: 20 << 20,
			Timeout:      "30s",
		},
		Storage: StorageConfig{
			Type:          "memory",
			MaxConns:      10,
			MongoDatabase: "handywriterz",
		},
		Events: EventsConfig{
			Broker:     "memory",
			HistoryTTL: "24h",
			BufferSize: 64,
		},
		API: APIConfig{
			Enabled: true,
			Port:    8080,
			Host:    "0.0.0.0",
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
				MaxAge:         3600,
			},
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:      true,
				Provider:     "otlp",
				Endpoint:     "localhost:4318",
				SamplingRate: 1.0,
				Insecure:     true,
			},
			Metrics: MetricsConfig{
				Enabled:  true,
				Provider: "prometheus",
				Path:     "/metrics",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
	}
}

// applyDefaults applies default values to missing fields
func (c *Config) applyDefaults() {
	defaults := Default()

	applyModelDefaults(&c.Providers.Anthropic, defaults.Providers.Anthropic)
	applyModelDefaults(&c.Providers.OpenAI, defaults.Providers.OpenAI)
	applyModelDefaults(&c.Providers.Perplexity, defaults.Providers.Perplexity)
	if c.Providers.Gemini.WriterModel == "" {
		c.Providers.Gemini.WriterModel = defaults.Providers.Gemini.WriterModel
	}
	if c.Providers.Gemini.EvaluatorModel == "" {
		c.Providers.Gemini.EvaluatorModel = defaults.Providers.Gemini.EvaluatorModel
	}
	if c.Providers.Gemini.MaxTokens == 0 {
		c.Providers.Gemini.MaxTokens = defaults.Providers.Gemini.MaxTokens
	}
	if c.Providers.Gemini.Timeout == "" {
		c.Providers.Gemini.Timeout = defaults.Providers.Gemini.Timeout
	}

	// Workflow defaults
	w, dw := &c.Workflow, defaults.Workflow
	if w.QualityThreshold == 0 {
		w.QualityThreshold = dw.QualityThreshold
	}
	if w.MaxIterations == 0 {
		w.MaxIterations = dw.MaxIterations
	}
	if w.MaxPlagiarismAttempts == 0 {
		w.MaxPlagiarismAttempts = dw.MaxPlagiarismAttempts
	}
	if w.SimilarityThreshold == 0 {
		w.SimilarityThreshold = dw.SimilarityThreshold
	}
	if w.NodeTimeout == "" {
		w.NodeTimeout = dw.NodeTimeout
	}
	if w.RetryInitialInterval == "" {
		w.RetryInitialInterval = dw.RetryInitialInterval
	}
	if w.RetryMaxInterval == "" {
		w.RetryMaxInterval = dw.RetryMaxInterval
	}
	if w.RequestTimeout == "" {
		w.RequestTimeout = dw.RequestTimeout
	}
	if w.Workers == 0 {
		w.Workers = dw.Workers
	}
	if w.QueueSize == 0 {
		w.QueueSize = dw.QueueSize
	}
	if w.WordCountTolerance == 0 {
		w.WordCountTolerance = dw.WordCountTolerance
	}
	if w.PricePerPage == 0 {
		w.PricePerPage = dw.PricePerPage
	}
	if w.WordsPerPage == 0 {
		w.WordsPerPage = dw.WordsPerPage
	}

	// Research defaults
	r, dr := &c.Research, defaults.Research
	if r.MaxSources == 0 {
		r.MaxSources = dr.MaxSources
	}
	if r.MinVerifiedSources == 0 {
		r.MinVerifiedSources = dr.MinVerifiedSources
	}
	if r.WordsPerSource == 0 {
		r.WordsPerSource = dr.WordsPerSource
	}
	if r.MinCredibility == 0 {
		r.MinCredibility = dr.MinCredibility
	}
	if r.ProviderTimeout == "" {
		r.ProviderTimeout = dr.ProviderTimeout
	}
	if r.ResultsPerProvider == 0 {
		r.ResultsPerProvider = dr.ResultsPerProvider
	}
	if r.BreakerFailures == 0 {
		r.BreakerFailures = dr.BreakerFailures
	}
	if r.BreakerResetTimeout == "" {
		r.BreakerResetTimeout = dr.BreakerResetTimeout
	}

	// Plagiarism defaults
	p, dp := &c.Plagiarism, defaults.Plagiarism
	if p.PollInitial == "" {
		p.PollInitial = dp.PollInitial
	}
	if p.PollMaxInterval == "" {
		p.PollMaxInterval = dp.PollMaxInterval
	}
	if p.MaxPolls == 0 {
		p.MaxPolls = dp.MaxPolls
	}

	if c.Intake.MaxFileBytes == 0 {
		c.Intake.MaxFileBytes = defaults.Intake.MaxFileBytes
	}
	if c.Intake.Timeout == "" {
		c.Intake.Timeout = defaults.Intake.Timeout
	}
	if c.Storage.Type == "" {
		c.Storage.Type = defaults.Storage.Type
	}
	if c.Storage.MongoDatabase == "" {
		c.Storage.MongoDatabase = defaults.Storage.MongoDatabase
	}
	if c.Events.Broker == "" {
		c.Events.Broker = defaults.Events.Broker
	}
	if c.Events.HistoryTTL == "" {
		c.Events.HistoryTTL = defaults.Events.HistoryTTL
	}
	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = defaults.Events.BufferSize
	}
	if c.API.Port == 0 {
		c.API.Port = defaults.API.Port
	}
	if c.API.Host == "" {
		c.API.Host = defaults.API.Host
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = defaults.Observability.Metrics.Path
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = defaults.Observability.Logging.Level
	}
}

func applyModelDefaults(m *ModelConfig, d ModelConfig) {
	if m.Model == "" {
		m.Model = d.Model
	}
	if m.BaseURL == "" {
		m.BaseURL = d.BaseURL
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = d.MaxTokens
	}
	if m.Timeout == "" {
		m.Timeout = d.Timeout
	}
}

// overrideFromEnv overrides configuration from environment variables
func (c *Config) overrideFromEnv() {
	// Provider credentials
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Providers.Anthropic.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Providers.OpenAI.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Providers.Gemini.APIKey = key
	}
	if key := os.Getenv("PERPLEXITY_API_KEY"); key != "" {
		c.Providers.Perplexity.APIKey = key
	}

	// Plagiarism service
	if url := os.Getenv("PLAGIARISM_API_URL"); url != "" {
		c.Plagiarism.BaseURL = url
	}
	if key := os.Getenv("PLAGIARISM_API_KEY"); key != "" {
		c.Plagiarism.APIKey = key
	}

	// Storage and events
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Storage.DatabaseURL = dsn
		c.Storage.Type = "postgres"
	}
	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		c.Storage.MongoURI = uri
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		c.Events.RedisURL = url
		c.Events.Broker = "redis"
	}

	// API overrides
	if port := os.Getenv("API_PORT"); port != "" {
		_, err := fmt.Sscanf(port, "%d", &c.API.Port)
		if err != nil {
			log.Printf("Invalid API_PORT value: %s, using default: %d", port, c.API.Port)
		}
	}

	// Observability overrides
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Observability.Tracing.Endpoint = endpoint
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Observability.Logging.Level = level
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	w := c.Workflow
	if w.QualityThreshold <= 0 || w.QualityThreshold > 1 {
		return fmt.Errorf("workflow quality_threshold must be in (0, 1]")
	}
	if w.MaxIterations < 1 {
		return fmt.Errorf("workflow max_iterations must be at least 1")
	}
	if w.MaxPlagiarismAttempts < 1 {
		return fmt.Errorf("workflow max_plagiarism_attempts must be at least 1")
	}
	if w.MaxRetries < 0 {
		return fmt.Errorf("workflow max_retries must not be negative")
	}
	if w.Workers < 1 {
		return fmt.Errorf("workflow workers must be at least 1")
	}

	r := c.Research
	if r.MinVerifiedSources < 1 {
		return fmt.Errorf("research min_verified_sources must be at least 1")
	}
	if r.MaxSources < r.MinVerifiedSources {
		return fmt.Errorf("research max_sources must be at least min_verified_sources")
	}
	if r.MinCredibility < 0 || r.MinCredibility > 1 {
		return fmt.Errorf("research min_credibility must be in [0, 1]")
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage database_url is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported storage type %q", c.Storage.Type)
	}

	switch c.Events.Broker {
	case "memory":
	case "redis":
		if c.Events.RedisURL == "" {
			return fmt.Errorf("events redis_url is required for redis broker")
		}
	default:
		return fmt.Errorf("unsupported events broker %q", c.Events.Broker)
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api port must be between 1 and 65535")
	}

	// Validate duration strings
	durations := map[string]string{
		"workflow node_timeout":           w.NodeTimeout,
		"workflow retry_initial_interval": w.RetryInitialInterval,
		"workflow retry_max_interval":     w.RetryMaxInterval,
		"workflow request_timeout":        w.RequestTimeout,
		"research provider_timeout":       r.ProviderTimeout,
		"research breaker_reset_timeout":  r.BreakerResetTimeout,
		"plagiarism poll_initial":         c.Plagiarism.PollInitial,
		"plagiarism poll_max_interval":    c.Plagiarism.PollMaxInterval,
		"events history_ttl":              c.Events.HistoryTTL,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetDuration parses a duration string from config, falling back when empty or invalid
func (c *Config) GetDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	return env == "production" || env == "prod"
}
