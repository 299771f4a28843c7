// Package config provides configuration management for RepSentinel.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Config holds all RepSentinel configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Retry      RetryConfig      `yaml:"retry"`
	Feeds      []FeedConfig     `yaml:"feeds"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Prediction PredictionConfig `yaml:"prediction"`
	Health     HealthConfig     `yaml:"health"`
	Ingest     IngestConfig     `yaml:"ingest"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Entities   []EntityConfig   `yaml:"entities"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"REPSENTINEL_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL             string        `yaml:"url" env:"REPSENTINEL_DATABASE_URL"`
	MaxConnections  int32         `yaml:"max_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"REPSENTINEL_AUTO_MIGRATE"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr        string        `yaml:"addr" env:"REPSENTINEL_REDIS_ADDR"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	SeenTTL     time.Duration `yaml:"seen_ttl"`
}

// PipelineConfig holds ingestion run settings.
type PipelineConfig struct {
	RunBudget         time.Duration `yaml:"run_budget"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	MaxTerms          int           `yaml:"max_terms"`
	MaxDepth          int           `yaml:"max_depth"`
	ContentMaxLen     int           `yaml:"content_max_len"`
	MaxItemsPerSource int           `yaml:"max_items_per_source"`
	Schedule          time.Duration `yaml:"schedule"`
	UserAgent         string        `yaml:"user_agent"`
}

// RetryConfig holds the shared fetch retry policy.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

// FeedConfig describes one content source.
type FeedConfig struct {
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind"` // rss, reddit, hackernews, forum, rendered
	URL       string            `yaml:"url"`
	Enabled   bool              `yaml:"enabled"`
	Limit     int               `yaml:"limit"`
	Selectors map[string]string `yaml:"selectors"` // forum/rendered: item, title, link, content, date
}

// VocabularyConfig holds keyword vocabularies used by expansion and
// classification.
type VocabularyConfig struct {
	Modifiers     []string `yaml:"modifiers"`
	HighRisk      []string `yaml:"high_risk"`
	GeneralThreat []string `yaml:"general_threat"`
	Positive      []string `yaml:"positive"`
}

// ClassifierConfig holds the external classifier settings.
type ClassifierConfig struct {
	Provider          string        `yaml:"provider" env:"REPSENTINEL_CLASSIFIER"` // none, openai, anthropic
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxExternalPerRun int           `yaml:"max_external_per_run"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
}

// PredictionConfig holds prediction engine settings.
type PredictionConfig struct {
	Interval            time.Duration `yaml:"interval"`
	Lookback            time.Duration `yaml:"lookback"`
	AssessmentWindow    time.Duration `yaml:"assessment_window"`
	DefaultTimeframe    string        `yaml:"default_timeframe"`
	ClusterLimit        int           `yaml:"cluster_limit"`
	ReputationThreshold int           `yaml:"reputation_threshold"`
	ViralCutoff         float64       `yaml:"viral_cutoff"`
	PlaybooksPath       string        `yaml:"playbooks_path"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	Interval           time.Duration `yaml:"interval"`
	BacklogMaxAge      time.Duration `yaml:"backlog_max_age"`
	ActivityWindow     time.Duration `yaml:"activity_window"`
	StalenessMaxAge    time.Duration `yaml:"staleness_max_age"`
	UndispatchedMaxAge time.Duration `yaml:"undispatched_max_age"`
	Platforms          []string      `yaml:"platforms"`
}

// IngestConfig holds push ingestion settings.
type IngestConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TokenEnv     string `yaml:"token_env"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	MaxBatchSize int    `yaml:"max_batch_size"`
}

// RateLimitConfig holds trigger endpoint rate limits.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// EntityConfig describes a monitored entity for scheduled runs.
type EntityConfig struct {
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Keywords    []string           `yaml:"keywords"`
	MaxDepth    int                `yaml:"max_depth"`
	RiskFactors []string           `yaml:"risk_factors"`
	Fingerprint *FingerprintConfig `yaml:"fingerprint"`
}

// FingerprintConfig holds disambiguation phrases for an entity.
type FingerprintConfig struct {
	ExactPhrases      []string `yaml:"exact_phrases"`
	ContextualPhrases []string `yaml:"contextual_phrases"`
	BusinessContext   []string `yaml:"business_context"`
	LocationContext   []string `yaml:"location_context"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"REPSENTINEL_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"REPSENTINEL_LOG_FORMAT"` // json, console
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment" env:"REPSENTINEL_ENV"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// Load reads configuration from a YAML file and applies environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    3 * time.Minute,
			RequestTimeout:  3 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConnections:  10,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			PasswordEnv: "REPSENTINEL_REDIS_PASSWORD",
			PoolSize:    10,
			SeenTTL:     7 * 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			RunBudget:         2 * time.Minute,
			FetchTimeout:      10 * time.Second,
			MaxConcurrent:     8,
			MaxTerms:          15,
			MaxDepth:          2,
			ContentMaxLen:     500,
			MaxItemsPerSource: 25,
			Schedule:          time.Hour,
			UserAgent:         "RepSentinel-OSINT/1.0",
		},
		Retry: RetryConfig{
			MaxRetries:   2,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		Feeds: []FeedConfig{
			{Name: "Reddit", Kind: "reddit", URL: "https://www.reddit.com/search.rss", Enabled: true, Limit: 25},
			{Name: "Hacker News", Kind: "hackernews", URL: "https://hn.algolia.com/api/v1/search_by_date", Enabled: true, Limit: 25},
			{Name: "BBC News", Kind: "rss", URL: "https://feeds.bbci.co.uk/news/rss.xml", Enabled: true},
			{Name: "The Guardian UK", Kind: "rss", URL: "https://www.theguardian.com/uk/rss", Enabled: true},
		},
		Vocabulary: VocabularyConfig{
			Modifiers: []string{
				"scandal", "leak", "controversy", "lawsuit", "fraud",
				"abuse", "criticism", "investigation", "allegation", "crisis",
			},
			HighRisk: []string{
				"bench warrant", "arrest", "warrant", "criminal", "police",
				"charged", "indicted", "convicted",
			},
			GeneralThreat: []string{
				"fraud", "scam", "lawsuit", "scandal", "controversy",
				"investigation", "allegation", "misconduct", "leak",
				"abuse", "crisis", "defamation",
			},
			Positive: []string{"award", "praised", "success", "celebrated", "wins"},
		},
		Classifier: ClassifierConfig{
			Provider:          "none",
			Model:             "gpt-4o-mini",
			APIKeyEnv:         "OPENAI_API_KEY",
			Timeout:           10 * time.Second,
			MaxExternalPerRun: 10,
			CacheTTL:          time.Hour,
		},
		Prediction: PredictionConfig{
			Interval:            6 * time.Hour,
			Lookback:            30 * 24 * time.Hour,
			AssessmentWindow:    7 * 24 * time.Hour,
			DefaultTimeframe:    "7d",
			ClusterLimit:        10,
			ReputationThreshold: 0,
			ViralCutoff:         0.3,
		},
		Health: HealthConfig{
			Interval:           15 * time.Minute,
			BacklogMaxAge:      24 * time.Hour,
			ActivityWindow:     24 * time.Hour,
			StalenessMaxAge:    2 * time.Hour,
			UndispatchedMaxAge: 6 * time.Hour,
		},
		Ingest: IngestConfig{
			Enabled:      true,
			TokenEnv:     "REPSENTINEL_INGEST_TOKEN",
			MaxBodyBytes: 1024 * 1024,
			MaxBatchSize: 500,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 10,
			IncludeHeaders:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			MetricsEnabled: true,
			SamplingRate:   0.1,
		},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.Pipeline.RunBudget <= 0 {
		errs = append(errs, errors.New("pipeline.run_budget must be positive"))
	}
	if c.Pipeline.FetchTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.fetch_timeout must be positive"))
	}
	if c.Pipeline.MaxTerms < 1 {
		errs = append(errs, errors.New("pipeline.max_terms must be at least 1"))
	}

	switch c.Classifier.Provider {
	case "", "none", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("classifier.provider %q is not supported", c.Classifier.Provider))
	}

	seen := make(map[string]bool)
	for i, f := range c.Feeds {
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("feeds[%d]: name is required", i))
			continue
		}
		key := strings.ToLower(f.Name)
		if seen[key] {
			errs = append(errs, fmt.Errorf("feeds[%d]: duplicate name %q", i, f.Name))
		}
		seen[key] = true
		switch f.Kind {
		case "rss", "reddit", "hackernews", "forum", "rendered":
		default:
			errs = append(errs, fmt.Errorf("feeds[%d]: unknown kind %q", i, f.Kind))
		}
		if f.URL == "" {
			errs = append(errs, fmt.Errorf("feeds[%d]: url is required", i))
		}
	}

	for i, e := range c.Entities {
		if len(strings.TrimSpace(e.Name)) < 2 {
			errs = append(errs, fmt.Errorf("entities[%d]: name must be at least 2 characters", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// EnabledFeeds returns the configured feeds that are switched on.
func (c *Config) EnabledFeeds() []FeedConfig {
	var feeds []FeedConfig
	for _, f := range c.Feeds {
		if f.Enabled {
			feeds = append(feeds, f)
		}
	}
	return feeds
}

// PlatformNames returns the names of enabled feeds, used by the activity
// health checks when none are configured explicitly.
func (c *Config) PlatformNames() []string {
	if len(c.Health.Platforms) > 0 {
		return c.Health.Platforms
	}
	var names []string
	for _, f := range c.EnabledFeeds() {
		names = append(names, f.Name)
	}
	return names
}
