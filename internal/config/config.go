// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	HistoryDBPath   string
	GRPCHealthPort  string
	Analytics       AnalyticsConfig
	Session         SessionConfig
	Pipeline        PipelineConfig
	LLM             LLMConfig
	RateLimit       RateLimitConfig
	QueryLog        QueryLogConfig
	StarHintPath    string
	ConstraintsPath string
}

// AnalyticsConfig points at the analytical store queried by the engine.
type AnalyticsConfig struct {
	DBPath  string
	Dialect string // "sqlite" or "duckdb"
}

// SessionConfig controls in-memory conversation lifetime.
type SessionConfig struct {
	TTL           time.Duration
	SweepSchedule string
	HistoryLimit  int
	CompactChunk  int
}

// PipelineConfig tunes the question-to-query pipeline.
type PipelineConfig struct {
	MaxRepairAttempts int
	CacheSampleRows   int
	LastDataRowLimit  int
}

// LLMConfig selects the reasoning provider and per-stage models.
type LLMConfig struct {
	Provider        string // "openai" or "anthropic"
	OpenAIAPIKey    string
	AnthropicAPIKey string
	ChatModel       string
	PlannerModel    string
	BuilderModel    string
	SummarizerModel string
}

// RateLimitConfig controls per-user throttling of chat requests.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// QueryLogConfig controls NDJSON query summary logging.
type QueryLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	provider := strings.ToLower(getEnv("LLM_PROVIDER", "openai"))

	queueSize := getEnvInt("QUERY_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "3001"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		HistoryDBPath:  getEnv("HISTORY_DB_PATH", "./data/chat_history.db"),
		GRPCHealthPort: getEnv("GRPC_HEALTH_PORT", ""),
		Analytics: AnalyticsConfig{
			DBPath:  getEnv("ANALYTICS_DB_PATH", "./data/feature_store.db"),
			Dialect: strings.ToLower(getEnv("ANALYTICS_DIALECT", "sqlite")),
		},
		Session: SessionConfig{
			TTL:           getEnvDuration("SESSION_TTL", 24*time.Hour),
			SweepSchedule: getEnv("SESSION_SWEEP_SCHEDULE", "@every 1h"),
			HistoryLimit:  getEnvInt("HISTORY_COMPACT_LIMIT", 20),
			CompactChunk:  getEnvInt("HISTORY_COMPACT_CHUNK", 10),
		},
		Pipeline: PipelineConfig{
			MaxRepairAttempts: getEnvInt("MAX_REPAIR_ATTEMPTS", 2),
			CacheSampleRows:   getEnvInt("CACHE_SAMPLE_ROWS", 5),
			LastDataRowLimit:  getEnvInt("LAST_DATA_ROW_LIMIT", 200),
		},
		LLM: LLMConfig{
			Provider:        provider,
			OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			ChatModel:       getEnv("MODEL_CHAT", defaultModel(provider, "chat")),
			PlannerModel:    getEnv("MODEL_PLANNER", defaultModel(provider, "planner")),
			BuilderModel:    getEnv("MODEL_BUILDER", defaultModel(provider, "builder")),
			SummarizerModel: getEnv("MODEL_SUMMARIZER", defaultModel(provider, "summarizer")),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		QueryLog: QueryLogConfig{
			Enabled:   getEnvBool("QUERY_LOG_ENABLED", true),
			Dir:       getEnv("LOG_DIR", "./data/logs"),
			QueueSize: queueSize,
		},
		StarHintPath:    getEnv("STAR_HINT_PATH", "star_hint.txt"),
		ConstraintsPath: getEnv("CONSTRAINTS_PATH", "important.txt"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.HistoryDBPath == "" {
		return fmt.Errorf("HISTORY_DB_PATH cannot be empty")
	}
	if c.Analytics.DBPath == "" {
		return fmt.Errorf("ANALYTICS_DB_PATH cannot be empty")
	}
	switch c.Analytics.Dialect {
	case "sqlite", "duckdb":
	default:
		return fmt.Errorf("ANALYTICS_DIALECT must be sqlite or duckdb, got %q", c.Analytics.Dialect)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("LLM_PROVIDER must be openai or anthropic, got %q", c.LLM.Provider)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Session.HistoryLimit < 2 {
		return fmt.Errorf("HISTORY_COMPACT_LIMIT must be >= 2")
	}
	if c.Session.CompactChunk < 2 || c.Session.CompactChunk > c.Session.HistoryLimit {
		return fmt.Errorf("HISTORY_COMPACT_CHUNK must be in 2..HISTORY_COMPACT_LIMIT")
	}
	if c.Pipeline.MaxRepairAttempts < 0 {
		return fmt.Errorf("MAX_REPAIR_ATTEMPTS must be >= 0")
	}
	if c.Pipeline.CacheSampleRows <= 0 {
		return fmt.Errorf("CACHE_SAMPLE_ROWS must be > 0")
	}
	if c.Pipeline.LastDataRowLimit <= 0 {
		return fmt.Errorf("LAST_DATA_ROW_LIMIT must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.QueryLog.Enabled && c.QueryLog.Dir == "" {
		return fmt.Errorf("LOG_DIR cannot be empty when query logging is enabled")
	}
	return nil
}

// APIKey returns the key for the selected provider.
func (c *Config) APIKey() string {
	if c.LLM.Provider == "anthropic" {
		return c.LLM.AnthropicAPIKey
	}
	return c.LLM.OpenAIAPIKey
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func defaultModel(provider, stage string) string {
	if provider == "anthropic" {
		switch stage {
		case "planner", "builder":
			return "claude-3-5-sonnet-20241022"
		default:
			return "claude-3-haiku-20240307"
		}
	}
	switch stage {
	case "planner", "builder":
		return "gpt-4o"
	default:
		return "gpt-4o-mini"
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
