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
	Store           StoreConfig
	HistoryWindow   int
	Extractor       ExtractorConfig
	Enrichment      EnrichmentConfig
	Cache           CacheConfig
	Breaker         BreakerConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
	PolicyFile      string
	Policy          Policy
}

// StoreConfig selects and tunes the session store.
type StoreConfig struct {
	Backend       string // "sqlite" or "memory"
	DBPath        string
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Timeout       time.Duration // per store call
}

// ExtractorConfig selects the language model backend.
type ExtractorConfig struct {
	Provider     string // "genai", "openai" or "none"
	Model        string
	GoogleAPIKey string
	BaseURL      string
	OpenAIAPIKey string
	Timeout      time.Duration
}

// EnrichmentConfig controls similarity and sentiment lookups.
type EnrichmentConfig struct {
	Addr     string // gRPC address; empty uses the in-process enricher
	Deadline time.Duration
	TopK     int
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

// BreakerConfig is shared by every dependency breaker.
type BreakerConfig struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// RateLimitConfig bounds inbound turns per subject.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		HistoryWindow: getEnvInt("HISTORY_WINDOW", 12),
		Store: StoreConfig{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),
			DBPath:        getEnv("DB_PATH", "./data/registrations.db"),
			IdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 24*time.Hour),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
			Timeout:       getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		},
		Extractor: ExtractorConfig{
			Provider:     strings.ToLower(getEnv("LLM_PROVIDER", "none")),
			Model:        getEnv("LLM_MODEL", ""),
			GoogleAPIKey: getEnv("GOOGLE_API_KEY", ""),
			BaseURL:      getEnv("LLM_BASE_URL", ""),
			OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
			Timeout:      getEnvDuration("EXTRACTOR_TIMEOUT", 15*time.Second),
		},
		Enrichment: EnrichmentConfig{
			Addr:     getEnv("ENRICHMENT_ADDR", ""),
			Deadline: getEnvDuration("ENRICHMENT_DEADLINE", 800*time.Millisecond),
			TopK:     getEnvInt("ENRICHMENT_TOP_K", 3),
		},
		Cache: CacheConfig{
			TTL:             getEnvDuration("CACHE_TTL", 10*time.Minute),
			CleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 3),
			Window:           getEnvDuration("BREAKER_WINDOW", time.Minute),
			Cooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		PolicyFile: getEnv("POLICY_FILE", ""),
		Policy:     DefaultPolicy(),
	}

	if cfg.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
		cfg.Policy = policy
	}
	cfg.Policy.MinConfidence = getEnvFloat("MIN_CONFIDENCE", cfg.Policy.MinConfidence)
	if mode := getEnv("LOW_CONFIDENCE_MODE", ""); mode != "" {
		cfg.Policy.LowConfidenceMode = LowConfidenceMode(strings.ToLower(mode))
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
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be sqlite or memory, got %q", c.Store.Backend)
	}
	switch c.Extractor.Provider {
	case "genai":
		if c.Extractor.GoogleAPIKey == "" {
			return fmt.Errorf("GOOGLE_API_KEY is required for LLM_PROVIDER=genai")
		}
	case "openai":
		if c.Extractor.BaseURL == "" {
			return fmt.Errorf("LLM_BASE_URL is required for LLM_PROVIDER=openai")
		}
	case "none":
	default:
		return fmt.Errorf("LLM_PROVIDER must be genai, openai or none, got %q", c.Extractor.Provider)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0")
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be > 0")
	}
	if c.Enrichment.Deadline <= 0 {
		return fmt.Errorf("ENRICHMENT_DEADLINE must be > 0")
	}
	if c.Extractor.Timeout <= 0 {
		return fmt.Errorf("EXTRACTOR_TIMEOUT must be > 0")
	}
	if c.Enrichment.Deadline >= c.Extractor.Timeout {
		return fmt.Errorf("ENRICHMENT_DEADLINE must be shorter than EXTRACTOR_TIMEOUT")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return c.Policy.Validate()
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
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
