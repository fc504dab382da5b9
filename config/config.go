package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ProviderSettings struct {
	APIKey           string
	RateLimitMax     int64         // requests per window
	RateLimitWindow  time.Duration
	MaxAttempts      int
	BackoffBaseDelay time.Duration
	Concurrency      int
	HandlerTimeout   time.Duration
}

type Config struct {
	// Server
	Port string // default: 8080

	// Queue persistence (terminal-record archive)
	PostgresDSN string

	// Rate-limit counter store
	RedisAddr string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// In-memory retention caps for terminal records, per queue
	RetainCompleted int // default: 100
	RetainFailed    int // default: 50

	// Provider queues, in PROVIDERS order
	Providers map[string]ProviderSettings
}

// defaultRateLimits carries the per-provider request budgets applied
// when no env override is present.
var defaultRateLimits = map[string]int64{
	"openai":    60,
	"claude":    60,
	"gemini":    100,
	"replicate": 20,
}

var apiKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"claude":    "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"replicate": "REPLICATE_API_TOKEN",
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		Providers:            make(map[string]ProviderSettings),
	}

	retainCompleted, err := getEnvInt64("RETAIN_COMPLETED", 100)
	if err != nil {
		return nil, err
	}
	retainFailed, err := getEnvInt64("RETAIN_FAILED", 50)
	if err != nil {
		return nil, err
	}
	cfg.RetainCompleted = int(retainCompleted)
	cfg.RetainFailed = int(retainFailed)

	names := strings.Split(getEnv("PROVIDERS", "openai,claude,gemini,replicate"), ",")
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		settings, err := loadProvider(name)
		if err != nil {
			return nil, err
		}
		cfg.Providers[name] = settings
	}

	// Validation
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("PROVIDERS must name at least one provider")
	}

	return cfg, nil
}

// loadProvider reads the {NAME}_* settings for one provider, e.g.
// OPENAI_RATE_LIMIT_MAX or GEMINI_BACKOFF_BASE_DELAY_MS.
func loadProvider(name string) (ProviderSettings, error) {
	prefix := strings.ToUpper(name)

	defaultMax := defaultRateLimits[name]
	if defaultMax == 0 {
		defaultMax = 60
	}

	max, err := getEnvInt64(prefix+"_RATE_LIMIT_MAX", defaultMax)
	if err != nil {
		return ProviderSettings{}, err
	}
	windowMs, err := getEnvInt64(prefix+"_RATE_LIMIT_WINDOW_MS", 60_000)
	if err != nil {
		return ProviderSettings{}, err
	}
	maxAttempts, err := getEnvInt64(prefix+"_MAX_ATTEMPTS", 3)
	if err != nil {
		return ProviderSettings{}, err
	}
	backoffMs, err := getEnvInt64(prefix+"_BACKOFF_BASE_DELAY_MS", 2_000)
	if err != nil {
		return ProviderSettings{}, err
	}
	concurrency, err := getEnvInt64(prefix+"_CONCURRENCY", 1)
	if err != nil {
		return ProviderSettings{}, err
	}
	timeoutMs, err := getEnvInt64(prefix+"_HANDLER_TIMEOUT_MS", 300_000)
	if err != nil {
		return ProviderSettings{}, err
	}

	return ProviderSettings{
		APIKey:           os.Getenv(apiKeyEnv[name]),
		RateLimitMax:     max,
		RateLimitWindow:  time.Duration(windowMs) * time.Millisecond,
		MaxAttempts:      int(maxAttempts),
		BackoffBaseDelay: time.Duration(backoffMs) * time.Millisecond,
		Concurrency:      int(concurrency),
		HandlerTimeout:   time.Duration(timeoutMs) * time.Millisecond,
	}, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
