package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SourceLocal = "local"
	SourceEdge  = "edge"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr     string
	CacheTTL      time.Duration // default: 5m
	DebounceDelay time.Duration // default: 300ms, 0 disables

	// Aggregation
	AggregationSource string // "local" or "edge"
	EdgeFunctionURL   string
	EdgeFunctionKey   string
	EdgeFunctionRPS   float64  // default: 5, 0 disables throttling
	DefaultCycleLimit int      // default: 12
	ForecastHorizon   int      // default: 3
	ExcludedMeters    []string // nil keeps the built-in list

	// Logging
	LogLevel  string // default: info
	LogFormat string // "json" or "console"

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitRPM int64 // requests per minute, default: 600

	// Seeding
	RunSeed bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		AggregationSource:    strings.ToLower(getEnv("AGGREGATION_SOURCE", SourceLocal)),
		EdgeFunctionURL:      os.Getenv("EDGE_FUNCTION_URL"),
		EdgeFunctionKey:      os.Getenv("EDGE_FUNCTION_KEY"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		RunSeed:              os.Getenv("RUN_SEED") == "true",
	}

	var err error
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", "5m"); err != nil {
		return nil, err
	}
	if cfg.DebounceDelay, err = getDuration("DEBOUNCE_DELAY", "300ms"); err != nil {
		return nil, err
	}
	if cfg.EdgeFunctionRPS, err = strconv.ParseFloat(getEnv("EDGE_FUNCTION_RPS", "5"), 64); err != nil || cfg.EdgeFunctionRPS < 0 {
		return nil, fmt.Errorf("invalid EDGE_FUNCTION_RPS: must be a non-negative number")
	}
	if cfg.DefaultCycleLimit, err = getInt("DEFAULT_CYCLE_LIMIT", "12"); err != nil {
		return nil, err
	}
	if cfg.ForecastHorizon, err = getInt("FORECAST_HORIZON", "3"); err != nil {
		return nil, err
	}

	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "600")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	if meters, ok := os.LookupEnv("EXCLUDED_METERS"); ok {
		cfg.ExcludedMeters = splitList(meters)
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	switch cfg.AggregationSource {
	case SourceLocal:
	case SourceEdge:
		if cfg.EdgeFunctionURL == "" || cfg.EdgeFunctionKey == "" {
			return nil, fmt.Errorf("EDGE_FUNCTION_URL and EDGE_FUNCTION_KEY are required when AGGREGATION_SOURCE=edge")
		}
	default:
		return nil, fmt.Errorf("invalid AGGREGATION_SOURCE %q: want %q or %q", cfg.AggregationSource, SourceLocal, SourceEdge)
	}
	if cfg.DefaultCycleLimit <= 0 {
		return nil, fmt.Errorf("DEFAULT_CYCLE_LIMIT must be positive")
	}
	if cfg.ForecastHorizon <= 0 {
		return nil, fmt.Errorf("FORECAST_HORIZON must be positive")
	}
	if cfg.DefaultRateLimitRPM <= 0 {
		return nil, fmt.Errorf("DEFAULT_RATE_LIMIT_RPM must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

func getInt(key, fallback string) (int, error) {
	n, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
