package config

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetLevel retrieves an environment variable as a slog level or returns fallback.
func GetLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		log.Printf("invalid value for %s: %v", key, err)
		return fallback
	}
	return level
}

// Config holds runtime configuration for the kvscope service.
type Config struct {
	Environment            string
	Addr                   string
	LogLevel               slog.Level
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	InstrumentationEnabled bool
	DatabaseURL            string
	// CaptureEncryptionKey seals stored reports in the database when set.
	CaptureEncryptionKey string
	CaptureHistory       int
	DiagnosticsSecret    string
	DiagnosticsTokenTTL  time.Duration
	TraceStdout          bool
	MetricsEnabled       bool
	// RateLimitBackend selects "memory" or "redis" counters.
	RateLimitBackend string
	// Requests per minute; zero keeps the router default, negative disables.
	KVRateLimit          int
	DiagnosticsRateLimit int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:            GetString("APP_ENV", "development"),
		Addr:                   GetString("API_ADDR", ":4000"),
		LogLevel:               GetLevel("LOG_LEVEL", slog.LevelInfo),
		RedisAddr:              GetString("KV_REDIS_ADDR", "localhost:6379"),
		RedisPassword:          GetString("KV_REDIS_PASSWORD", ""),
		RedisDB:                GetInt("KV_REDIS_DB", 0),
		InstrumentationEnabled: GetBool("KV_INSTRUMENTATION_ENABLED", true),
		DatabaseURL:            GetString("DATABASE_URL", ""),
		CaptureEncryptionKey:   GetString("CAPTURE_ENCRYPTION_KEY", ""),
		CaptureHistory:         GetInt("CAPTURE_HISTORY", 200),
		DiagnosticsSecret:      GetString("DIAGNOSTICS_JWT_SECRET", ""),
		DiagnosticsTokenTTL:    time.Duration(GetInt("DIAGNOSTICS_TOKEN_TTL_MIN", 60)) * time.Minute,
		TraceStdout:            GetBool("OTEL_STDOUT", false),
		MetricsEnabled:         GetBool("METRICS_ENABLED", true),
		RateLimitBackend:       strings.ToLower(strings.TrimSpace(GetString("RATE_LIMIT_BACKEND", "memory"))),
		KVRateLimit:            GetInt("RATE_LIMIT_KV_PER_MIN", 600),
		DiagnosticsRateLimit:   GetInt("RATE_LIMIT_DIAGNOSTICS_PER_MIN", 120),
	}
}
