// Package config loads engine configuration from environment variables,
// optionally preceded by a .env file, into a nested Config struct covering
// every component: cache, retry, streaming, scheduler, and integration.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// CacheBackend selects which Cache implementation to construct.
type CacheBackend string

const (
	CacheBackendMemory CacheBackend = "memory"
	CacheBackendRedis  CacheBackend = "redis"
	CacheBackendNoop   CacheBackend = "noop"
)

// CacheConfig configures the Cache component (C1).
type CacheConfig struct {
	Backend       CacheBackend  `env:"PERFCALC_CACHE_BACKEND"`
	RedisAddr     string        `env:"PERFCALC_REDIS_ADDR"`
	RedisPassword string        `env:"PERFCALC_REDIS_PASSWORD"`
	RedisDB       int           `env:"PERFCALC_REDIS_DB"`
	RedisPoolSize int           `env:"PERFCALC_REDIS_POOL_SIZE"`
	DefaultTTL    time.Duration `env:"PERFCALC_CACHE_DEFAULT_TTL"`
}

// RetryConfig configures the retry policy wrapping transport calls.
type RetryConfig struct {
	MaxAttempts  int           `env:"PERFCALC_RETRY_MAX_ATTEMPTS"`
	InitialDelay time.Duration `env:"PERFCALC_RETRY_INITIAL_DELAY"`
	MaxDelay     time.Duration `env:"PERFCALC_RETRY_MAX_DELAY"`
	Multiplier   float64       `env:"PERFCALC_RETRY_MULTIPLIER"`
	Jitter       float64       `env:"PERFCALC_RETRY_JITTER"`
}

// StreamingConfig configures the Streaming Processor (C5).
type StreamingConfig struct {
	MaxConcurrentEvents   int           `env:"PERFCALC_STREAM_MAX_CONCURRENT"`
	BufferSize            int           `env:"PERFCALC_STREAM_BUFFER_SIZE"`
	EnableBatchProcessing bool          `env:"PERFCALC_STREAM_ENABLE_BATCH"`
	MaxBatchSize          int           `env:"PERFCALC_STREAM_MAX_BATCH_SIZE"`
	BatchWait             time.Duration `env:"PERFCALC_STREAM_BATCH_WAIT"`
}

// SchedulerConfig configures the Scheduler (C6).
type SchedulerConfig struct {
	TickInterval time.Duration `env:"PERFCALC_SCHEDULER_TICK_INTERVAL"`
}

// IntegrationConfig configures the Integration Engine (C7).
type IntegrationConfig struct {
	NotificationsEnabled bool          `env:"PERFCALC_INTEGRATION_NOTIFICATIONS_ENABLED"`
	DataImportEnabled    bool          `env:"PERFCALC_INTEGRATION_DATA_IMPORT_ENABLED"`
	IdempotencyCacheTTL  time.Duration `env:"PERFCALC_INTEGRATION_IDEMPOTENCY_TTL"`
	RateLimitPerSecond   float64       `env:"PERFCALC_INTEGRATION_RATE_LIMIT_RPS"`
	RateLimitBurst       int           `env:"PERFCALC_INTEGRATION_RATE_LIMIT_BURST"`
}

// AuditConfig configures the Audit Trail (C2).
type AuditConfig struct {
	Backend string `env:"PERFCALC_AUDIT_BACKEND"` // "memory" or "postgres"
	DSN     string `env:"PERFCALC_AUDIT_DSN"`
}

// LoggingConfig configures the engine's structured logger.
type LoggingConfig struct {
	Level  string `env:"PERFCALC_LOG_LEVEL"`
	Format string `env:"PERFCALC_LOG_FORMAT"`
}

// Config aggregates every component's configuration.
type Config struct {
	Cache       CacheConfig
	Retry       RetryConfig
	Streaming   StreamingConfig
	Scheduler   SchedulerConfig
	Integration IntegrationConfig
	Audit       AuditConfig
	Logging     LoggingConfig
}

// Default returns the spec's documented defaults for every component.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Backend:       CacheBackendMemory,
			RedisAddr:     "localhost:6379",
			RedisDB:       0,
			RedisPoolSize: 10,
			DefaultTTL:    5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       0.1,
		},
		Streaming: StreamingConfig{
			MaxConcurrentEvents:   100,
			BufferSize:            1000,
			EnableBatchProcessing: true,
			MaxBatchSize:          50,
			BatchWait:             100 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 10 * time.Second,
		},
		Integration: IntegrationConfig{
			NotificationsEnabled: true,
			DataImportEnabled:    true,
			IdempotencyCacheTTL:  time.Hour,
			RateLimitPerSecond:   50,
			RateLimitBurst:       100,
		},
		Audit: AuditConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a Config by applying defaults, then optionally loading a
// .env file (path from PERFCALC_ENV_FILE, default ".env"; missing file is
// not an error), then decoding every `env:"..."`-tagged field from the
// environment on top of those defaults via envdecode.
func Load() (*Config, error) {
	envFile := strings.TrimSpace(os.Getenv("PERFCALC_ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg := Default()

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when not a single tagged field has a
		// corresponding environment variable set; that just means every
		// component is running on its compiled-in default, which is a
		// normal outcome for a local run with no env configured.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, err
		}
	}

	return cfg, nil
}
