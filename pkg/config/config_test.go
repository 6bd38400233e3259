package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Cache.Backend != CacheBackendMemory {
		t.Errorf("Cache.Backend = %v, want %v", cfg.Cache.Backend, CacheBackendMemory)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialDelay != 50*time.Millisecond {
		t.Errorf("Retry.InitialDelay = %v, want 50ms", cfg.Retry.InitialDelay)
	}
	if cfg.Streaming.MaxConcurrentEvents != 100 {
		t.Errorf("Streaming.MaxConcurrentEvents = %d, want 100", cfg.Streaming.MaxConcurrentEvents)
	}
	if cfg.Streaming.BufferSize != 1000 {
		t.Errorf("Streaming.BufferSize = %d, want 1000", cfg.Streaming.BufferSize)
	}
	if cfg.Scheduler.TickInterval != 10*time.Second {
		t.Errorf("Scheduler.TickInterval = %v, want 10s", cfg.Scheduler.TickInterval)
	}
	if !cfg.Integration.NotificationsEnabled {
		t.Error("Integration.NotificationsEnabled should default true")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("PERFCALC_ENV_FILE", "nonexistent.env")
	t.Setenv("PERFCALC_CACHE_BACKEND", "redis")
	t.Setenv("PERFCALC_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("PERFCALC_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("PERFCALC_STREAM_ENABLE_BATCH", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cache.Backend != CacheBackendRedis {
		t.Errorf("Cache.Backend = %v, want redis", cfg.Cache.Backend)
	}
	if cfg.Cache.RedisAddr != "redis.internal:6380" {
		t.Errorf("Cache.RedisAddr = %v, want redis.internal:6380", cfg.Cache.RedisAddr)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("Retry.MaxAttempts = %d, want 7", cfg.Retry.MaxAttempts)
	}
	if cfg.Streaming.EnableBatchProcessing {
		t.Error("Streaming.EnableBatchProcessing should be false")
	}
}

func TestLoadWithNoEnvLeavesDefaultsUntouched(t *testing.T) {
	t.Setenv("PERFCALC_ENV_FILE", "nonexistent.env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	if cfg.Cache.Backend != want.Cache.Backend {
		t.Errorf("Cache.Backend = %v, want %v", cfg.Cache.Backend, want.Cache.Backend)
	}
	if cfg.Retry.MaxAttempts != want.Retry.MaxAttempts {
		t.Errorf("Retry.MaxAttempts = %d, want %d", cfg.Retry.MaxAttempts, want.Retry.MaxAttempts)
	}
	if cfg.Scheduler.TickInterval != want.Scheduler.TickInterval {
		t.Errorf("Scheduler.TickInterval = %v, want %v", cfg.Scheduler.TickInterval, want.Scheduler.TickInterval)
	}
}
