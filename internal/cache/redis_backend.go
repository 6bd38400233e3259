package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sethdford/perfcalc/pkg/logger"
	"github.com/sethdford/perfcalc/pkg/perferrors"
	"github.com/sethdford/perfcalc/pkg/resilience"
)

// RedisBackend is a Backend implementation over go-redis/v8. Every
// operation is wrapped in the circuit breaker and retried with the
// engine's default retry policy (N=3, D=50ms, factor=2.0, cap=500ms);
// only transport failures are retried, never serialization errors.
type RedisBackend struct {
	client      *redis.Client
	breaker     *resilience.CircuitBreaker
	retryConfig resilience.RetryConfig
}

// RedisBackendConfig configures a RedisBackend.
type RedisBackendConfig struct {
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	BreakerConfig resilience.Config
	RetryConfig   resilience.RetryConfig
	Logger        *logger.Logger
}

// NewRedisBackend dials addr and wraps the resulting client in a
// circuit-breaker-and-retry-protected Backend. Absent an explicit
// BreakerConfig, the breaker is built with DefaultBreakerConfig tagged
// "cache.redis" so a trip/recovery shows up in logs against this specific
// dependency rather than an anonymous one.
func NewRedisBackend(cfg RedisBackendConfig) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	breakerCfg := cfg.BreakerConfig
	if breakerCfg.MaxFailures <= 0 {
		breakerCfg = resilience.DefaultBreakerConfig("cache.redis", cfg.Logger)
	}
	retryCfg := cfg.RetryConfig
	if retryCfg.MaxAttempts <= 0 {
		retryCfg = resilience.DefaultRetryConfig()
	}

	return &RedisBackend{
		client:      client,
		breaker:     resilience.New(breakerCfg),
		retryConfig: retryCfg,
	}
}

// Close releases the underlying connection pool.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) withProtection(ctx context.Context, op string, fn func() error) error {
	return r.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, r.retryConfig, func() error {
			if err := fn(); err != nil {
				return perferrors.Transport(op, err)
			}
			return nil
		})
	})
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)

	err := r.withProtection(ctx, "redis.get", func() error {
		result, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		value = result
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.withProtection(ctx, "redis.set", func() error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.withProtection(ctx, "redis.delete", func() error {
		return r.client.Del(ctx, key).Err()
	})
}

// InvalidatePattern scans for keys sharing prefix and deletes them in
// batches. Uses SCAN rather than KEYS to avoid blocking the Redis server
// on a large keyspace.
func (r *RedisBackend) InvalidatePattern(ctx context.Context, prefix string) error {
	return r.withProtection(ctx, "redis.invalidate_pattern", func() error {
		var cursor uint64
		match := prefix + "*"

		for {
			keys, next, err := r.client.Scan(ctx, cursor, match, 100).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				if err := r.client.Del(ctx, keys...).Err(); err != nil {
					return err
				}
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
}
