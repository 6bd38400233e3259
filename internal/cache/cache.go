// Package cache implements the engine's Cache component (C1): a
// backend-agnostic key/value store with TTL expiry, prefix invalidation,
// and a compute_if_missing combinator used by the Query API to memoize
// expensive calculations.
//
// Values are stored in their canonical JSON-encoded []byte form rather
// than as interface{}, so a Get never hands a caller a live reference
// into the cache's internal state — callers can only read what was
// actually persisted, sidestepping the deep-copy hazards of sharing
// mutable Go values across goroutines.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sethdford/perfcalc/internal/metrics"
	"github.com/sethdford/perfcalc/pkg/perferrors"
)

// Backend is the storage contract every cache implementation satisfies.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// InvalidatePattern deletes every key with the given prefix.
	InvalidatePattern(ctx context.Context, prefix string) error
}

// Cache wraps a Backend with typed, JSON-marshaling convenience methods.
type Cache struct {
	backend    Backend
	defaultTTL time.Duration
	metrics    *metrics.Metrics
	backendTag string
}

// New wraps backend in a Cache. defaultTTL is unused by Set calls, which
// always require an explicit ttl; it is kept for callers that want a
// Cache-level fallback constant to pass at their own call sites.
func New(backend Backend, defaultTTL time.Duration) *Cache {
	return &Cache{backend: backend, defaultTTL: defaultTTL, backendTag: backendTag(backend)}
}

// WithMetrics attaches m to the Cache so every Get/Set/Delete and
// ComputeIfMissing call records its outcome and latency. Returns c for
// chaining at construction time; a nil m disables recording again.
func (c *Cache) WithMetrics(m *metrics.Metrics) *Cache {
	c.metrics = m
	return c
}

// DefaultTTL returns the TTL this Cache was constructed with.
func (c *Cache) DefaultTTL() time.Duration { return c.defaultTTL }

func backendTag(b Backend) string {
	switch b.(type) {
	case *MemoryBackend:
		return "memory"
	case *RedisBackend:
		return "redis"
	case *NoopBackend:
		return "noop"
	default:
		return "custom"
	}
}

func (c *Cache) record(op, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordCacheOp(c.backendTag, op, outcome, time.Since(start))
}

// GetString retrieves a string value.
func (c *Cache) GetString(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	raw, ok, err := c.backend.Get(ctx, key)
	c.record("get_string", getOutcome(ok, err), start)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(raw), true, nil
}

// SetString stores a string value. A ttl of zero means "do not cache": the
// call succeeds but nothing is retained.
func (c *Cache) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl == 0 {
		return nil
	}
	start := time.Now()
	err := c.backend.Set(ctx, key, []byte(value), ttl)
	c.record("set_string", setOutcome(err), start)
	return err
}

// GetBinary retrieves a raw byte value.
func (c *Cache) GetBinary(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	raw, ok, err := c.backend.Get(ctx, key)
	c.record("get_binary", getOutcome(ok, err), start)
	return raw, ok, err
}

// SetBinary stores a raw byte value. A ttl of zero means "do not cache".
func (c *Cache) SetBinary(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		return nil
	}
	start := time.Now()
	err := c.backend.Set(ctx, key, value, ttl)
	c.record("set_binary", setOutcome(err), start)
	return err
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := c.backend.Delete(ctx, key)
	c.record("delete", setOutcome(err), start)
	return err
}

// InvalidatePattern removes every key sharing the given prefix.
func (c *Cache) InvalidatePattern(ctx context.Context, prefix string) error {
	start := time.Now()
	err := c.backend.InvalidatePattern(ctx, prefix)
	c.record("invalidate_pattern", setOutcome(err), start)
	return err
}

func getOutcome(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "hit"
	default:
		return "miss"
	}
}

func setOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// GetTyped retrieves and JSON-decodes a value into dst.
func GetTyped[V any](ctx context.Context, c *Cache, key string) (V, bool, error) {
	start := time.Now()
	var zero V
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.record("get_typed", "error", start)
		return zero, false, err
	}
	if !ok {
		c.record("get_typed", "miss", start)
		return zero, false, nil
	}
	var value V
	if err := json.Unmarshal(raw, &value); err != nil {
		c.record("get_typed", "error", start)
		return zero, false, perferrors.Serialization("cache.decode", err)
	}
	c.record("get_typed", "hit", start)
	return value, true, nil
}

// SetTyped JSON-encodes value and stores it under key. A ttl of zero means
// "do not cache": the value is encoded (surfacing any encode error) but
// never written to the backend.
func SetTyped[V any](ctx context.Context, c *Cache, key string, value V, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return perferrors.Serialization("cache.encode", err)
	}
	if ttl == 0 {
		return nil
	}
	start := time.Now()
	err = c.backend.Set(ctx, key, raw, ttl)
	c.record("set_typed", setOutcome(err), start)
	return err
}

// ComputeIfMissing returns the cached value under key if present, or calls
// compute, stores its result, and returns it.
//
// This is deliberately not single-flight: if two callers race on the same
// missing key, both execute compute and both write to the cache — the last
// writer's value wins. The calculation is treated as a pure, idempotent
// function of its inputs, so duplicate computation wastes work but never
// produces a wrong cached value.
func ComputeIfMissing[V any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (V, error)) (V, error) {
	start := time.Now()

	if value, ok, err := GetTyped[V](ctx, c, key); err != nil {
		var zero V
		if c.metrics != nil {
			c.metrics.RecordComputeIfMissing("error", time.Since(start))
		}
		return zero, err
	} else if ok {
		if c.metrics != nil {
			c.metrics.RecordComputeIfMissing("hit", time.Since(start))
		}
		return value, nil
	}

	value, err := compute(ctx)
	if err != nil {
		var zero V
		if c.metrics != nil {
			c.metrics.RecordComputeIfMissing("error", time.Since(start))
		}
		return zero, err
	}

	if err := SetTyped(ctx, c, key, value, ttl); err != nil {
		var zero V
		if c.metrics != nil {
			c.metrics.RecordComputeIfMissing("error", time.Since(start))
		}
		return zero, err
	}

	if c.metrics != nil {
		c.metrics.RecordComputeIfMissing("computed", time.Since(start))
	}
	return value, nil
}

// ---------------------------------------------------------------------------
// In-memory backend
// ---------------------------------------------------------------------------

type memEntry struct {
	value      []byte
	expiration time.Time
}

// MemoryBackend is an in-process Backend backed by a mutex-protected map.
// Suitable for tests and single-process deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memEntry)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !time.Now().Before(entry.expiration) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memEntry{value: value, expiration: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryBackend) InvalidatePattern(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

// Size returns the number of live entries, including ones that have
// expired but not yet been swept. Exposed for tests.
func (m *MemoryBackend) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// ---------------------------------------------------------------------------
// No-op backend
// ---------------------------------------------------------------------------

// NoopBackend discards every write and never returns a hit. Used when
// caching is disabled but callers still expect a Backend.
type NoopBackend struct{}

func NewNoopBackend() *NoopBackend { return &NoopBackend{} }

func (NoopBackend) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (NoopBackend) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NoopBackend) Delete(context.Context, string) error                    { return nil }
func (NoopBackend) InvalidatePattern(context.Context, string) error         { return nil }
