// Package ratelimit throttles outbound dispatch made by the Integration
// Engine. A schedule completion can fan out to several notification
// channels (email, webhook, pub/sub, queue) plus outbound API calls, each
// talking to a different downstream system with its own acceptable
// throughput — so limiting is per-channel, not a single global budget.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a single channel's Limiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	Window            time.Duration
}

// DefaultConfig returns the budget applied to a channel with no override.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		Burst:             100,
		Window:            time.Second,
	}
}

// Limiter wraps golang.org/x/time/rate. Allow, AllowN and Wait consult
// only the per-second limiter; a second limiter is kept alongside it and
// is consulted only by PerMinuteLimitExceeded.
type Limiter struct {
	limiter   *rate.Limiter
	perMinute *rate.Limiter
	mu        sync.RWMutex
	config    Config
}

// New creates a Limiter from cfg, filling in defaults for zero values.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perMinute: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond*60), cfg.Burst*2),
		config:    cfg,
	}
}

// Allow reports whether a call may proceed right now, without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// AllowN reports whether n calls at time now would not exceed the limit.
func (l *Limiter) AllowN(now time.Time, n int) bool {
	return l.limiter.AllowN(now, n)
}

// Wait blocks until a call may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// LimitExceeded reports whether the per-second limit would be exceeded by
// an immediate call, without consuming a token.
func (l *Limiter) LimitExceeded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter.Tokens() < 1
}

// PerMinuteLimitExceeded is the per-minute analogue of LimitExceeded.
func (l *Limiter) PerMinuteLimitExceeded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.perMinute.Tokens() < 1
}

// Reset replaces both underlying limiters with fresh ones at the original config.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)
	l.perMinute = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond*60), l.config.Burst*2)
}

// Registry hands out one Limiter per dispatch channel, lazily constructed
// from a per-channel override or, absent one, the registry's default
// Config. Channels are identified by name ("email", "webhook", "pubsub",
// "queue", "api_request" in this engine), so a noisy webhook endpoint can
// be throttled harder without slowing down email or pub/sub dispatch.
type Registry struct {
	mu        sync.Mutex
	def       Config
	overrides map[string]Config
	limiters  map[string]*Limiter
}

// NewRegistry builds a Registry. def is used for any channel without an
// explicit entry in overrides.
func NewRegistry(def Config, overrides map[string]Config) *Registry {
	return &Registry{
		def:       def,
		overrides: overrides,
		limiters:  make(map[string]*Limiter),
	}
}

// For returns the Limiter for channel, constructing it on first use from
// the channel's override Config or the registry default.
func (r *Registry) For(channel string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[channel]; ok {
		return l
	}
	cfg, ok := r.overrides[channel]
	if !ok {
		cfg = r.def
	}
	l := New(cfg)
	r.limiters[channel] = l
	return l
}

// Wait blocks until channel's limiter admits a call or ctx is done.
func (r *Registry) Wait(ctx context.Context, channel string) error {
	return r.For(channel).Wait(ctx)
}
