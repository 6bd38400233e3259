package resilience

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/sethdford/perfcalc/pkg/logger"
)

func TestRegistry_GetOrCreateCachesByName(t *testing.T) {
	reg := NewRegistry()
	built := 0
	build := func() Config {
		built++
		return DefaultConfig()
	}

	a := reg.GetOrCreate("cache.redis", build)
	b := reg.GetOrCreate("cache.redis", build)

	if a != b {
		t.Fatal("expected the same *CircuitBreaker instance for repeated calls with the same name")
	}
	if built != 1 {
		t.Errorf("build called %d times, want 1", built)
	}
}

func TestRegistry_DistinctNamesGetDistinctBreakers(t *testing.T) {
	reg := NewRegistry()
	a := reg.GetOrCreate("integration.webhook", DefaultConfig)
	b := reg.GetOrCreate("integration.api_request", DefaultConfig)

	if a == b {
		t.Fatal("expected distinct breakers for distinct names")
	}
}

func TestRegistry_ExecuteTripsIndependentlyPerName(t *testing.T) {
	reg := NewRegistry()
	cfg := func() Config {
		return Config{MaxFailures: 1}
	}

	failing := errors.New("boom")
	_ = reg.Execute(context.Background(), "webhook", cfg, func() error { return failing })

	if reg.GetOrCreate("webhook", cfg).State() != StateOpen {
		t.Fatal("expected webhook breaker to trip open after its one allowed failure")
	}
	if reg.GetOrCreate("api_request", cfg).State() != StateClosed {
		t.Fatal("expected a differently-named breaker to remain closed")
	}
}

// fieldCapturingHook records the fields of the last logrus entry fired
// against it, so a test can assert on what NamedBreakerConfig logs.
type fieldCapturingHook struct {
	lastFields logrus.Fields
}

func (h *fieldCapturingHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fieldCapturingHook) Fire(entry *logrus.Entry) error {
	h.lastFields = entry.Data
	return nil
}

func TestNamedBreakerConfig_TagsStateChangeWithName(t *testing.T) {
	hook := &fieldCapturingHook{}
	backing := logrus.New()
	backing.AddHook(hook)
	backing.SetOutput(io.Discard)

	log := &logger.Logger{Logger: backing}

	cfg := NamedBreakerConfig(BreakerConfig{
		Name:           "integration.webhook",
		MaxFailures:    1,
		TimeoutSeconds: 1,
		Logger:         log,
	})

	cb := New(cfg)
	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })

	if got := hook.lastFields["breaker"]; got != "integration.webhook" {
		t.Errorf("breaker field = %v, want integration.webhook", got)
	}
	if _, ok := hook.lastFields["from_state"]; !ok {
		t.Error("expected from_state field on the state-change log entry")
	}
}
