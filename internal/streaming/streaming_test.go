package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sethdford/perfcalc/internal/audit"
	"github.com/sethdford/perfcalc/internal/cache"
)

type countingHandler struct {
	mu             sync.Mutex
	eventCount     int
	batches        [][]Event
	processedTypes []string
}

func (h *countingHandler) ProcessEvent(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventCount++
	h.processedTypes = append(h.processedTypes, event.EventType)
	return nil
}

type batchCapturingHandler struct {
	countingHandler
}

func (h *batchCapturingHandler) ProcessBatch(_ context.Context, events []Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, events)
	h.eventCount += len(events)
	return nil
}

func newTestProcessor(config Config) *Processor {
	auditManager := audit.NewManager(audit.NewMemoryStorage())
	c := cache.New(cache.NewMemoryBackend(), time.Hour)
	return New(config, auditManager, c, nil)
}

func TestStartStopIsIdempotent(t *testing.T) {
	p := newTestProcessor(DefaultConfig())
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("second Start (should be a no-op): %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("second Stop (should be a no-op): %v", err)
	}
}

func TestSubmitEventRejectedWhenNotRunning(t *testing.T) {
	p := newTestProcessor(DefaultConfig())
	err := p.SubmitEvent(context.Background(), Event{ID: "e1", EventType: "transaction", EntityID: "P1"})
	if err == nil {
		t.Fatal("expected an error submitting to a processor that hasn't started")
	}
}

func TestIndividualModeDeliversEveryEventToEveryHandler(t *testing.T) {
	config := DefaultConfig()
	config.EnableBatchProcessing = false
	p := newTestProcessor(config)
	ctx := context.Background()

	h1 := &countingHandler{}
	h2 := &countingHandler{}
	p.RegisterHandler(h1)
	p.RegisterHandler(h2)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := p.SubmitEvent(ctx, Event{ID: "e", EventType: "transaction", EntityID: "P1"}); err != nil {
			t.Fatalf("SubmitEvent: %v", err)
		}
	}

	waitUntil(t, func() bool {
		h1.mu.Lock()
		defer h1.mu.Unlock()
		h2.mu.Lock()
		defer h2.mu.Unlock()
		return h1.eventCount == 5 && h2.eventCount == 5
	})

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestBatchModeTriggersOnSize covers S4-adjacent behavior: a batch fires
// once MaxBatchSize is reached, without waiting for the timer.
func TestBatchModeTriggersOnSize(t *testing.T) {
	config := Config{
		MaxConcurrentEvents:   10,
		BufferSize:            100,
		EnableBatchProcessing: true,
		MaxBatchSize:          3,
		BatchWaitMs:           5000, // long enough that only the size trigger can fire in this test's timeout
	}
	p := newTestProcessor(config)
	ctx := context.Background()

	h := &batchCapturingHandler{}
	p.RegisterHandler(h)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.SubmitEvent(ctx, Event{ID: "e", EventType: "transaction", EntityID: "P1"}); err != nil {
			t.Fatalf("SubmitEvent: %v", err)
		}
	}

	waitUntil(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.eventCount == 3
	})

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.batches) != 1 || len(h.batches[0]) != 3 {
		t.Fatalf("expected exactly one batch of 3, got %v", h.batches)
	}
}

// TestBatchModeTriggersOnTimer covers S4: events fewer than the size
// threshold are still delivered once the wait timer elapses.
func TestBatchModeTriggersOnTimer(t *testing.T) {
	config := Config{
		MaxConcurrentEvents:   10,
		BufferSize:            100,
		EnableBatchProcessing: true,
		MaxBatchSize:          50,
		BatchWaitMs:           30,
	}
	p := newTestProcessor(config)
	ctx := context.Background()

	h := &batchCapturingHandler{}
	p.RegisterHandler(h)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.SubmitEvent(ctx, Event{ID: "e", EventType: "transaction", EntityID: "P1"}); err != nil {
			t.Fatalf("SubmitEvent: %v", err)
		}
	}

	waitUntil(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.eventCount == 3
	})

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestTransactionHandlerInvalidatesPortfolioNamespace(t *testing.T) {
	backend := cache.NewMemoryBackend()
	c := cache.New(backend, time.Hour)
	ctx := context.Background()

	if err := c.SetString(ctx, "portfolio:P1:performance:abc", "cached", time.Hour); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	h := NewTransactionHandler(c, nil)
	if err := h.ProcessEvent(ctx, Event{ID: "e1", EventType: "transaction", EntityID: "P1"}); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	if _, ok, _ := c.GetString(ctx, "portfolio:P1:performance:abc"); ok {
		t.Fatal("expected the portfolio's cached entry to be invalidated")
	}
}

func TestPriceUpdateHandlerInvalidatesSecurityAndPortfolioNamespaces(t *testing.T) {
	backend := cache.NewMemoryBackend()
	c := cache.New(backend, time.Hour)
	ctx := context.Background()

	if err := c.SetString(ctx, "security:AAPL:price:latest", "150.0", time.Hour); err != nil {
		t.Fatalf("seed security cache: %v", err)
	}
	if err := c.SetString(ctx, "portfolio:P1:performance:abc", "cached", time.Hour); err != nil {
		t.Fatalf("seed portfolio cache: %v", err)
	}

	h := NewPriceUpdateHandler(c, nil)
	if err := h.ProcessEvent(ctx, Event{ID: "e1", EventType: "price_update", EntityID: "AAPL"}); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	if _, ok, _ := c.GetString(ctx, "security:AAPL:price:latest"); ok {
		t.Fatal("expected the security's cached entry to be invalidated")
	}
	if _, ok, _ := c.GetString(ctx, "portfolio:P1:performance:abc"); ok {
		t.Fatal("expected portfolio performance caches to be invalidated too")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
