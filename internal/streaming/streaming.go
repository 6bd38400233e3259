// Package streaming implements the Streaming Processor (C5): it accepts
// events (transaction, price update, valuation), fans them out to
// registered handlers either one at a time under a concurrency cap or in
// micro-batches triggered by size or a wait timer, and records
// best-effort audit entries for submission and processing.
package streaming

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sethdford/perfcalc/internal/audit"
	"github.com/sethdford/perfcalc/internal/cache"
	"github.com/sethdford/perfcalc/internal/metrics"
	"github.com/sethdford/perfcalc/pkg/logger"
)

// Event is a single unit of streaming input: a transaction booking, a
// price tick, a valuation refresh, or any other entity-scoped occurrence
// handlers care about.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Source    string                 `json:"source"`
	EntityID  string                 `json:"entity_id"`
	Payload   map[string]interface{} `json:"payload"`
}

// Config controls the processor's lifecycle and dispatch mode.
type Config struct {
	MaxConcurrentEvents   int
	BufferSize            int
	EnableBatchProcessing bool
	MaxBatchSize          int
	BatchWaitMs           int
}

// DefaultConfig returns the processor's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentEvents:   100,
		BufferSize:            1000,
		EnableBatchProcessing: true,
		MaxBatchSize:          50,
		BatchWaitMs:           100,
	}
}

// Handler processes events one at a time. Handlers are expected to
// filter by EventType and ignore events they don't understand.
type Handler interface {
	ProcessEvent(ctx context.Context, event Event) error
}

// BatchHandler is an optional extension a Handler can implement to
// receive a whole batch at once instead of one ProcessEvent call per
// event. Handlers that don't implement it are driven through
// processBatchSequentially instead.
type BatchHandler interface {
	Handler
	ProcessBatch(ctx context.Context, events []Event) error
}

// processBatchSequentially is the default batch strategy for handlers
// that only implement Handler: it iterates ProcessEvent one event at a
// time, matching the behavior a BatchHandler would give for free.
func processBatchSequentially(ctx context.Context, h Handler, events []Event) error {
	for _, e := range events {
		if err := h.ProcessEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func dispatchBatch(ctx context.Context, h Handler, events []Event) error {
	if bh, ok := h.(BatchHandler); ok {
		return bh.ProcessBatch(ctx, events)
	}
	return processBatchSequentially(ctx, h, events)
}

// Processor is the Streaming Processor component. Start it once,
// register handlers, submit events, and Stop it when done. A Processor
// is safe to reuse across start/stop cycles but not safe to Start
// concurrently with itself.
type Processor struct {
	config       Config
	auditManager *audit.Manager
	cache        *cache.Cache
	log          *logger.Logger
	metrics      *metrics.Metrics

	handlersMu sync.Mutex
	handlers   []Handler

	running  atomic.Bool
	mu       sync.Mutex // guards eventCh/stopCh/doneCh lifecycle transitions
	eventCh  chan Event
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Processor. auditManager and c may be nil; a nil
// auditManager skips audit recording entirely and a nil cache skips
// cache invalidation (both best-effort by design, per the streaming
// path's relaxed audit semantics).
func New(config Config, auditManager *audit.Manager, c *cache.Cache, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.NewDefault("streaming")
	}
	return &Processor{
		config:       config,
		auditManager: auditManager,
		cache:        c,
		log:          log,
	}
}

// WithMetrics attaches m so event submission, processing, and batch size
// are recorded under the Streaming Processor's Prometheus collectors.
// Returns p for chaining at construction time.
func (p *Processor) WithMetrics(m *metrics.Metrics) *Processor {
	p.metrics = m
	return p
}

func handlerTag(h Handler) string {
	return fmt.Sprintf("%T", h)
}

// RegisterHandler adds a handler to the processor. Handlers run in
// registration order within a single dispatch.
func (p *Processor) RegisterHandler(h Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers = append(p.handlers, h)
}

func (p *Processor) recordAudit(ctx context.Context, calculationType, eventID, entityID, detail string) {
	if p.auditManager == nil {
		return
	}
	event, err := p.auditManager.StartCalculation(ctx, calculationType, eventID, "system", map[string]interface{}{
		"entity_id": entityID,
		"detail":    detail,
	}, nil)
	if err != nil {
		p.log.WithField("error", err).Warn("streaming: failed to record audit start event")
		return
	}
	if _, err := p.auditManager.CompleteCalculation(ctx, event.EventID, nil); err != nil {
		p.log.WithField("error", err).Warn("streaming: failed to record audit completion")
	}
}

// Start transitions the processor from stopped to running: it opens a
// bounded event channel and spawns exactly one processing loop, batched
// or individual per config. Calling Start while already running is a
// no-op.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return nil
	}

	p.eventCh = make(chan Event, p.config.BufferSize)
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.running.Store(true)

	eventCh := p.eventCh
	stopCh := p.stopCh
	doneCh := p.doneCh

	go func() {
		defer close(doneCh)
		if p.config.EnableBatchProcessing {
			p.batchProcessingLoop(ctx, eventCh, stopCh)
		} else {
			p.individualProcessingLoop(ctx, eventCh, stopCh)
		}
	}()

	p.recordAudit(ctx, "streaming_lifecycle", uuid.New().String(), "streaming_processor", "started")
	return nil
}

// Stop asserts the shutdown signal and waits for the processing loop to
// observe it and exit. In-flight handler invocations spawned by that
// loop are not canceled; they run to completion. Calling Stop while
// already stopped is a no-op.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return nil
	}
	stopCh := p.stopCh
	doneCh := p.doneCh
	close(stopCh)
	p.mu.Unlock()

	<-doneCh

	p.mu.Lock()
	p.eventCh = nil
	p.running.Store(false)
	p.mu.Unlock()

	p.recordAudit(ctx, "streaming_lifecycle", uuid.New().String(), "streaming_processor", "stopped")
	return nil
}

// SubmitEvent enqueues an event for processing. It is rejected if the
// processor isn't running. A submission that blocks on a full channel
// inherits the channel's backpressure rather than deadlocking: the
// caller's context can still cancel the wait, and a Stop during the wait
// makes it return an error.
func (p *Processor) SubmitEvent(ctx context.Context, event Event) error {
	p.mu.Lock()
	ch := p.eventCh
	stop := p.stopCh
	running := p.running.Load()
	p.mu.Unlock()

	if !running || ch == nil {
		if p.metrics != nil {
			p.metrics.RecordEventDropped("not_started")
		}
		return fmt.Errorf("streaming processor not started")
	}

	select {
	case ch <- event:
	case <-stop:
		return fmt.Errorf("streaming processor stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.metrics != nil {
		p.metrics.RecordEventSubmitted(event.EventType)
	}
	p.recordAudit(ctx, "streaming_submit", event.ID, event.EntityID, fmt.Sprintf("event_type=%s", event.EventType))
	return nil
}

// SubmitEvents submits a slice of events in order, stopping at the
// first failure.
func (p *Processor) SubmitEvents(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := p.SubmitEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) snapshotHandlers() []Handler {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	out := make([]Handler, len(p.handlers))
	copy(out, p.handlers)
	return out
}

// individualProcessingLoop dequeues events one at a time and spawns a
// goroutine per event, bounded by a counting semaphore of capacity
// MaxConcurrentEvents. Each spawned goroutine runs every registered
// handler, in registration order, against that one event.
func (p *Processor) individualProcessingLoop(ctx context.Context, eventCh <-chan Event, stopCh <-chan struct{}) {
	maxConcurrent := p.config.MaxConcurrentEvents
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for {
		select {
		case <-stopCh:
			wg.Wait()
			return
		case event, ok := <-eventCh:
			if !ok {
				wg.Wait()
				return
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(event Event) {
				defer wg.Done()
				defer func() { <-sem }()
				p.processOneEvent(ctx, event)
			}(event)
		}
	}
}

func (p *Processor) processOneEvent(ctx context.Context, event Event) {
	for _, h := range p.snapshotHandlers() {
		if err := h.ProcessEvent(ctx, event); err != nil {
			p.log.WithField("event_id", event.ID).WithField("error", err).Error("streaming: handler failed to process event")
			p.recordAudit(ctx, "streaming_process", event.ID, event.EntityID, fmt.Sprintf("error: %v", err))
			if p.metrics != nil {
				p.metrics.RecordEventProcessed(handlerTag(h), "error")
			}
			continue
		}
		p.recordAudit(ctx, "streaming_process", event.ID, event.EntityID, fmt.Sprintf("event_type=%s", event.EventType))
		if p.metrics != nil {
			p.metrics.RecordEventProcessed(handlerTag(h), "success")
		}
	}
}

// batchProcessingLoop collects events into a batch of at most
// MaxBatchSize, dispatching whenever the batch fills or a
// BatchWaitMs timer fires with a non-empty batch, whichever comes
// first.
func (p *Processor) batchProcessingLoop(ctx context.Context, eventCh <-chan Event, stopCh <-chan struct{}) {
	maxBatch := p.config.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 1
	}
	waitMs := p.config.BatchWaitMs
	if waitMs <= 0 {
		waitMs = 100
	}

	batch := make([]Event, 0, maxBatch)
	ticker := time.NewTicker(time.Duration(waitMs) * time.Millisecond)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		toProcess := batch
		batch = make([]Event, 0, maxBatch)
		wg.Add(1)
		go func(events []Event) {
			defer wg.Done()
			p.processBatchOfEvents(ctx, events)
		}(toProcess)
	}

	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			batch = append(batch, event)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (p *Processor) processBatchOfEvents(ctx context.Context, events []Event) {
	if p.metrics != nil {
		p.metrics.RecordBatch(len(events))
	}
	for _, h := range p.snapshotHandlers() {
		if err := dispatchBatch(ctx, h, events); err != nil {
			p.log.WithField("error", err).Error("streaming: handler failed to process batch")
			for _, event := range events {
				p.recordAudit(ctx, "streaming_process", event.ID, event.EntityID, fmt.Sprintf("error: %v", err))
			}
			if p.metrics != nil {
				p.metrics.RecordEventProcessed(handlerTag(h), "error")
			}
			continue
		}
		for _, event := range events {
			p.recordAudit(ctx, "streaming_process", event.ID, event.EntityID, fmt.Sprintf("event_type=%s", event.EventType))
		}
		if p.metrics != nil {
			p.metrics.RecordEventProcessed(handlerTag(h), "success")
		}
	}
}
