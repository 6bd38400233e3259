// Command perfcalcd wires the performance calculation engine's
// components together and runs its two long-lived workers — the
// Streaming Processor and the Scheduler — until a termination signal
// arrives. It has no HTTP server: callers embed the Query API,
// Streaming Processor, and Scheduler directly, the same way their Rust
// counterparts are consumed as a library rather than fronted by a
// service of their own.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethdford/perfcalc/internal/audit"
	"github.com/sethdford/perfcalc/internal/cache"
	"github.com/sethdford/perfcalc/internal/dataaccess"
	"github.com/sethdford/perfcalc/internal/integration"
	"github.com/sethdford/perfcalc/internal/metrics"
	"github.com/sethdford/perfcalc/internal/queryapi"
	"github.com/sethdford/perfcalc/internal/scheduler"
	"github.com/sethdford/perfcalc/internal/streaming"
	"github.com/sethdford/perfcalc/pkg/config"
	"github.com/sethdford/perfcalc/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	auditManager, err := newAuditManager(cfg.Audit)
	if err != nil {
		log.WithField("backend", cfg.Audit.Backend).Fatalf("open audit storage: %v", err)
	}

	m := metrics.New()

	c := newCache(cfg.Cache, log).WithMetrics(m)

	// The Data Access Port (C3) is implemented by the host application;
	// this demo wiring uses dataaccess.Fake seeded with a sample
	// portfolio so the engine has something to compute against out of
	// the box. A real deployment replaces this with a Port backed by its
	// own portfolio store.
	dataPort := demoDataPort()

	api := queryapi.New(auditManager, c, dataPort, log).WithMetrics(m)

	streamingConfig := streaming.Config{
		MaxConcurrentEvents:   cfg.Streaming.MaxConcurrentEvents,
		BufferSize:            cfg.Streaming.BufferSize,
		EnableBatchProcessing: cfg.Streaming.EnableBatchProcessing,
		MaxBatchSize:          cfg.Streaming.MaxBatchSize,
		BatchWaitMs:           int(cfg.Streaming.BatchWait / time.Millisecond),
	}
	processor := streaming.New(streamingConfig, auditManager, c, log).WithMetrics(m)
	processor.RegisterHandler(streaming.NewTransactionHandler(c, log))
	processor.RegisterHandler(streaming.NewPriceUpdateHandler(c, log))

	integrationConfig := integration.Config{
		NotificationsEnabled: cfg.Integration.NotificationsEnabled,
		DataImportEnabled:    cfg.Integration.DataImportEnabled,
		IdempotencyCacheTTL:  cfg.Integration.IdempotencyCacheTTL,
		RateLimitPerSecond:   cfg.Integration.RateLimitPerSecond,
		RateLimitBurst:       cfg.Integration.RateLimitBurst,
		SupportedFormats:     []string{"CSV", "JSON", "Excel"},
		MaxFileSizeBytes:     10 * 1024 * 1024,
	}
	engine := integration.New(integrationConfig, c, auditManager, nil, log).WithMetrics(m)

	sched := scheduler.New(api, auditManager, engine, log).WithMetrics(m)
	sched.SetTickInterval(cfg.Scheduler.TickInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := processor.Start(ctx); err != nil {
		log.Fatalf("start streaming processor: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	log.Info("perfcalcd running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := processor.Stop(shutdownCtx); err != nil {
		log.Warnf("stop streaming processor: %v", err)
	}
	if err := sched.Stop(); err != nil {
		log.Warnf("stop scheduler: %v", err)
	}
}

func newAuditManager(cfg config.AuditConfig) (*audit.Manager, error) {
	if cfg.Backend == "postgres" {
		storage, err := audit.NewPostgresStorage(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return audit.NewManager(storage), nil
	}
	return audit.NewManager(audit.NewMemoryStorage()), nil
}

func newCache(cfg config.CacheConfig, log *logger.Logger) *cache.Cache {
	switch cfg.Backend {
	case config.CacheBackendRedis:
		backend := cache.NewRedisBackend(cache.RedisBackendConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
			Logger:   log,
		})
		return cache.New(backend, cfg.DefaultTTL)
	case config.CacheBackendNoop:
		log.Warn("cache backend is noop: every query recomputes")
		return cache.New(cache.NewNoopBackend(), cfg.DefaultTTL)
	default:
		return cache.New(cache.NewMemoryBackend(), cfg.DefaultTTL)
	}
}

// demoDataPort seeds a single sample portfolio so the engine is
// immediately queryable. Production wiring supplies its own
// dataaccess.Port instead.
func demoDataPort() *dataaccess.Fake {
	fake := dataaccess.NewFake()
	fake.Portfolios["DEMO"] = dataaccess.PortfolioData{
		BeginningMarketValue: 1_000_000,
		EndingMarketValue:    1_080_000,
		DailyMarketValues: map[string]float64{
			"2023-01-01": 1_000_000,
			"2023-01-31": 1_080_000,
		},
		DailyReturns: map[string]float64{
			"2023-01-01": 0.0,
			"2023-01-31": 0.012,
		},
		Currency: "USD",
	}
	return fake
}
