package streaming

import (
	"context"
	"fmt"

	"github.com/sethdford/perfcalc/internal/cache"
	"github.com/sethdford/perfcalc/pkg/logger"
)

// TransactionHandler invalidates the portfolio's cached results whenever
// a transaction is booked against it.
type TransactionHandler struct {
	cache *cache.Cache
	log   *logger.Logger
}

// NewTransactionHandler builds a TransactionHandler. log may be nil.
func NewTransactionHandler(c *cache.Cache, log *logger.Logger) *TransactionHandler {
	if log == nil {
		log = logger.NewDefault("streaming.transaction_handler")
	}
	return &TransactionHandler{cache: c, log: log}
}

func (h *TransactionHandler) ProcessEvent(ctx context.Context, event Event) error {
	if event.EventType != "transaction" {
		return nil
	}
	portfolioID := event.EntityID
	if h.cache != nil {
		if err := h.cache.InvalidatePattern(ctx, fmt.Sprintf("portfolio:%s:", portfolioID)); err != nil {
			h.log.WithField("portfolio_id", portfolioID).WithField("error", err).Warn("transaction handler: cache invalidation failed")
		}
	}
	return nil
}

// PriceUpdateHandler invalidates cached prices for the affected security
// as well as any portfolio performance results, since those depend on
// security prices.
type PriceUpdateHandler struct {
	cache *cache.Cache
	log   *logger.Logger
}

// NewPriceUpdateHandler builds a PriceUpdateHandler. log may be nil.
func NewPriceUpdateHandler(c *cache.Cache, log *logger.Logger) *PriceUpdateHandler {
	if log == nil {
		log = logger.NewDefault("streaming.price_update_handler")
	}
	return &PriceUpdateHandler{cache: c, log: log}
}

func (h *PriceUpdateHandler) ProcessEvent(ctx context.Context, event Event) error {
	if event.EventType != "price_update" {
		return nil
	}
	securityID := event.EntityID
	if h.cache == nil {
		return nil
	}
	if err := h.cache.InvalidatePattern(ctx, fmt.Sprintf("security:%s:price:", securityID)); err != nil {
		h.log.WithField("security_id", securityID).WithField("error", err).Warn("price update handler: security cache invalidation failed")
	}
	if err := h.cache.InvalidatePattern(ctx, "portfolio:"); err != nil {
		h.log.WithField("security_id", securityID).WithField("error", err).Warn("price update handler: portfolio cache invalidation failed")
	}
	return nil
}
