// Package dataaccess defines the Data Access Port (C3): the read-only
// facade over portfolios, return series, holdings, and benchmarks that the
// Query API depends on, plus the mutation operations what-if analysis
// needs to clone and discard a temporary portfolio. The port itself is an
// external collaborator — concrete implementations (database-backed,
// in-memory, etc.) live outside this module.
package dataaccess

import (
	"context"
	"time"
)

// CashFlow is a single external cash movement into or out of a portfolio
// during the calculation period.
type CashFlow struct {
	Date   time.Time
	Amount float64
}

// ReturnSeries is a set of dated return observations, parallel-indexed:
// Values[i] is the return observed on Dates[i].
type ReturnSeries struct {
	Dates  []time.Time
	Values []float64
}

// HoldingWithReturn is a single security's weight and return contribution
// within a portfolio or benchmark over the calculation period.
type HoldingWithReturn struct {
	SecurityID   string
	Weight       float64
	ReturnValue  float64
	Contribution float64
	Attributes   map[string]interface{}
}

// PortfolioData carries everything the performance kernels need for a
// single portfolio over a date range.
type PortfolioData struct {
	BeginningMarketValue float64
	EndingMarketValue    float64
	CashFlows            []CashFlow
	// DailyMarketValues and DailyReturns are keyed by date formatted as
	// "2006-01-02", since the calling code only ever iterates them sorted.
	DailyMarketValues map[string]float64
	DailyReturns      map[string]float64
	Currency          string
}

// PortfolioHoldingsWithReturns is a portfolio's aggregate return plus its
// per-holding breakdown, used by attribution analysis.
type PortfolioHoldingsWithReturns struct {
	TotalReturn float64
	Holdings    []HoldingWithReturn
}

// BenchmarkHoldingsWithReturns mirrors PortfolioHoldingsWithReturns for a
// benchmark index.
type BenchmarkHoldingsWithReturns struct {
	TotalReturn float64
	Holdings    []HoldingWithReturn
}

// HypotheticalTransaction is a single simulated trade applied to a cloned
// portfolio for what-if analysis.
type HypotheticalTransaction struct {
	Date            time.Time
	SecurityID      string
	TransactionType string
	Amount          float64
	Quantity        *float64
	Currency        string
}

// Port is the Data Access Port: the boundary the Query API calls through
// to read portfolio/benchmark data and to clone/mutate/discard a
// temporary portfolio for what-if analysis. It is implemented by the host
// application against its own storage; this module only consumes it.
type Port interface {
	GetPortfolioData(ctx context.Context, portfolioID string, start, end time.Time) (PortfolioData, error)
	GetPortfolioReturns(ctx context.Context, portfolioID string, start, end time.Time, frequency string) (map[string]float64, error)
	GetBenchmarkReturns(ctx context.Context, benchmarkID string, start, end time.Time) (ReturnSeries, error)
	GetBenchmarkReturnsByFrequency(ctx context.Context, benchmarkID string, start, end time.Time, frequency string) (ReturnSeries, error)
	GetPortfolioHoldingsWithReturns(ctx context.Context, portfolioID string, start, end time.Time) (PortfolioHoldingsWithReturns, error)
	GetBenchmarkHoldingsWithReturns(ctx context.Context, benchmarkID string, start, end time.Time) (BenchmarkHoldingsWithReturns, error)
	ClonePortfolioData(ctx context.Context, sourcePortfolioID, targetPortfolioID string, start, end time.Time) error
	ApplyHypotheticalTransaction(ctx context.Context, portfolioID string, transaction HypotheticalTransaction) error
	DeletePortfolioData(ctx context.Context, portfolioID string) error
}
