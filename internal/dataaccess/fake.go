package dataaccess

import (
	"context"
	"sync"
	"time"

	"github.com/sethdford/perfcalc/pkg/perferrors"
)

// Fake is an in-memory Port implementation for tests: it serves
// pre-seeded PortfolioData/holdings/returns per portfolio/benchmark id
// and records every call so tests can assert on call counts and on
// clone/apply/delete ordering (scenario S2).
type Fake struct {
	mu sync.Mutex

	Portfolios          map[string]PortfolioData
	PortfolioReturns    map[string]map[string]float64
	BenchmarkReturns    map[string]ReturnSeries
	PortfolioHoldings   map[string]PortfolioHoldingsWithReturns
	BenchmarkHoldings   map[string]BenchmarkHoldingsWithReturns
	ClonedPortfolios    map[string]string // target -> source
	AppliedTransactions map[string][]HypotheticalTransaction
	DeletedPortfolios   []string

	GetPortfolioDataCalls int
	FailApplyTransaction  bool
	FailGetPortfolioDataFor map[string]bool

	CallLog []string
}

// NewFake returns an empty Fake ready to be seeded by the caller.
func NewFake() *Fake {
	return &Fake{
		Portfolios:           make(map[string]PortfolioData),
		PortfolioReturns:     make(map[string]map[string]float64),
		BenchmarkReturns:     make(map[string]ReturnSeries),
		PortfolioHoldings:    make(map[string]PortfolioHoldingsWithReturns),
		BenchmarkHoldings:    make(map[string]BenchmarkHoldingsWithReturns),
		ClonedPortfolios:        make(map[string]string),
		AppliedTransactions:     make(map[string][]HypotheticalTransaction),
		FailGetPortfolioDataFor: make(map[string]bool),
	}
}

func (f *Fake) log(op string) {
	f.CallLog = append(f.CallLog, op)
}

func (f *Fake) GetPortfolioData(_ context.Context, portfolioID string, _, _ time.Time) (PortfolioData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetPortfolioDataCalls++
	f.log("get_portfolio_data:" + portfolioID)

	if f.FailGetPortfolioDataFor[portfolioID] {
		return PortfolioData{}, perferrors.Internal("simulated data access failure", nil)
	}

	data, ok := f.Portfolios[portfolioID]
	if !ok {
		return PortfolioData{}, perferrors.NotFound("portfolio", portfolioID)
	}
	return data, nil
}

func (f *Fake) GetPortfolioReturns(_ context.Context, portfolioID string, _, _ time.Time, _ string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("get_portfolio_returns:" + portfolioID)
	return f.PortfolioReturns[portfolioID], nil
}

func (f *Fake) GetBenchmarkReturns(_ context.Context, benchmarkID string, _, _ time.Time) (ReturnSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("get_benchmark_returns:" + benchmarkID)
	return f.BenchmarkReturns[benchmarkID], nil
}

func (f *Fake) GetBenchmarkReturnsByFrequency(_ context.Context, benchmarkID string, _, _ time.Time, _ string) (ReturnSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("get_benchmark_returns_by_frequency:" + benchmarkID)
	return f.BenchmarkReturns[benchmarkID], nil
}

func (f *Fake) GetPortfolioHoldingsWithReturns(_ context.Context, portfolioID string, _, _ time.Time) (PortfolioHoldingsWithReturns, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("get_portfolio_holdings_with_returns:" + portfolioID)
	return f.PortfolioHoldings[portfolioID], nil
}

func (f *Fake) GetBenchmarkHoldingsWithReturns(_ context.Context, benchmarkID string, _, _ time.Time) (BenchmarkHoldingsWithReturns, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("get_benchmark_holdings_with_returns:" + benchmarkID)
	return f.BenchmarkHoldings[benchmarkID], nil
}

func (f *Fake) ClonePortfolioData(_ context.Context, sourcePortfolioID, targetPortfolioID string, _, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("clone_portfolio_data:" + sourcePortfolioID + "->" + targetPortfolioID)

	source, ok := f.Portfolios[sourcePortfolioID]
	if !ok {
		return perferrors.NotFound("portfolio", sourcePortfolioID)
	}
	f.ClonedPortfolios[targetPortfolioID] = sourcePortfolioID
	f.Portfolios[targetPortfolioID] = source
	return nil
}

func (f *Fake) ApplyHypotheticalTransaction(_ context.Context, portfolioID string, transaction HypotheticalTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("apply_hypothetical_transaction:" + portfolioID)

	if f.FailApplyTransaction {
		return perferrors.Internal("applying hypothetical transaction failed", nil)
	}
	f.AppliedTransactions[portfolioID] = append(f.AppliedTransactions[portfolioID], transaction)
	return nil
}

func (f *Fake) DeletePortfolioData(_ context.Context, portfolioID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("delete_portfolio_data:" + portfolioID)

	f.DeletedPortfolios = append(f.DeletedPortfolios, portfolioID)
	delete(f.Portfolios, portfolioID)
	return nil
}
