package queryapi

import (
	"context"
	"testing"
	"time"

	"github.com/sethdford/perfcalc/internal/audit"
	"github.com/sethdford/perfcalc/internal/cache"
	"github.com/sethdford/perfcalc/internal/dataaccess"
)

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestAPI(fake *dataaccess.Fake) *API {
	api, _ := newTestAPIWithAudit(fake)
	return api
}

func newTestAPIWithAudit(fake *dataaccess.Fake) (*API, *audit.MemoryStorage) {
	storage := audit.NewMemoryStorage()
	auditManager := audit.NewManager(storage)
	c := cache.New(cache.NewMemoryBackend(), time.Hour)
	return New(auditManager, c, fake, nil), storage
}

func seedPortfolio(fake *dataaccess.Fake, id string) {
	fake.Portfolios[id] = dataaccess.PortfolioData{
		BeginningMarketValue: 100000,
		EndingMarketValue:    108000,
		CashFlows: []dataaccess.CashFlow{
			{Date: mustDate("2023-01-15"), Amount: 1000},
		},
		DailyMarketValues: map[string]float64{
			"2023-01-01": 100000,
			"2023-01-15": 101500,
			"2023-01-31": 108000,
		},
		DailyReturns: map[string]float64{
			"2023-01-01": 0.0,
			"2023-01-15": 0.01,
			"2023-01-31": 0.02,
		},
		Currency: "USD",
	}
}

func TestCalculatePerformanceCacheHit(t *testing.T) {
	fake := dataaccess.NewFake()
	seedPortfolio(fake, "P1")
	api := newTestAPI(fake)

	params := PerformanceQueryParams{
		PortfolioID: "P1",
		StartDate:   mustDate("2023-01-01"),
		EndDate:     mustDate("2023-01-31"),
		TWRMethod:   "daily",
	}

	first, err := api.CalculatePerformance(context.Background(), params)
	if err != nil {
		t.Fatalf("first CalculatePerformance: %v", err)
	}
	second, err := api.CalculatePerformance(context.Background(), params)
	if err != nil {
		t.Fatalf("second CalculatePerformance: %v", err)
	}

	if first.TimeWeightedReturn == nil || second.TimeWeightedReturn == nil {
		t.Fatal("expected both results to have a time-weighted return")
	}
	if first.TimeWeightedReturn.ReturnValue != second.TimeWeightedReturn.ReturnValue {
		t.Errorf("results diverged across cache hit: %v vs %v", first.TimeWeightedReturn.ReturnValue, second.TimeWeightedReturn.ReturnValue)
	}
	if fake.GetPortfolioDataCalls != 1 {
		t.Errorf("GetPortfolioDataCalls = %d, want 1 (second call should be a cache hit)", fake.GetPortfolioDataCalls)
	}
}

func TestCalculatePerformanceUnknownPortfolioReturnsError(t *testing.T) {
	fake := dataaccess.NewFake()
	api := newTestAPI(fake)

	_, err := api.CalculatePerformance(context.Background(), PerformanceQueryParams{
		PortfolioID: "missing",
		StartDate:   mustDate("2023-01-01"),
		EndDate:     mustDate("2023-01-31"),
	})
	if err == nil {
		t.Fatal("expected an error for an unknown portfolio")
	}
}

func TestCalculatePerformanceFailureMovesAuditEventToFailure(t *testing.T) {
	fake := dataaccess.NewFake()
	api, storage := newTestAPIWithAudit(fake)

	_, err := api.CalculatePerformance(context.Background(), PerformanceQueryParams{
		PortfolioID: "missing",
		StartDate:   mustDate("2023-01-01"),
		EndDate:     mustDate("2023-01-31"),
	})
	if err == nil {
		t.Fatal("expected an error for an unknown portfolio")
	}

	events, lookupErr := storage.GetEventsByCalculationType(context.Background(), "interactive_performance_query")
	if lookupErr != nil {
		t.Fatalf("GetEventsByType: %v", lookupErr)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Status != audit.StatusFailure {
		t.Errorf("Status = %v, want %v", events[0].Status, audit.StatusFailure)
	}
	if events[0].ErrorMessage == "" {
		t.Error("expected ErrorMessage to be populated on a failed calculation")
	}
}

func TestCalculateRisk(t *testing.T) {
	fake := dataaccess.NewFake()
	fake.PortfolioReturns["P1"] = map[string]float64{
		"2023-01-01": 0.01,
		"2023-01-02": -0.005,
		"2023-01-03": 0.02,
	}
	api := newTestAPI(fake)

	result, err := api.CalculateRisk(context.Background(), RiskQueryParams{
		PortfolioID:     "P1",
		StartDate:       mustDate("2023-01-01"),
		EndDate:         mustDate("2023-01-03"),
		ReturnFrequency: "daily",
	})
	if err != nil {
		t.Fatalf("CalculateRisk: %v", err)
	}
	if result.PortfolioID != "P1" {
		t.Errorf("PortfolioID = %v, want P1", result.PortfolioID)
	}
}

func TestPerformWhatIfAnalysisCleansUpTemporaryPortfolioOnFailure(t *testing.T) {
	fake := dataaccess.NewFake()
	seedPortfolio(fake, "P1")
	api, storage := newTestAPIWithAudit(fake)

	// Force the hypothetical portfolio's performance calculation to fail
	// once it is cloned, by flagging its (not-yet-known) id is awkward
	// here, so instead force ApplyHypotheticalTransaction to fail, which
	// happens after the clone and before the hypothetical calculation.
	fake.FailApplyTransaction = true

	params := WhatIfQueryParams{
		PortfolioID: "P1",
		StartDate:   mustDate("2023-01-01"),
		EndDate:     mustDate("2023-01-31"),
		HypotheticalTransactions: []dataaccess.HypotheticalTransaction{
			{Date: mustDate("2023-01-10"), SecurityID: "SEC1", TransactionType: "buy", Amount: 500},
		},
	}

	_, err := api.PerformWhatIfAnalysis(context.Background(), params)
	if err == nil {
		t.Fatal("expected the injected failure to propagate")
	}

	events, lookupErr := storage.GetEventsByCalculationType(context.Background(), "interactive_what_if_query")
	if lookupErr != nil {
		t.Fatalf("GetEventsByCalculationType: %v", lookupErr)
	}
	if len(events) != 1 || events[0].Status != audit.StatusFailure {
		t.Fatalf("expected exactly one failed what-if audit event, got %+v", events)
	}

	if len(fake.DeletedPortfolios) != 1 {
		t.Fatalf("DeletedPortfolios = %v, want exactly one cleanup", fake.DeletedPortfolios)
	}
	if len(fake.ClonedPortfolios) != 1 {
		t.Fatalf("ClonedPortfolios = %v, want exactly one clone", fake.ClonedPortfolios)
	}
}

func TestPerformWhatIfAnalysisSuccess(t *testing.T) {
	fake := dataaccess.NewFake()
	seedPortfolio(fake, "P1")
	api := newTestAPI(fake)

	params := WhatIfQueryParams{
		PortfolioID: "P1",
		StartDate:   mustDate("2023-01-01"),
		EndDate:     mustDate("2023-01-31"),
		HypotheticalTransactions: []dataaccess.HypotheticalTransaction{
			{Date: mustDate("2023-01-10"), SecurityID: "SEC1", TransactionType: "buy", Amount: 500},
		},
	}

	result, err := api.PerformWhatIfAnalysis(context.Background(), params)
	if err != nil {
		t.Fatalf("PerformWhatIfAnalysis: %v", err)
	}
	if result.PortfolioID != "P1" {
		t.Errorf("PortfolioID = %v, want P1", result.PortfolioID)
	}
	if len(fake.DeletedPortfolios) != 1 {
		t.Fatalf("DeletedPortfolios = %v, want exactly one cleanup", fake.DeletedPortfolios)
	}
}
