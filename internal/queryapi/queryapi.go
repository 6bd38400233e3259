// Package queryapi implements the Query API (C4): it composes the Cache
// (C1), Audit Trail (C2), and Data Access Port (C3) to answer performance,
// risk, attribution, and what-if queries idempotently, behind a
// read-through cache keyed by a deterministic fingerprint of the query
// parameters.
package queryapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sethdford/perfcalc/internal/audit"
	"github.com/sethdford/perfcalc/internal/cache"
	"github.com/sethdford/perfcalc/internal/dataaccess"
	"github.com/sethdford/perfcalc/internal/kernels"
	"github.com/sethdford/perfcalc/internal/metrics"
	"github.com/sethdford/perfcalc/pkg/logger"
)

const resultTTL = 3600 * time.Second

// PerformanceQueryParams are the inputs to CalculatePerformance.
type PerformanceQueryParams struct {
	PortfolioID            string                 `json:"portfolio_id"`
	StartDate               time.Time              `json:"start_date"`
	EndDate                 time.Time              `json:"end_date"`
	TWRMethod               string                 `json:"twr_method,omitempty"`
	IncludeRiskMetrics      bool                   `json:"include_risk_metrics,omitempty"`
	IncludePeriodicReturns  bool                   `json:"include_periodic_returns,omitempty"`
	BenchmarkID             string                 `json:"benchmark_id,omitempty"`
	Currency                string                 `json:"currency,omitempty"`
	Annualize               bool                   `json:"annualize,omitempty"`
	CustomParams            map[string]interface{} `json:"custom_params,omitempty"`
}

// RiskQueryParams are the inputs to CalculateRisk.
type RiskQueryParams struct {
	PortfolioID      string                 `json:"portfolio_id"`
	StartDate        time.Time              `json:"start_date"`
	EndDate          time.Time              `json:"end_date"`
	ReturnFrequency  string                 `json:"return_frequency"`
	ConfidenceLevel  *float64               `json:"confidence_level,omitempty"`
	BenchmarkID      string                 `json:"benchmark_id,omitempty"`
	RiskFreeRate     *float64               `json:"risk_free_rate,omitempty"`
	CustomParams     map[string]interface{} `json:"custom_params,omitempty"`
}

// AttributionQueryParams are the inputs to CalculateAttribution.
type AttributionQueryParams struct {
	PortfolioID              string                 `json:"portfolio_id"`
	StartDate                time.Time              `json:"start_date"`
	EndDate                  time.Time              `json:"end_date"`
	BenchmarkID              string                 `json:"benchmark_id"`
	AssetClassField          string                 `json:"asset_class_field"`
	IncludeSector            bool                   `json:"include_sector,omitempty"`
	IncludeSecuritySelection bool                   `json:"include_security_selection,omitempty"`
	CustomParams             map[string]interface{} `json:"custom_params,omitempty"`
}

// WhatIfQueryParams are the inputs to PerformWhatIfAnalysis.
type WhatIfQueryParams struct {
	PortfolioID             string                                  `json:"portfolio_id"`
	StartDate               time.Time                               `json:"start_date"`
	EndDate                 time.Time                               `json:"end_date"`
	HypotheticalTransactions []dataaccess.HypotheticalTransaction   `json:"hypothetical_transactions"`
	IncludeRiskMetrics      bool                                    `json:"include_risk_metrics,omitempty"`
	BenchmarkID             string                                  `json:"benchmark_id,omitempty"`
	CustomParams            map[string]interface{}                  `json:"custom_params,omitempty"`
}

// PerformanceResult is the output of CalculatePerformance.
type PerformanceResult struct {
	QueryID              string                                       `json:"query_id"`
	PortfolioID          string                                       `json:"portfolio_id"`
	StartDate            time.Time                                    `json:"start_date"`
	EndDate              time.Time                                    `json:"end_date"`
	TimeWeightedReturn   *kernels.TimeWeightedReturn                  `json:"time_weighted_return,omitempty"`
	MoneyWeightedReturn  *kernels.MoneyWeightedReturn                 `json:"money_weighted_return,omitempty"`
	RiskMetrics          *kernels.RiskMetrics                        `json:"risk_metrics,omitempty"`
	PeriodicReturns      map[kernels.Period][]kernels.PeriodicReturn `json:"periodic_returns,omitempty"`
	BenchmarkComparison  *kernels.BenchmarkComparison                 `json:"benchmark_comparison,omitempty"`
	Currency             string                                       `json:"currency"`
	CalculationTime      time.Time                                    `json:"calculation_time"`
}

// RiskResult is the output of CalculateRisk.
type RiskResult struct {
	QueryID         string              `json:"query_id"`
	PortfolioID     string              `json:"portfolio_id"`
	StartDate       time.Time           `json:"start_date"`
	EndDate         time.Time           `json:"end_date"`
	RiskMetrics     kernels.RiskMetrics `json:"risk_metrics"`
	ReturnFrequency string              `json:"return_frequency"`
	ConfidenceLevel *float64            `json:"confidence_level,omitempty"`
	BenchmarkID     string              `json:"benchmark_id,omitempty"`
	CalculationTime time.Time           `json:"calculation_time"`
}

// AttributionResult is the output of CalculateAttribution.
type AttributionResult struct {
	QueryID               string                                        `json:"query_id"`
	PortfolioID           string                                        `json:"portfolio_id"`
	StartDate             time.Time                                     `json:"start_date"`
	EndDate               time.Time                                     `json:"end_date"`
	BenchmarkID           string                                        `json:"benchmark_id"`
	OverallAttribution    kernels.PerformanceAttribution                `json:"overall_attribution"`
	AssetClassAttribution map[string]kernels.PerformanceAttribution     `json:"asset_class_attribution"`
	CalculationTime       time.Time                                     `json:"calculation_time"`
}

// WhatIfResult is the output of PerformWhatIfAnalysis.
type WhatIfResult struct {
	QueryID                string             `json:"query_id"`
	PortfolioID            string             `json:"portfolio_id"`
	StartDate              time.Time          `json:"start_date"`
	EndDate                time.Time          `json:"end_date"`
	OriginalPerformance    PerformanceResult  `json:"original_performance"`
	HypotheticalPerformance PerformanceResult `json:"hypothetical_performance"`
	PerformanceDifference  float64            `json:"performance_difference"`
	CalculationTime        time.Time          `json:"calculation_time"`
}

// API is the Query API (C4).
type API struct {
	auditManager *audit.Manager
	cache        *cache.Cache
	dataService  dataaccess.Port
	log          *logger.Logger
	metrics      *metrics.Metrics
}

// New wires an API from its three collaborators.
func New(auditManager *audit.Manager, c *cache.Cache, dataService dataaccess.Port, log *logger.Logger) *API {
	if log == nil {
		log = logger.NewDefault("query_api")
	}
	return &API{auditManager: auditManager, cache: c, dataService: dataService, log: log}
}

// WithMetrics attaches m so every query records its outcome and latency
// under the Query API's Prometheus collectors. Returns a for chaining.
func (a *API) WithMetrics(m *metrics.Metrics) *API {
	a.metrics = m
	return a
}

func (a *API) recordQuery(kind, outcome string, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.RecordQuery(kind, outcome, time.Since(start))
}

// fingerprint builds a cache key namespaced under the portfolio it
// belongs to: "portfolio:<id>:<kind>:<parts...>". Namespacing by
// portfolio first (rather than by query kind) is what lets the
// streaming processor's transaction handler invalidate every cached
// result for a portfolio with a single prefix match.
func fingerprint(portfolioID, kind string, parts ...string) string {
	key := "portfolio:" + portfolioID + ":" + kind
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func serializedSuffix(params interface{}) string {
	b, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(b)
}

func dateStr(t time.Time) string { return t.Format("2006-01-02") }

// failCalculation moves the audit event to Failure before an error
// propagates to the caller, per SPEC_FULL.md §7's query-path propagation
// policy. The audit write itself is best-effort here: a failure to record
// the failure must never shadow the original error the caller is about
// to see.
func (a *API) failCalculation(ctx context.Context, eventID string, cause error) {
	if _, err := a.auditManager.FailCalculation(ctx, eventID, cause.Error()); err != nil {
		a.log.WithField("event_id", eventID).WithField("error", err).
			Warn("failed to record calculation failure in audit trail")
	}
}

// CalculatePerformance answers a performance query: time-weighted return
// (via the requested method), money-weighted return when cash flows
// exist, and optionally risk metrics / periodic returns / benchmark
// comparison.
func (a *API) CalculatePerformance(ctx context.Context, params PerformanceQueryParams) (PerformanceResult, error) {
	start := time.Now()
	queryID := uuid.NewString()
	requestID := "query:" + queryID

	inputParams := map[string]interface{}{
		"portfolio_id": params.PortfolioID,
		"start_date":   dateStr(params.StartDate),
		"end_date":     dateStr(params.EndDate),
	}
	if params.TWRMethod != "" {
		inputParams["twr_method"] = params.TWRMethod
	}
	if params.BenchmarkID != "" {
		inputParams["benchmark_id"] = params.BenchmarkID
	}

	event, err := a.auditManager.StartCalculation(ctx, "interactive_performance_query", requestID, "query_api",
		inputParams, []string{"portfolio:" + params.PortfolioID})
	if err != nil {
		a.recordQuery("performance", "error", start)
		return PerformanceResult{}, err
	}

	cacheKey := fingerprint(params.PortfolioID, "performance", dateStr(params.StartDate), dateStr(params.EndDate), serializedSuffix(params))

	result, err := cache.ComputeIfMissing(ctx, a.cache, cacheKey, resultTTL, func(ctx context.Context) (PerformanceResult, error) {
		return a.computePerformance(ctx, queryID, params)
	})
	if err != nil {
		a.failCalculation(ctx, event.EventID, err)
		a.recordQuery("performance", "error", start)
		return PerformanceResult{}, err
	}

	if _, err := a.auditManager.CompleteCalculation(ctx, event.EventID, []string{"performance_result:" + queryID}); err != nil {
		a.recordQuery("performance", "error", start)
		return PerformanceResult{}, err
	}
	a.recordQuery("performance", "success", start)
	return result, nil
}

func (a *API) computePerformance(ctx context.Context, queryID string, params PerformanceQueryParams) (PerformanceResult, error) {
	portfolioData, err := a.dataService.GetPortfolioData(ctx, params.PortfolioID, params.StartDate, params.EndDate)
	if err != nil {
		return PerformanceResult{}, err
	}

	twrMethod := params.TWRMethod
	if twrMethod == "" {
		twrMethod = "daily"
	}

	var twr *kernels.TimeWeightedReturn
	switch twrMethod {
	case "modified_dietz":
		v, err := kernels.CalculateModifiedDietz(portfolioData.BeginningMarketValue, portfolioData.EndingMarketValue, portfolioData.CashFlows, params.StartDate, params.EndDate)
		if err != nil {
			return PerformanceResult{}, err
		}
		twr = &v
	case "daily":
		dailyValues := make([]kernels.DateValue, 0, len(portfolioData.DailyMarketValues))
		for dateKey, value := range portfolioData.DailyMarketValues {
			t, parseErr := time.Parse("2006-01-02", dateKey)
			if parseErr != nil {
				continue
			}
			dailyValues = append(dailyValues, kernels.DateValue{Date: t, Value: value})
		}
		v, err := kernels.CalculateDailyTWR(dailyValues, portfolioData.CashFlows)
		if err != nil {
			return PerformanceResult{}, err
		}
		twr = &v
	}

	var mwr *kernels.MoneyWeightedReturn
	if len(portfolioData.CashFlows) > 0 {
		v, err := kernels.CalculateIRR(portfolioData.CashFlows, portfolioData.EndingMarketValue, 100, 1e-10)
		if err != nil {
			return PerformanceResult{}, err
		}
		mwr = &v
	}

	returnSeries := dailyReturnsToSeries(portfolioData.DailyReturns)

	var riskMetrics *kernels.RiskMetrics
	var benchmarkComparison *kernels.BenchmarkComparison
	var benchmarkSeries dataaccess.ReturnSeries
	var haveBenchmark bool
	if params.BenchmarkID != "" {
		bs, err := a.dataService.GetBenchmarkReturns(ctx, params.BenchmarkID, params.StartDate, params.EndDate)
		if err != nil {
			return PerformanceResult{}, err
		}
		benchmarkSeries = bs
		haveBenchmark = true
	}

	if params.IncludeRiskMetrics {
		annualizedReturn, _ := kernels.AnnualizeReturn(lastOrZero(returnSeries.Values), firstDate(returnSeries.Dates), lastDate(returnSeries.Dates))

		var benchmarkPtr *dataaccess.ReturnSeries
		var annualizedBenchmarkReturn *float64
		if haveBenchmark {
			benchmarkPtr = &benchmarkSeries
			abr, _ := kernels.AnnualizeReturn(lastOrZero(benchmarkSeries.Values), firstDate(benchmarkSeries.Dates), lastDate(benchmarkSeries.Dates))
			annualizedBenchmarkReturn = &abr
		}

		rm := kernels.CalculateRiskMetrics(returnSeries, annualizedReturn, benchmarkPtr, annualizedBenchmarkReturn, nil)
		riskMetrics = &rm
	}

	var periodicReturns map[kernels.Period][]kernels.PeriodicReturn
	if params.IncludePeriodicReturns {
		pr, err := kernels.CalculateAllPeriodicReturns(returnSeries)
		if err != nil {
			return PerformanceResult{}, err
		}
		periodicReturns = pr
	}

	if haveBenchmark {
		annualizedReturn, _ := kernels.AnnualizeReturn(lastOrZero(returnSeries.Values), firstDate(returnSeries.Dates), lastDate(returnSeries.Dates))
		annualizedBenchmarkReturn, _ := kernels.AnnualizeReturn(lastOrZero(benchmarkSeries.Values), firstDate(benchmarkSeries.Dates), lastDate(benchmarkSeries.Dates))
		bc, err := kernels.CalculateBenchmarkComparison(returnSeries, benchmarkSeries, annualizedReturn, annualizedBenchmarkReturn, nil)
		if err != nil {
			return PerformanceResult{}, err
		}
		benchmarkComparison = &bc
	}

	currency := params.Currency
	if currency == "" {
		currency = portfolioData.Currency
	}

	return PerformanceResult{
		QueryID:             queryID,
		PortfolioID:         params.PortfolioID,
		StartDate:           params.StartDate,
		EndDate:             params.EndDate,
		TimeWeightedReturn:  twr,
		MoneyWeightedReturn: mwr,
		RiskMetrics:         riskMetrics,
		PeriodicReturns:     periodicReturns,
		BenchmarkComparison: benchmarkComparison,
		Currency:            currency,
		CalculationTime:     time.Now().UTC(),
	}, nil
}

// CalculateRisk answers a risk query over the portfolio's return series at
// the requested frequency, optionally compared against a benchmark.
func (a *API) CalculateRisk(ctx context.Context, params RiskQueryParams) (RiskResult, error) {
	start := time.Now()
	queryID := uuid.NewString()
	requestID := "query:" + queryID

	inputParams := map[string]interface{}{
		"portfolio_id":     params.PortfolioID,
		"start_date":       dateStr(params.StartDate),
		"end_date":         dateStr(params.EndDate),
		"return_frequency": params.ReturnFrequency,
	}
	if params.ConfidenceLevel != nil {
		inputParams["confidence_level"] = *params.ConfidenceLevel
	}
	if params.BenchmarkID != "" {
		inputParams["benchmark_id"] = params.BenchmarkID
	}

	event, err := a.auditManager.StartCalculation(ctx, "interactive_risk_query", requestID, "query_api",
		inputParams, []string{"portfolio:" + params.PortfolioID})
	if err != nil {
		a.recordQuery("risk", "error", start)
		return RiskResult{}, err
	}

	cacheKey := fingerprint(params.PortfolioID, "risk", dateStr(params.StartDate), dateStr(params.EndDate), serializedSuffix(params))

	result, err := cache.ComputeIfMissing(ctx, a.cache, cacheKey, resultTTL, func(ctx context.Context) (RiskResult, error) {
		return a.computeRisk(ctx, queryID, params)
	})
	if err != nil {
		a.failCalculation(ctx, event.EventID, err)
		a.recordQuery("risk", "error", start)
		return RiskResult{}, err
	}

	if _, err := a.auditManager.CompleteCalculation(ctx, event.EventID, []string{"risk_result:" + queryID}); err != nil {
		a.recordQuery("risk", "error", start)
		return RiskResult{}, err
	}
	a.recordQuery("risk", "success", start)
	return result, nil
}

func (a *API) computeRisk(ctx context.Context, queryID string, params RiskQueryParams) (RiskResult, error) {
	returns, err := a.dataService.GetPortfolioReturns(ctx, params.PortfolioID, params.StartDate, params.EndDate, params.ReturnFrequency)
	if err != nil {
		return RiskResult{}, err
	}
	returnSeries := dailyReturnsToSeries(returns)

	var benchmarkPtr *dataaccess.ReturnSeries
	var annualizedBenchmarkReturn *float64
	if params.BenchmarkID != "" {
		bs, err := a.dataService.GetBenchmarkReturnsByFrequency(ctx, params.BenchmarkID, params.StartDate, params.EndDate, params.ReturnFrequency)
		if err != nil {
			return RiskResult{}, err
		}
		benchmarkPtr = &bs
		abr, _ := kernels.AnnualizeReturn(lastOrZero(bs.Values), firstDate(bs.Dates), lastDate(bs.Dates))
		annualizedBenchmarkReturn = &abr
	}

	annualizedReturn, _ := kernels.AnnualizeReturn(lastOrZero(returnSeries.Values), firstDate(returnSeries.Dates), lastDate(returnSeries.Dates))
	riskMetrics := kernels.CalculateRiskMetrics(returnSeries, annualizedReturn, benchmarkPtr, annualizedBenchmarkReturn, params.RiskFreeRate)

	return RiskResult{
		QueryID:         queryID,
		PortfolioID:     params.PortfolioID,
		StartDate:       params.StartDate,
		EndDate:         params.EndDate,
		RiskMetrics:     riskMetrics,
		ReturnFrequency: params.ReturnFrequency,
		ConfidenceLevel: params.ConfidenceLevel,
		BenchmarkID:     params.BenchmarkID,
		CalculationTime: time.Now().UTC(),
	}, nil
}

// CalculateAttribution answers an attribution query: overall attribution
// plus attribution broken out per group of the requested asset-class field.
func (a *API) CalculateAttribution(ctx context.Context, params AttributionQueryParams) (AttributionResult, error) {
	start := time.Now()
	queryID := uuid.NewString()
	requestID := "query:" + queryID

	inputParams := map[string]interface{}{
		"portfolio_id":     params.PortfolioID,
		"start_date":       dateStr(params.StartDate),
		"end_date":         dateStr(params.EndDate),
		"benchmark_id":     params.BenchmarkID,
		"asset_class_field": params.AssetClassField,
	}

	event, err := a.auditManager.StartCalculation(ctx, "interactive_attribution_query", requestID, "query_api",
		inputParams, []string{"portfolio:" + params.PortfolioID, "benchmark:" + params.BenchmarkID})
	if err != nil {
		a.recordQuery("attribution", "error", start)
		return AttributionResult{}, err
	}

	cacheKey := fingerprint(params.PortfolioID, "attribution", params.BenchmarkID, dateStr(params.StartDate), dateStr(params.EndDate), serializedSuffix(params))

	result, err := cache.ComputeIfMissing(ctx, a.cache, cacheKey, resultTTL, func(ctx context.Context) (AttributionResult, error) {
		return a.computeAttribution(ctx, queryID, params)
	})
	if err != nil {
		a.failCalculation(ctx, event.EventID, err)
		a.recordQuery("attribution", "error", start)
		return AttributionResult{}, err
	}

	if _, err := a.auditManager.CompleteCalculation(ctx, event.EventID, []string{"attribution_result:" + queryID}); err != nil {
		a.recordQuery("attribution", "error", start)
		return AttributionResult{}, err
	}
	a.recordQuery("attribution", "success", start)
	return result, nil
}

func (a *API) computeAttribution(ctx context.Context, queryID string, params AttributionQueryParams) (AttributionResult, error) {
	portfolioData, err := a.dataService.GetPortfolioHoldingsWithReturns(ctx, params.PortfolioID, params.StartDate, params.EndDate)
	if err != nil {
		return AttributionResult{}, err
	}
	benchmarkData, err := a.dataService.GetBenchmarkHoldingsWithReturns(ctx, params.BenchmarkID, params.StartDate, params.EndDate)
	if err != nil {
		return AttributionResult{}, err
	}

	portfolioReturnByGroup := map[string]float64{"total": portfolioData.TotalReturn}
	benchmarkReturnByGroup := map[string]float64{"total": benchmarkData.TotalReturn}

	overall, err := kernels.CalculateAttribution(
		portfolioReturnByGroup, benchmarkReturnByGroup,
		weightsBySecurity(portfolioData.Holdings), weightsBySecurity(benchmarkData.Holdings),
	)
	if err != nil {
		return AttributionResult{}, err
	}

	portfolioByGroup := groupHoldingsByField(portfolioData.Holdings, params.AssetClassField)
	benchmarkByGroup := groupHoldingsByField(benchmarkData.Holdings, params.AssetClassField)

	assetClassAttribution := make(map[string]kernels.PerformanceAttribution)
	for group, pHoldings := range portfolioByGroup {
		bHoldings := benchmarkByGroup[group]
		attribution, err := kernels.CalculateAttribution(
			portfolioReturnByGroup, benchmarkReturnByGroup,
			weightsBySecurity(pHoldings), weightsBySecurity(bHoldings),
		)
		if err != nil {
			return AttributionResult{}, err
		}
		assetClassAttribution[group] = attribution
	}

	return AttributionResult{
		QueryID:               queryID,
		PortfolioID:           params.PortfolioID,
		StartDate:             params.StartDate,
		EndDate:               params.EndDate,
		BenchmarkID:           params.BenchmarkID,
		OverallAttribution:    overall,
		AssetClassAttribution: assetClassAttribution,
		CalculationTime:       time.Now().UTC(),
	}, nil
}

// PerformWhatIfAnalysis computes baseline and hypothetical performance for
// a portfolio with a set of simulated transactions applied, and the
// difference between them. The temporary cloned portfolio is always
// deleted, even if the hypothetical calculation fails.
func (a *API) PerformWhatIfAnalysis(ctx context.Context, params WhatIfQueryParams) (WhatIfResult, error) {
	start := time.Now()
	queryID := uuid.NewString()
	requestID := "query:" + queryID

	event, err := a.auditManager.StartCalculation(ctx, "interactive_what_if_query", requestID, "query_api",
		map[string]interface{}{
			"portfolio_id":              params.PortfolioID,
			"start_date":                dateStr(params.StartDate),
			"end_date":                  dateStr(params.EndDate),
			"hypothetical_transactions": len(params.HypotheticalTransactions),
		},
		[]string{"portfolio:" + params.PortfolioID})
	if err != nil {
		a.recordQuery("what_if", "error", start)
		return WhatIfResult{}, err
	}

	original, err := a.CalculatePerformance(ctx, PerformanceQueryParams{
		PortfolioID:            params.PortfolioID,
		StartDate:              params.StartDate,
		EndDate:                params.EndDate,
		TWRMethod:              "daily",
		IncludeRiskMetrics:     params.IncludeRiskMetrics,
		IncludePeriodicReturns: false,
		BenchmarkID:            params.BenchmarkID,
		Annualize:              false,
	})
	if err != nil {
		a.failCalculation(ctx, event.EventID, err)
		a.recordQuery("what_if", "error", start)
		return WhatIfResult{}, err
	}

	hypotheticalPortfolioID := "what_if_" + queryID

	if err := a.dataService.ClonePortfolioData(ctx, params.PortfolioID, hypotheticalPortfolioID, params.StartDate, params.EndDate); err != nil {
		a.failCalculation(ctx, event.EventID, err)
		a.recordQuery("what_if", "error", start)
		return WhatIfResult{}, err
	}
	// The clone must be discarded even if anything below fails — this
	// defer is the only thing standing between a failed what-if and a
	// leaked temporary portfolio.
	defer func() {
		if delErr := a.dataService.DeletePortfolioData(ctx, hypotheticalPortfolioID); delErr != nil {
			a.log.WithField("portfolio_id", hypotheticalPortfolioID).WithField("error", delErr).
				Warn("failed to delete temporary what-if portfolio")
		}
	}()

	for _, tx := range params.HypotheticalTransactions {
		if err := a.dataService.ApplyHypotheticalTransaction(ctx, hypotheticalPortfolioID, tx); err != nil {
			a.failCalculation(ctx, event.EventID, err)
			a.recordQuery("what_if", "error", start)
			return WhatIfResult{}, err
		}
	}

	hypothetical, err := a.CalculatePerformance(ctx, PerformanceQueryParams{
		PortfolioID:            hypotheticalPortfolioID,
		StartDate:              params.StartDate,
		EndDate:                params.EndDate,
		TWRMethod:              "daily",
		IncludeRiskMetrics:     params.IncludeRiskMetrics,
		IncludePeriodicReturns: false,
		BenchmarkID:            params.BenchmarkID,
		Annualize:              false,
	})
	if err != nil {
		a.failCalculation(ctx, event.EventID, err)
		a.recordQuery("what_if", "error", start)
		return WhatIfResult{}, err
	}

	originalTWR := 0.0
	if original.TimeWeightedReturn != nil {
		originalTWR = original.TimeWeightedReturn.ReturnValue
	}
	hypotheticalTWR := 0.0
	if hypothetical.TimeWeightedReturn != nil {
		hypotheticalTWR = hypothetical.TimeWeightedReturn.ReturnValue
	}

	result := WhatIfResult{
		QueryID:                 queryID,
		PortfolioID:             params.PortfolioID,
		StartDate:               params.StartDate,
		EndDate:                 params.EndDate,
		OriginalPerformance:     original,
		HypotheticalPerformance: hypothetical,
		PerformanceDifference:   hypotheticalTWR - originalTWR,
		CalculationTime:         time.Now().UTC(),
	}

	if _, err := a.auditManager.CompleteCalculation(ctx, event.EventID, []string{"what_if_result:" + queryID}); err != nil {
		a.recordQuery("what_if", "error", start)
		return WhatIfResult{}, err
	}
	a.recordQuery("what_if", "success", start)
	return result, nil
}

func groupHoldingsByField(holdings []dataaccess.HoldingWithReturn, field string) map[string][]dataaccess.HoldingWithReturn {
	grouped := make(map[string][]dataaccess.HoldingWithReturn)
	for _, h := range holdings {
		value := "Unknown"
		if v, ok := h.Attributes[field]; ok {
			if s, ok := v.(string); ok {
				value = s
			}
		}
		grouped[value] = append(grouped[value], h)
	}
	return grouped
}

func weightsBySecurity(holdings []dataaccess.HoldingWithReturn) map[string]float64 {
	weights := make(map[string]float64, len(holdings))
	for _, h := range holdings {
		weights[h.SecurityID] = h.Weight
	}
	return weights
}

func dailyReturnsToSeries(returns map[string]float64) dataaccess.ReturnSeries {
	dates := make([]time.Time, 0, len(returns))
	for dateKey := range returns {
		t, err := time.Parse("2006-01-02", dateKey)
		if err != nil {
			continue
		}
		dates = append(dates, t)
	}
	sortTimes(dates)

	values := make([]float64, len(dates))
	for i, t := range dates {
		values[i] = returns[t.Format("2006-01-02")]
	}
	return dataaccess.ReturnSeries{Dates: dates, Values: values}
}

func sortTimes(times []time.Time) {
	for i := 1; i < len(times); i++ {
		for j := i; j > 0 && times[j].Before(times[j-1]); j-- {
			times[j], times[j-1] = times[j-1], times[j]
		}
	}
}

func firstDate(dates []time.Time) time.Time {
	if len(dates) == 0 {
		return time.Time{}
	}
	return dates[0]
}

func lastDate(dates []time.Time) time.Time {
	if len(dates) == 0 {
		return time.Time{}
	}
	return dates[len(dates)-1]
}

func lastOrZero(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
