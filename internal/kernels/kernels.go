// Package kernels implements the analytic kernels the Query API closures
// call: time-weighted and money-weighted return, risk metrics, benchmark
// comparison, attribution, and periodic-return rollups. The spec treats
// the exact formulas as out of scope ("defining the numerical formulas
// for return metrics" is an explicit non-goal); these are the minimal
// pure, synchronous implementations needed to exercise the rest of the
// pipeline meaningfully, not a reference-grade quant library.
package kernels

import (
	"math"
	"sort"
	"time"

	"github.com/sethdford/perfcalc/internal/dataaccess"
)

// TimeWeightedReturn is the result of a TWR calculation.
type TimeWeightedReturn struct {
	ReturnValue      float64
	Method           string
	StartDate        time.Time
	EndDate          time.Time
	AnnualizedReturn *float64
}

// MoneyWeightedReturn is the result of an IRR calculation.
type MoneyWeightedReturn struct {
	ReturnValue float64
	Iterations  int
	Converged   bool
}

// RiskMetrics summarizes the risk/return profile of a return series,
// optionally relative to a benchmark.
type RiskMetrics struct {
	Volatility           float64
	AnnualizedVolatility float64
	SharpeRatio          float64
	MaxDrawdown          float64
	TrackingError        *float64
	InformationRatio     *float64
	Beta                 *float64
	Alpha                *float64
}

// BenchmarkComparison summarizes a portfolio's performance relative to a
// benchmark over the same period.
type BenchmarkComparison struct {
	ActiveReturn     float64
	TrackingError    float64
	InformationRatio float64
	Beta             float64
	Alpha            float64
}

// PerformanceAttribution decomposes active return into allocation,
// selection, and interaction effects.
type PerformanceAttribution struct {
	AllocationEffect float64
	SelectionEffect  float64
	InteractionEffect float64
	TotalEffect      float64
}

// Period names a periodic-return bucket.
type Period string

const (
	PeriodMonthly   Period = "monthly"
	PeriodQuarterly Period = "quarterly"
	PeriodYearly    Period = "yearly"
)

// PeriodicReturn is one bucketed return observation within a Period.
type PeriodicReturn struct {
	StartDate   time.Time
	EndDate     time.Time
	ReturnValue float64
}

// CalculateModifiedDietz approximates TWR using cash-flow-weighted timing
// within the period: (ending - beginning - netCashFlow) / (beginning +
// sum(weight_i * cashFlow_i)), where weight_i is the fraction of the
// period remaining after the flow.
func CalculateModifiedDietz(beginningMV, endingMV float64, cashFlows []dataaccess.CashFlow, start, end time.Time) (TimeWeightedReturn, error) {
	totalDays := end.Sub(start).Hours() / 24
	if totalDays <= 0 {
		totalDays = 1
	}

	var netCashFlow, weightedCashFlow float64
	for _, cf := range cashFlows {
		netCashFlow += cf.Amount
		daysRemaining := end.Sub(cf.Date).Hours() / 24
		weight := daysRemaining / totalDays
		weightedCashFlow += weight * cf.Amount
	}

	denominator := beginningMV + weightedCashFlow
	var returnValue float64
	if denominator != 0 {
		returnValue = (endingMV - beginningMV - netCashFlow) / denominator
	}

	return TimeWeightedReturn{
		ReturnValue: returnValue,
		Method:      "modified_dietz",
		StartDate:   start,
		EndDate:     end,
	}, nil
}

// DateValue pairs a date with a market value, used by CalculateDailyTWR.
type DateValue struct {
	Date  time.Time
	Value float64
}

// CalculateDailyTWR geometrically links daily sub-period returns, each
// sub-period adjusted for same-day cash flows.
func CalculateDailyTWR(dailyValues []DateValue, cashFlows []dataaccess.CashFlow) (TimeWeightedReturn, error) {
	if len(dailyValues) == 0 {
		return TimeWeightedReturn{Method: "daily"}, nil
	}

	sorted := make([]DateValue, len(dailyValues))
	copy(sorted, dailyValues)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	flowByDate := make(map[string]float64)
	for _, cf := range cashFlows {
		flowByDate[cf.Date.Format("2006-01-02")] += cf.Amount
	}

	cumulative := 1.0
	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1].Value
		curr := sorted[i].Value
		flow := flowByDate[sorted[i].Date.Format("2006-01-02")]
		denom := prev
		if denom == 0 {
			continue
		}
		subPeriodReturn := (curr - prev - flow) / denom
		cumulative *= 1 + subPeriodReturn
	}

	return TimeWeightedReturn{
		ReturnValue: cumulative - 1,
		Method:      "daily",
		StartDate:   sorted[0].Date,
		EndDate:     sorted[len(sorted)-1].Date,
	}, nil
}

// CalculateIRR solves for the internal rate of return of cashFlows plus a
// terminal endingValue, via Newton's method.
func CalculateIRR(cashFlows []dataaccess.CashFlow, endingValue float64, maxIterations int, tolerance float64) (MoneyWeightedReturn, error) {
	if len(cashFlows) == 0 {
		return MoneyWeightedReturn{}, nil
	}

	sorted := make([]dataaccess.CashFlow, len(cashFlows))
	copy(sorted, cashFlows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	base := sorted[0].Date
	yearsFromBase := func(t time.Time) float64 {
		return t.Sub(base).Hours() / 24 / 365.25
	}
	terminalYears := yearsFromBase(sorted[len(sorted)-1].Date)

	npv := func(rate float64) float64 {
		total := 0.0
		for _, cf := range sorted {
			t := yearsFromBase(cf.Date)
			total += cf.Amount / math.Pow(1+rate, t)
		}
		total += endingValue / math.Pow(1+rate, terminalYears)
		return total
	}

	rate := 0.1
	const h = 1e-6
	converged := false
	iterations := 0
	for ; iterations < maxIterations; iterations++ {
		f := npv(rate)
		if math.Abs(f) < tolerance {
			converged = true
			break
		}
		derivative := (npv(rate+h) - f) / h
		if derivative == 0 {
			break
		}
		rate -= f / derivative
	}

	return MoneyWeightedReturn{ReturnValue: rate, Iterations: iterations, Converged: converged}, nil
}

// AnnualizeReturn converts a cumulative return over [start,end] to an
// annualized figure, assuming compounding.
func AnnualizeReturn(returnValue float64, start, end time.Time) (float64, error) {
	years := end.Sub(start).Hours() / 24 / 365.25
	if years <= 0 {
		return returnValue, nil
	}
	return math.Pow(1+returnValue, 1/years) - 1, nil
}

// CalculateRiskMetrics derives volatility, Sharpe ratio, max drawdown, and
// (when a benchmark is supplied) tracking error/information ratio/beta/alpha.
func CalculateRiskMetrics(series dataaccess.ReturnSeries, annualizedReturn float64, benchmark *dataaccess.ReturnSeries, annualizedBenchmarkReturn *float64, riskFreeRate *float64) RiskMetrics {
	volatility := stdDev(series.Values)
	annualizedVol := volatility * math.Sqrt(252)

	rf := 0.0
	if riskFreeRate != nil {
		rf = *riskFreeRate
	}
	sharpe := 0.0
	if annualizedVol != 0 {
		sharpe = (annualizedReturn - rf) / annualizedVol
	}

	metrics := RiskMetrics{
		Volatility:           volatility,
		AnnualizedVolatility: annualizedVol,
		SharpeRatio:          sharpe,
		MaxDrawdown:          maxDrawdownFromReturns(series.Values),
	}

	if benchmark != nil && len(benchmark.Values) == len(series.Values) && len(series.Values) > 1 {
		diffs := make([]float64, len(series.Values))
		for i := range series.Values {
			diffs[i] = series.Values[i] - benchmark.Values[i]
		}
		trackingError := stdDev(diffs) * math.Sqrt(252)

		activeReturn := annualizedReturn
		if annualizedBenchmarkReturn != nil {
			activeReturn = annualizedReturn - *annualizedBenchmarkReturn
		}
		informationRatio := 0.0
		if trackingError != 0 {
			informationRatio = activeReturn / trackingError
		}

		beta := covariance(series.Values, benchmark.Values) / variance(benchmark.Values)
		alpha := annualizedReturn - rf - beta*(derefOr(annualizedBenchmarkReturn, 0)-rf)

		metrics.TrackingError = &trackingError
		metrics.InformationRatio = &informationRatio
		metrics.Beta = &beta
		metrics.Alpha = &alpha
	}

	return metrics
}

// CalculateBenchmarkComparison summarizes a portfolio series against a
// benchmark series covering the same dates.
func CalculateBenchmarkComparison(portfolio, benchmark dataaccess.ReturnSeries, annualizedReturn, annualizedBenchmarkReturn float64, riskFreeRate *float64) (BenchmarkComparison, error) {
	n := len(portfolio.Values)
	if len(benchmark.Values) < n {
		n = len(benchmark.Values)
	}

	activeReturn := annualizedReturn - annualizedBenchmarkReturn

	var trackingError, beta, alpha float64
	if n > 1 {
		diffs := make([]float64, n)
		for i := 0; i < n; i++ {
			diffs[i] = portfolio.Values[i] - benchmark.Values[i]
		}
		trackingError = stdDev(diffs) * math.Sqrt(252)
		beta = covariance(portfolio.Values[:n], benchmark.Values[:n]) / variance(benchmark.Values[:n])
		rf := 0.0
		if riskFreeRate != nil {
			rf = *riskFreeRate
		}
		alpha = annualizedReturn - rf - beta*(annualizedBenchmarkReturn-rf)
	}

	informationRatio := 0.0
	if trackingError != 0 {
		informationRatio = activeReturn / trackingError
	}

	return BenchmarkComparison{
		ActiveReturn:     activeReturn,
		TrackingError:    trackingError,
		InformationRatio: informationRatio,
		Beta:             beta,
		Alpha:            alpha,
	}, nil
}

// CalculateAttribution decomposes active return into allocation,
// selection, and interaction effects using the Brinson single-period
// model, keyed by the grouping field (asset class, sector, ...).
func CalculateAttribution(portfolioReturn, benchmarkReturn map[string]float64, portfolioWeights, benchmarkWeights map[string]float64) (PerformanceAttribution, error) {
	var allocation, selection, interaction float64

	for group, pWeight := range portfolioWeights {
		bWeight := benchmarkWeights[group]
		pReturn := portfolioReturn[group]
		bReturn := benchmarkReturn[group]

		allocation += (pWeight - bWeight) * bReturn
		selection += bWeight * (pReturn - bReturn)
		interaction += (pWeight - bWeight) * (pReturn - bReturn)
	}

	return PerformanceAttribution{
		AllocationEffect:  allocation,
		SelectionEffect:   selection,
		InteractionEffect: interaction,
		TotalEffect:       allocation + selection + interaction,
	}, nil
}

// CalculateAllPeriodicReturns buckets a return series into monthly,
// quarterly, and yearly cumulative returns.
func CalculateAllPeriodicReturns(series dataaccess.ReturnSeries) (map[Period][]PeriodicReturn, error) {
	result := map[Period][]PeriodicReturn{
		PeriodMonthly:   bucketReturns(series, func(t time.Time) string { return t.Format("2006-01") }),
		PeriodQuarterly: bucketReturns(series, func(t time.Time) string {
			q := (int(t.Month())-1)/3 + 1
			return t.Format("2006") + "-Q" + string(rune('0'+q))
		}),
		PeriodYearly: bucketReturns(series, func(t time.Time) string { return t.Format("2006") }),
	}
	return result, nil
}

func bucketReturns(series dataaccess.ReturnSeries, keyOf func(time.Time) string) []PeriodicReturn {
	type bucket struct {
		start, end time.Time
		cumulative float64
	}
	order := make([]string, 0)
	buckets := make(map[string]*bucket)

	for i, date := range series.Dates {
		key := keyOf(date)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{start: date, end: date, cumulative: 1}
			buckets[key] = b
			order = append(order, key)
		}
		if date.Before(b.start) {
			b.start = date
		}
		if date.After(b.end) {
			b.end = date
		}
		b.cumulative *= 1 + series.Values[i]
	}

	result := make([]PeriodicReturn, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		result = append(result, PeriodicReturn{
			StartDate:   b.start,
			EndDate:     b.end,
			ReturnValue: b.cumulative - 1,
		})
	}
	return result
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return sumSq / float64(len(values)-1)
}

func stdDev(values []float64) float64 {
	return math.Sqrt(variance(values))
}

func covariance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	ma, mb := mean(a), mean(b)
	var sum float64
	for i := range a {
		sum += (a[i] - ma) * (b[i] - mb)
	}
	return sum / float64(len(a)-1)
}

func maxDrawdownFromReturns(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	cumulative := 1.0
	peak := 1.0
	maxDD := 0.0
	for _, r := range returns {
		cumulative *= 1 + r
		if cumulative > peak {
			peak = cumulative
		}
		drawdown := (peak - cumulative) / peak
		if drawdown > maxDD {
			maxDD = drawdown
		}
	}
	return maxDD
}

func derefOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
