package backtest

import "math"

// AggregateMetrics summarizes one Result for reporting and for the
// optimizer/walk-forward/Monte Carlo layers built on top of the
// engine, per §4.13's optimize_metric list.
type AggregateMetrics struct {
	TotalReturn  float64
	SharpeRatio  float64
	CalmarRatio  float64
	ProfitFactor float64
	MaxDrawdown  float64
	WinRate      float64
	TotalTrades  int
}

// barsPerYear assumes daily-equivalent bars; callers backtesting a
// different bar interval may rescale SharpeRatio themselves.
const barsPerYear = 252.0

// ComputeMetrics aggregates a Result's equity curve and trade list into
// the metric set the optimizer sorts on. Grounded in the teacher's
// MetricsCalculator struct-of-compute-methods idiom
// (internal/bench/common/metrics.go), generalized from score-pair
// correlation metrics to equity-curve/trade financial metrics.
func ComputeMetrics(result Result, initialCapital float64) AggregateMetrics {
	m := AggregateMetrics{TotalTrades: len(result.Trades)}
	if len(result.Equity) == 0 || initialCapital == 0 {
		return m
	}

	final := result.Equity[len(result.Equity)-1].Equity
	m.TotalReturn = (final - initialCapital) / initialCapital

	returns := make([]float64, 0, len(result.Equity)-1)
	for i := 1; i < len(result.Equity); i++ {
		prev := result.Equity[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, result.Equity[i].Equity/prev-1)
	}
	m.SharpeRatio = sharpe(returns)
	m.MaxDrawdown = maxDrawdown(result.Equity)
	if m.MaxDrawdown > 0 {
		m.CalmarRatio = m.TotalReturn / m.MaxDrawdown
	}

	var grossProfit, grossLoss float64
	var wins int
	for _, t := range result.Trades {
		if t.PnL >= 0 {
			grossProfit += t.PnL
			wins++
		} else {
			grossLoss += -t.PnL
		}
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossProfit / grossLoss
	}
	if len(result.Trades) > 0 {
		m.WinRate = float64(wins) / float64(len(result.Trades))
	}
	return m
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return (mean / std) * math.Sqrt(barsPerYear)
}

func maxDrawdown(equity []EquityPoint) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0].Equity
	maxDD := 0.0
	for _, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// Metric names the optimize_metric the optimizer/walk-forward layers
// select on.
type Metric string

const (
	MetricSharpe       Metric = "sharpe_ratio"
	MetricTotalReturn  Metric = "total_return"
	MetricCalmarRatio  Metric = "calmar_ratio"
	MetricProfitFactor Metric = "profit_factor"
)

// Score extracts the named metric, replacing NaN/Inf with -999 per
// §4.13 so a blown-up combination sorts to the bottom instead of
// corrupting the ranking.
func (m AggregateMetrics) Score(metric Metric) float64 {
	var v float64
	switch metric {
	case MetricTotalReturn:
		v = m.TotalReturn
	case MetricCalmarRatio:
		v = m.CalmarRatio
	case MetricProfitFactor:
		v = m.ProfitFactor
	default:
		v = m.SharpeRatio
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return -999
	}
	return v
}
