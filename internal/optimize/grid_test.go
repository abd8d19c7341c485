package optimize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/agentfabric/internal/backtest"
	"github.com/sawpanic/agentfabric/internal/indicators"
)

func makeBars(n int, drift float64) []backtest.Bar {
	bars := make([]backtest.Bar, n)
	price := 100.0
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price += drift
		bars[i] = backtest.Bar{
			Time:   start.Add(time.Duration(i) * time.Hour),
			Open:   price,
			High:   price + 1,
			Low:    price - 1,
			Close:  price,
			Volume: 100,
		}
	}
	return bars
}

func alwaysLongSignal(bars []backtest.Bar, combo Combination) backtest.Signals {
	n := len(bars)
	longEntries := make([]bool, n)
	longExits := make([]bool, n)
	if n > 0 {
		longEntries[0] = true
		longExits[n-1] = true
	}
	return backtest.Signals{
		LongEntries:  longEntries,
		LongExits:    longExits,
		ShortEntries: make([]bool, n),
		ShortExits:   make([]bool, n),
	}
}

func TestRunSkipsOverboughtLessEqualOversold(t *testing.T) {
	bars := makeBars(30, 0.5)
	cfg := Config{
		Grid: ParamGrid{
			RSIOverbought: []float64{70, 20},
			RSIOversold:   []float64{30, 25},
		},
		SignalFn:       alwaysLongSignal,
		BacktestCfg:    backtest.Config{InitialCapital: 10000}.WithDefaults(),
		OptimizeMetric: backtest.MetricTotalReturn,
	}
	results := Run(bars, cfg)
	for _, r := range results {
		require.Greater(t, r.Combo.RSIOverbought, r.Combo.RSIOversold)
	}
}

func TestRunRanksTopKDescending(t *testing.T) {
	bars := makeBars(40, 0.3)
	cfg := Config{
		Grid: ParamGrid{
			StopLoss:   []float64{0.01, 0.02, 0.05},
			TakeProfit: []float64{0.02, 0.04},
		},
		SignalFn:       alwaysLongSignal,
		BacktestCfg:    backtest.Config{InitialCapital: 10000}.WithDefaults(),
		OptimizeMetric: backtest.MetricTotalReturn,
		TopK:           3,
	}
	results := Run(bars, cfg)
	require.LessOrEqual(t, len(results), 3)
	for i := 1; i < len(results); i++ {
		require.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestHTFIndicatorCacheMemoizes(t *testing.T) {
	bars := makeBars(20, 1)
	pb := make([]indicators.PriceBar, len(bars))
	for i, b := range bars {
		pb[i] = indicators.PriceBar{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close}
	}
	cache := NewHTFIndicatorCache(pb)
	first := cache.SMA(5)
	second := cache.SMA(5)
	require.Equal(t, first, second)
}
