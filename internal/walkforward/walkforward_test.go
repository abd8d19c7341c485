package walkforward

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/agentfabric/internal/backtest"
	"github.com/sawpanic/agentfabric/internal/optimize"
)

// syntheticSeries reproduces §8 scenario 5's deterministic synthetic
// price series: a seeded RNG walk with slight upward drift.
func syntheticSeries(n int, seed int64) []backtest.Bar {
	rng := rand.New(rand.NewSource(seed))
	bars := make([]backtest.Bar, n)
	price := 100.0
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price += 0.01 + rng.NormFloat64()*0.5
		if price < 1 {
			price = 1
		}
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

func momentumSignal(bars []backtest.Bar, combo optimize.Combination) backtest.Signals {
	n := len(bars)
	sig := backtest.Signals{
		LongEntries:  make([]bool, n),
		ShortEntries: make([]bool, n),
		LongExits:    make([]bool, n),
		ShortExits:   make([]bool, n),
	}
	for i := combo.RSIPeriod + 1; i < n; i++ {
		if bars[i].Close > bars[i-1].Close {
			sig.LongEntries[i] = true
		}
		if i-combo.RSIPeriod >= 5 && bars[i].Close < bars[i-5].Close {
			sig.LongExits[i] = true
		}
	}
	return sig
}

func TestRunProducesFiniteAggregateMetrics(t *testing.T) {
	bars := syntheticSeries(5000, 42)

	cfg := Config{
		NWindows:   3,
		TrainPct:   0.7,
		OverlapPct: 0.5,
		Grid: optimize.ParamGrid{
			RSIPeriod:       []int{14},
			RSIOversold:     []float64{30},
			RSIOverbought:   []float64{70},
			StopLoss:        []float64{0.02},
			TakeProfit:      []float64{0.03},
			HTFFilterType:   []string{"sma"},
			HTFFilterPeriod: []int{50},
		},
		SignalFn:       momentumSignal,
		BacktestCfg:    backtest.Config{InitialCapital: 10000}.WithDefaults(),
		OptimizeMetric: backtest.MetricSharpe,
	}

	summary := Run(bars, cfg)

	require.Equal(t, 3, summary.CompletedWindows)
	require.GreaterOrEqual(t, summary.ProfitablePct, 0.0)
	require.LessOrEqual(t, summary.ProfitablePct, 100.0)
	require.False(t, math.IsNaN(summary.MeanOOSReturn))
	require.False(t, math.IsInf(summary.MeanOOSReturn, 0))
	require.False(t, math.IsNaN(summary.StdOOSReturn))
}

func TestBuildWindowsStepNeverBelowTestSize(t *testing.T) {
	cfg := Config{NWindows: 4, TrainPct: 0.6, OverlapPct: 0.9}
	windows := BuildWindows(1000, cfg)
	require.NotEmpty(t, windows)
	for i, w := range windows {
		testSize := w.TestEnd - w.TestStart
		require.Greater(t, testSize, 0)
		require.Less(t, w.TrainStart, w.TrainEnd)
		require.Equal(t, w.TrainEnd, w.TestStart)
		if i > 0 {
			require.GreaterOrEqual(t, w.TrainStart-windows[i-1].TrainStart, testSize)
		}
	}
}
