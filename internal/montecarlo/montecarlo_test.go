package montecarlo

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/agentfabric/internal/backtest"
)

func makeTrades(n int, seed int64) ([]backtest.TradeRecord, float64) {
	rng := rand.New(rand.NewSource(seed))
	trades := make([]backtest.TradeRecord, n)
	var sum float64
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		pnl := rng.NormFloat64() * 50
		sum += pnl
		trades[i] = backtest.TradeRecord{
			EntryTime: now.Add(time.Duration(i) * time.Hour),
			ExitTime:  now.Add(time.Duration(i+1) * time.Hour),
			PnL:       pnl,
			Size:      1,
		}
	}
	return trades, sum
}

func TestPermutationPreservesDistributionMean(t *testing.T) {
	trades, sum := makeTrades(100, 7)
	initialCapital := 10000.0

	result := Run(trades, Config{
		Method:         MethodPermutation,
		NSimulations:   1000,
		InitialCapital: initialCapital,
		Rand:           rand.New(rand.NewSource(123)),
	})

	expectedMean := sum / initialCapital
	require.InDelta(t, expectedMean, result.MeanReturn, 1e-9)
	require.LessOrEqual(t, result.VaR95, result.MedianReturn)
}

func TestBootstrapAndBlockBootstrapProduceFiniteStats(t *testing.T) {
	trades, _ := makeTrades(60, 3)
	for _, method := range []Method{MethodBootstrap, MethodBlockBootstrap} {
		result := Run(trades, Config{
			Method:         method,
			NSimulations:   200,
			BlockSize:      5,
			InitialCapital: 10000,
			Rand:           rand.New(rand.NewSource(9)),
		})
		require.False(t, math.IsNaN(result.MeanReturn))
		require.False(t, math.IsNaN(result.StdReturn))
		require.GreaterOrEqual(t, result.ProbPositive, 0.0)
		require.LessOrEqual(t, result.ProbPositive, 1.0)
	}
}

func TestProbabilityOfReturnAndDrawdownPercentile(t *testing.T) {
	trades, _ := makeTrades(50, 11)
	result := Run(trades, Config{
		Method:         MethodBootstrap,
		NSimulations:   300,
		InitialCapital: 10000,
		Rand:           rand.New(rand.NewSource(5)),
	})

	require.GreaterOrEqual(t, result.ProbabilityOfReturn(-1000), 0.0)
	require.LessOrEqual(t, result.DrawdownPercentile(95), 1.0)
	require.GreaterOrEqual(t, result.DrawdownPercentile(5), 0.0)
}
