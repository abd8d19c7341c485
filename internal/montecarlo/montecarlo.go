// Package montecarlo implements the backtest engine's Monte Carlo
// trade-sequence resampler (§4.15, §2 C19): permutation, bootstrap,
// and block-bootstrap resampling of a trade list, each simulation
// scored for return/Sharpe/drawdown and aggregated into a
// distribution summary.
//
// Grounded in internal/bench/common/metrics.go's Sharpe/drawdown
// helper functions, reused here per-simulation over a resampled
// equity path instead of once over the original backtest equity
// curve.
package montecarlo

import (
	"math"
	"math/rand"
	"sort"

	"github.com/sawpanic/agentfabric/internal/backtest"
)

// Method selects the resampling strategy (§4.15).
type Method string

const (
	MethodPermutation   Method = "permutation"
	MethodBootstrap     Method = "bootstrap"
	MethodBlockBootstrap Method = "block_bootstrap"
)

// Config drives Run.
type Config struct {
	Method         Method
	NSimulations   int
	BlockSize      int // only used by MethodBlockBootstrap
	InitialCapital float64
	Benchmark      float64 // for P(return > benchmark)
	Rand           *rand.Rand // nil uses a process-default source
}

// simResult is one simulated strategy's summary stats.
type simResult struct {
	Return      float64
	Sharpe      float64
	MaxDrawdown float64
}

// Result is the aggregated distribution over all simulations.
type Result struct {
	Simulations []simResult

	MeanReturn   float64
	MedianReturn float64
	StdReturn    float64
	CI95Low      float64
	CI95High     float64
	VaR95        float64
	CVaR95       float64
	WorstReturn  float64
	BestReturn   float64
	ProbPositive float64
	ProbAboveBenchmark float64

	sortedReturns []float64
}

// Run resamples trades' PnL values cfg.NSimulations times under
// cfg.Method, computes per-simulation total return / annualized
// Sharpe / max drawdown from the simulated equity path, and
// aggregates the distribution per §4.15.
func Run(trades []backtest.TradeRecord, cfg Config) Result {
	if cfg.NSimulations <= 0 {
		cfg.NSimulations = 1000
	}
	if cfg.InitialCapital <= 0 {
		cfg.InitialCapital = 10000
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	pnls := make([]float64, len(trades))
	for i, t := range trades {
		pnls[i] = t.PnL
	}

	sims := make([]simResult, cfg.NSimulations)
	for s := 0; s < cfg.NSimulations; s++ {
		resampled := resample(pnls, cfg.Method, cfg.BlockSize, rng)
		sims[s] = simulateOne(resampled, cfg.InitialCapital)
	}

	return aggregate(sims, cfg)
}

func resample(pnls []float64, method Method, blockSize int, rng *rand.Rand) []float64 {
	n := len(pnls)
	out := make([]float64, n)
	switch method {
	case MethodBootstrap:
		for i := 0; i < n; i++ {
			out[i] = pnls[rng.Intn(n)]
		}
	case MethodBlockBootstrap:
		if blockSize <= 0 {
			blockSize = 5
		}
		if blockSize > n {
			blockSize = n
		}
		pos := 0
		for pos < n {
			start := rng.Intn(n)
			for b := 0; b < blockSize && pos < n; b++ {
				out[pos] = pnls[(start+b)%n]
				pos++
			}
		}
	default: // MethodPermutation
		copy(out, pnls)
		rng.Shuffle(n, func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

func simulateOne(pnls []float64, initialCapital float64) simResult {
	equity := make([]float64, len(pnls)+1)
	equity[0] = initialCapital
	for i, pnl := range pnls {
		equity[i+1] = equity[i] + pnl
	}

	final := equity[len(equity)-1]
	totalReturn := (final - initialCapital) / initialCapital

	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		returns = append(returns, equity[i]/equity[i-1]-1)
	}

	return simResult{
		Return:      totalReturn,
		Sharpe:      annualizedSharpe(returns),
		MaxDrawdown: maxDrawdown(equity),
	}
}

func annualizedSharpe(returns []float64) float64 {
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
	return (mean / std) * math.Sqrt(252)
}

func maxDrawdown(equity []float64) float64 {
	peak := equity[0]
	maxDD := 0.0
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if dd := (peak - e) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func aggregate(sims []simResult, cfg Config) Result {
	r := Result{Simulations: sims}
	n := len(sims)
	if n == 0 {
		return r
	}

	returns := make([]float64, n)
	for i, s := range sims {
		returns[i] = s.Return
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	r.sortedReturns = sorted

	var sum float64
	var positive, aboveBenchmark int
	for _, v := range returns {
		sum += v
		if v > 0 {
			positive++
		}
		if v > cfg.Benchmark {
			aboveBenchmark++
		}
	}
	r.MeanReturn = sum / float64(n)
	r.MedianReturn = percentile(sorted, 50)
	r.CI95Low = percentile(sorted, 2.5)
	r.CI95High = percentile(sorted, 97.5)
	r.VaR95 = percentile(sorted, 5)
	r.WorstReturn = sorted[0]
	r.BestReturn = sorted[n-1]
	r.ProbPositive = float64(positive) / float64(n)
	r.ProbAboveBenchmark = float64(aboveBenchmark) / float64(n)

	var variance float64
	for _, v := range returns {
		d := v - r.MeanReturn
		variance += d * d
	}
	if n > 1 {
		variance /= float64(n - 1)
	}
	r.StdReturn = math.Sqrt(variance)

	var cvarSum float64
	var cvarCount int
	for _, v := range sorted {
		if v <= r.VaR95 {
			cvarSum += v
			cvarCount++
		}
	}
	if cvarCount > 0 {
		r.CVaR95 = cvarSum / float64(cvarCount)
	}

	return r
}

// percentile returns the p-th percentile (0-100) of a pre-sorted
// slice via linear interpolation between the two nearest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := (p / 100) * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ProbabilityOfReturn returns the fraction of simulations whose total
// return exceeded target (§4.15's probability_of_return query).
func (r Result) ProbabilityOfReturn(target float64) float64 {
	if len(r.Simulations) == 0 {
		return 0
	}
	var count int
	for _, s := range r.Simulations {
		if s.Return > target {
			count++
		}
	}
	return float64(count) / float64(len(r.Simulations))
}

// DrawdownPercentile returns the p-th percentile (0-100) of simulated
// max-drawdown values (§4.15's drawdown_percentile query).
func (r Result) DrawdownPercentile(p float64) float64 {
	if len(r.Simulations) == 0 {
		return 0
	}
	dds := make([]float64, len(r.Simulations))
	for i, s := range r.Simulations {
		dds[i] = s.MaxDrawdown
	}
	sort.Float64s(dds)
	return percentile(dds, p)
}
