// Package optimize implements the backtest engine's MTF grid optimizer
// (§4.13, §2 C17): a Cartesian-product parameter sweep over RSI/SL/TP/
// HTF-filter ranges, each combination scored by the backtest engine
// and ranked by a chosen optimize_metric.
//
// Grounded in internal/tune/opt/cd.go's OptimizerConfig/
// OptimizationResult/early-stop idiom — the result and config shapes
// are kept, but the search strategy is replaced: the spec calls for an
// exhaustive grid, not a local coordinate descent, per "keep HOW,
// replace WHAT."
package optimize

import (
	"sort"

	"github.com/sawpanic/agentfabric/internal/backtest"
)

// ParamGrid enumerates the candidate values for each tunable
// dimension (§4.13). Any empty slice is held at one fixed value:
// RSIPeriod 14, RSIOverbought 70, RSIOversold 30, StopLoss 0.02,
// TakeProfit 0.03, HTFFilterType "sma", HTFFilterPeriod 50.
type ParamGrid struct {
	RSIPeriod      []int
	RSIOverbought  []float64
	RSIOversold    []float64
	StopLoss       []float64
	TakeProfit     []float64
	HTFFilterType  []string
	HTFFilterPeriod []int
}

// Combination is one point in the Cartesian product.
type Combination struct {
	RSIPeriod       int
	RSIOverbought   float64
	RSIOversold     float64
	StopLoss        float64
	TakeProfit      float64
	HTFFilterType   string
	HTFFilterPeriod int
}

// SignalFunc builds the entry/exit/filter signals for one combination
// against a shared, read-only candle dataset. The optimizer never
// mutates bars; callers precompute per-(type,period) HTF indicators
// once and reuse them across combinations via closures, per §4.13.
type SignalFunc func(bars []backtest.Bar, combo Combination) backtest.Signals

// Result is one scored combination, kept only if it makes the top-K
// cut.
type Result struct {
	Combo   Combination
	Metrics backtest.AggregateMetrics
	Score   float64
}

// Config drives Run.
type Config struct {
	Grid          ParamGrid
	SignalFn      SignalFunc
	BacktestCfg   backtest.Config
	OptimizeMetric backtest.Metric
	TopK          int
}

// Run sweeps every combination in cfg.Grid, skipping combinations
// where Overbought <= Oversold (§4.13), scores each via the backtest
// engine, and returns the top-K results sorted descending by score.
func Run(bars []backtest.Bar, cfg Config) []Result {
	combos := cartesianProduct(cfg.Grid)
	results := make([]Result, 0, len(combos))

	for _, combo := range combos {
		if combo.RSIOverbought <= combo.RSIOversold {
			continue
		}

		btCfg := cfg.BacktestCfg
		btCfg.StopLoss = combo.StopLoss
		btCfg.TakeProfit = combo.TakeProfit

		sig := cfg.SignalFn(bars, combo)
		engine := backtest.NewEngine(btCfg)
		res := engine.Run(bars, sig)
		if !res.IsValid {
			continue
		}

		metrics := backtest.ComputeMetrics(res, btCfg.WithDefaults().InitialCapital)
		results = append(results, Result{
			Combo:   combo,
			Metrics: metrics,
			Score:   metrics.Score(cfg.OptimizeMetric),
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	topK := cfg.TopK
	if topK <= 0 || topK > len(results) {
		topK = len(results)
	}
	return results[:topK]
}

// cartesianProduct expands every dimension of grid, substituting a
// single fixed default value for any empty dimension so the
// product is never empty just because one axis wasn't swept.
func cartesianProduct(grid ParamGrid) []Combination {
	rsiPeriods := orDefaultInt(grid.RSIPeriod, 14)
	overboughts := orDefaultFloat(grid.RSIOverbought, 70)
	oversolds := orDefaultFloat(grid.RSIOversold, 30)
	sls := orDefaultFloat(grid.StopLoss, 0.02)
	tps := orDefaultFloat(grid.TakeProfit, 0.03)
	filterTypes := orDefaultString(grid.HTFFilterType, "sma")
	filterPeriods := orDefaultInt(grid.HTFFilterPeriod, 50)

	var out []Combination
	for _, rp := range rsiPeriods {
		for _, ob := range overboughts {
			for _, os := range oversolds {
				for _, sl := range sls {
					for _, tp := range tps {
						for _, ft := range filterTypes {
							for _, fp := range filterPeriods {
								out = append(out, Combination{
									RSIPeriod:       rp,
									RSIOverbought:   ob,
									RSIOversold:     os,
									StopLoss:        sl,
									TakeProfit:      tp,
									HTFFilterType:   ft,
									HTFFilterPeriod: fp,
								})
							}
						}
					}
				}
			}
		}
	}
	return out
}

func orDefaultInt(v []int, def int) []int {
	if len(v) == 0 {
		return []int{def}
	}
	return v
}

func orDefaultFloat(v []float64, def float64) []float64 {
	if len(v) == 0 {
		return []float64{def}
	}
	return v
}

func orDefaultString(v []string, def string) []string {
	if len(v) == 0 {
		return []string{def}
	}
	return v
}
