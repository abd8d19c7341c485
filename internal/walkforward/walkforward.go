// Package walkforward implements the backtest engine's walk-forward
// harness (§4.14, §2 C18): rolling train/test windows over an LTF bar
// range, each optimized in-sample and validated out-of-sample, with
// aggregate stability statistics across windows.
//
// Grounded in internal/tune/report/report.go's window/aggregate
// summary shape and internal/bench/common/forward_returns.go's
// rolling-window forward-return computation, adapted from
// single-horizon forward returns to rolling optimize/validate window
// pairs.
package walkforward

import (
	"math"

	"github.com/sawpanic/agentfabric/internal/backtest"
	"github.com/sawpanic/agentfabric/internal/optimize"
)

// Window is one rolling train/test split, expressed as bar index
// ranges into the full series (test immediately follows train).
type Window struct {
	TrainStart, TrainEnd int // [TrainStart, TrainEnd)
	TestStart, TestEnd   int // [TestStart, TestEnd)
}

// WindowResult is one window's train score and out-of-sample test
// metrics.
type WindowResult struct {
	Window     Window
	BestCombo  optimize.Combination
	TrainScore float64
	TestReturn float64
	TestSharpe float64
	TestMaxDD  float64
	TestTrades int
	TestWinRate float64
}

// Summary aggregates stability across all completed windows, per
// §4.14's "mean/std of OOS returns, profitable_window count/%,
// stability" definition.
type Summary struct {
	Windows           []WindowResult
	CompletedWindows  int
	MeanOOSReturn     float64
	StdOOSReturn      float64
	ProfitableWindows int
	ProfitablePct     float64
	Stability         float64
}

// Config drives Run.
type Config struct {
	NWindows   int
	TrainPct   float64 // fraction of each window's bars used for training
	OverlapPct float64 // fraction of window size windows overlap by
	Grid       optimize.ParamGrid
	SignalFn   optimize.SignalFunc
	BacktestCfg backtest.Config
	OptimizeMetric backtest.Metric
}

// BuildWindows splits [0, totalBars) into cfg.NWindows rolling
// windows of size totalBars/NWindows, stepping by
// size*(1-OverlapPct), with a floor of step >= testSize so windows
// never step backward past their own test range (§4.14).
func BuildWindows(totalBars int, cfg Config) []Window {
	if cfg.NWindows <= 0 || totalBars <= 0 {
		return nil
	}
	size := totalBars / cfg.NWindows
	if size < 2 {
		return nil
	}
	trainSize := int(float64(size) * cfg.TrainPct)
	if trainSize < 1 {
		trainSize = 1
	}
	if trainSize >= size {
		trainSize = size - 1
	}
	testSize := size - trainSize

	step := int(float64(size) * (1 - cfg.OverlapPct))
	if step < testSize {
		step = testSize
	}
	if step < 1 {
		step = 1
	}

	var windows []Window
	for start := 0; start+size <= totalBars; start += step {
		windows = append(windows, Window{
			TrainStart: start,
			TrainEnd:   start + trainSize,
			TestStart:  start + trainSize,
			TestEnd:    start + size,
		})
		if len(windows) >= cfg.NWindows {
			break
		}
	}
	return windows
}

// Run builds rolling windows, optimizes on each window's training
// slice, validates the winning combination on that window's held-out
// test slice, and aggregates OOS stability statistics.
func Run(bars []backtest.Bar, cfg Config) Summary {
	windows := BuildWindows(len(bars), cfg)
	var results []WindowResult

	for _, w := range windows {
		trainBars := bars[w.TrainStart:w.TrainEnd]
		testBars := bars[w.TestStart:w.TestEnd]
		if len(trainBars) == 0 || len(testBars) == 0 {
			continue
		}

		optResults := optimize.Run(trainBars, optimize.Config{
			Grid:           cfg.Grid,
			SignalFn:       cfg.SignalFn,
			BacktestCfg:    cfg.BacktestCfg,
			OptimizeMetric: cfg.OptimizeMetric,
			TopK:           1,
		})
		if len(optResults) == 0 {
			continue
		}
		best := optResults[0]

		btCfg := cfg.BacktestCfg
		btCfg.StopLoss = best.Combo.StopLoss
		btCfg.TakeProfit = best.Combo.TakeProfit
		sig := cfg.SignalFn(testBars, best.Combo)
		engine := backtest.NewEngine(btCfg)
		testResult := engine.Run(testBars, sig)
		testMetrics := backtest.ComputeMetrics(testResult, btCfg.WithDefaults().InitialCapital)

		results = append(results, WindowResult{
			Window:      w,
			BestCombo:   best.Combo,
			TrainScore:  best.Score,
			TestReturn:  testMetrics.TotalReturn,
			TestSharpe:  testMetrics.SharpeRatio,
			TestMaxDD:   testMetrics.MaxDrawdown,
			TestTrades:  testMetrics.TotalTrades,
			TestWinRate: testMetrics.WinRate,
		})
	}

	return aggregate(results)
}

func aggregate(results []WindowResult) Summary {
	s := Summary{Windows: results, CompletedWindows: len(results)}
	if len(results) == 0 {
		return s
	}

	var sum float64
	for _, r := range results {
		sum += r.TestReturn
		if r.TestReturn > 0 {
			s.ProfitableWindows++
		}
	}
	s.MeanOOSReturn = sum / float64(len(results))

	var variance float64
	for _, r := range results {
		d := r.TestReturn - s.MeanOOSReturn
		variance += d * d
	}
	if len(results) > 1 {
		variance /= float64(len(results) - 1)
	}
	s.StdOOSReturn = math.Sqrt(variance)

	s.ProfitablePct = 100 * float64(s.ProfitableWindows) / float64(len(results))

	if s.MeanOOSReturn != 0 {
		s.Stability = (s.ProfitablePct / 100) * (1 - s.StdOOSReturn/math.Abs(s.MeanOOSReturn))
	}
	return s
}
