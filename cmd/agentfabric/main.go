// Command agentfabric is the subcommand-driven entry point for the
// Agent Coordination Fabric + Backtesting Engine, grounded in the
// teacher's cmd/cryptorun/main.go root-command-with-subcommands shape
// (zerolog console sink, cobra root + subcommands) but without the
// teacher's TTY-menu-first routing: every subcommand here runs
// non-interactively.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/agentfabric/internal/backtest"
	"github.com/sawpanic/agentfabric/internal/mcpproto"
	"github.com/sawpanic/agentfabric/internal/montecarlo"
	"github.com/sawpanic/agentfabric/internal/optimize"
	"github.com/sawpanic/agentfabric/internal/runtime"
	"github.com/sawpanic/agentfabric/internal/tools"
	"github.com/sawpanic/agentfabric/internal/walkforward"
)

const version = "0.1.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	root := &cobra.Command{
		Use:     "agentfabric",
		Short:   "Agent Coordination Fabric + Backtesting Engine",
		Version: version,
	}

	root.AddCommand(mcpServeCmd(), backtestCmd(), optimizeCmd(), walkforwardCmd(), montecarloCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("agentfabric: command failed")
		os.Exit(1)
	}
}

// mcpServeCmd drives a Runtime's MCP server over the in-memory paired
// transport against one demo tool, per §4.9/§6.1.
func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-serve",
		Short: "Run the in-memory MCP server against demo tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := runtime.Default()
			registerDemoTools(rt.Tools)

			client := mcpproto.NewPairedQueueTransport(rt.MCP)
			defer client.Close()

			ctx := context.Background()
			raw, err := json.Marshal(mcpproto.Request{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
			if err != nil {
				return fmt.Errorf("agentfabric: encode tools/list request: %w", err)
			}
			out, err := client.RoundTrip(ctx, raw)
			if err != nil {
				return fmt.Errorf("agentfabric: tools/list: %w", err)
			}
			var resp mcpproto.Response
			if err := json.Unmarshal(out, &resp); err != nil {
				return fmt.Errorf("agentfabric: decode tools/list response: %w", err)
			}
			log.Info().Interface("tools", resp.Result).Msg("mcp-serve: registered tools")
			return nil
		},
	}
}

func registerDemoTools(reg *tools.Registry) {
	schema := tools.NewBuilder().
		Param("symbol", tools.ParamString, true, nil).
		Schema()
	reg.Add(&tools.Tool{
		Name:        "echo",
		Description: "Echoes back the given symbol",
		Category:    "demo",
		Permission:  "public",
		InputSchema: schema,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["symbol"], nil
		},
	})
}

func backtestCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "backtest",
		Short: "Backtest engine commands",
	}

	var capital float64
	var bars int
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the backtest engine over a synthetic demo series",
		RunE: func(cmd *cobra.Command, args []string) error {
			candles := syntheticCandles(bars, 1)
			sig := momentumSignals(candles)
			engine := backtest.NewEngine(backtest.Config{InitialCapital: capital}.WithDefaults())
			result := engine.Run(candles, sig)
			metrics := backtest.ComputeMetrics(result, capital)
			log.Info().
				Int("trades", len(result.Trades)).
				Float64("total_return", metrics.TotalReturn).
				Float64("sharpe", metrics.SharpeRatio).
				Float64("max_drawdown", metrics.MaxDrawdown).
				Bool("is_valid", result.IsValid).
				Msg("backtest run: complete")
			return nil
		},
	}
	run.Flags().Float64Var(&capital, "capital", 10000, "initial capital")
	run.Flags().IntVar(&bars, "bars", 500, "number of synthetic bars to generate")

	parent.AddCommand(run)
	return parent
}

func optimizeCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "optimize",
		Short: "MTF grid optimizer commands",
	}

	var bars int
	grid := &cobra.Command{
		Use:   "grid",
		Short: "Run the MTF grid optimizer over a synthetic demo series",
		RunE: func(cmd *cobra.Command, args []string) error {
			candles := syntheticCandles(bars, 2)
			results := optimize.Run(candles, optimize.Config{
				Grid: optimize.ParamGrid{
					StopLoss:   []float64{0.01, 0.02, 0.03},
					TakeProfit: []float64{0.02, 0.04, 0.06},
				},
				SignalFn:       func(b []backtest.Bar, c optimize.Combination) backtest.Signals { return momentumSignals(b) },
				BacktestCfg:    backtest.Config{InitialCapital: 10000}.WithDefaults(),
				OptimizeMetric: backtest.MetricSharpe,
				TopK:           5,
			})
			for i, r := range results {
				log.Info().Int("rank", i+1).
					Float64("stop_loss", r.Combo.StopLoss).
					Float64("take_profit", r.Combo.TakeProfit).
					Float64("score", r.Score).
					Msg("optimize grid: result")
			}
			return nil
		},
	}
	grid.Flags().IntVar(&bars, "bars", 500, "number of synthetic bars to generate")

	parent.AddCommand(grid)
	return parent
}

func walkforwardCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "walkforward",
		Short: "Walk-forward harness commands",
	}

	var bars, windows int
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the walk-forward harness over a synthetic demo series",
		RunE: func(cmd *cobra.Command, args []string) error {
			candles := syntheticCandles(bars, 3)
			summary := walkforward.Run(candles, walkforward.Config{
				NWindows:   windows,
				TrainPct:   0.7,
				OverlapPct: 0.5,
				Grid: optimize.ParamGrid{
					StopLoss:   []float64{0.02},
					TakeProfit: []float64{0.03},
				},
				SignalFn:       func(b []backtest.Bar, c optimize.Combination) backtest.Signals { return momentumSignals(b) },
				BacktestCfg:    backtest.Config{InitialCapital: 10000}.WithDefaults(),
				OptimizeMetric: backtest.MetricSharpe,
			})
			log.Info().
				Int("completed_windows", summary.CompletedWindows).
				Float64("profitable_pct", summary.ProfitablePct).
				Float64("stability", summary.Stability).
				Msg("walkforward run: complete")
			return nil
		},
	}
	run.Flags().IntVar(&bars, "bars", 5000, "number of synthetic bars to generate")
	run.Flags().IntVar(&windows, "windows", 3, "number of rolling windows")

	parent.AddCommand(run)
	return parent
}

func montecarloCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "montecarlo",
		Short: "Monte Carlo resampling commands",
	}

	var sims int
	run := &cobra.Command{
		Use:   "run",
		Short: "Run Monte Carlo resampling over a synthetic demo trade sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			candles := syntheticCandles(500, 4)
			engine := backtest.NewEngine(backtest.Config{InitialCapital: 10000}.WithDefaults())
			result := engine.Run(candles, momentumSignals(candles))
			mc := montecarlo.Run(result.Trades, montecarlo.Config{
				Method:         montecarlo.MethodBootstrap,
				NSimulations:   sims,
				InitialCapital: 10000,
			})
			log.Info().
				Float64("mean_return", mc.MeanReturn).
				Float64("var95", mc.VaR95).
				Float64("cvar95", mc.CVaR95).
				Float64("prob_positive", mc.ProbPositive).
				Msg("montecarlo run: complete")
			return nil
		},
	}
	run.Flags().IntVar(&sims, "simulations", 1000, "number of Monte Carlo simulations")

	parent.AddCommand(run)
	return parent
}

// syntheticCandles generates a deterministic (seeded) OHLCV series for
// CLI demos; loading real market data from a file format is out of
// scope per spec §1.
func syntheticCandles(n int, seed int64) []backtest.Bar {
	if n <= 0 {
		n = 500
	}
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
			High:   price + math.Abs(rng.NormFloat64()),
			Low:    price - math.Abs(rng.NormFloat64()),
			Close:  price,
			Volume: 100 + rng.Float64()*50,
		}
	}
	return bars
}

func momentumSignals(bars []backtest.Bar) backtest.Signals {
	n := len(bars)
	sig := backtest.Signals{
		LongEntries:  make([]bool, n),
		ShortEntries: make([]bool, n),
		LongExits:    make([]bool, n),
		ShortExits:   make([]bool, n),
	}
	for i := 10; i < n; i++ {
		if bars[i].Close > bars[i-10].Close {
			sig.LongEntries[i] = true
		}
		if bars[i].Close < bars[i-5].Close {
			sig.LongExits[i] = true
		}
	}
	return sig
}
