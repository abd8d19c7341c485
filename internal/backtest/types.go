// Package backtest implements the agent fabric's backtest engine
// (§4.10, §2 C16): a single-pass bar walker over OHLCV candles that
// simulates entries, multi-level take-profits, stop-loss, trailing
// stops, break-even shifts, pyramiding/DCA safety orders, pending
// orders, MTF/time filters, funding accrual, and four position-sizing
// modes.
//
// The bar-loop shape — walk candles once, accumulate a per-symbol
// trade list and equity curve, summarize at the end — is grounded in
// internal/backtest/march_aug/engine.go's RunBacktest/processSymbol
// structure and internal/backtest/smoke90/runner.go's window-by-window
// walk; the per-bar filter composition (time/regime/MTF gates
// evaluated once per bar, short-circuit, reasons collected) is
// grounded in internal/backtest/march_aug/gates.go.
package backtest

import (
	"time"

	"github.com/sawpanic/agentfabric/internal/marketfilter"
	"github.com/sawpanic/agentfabric/internal/pyramid"
)

// Bar is one OHLCV candle.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// TPMode/SLMode select how take-profit/stop-loss prices are derived,
// per §4.10's mode matrix.
type TPMode string
type SLMode string

const (
	ModeFixed TPMode = "FIXED"
	ModeATR   TPMode = "ATR"
	ModeMulti TPMode = "MULTI" // TP only

	SLFixed SLMode = "FIXED"
	SLATR   SLMode = "ATR"
)

// PositionSizingMode selects how order capital is computed at entry.
type PositionSizingMode string

const (
	SizeFixed      PositionSizingMode = "fixed"
	SizeRisk       PositionSizingMode = "risk"
	SizeKelly      PositionSizingMode = "kelly"
	SizeVolatility PositionSizingMode = "volatility"
)

// SlippageModel selects the formula used to compute effective
// slippage per §6.5.
type SlippageModel string

const (
	SlippageFixed      SlippageModel = "fixed"
	SlippageVolume     SlippageModel = "volume"
	SlippageVolatility SlippageModel = "volatility"
	SlippageCombined   SlippageModel = "combined"
	SlippageAdvanced   SlippageModel = "advanced"
)

// EntryOrderType selects how a new entry is placed.
type EntryOrderType string

const (
	OrderMarket EntryOrderType = "market"
	OrderLimit  EntryOrderType = "limit"
	OrderStop   EntryOrderType = "stop"
)

// BreakevenMode selects what the break-even stop tracks once active.
type BreakevenMode string

const (
	BreakevenAverage BreakevenMode = "average"
	BreakevenTP      BreakevenMode = "tp"
)

// AllowedDirection restricts which sides may open new entries.
type AllowedDirection string

const (
	DirLong  AllowedDirection = "long"
	DirShort AllowedDirection = "short"
	DirBoth  AllowedDirection = "both"
)

// ExitReason records why a trade closed.
type ExitReason string

const (
	ExitSignal        ExitReason = "signal"
	ExitStopLoss      ExitReason = "stop_loss"
	ExitTakeProfit    ExitReason = "take_profit"
	ExitTrailingStop  ExitReason = "trailing_stop"
	ExitTimeExit      ExitReason = "time_exit"
	ExitSessionClose  ExitReason = "session_close"
	ExitWeekendClose  ExitReason = "weekend_close"
	ExitEndOfData     ExitReason = "end_of_data"
)

// TradeRecord is one closed (full or partial) position leg.
type TradeRecord struct {
	EntryTime    time.Time
	ExitTime     time.Time
	Direction    pyramid.Direction
	EntryPrice   float64
	ExitPrice    float64
	Size         float64
	PnL          float64
	PnLPct       float64
	Fees         float64
	ExitReason   ExitReason
	DurationBars int
	MFE          float64
	MAE          float64
}

// EquityPoint is one bar's mark-to-market equity.
type EquityPoint struct {
	Time   time.Time
	Equity float64
}

// Config holds every recognized backtest option from §6.4.
type Config struct {
	InitialCapital float64
	PositionSize   float64
	UseFixedAmount bool
	FixedAmount    float64
	Leverage       float64

	Direction        AllowedDirection
	Pyramiding       int
	CloseEntriesRule pyramid.CloseRule

	StopLoss   float64
	TakeProfit float64
	TPMode     TPMode
	SLMode     SLMode
	TPLevels   []float64
	TPPortions []float64

	ATRPeriod         int
	ATRTPMultiplier   float64
	ATRSLMultiplier   float64
	SLMaxLimitEnabled bool

	TrailingStopEnabled    bool
	TrailingStopActivation float64
	TrailingStopDistance   float64

	BreakevenEnabled bool
	BreakevenMode    BreakevenMode
	BreakevenOffset  float64

	DCAEnabled        bool
	DCACount          int
	DCABaseDeviation  float64
	DCAStepScale      float64
	DCABaseVolumeSize float64
	DCAVolumeScale    float64

	MaxBarsInTrade     int
	ExitOnSessionClose bool
	ExitEndOfWeek      bool

	// Time constraints (§6.4). NoTradeDays/NoTradeHours gate new
	// entries only, matching time_allows_entry in the source; the two
	// Exit* flags above gate position close-outs and are evaluated
	// against the same converted local time.
	SessionStartHour  int
	SessionEndHour    int
	NoTradeDays       []time.Weekday
	NoTradeHours      []int
	ExitBeforeWeekend int
	Timezone          string

	// Market filters (§6.4), precomputed once per run by
	// internal/marketfilter and indexed per bar.
	VolatilityFilterEnabled bool
	VolatilityMinPercentile float64
	VolatilityMaxPercentile float64
	VolatilityLookback      int

	VolumeFilterEnabled bool
	VolumeMinPercentile float64
	VolumeLookback      int

	TrendFilterEnabled bool
	TrendFilterPeriod  int
	TrendFilterMode    marketfilter.TrendMode

	MomentumFilterEnabled bool
	MomentumOversold      float64
	MomentumOverbought    float64
	MomentumPeriod        int

	RangeFilterEnabled bool
	RangeADRMin        float64
	RangeLookback      int

	// Market regime filter (§6.4), evaluated by the stateful
	// internal/marketregime.Detector rather than a precomputed series.
	MarketRegimeEnabled  bool
	MarketRegimeFilter   string
	MarketRegimeLookback int

	PositionSizingMode PositionSizingMode
	RiskPerTrade       float64
	KellyFraction      float64
	VolatilityTarget   float64
	MinPositionSize    float64
	MaxPositionSize    float64

	AllowReEntry          bool
	ReEntryDelayBars      int
	MaxTradesPerDay       int
	MaxTradesPerWeek      int
	MaxConsecutiveLosses  int
	CooldownAfterLoss     int

	EntryOrderType        EntryOrderType
	LimitEntryOffset      float64
	LimitEntryTimeoutBars int
	StopEntryOffset       float64

	ScaleInEnabled  bool
	ScaleInLevels   []float64
	ScaleInPortions []float64

	HedgeMode bool

	SlippageModel          SlippageModel
	Slippage               float64
	SlippageVolumeImpact   float64
	SlippageVolatilityMult float64

	TakerFee float64
	MakerFee float64

	IncludeFunding       bool
	FundingRate          float64
	FundingIntervalHours float64
}

// WithDefaults fills the zero-valued fields most callers don't need
// to set explicitly.
func (c Config) WithDefaults() Config {
	if c.InitialCapital == 0 {
		c.InitialCapital = 10000
	}
	if c.PositionSize == 0 {
		c.PositionSize = 1.0
	}
	if c.Leverage == 0 {
		c.Leverage = 1
	}
	if c.Direction == "" {
		c.Direction = DirBoth
	}
	if c.Pyramiding == 0 {
		c.Pyramiding = 1
	}
	if c.CloseEntriesRule == "" {
		c.CloseEntriesRule = pyramid.CloseAll
	}
	if c.TPMode == "" {
		c.TPMode = ModeFixed
	}
	if c.SLMode == "" {
		c.SLMode = SLFixed
	}
	if c.ATRPeriod == 0 {
		c.ATRPeriod = 14
	}
	if c.ATRTPMultiplier == 0 {
		c.ATRTPMultiplier = 2
	}
	if c.ATRSLMultiplier == 0 {
		c.ATRSLMultiplier = 1.5
	}
	if c.PositionSizingMode == "" {
		c.PositionSizingMode = SizeFixed
	}
	if c.MaxPositionSize == 0 {
		c.MaxPositionSize = 1.0
	}
	if c.EntryOrderType == "" {
		c.EntryOrderType = OrderMarket
	}
	if c.SlippageModel == "" {
		c.SlippageModel = SlippageFixed
	}
	if c.BreakevenMode == "" {
		c.BreakevenMode = BreakevenAverage
	}
	if c.DCABaseVolumeSize == 0 {
		c.DCABaseVolumeSize = 0.1
	}
	if c.DCAVolumeScale == 0 {
		c.DCAVolumeScale = 1
	}
	if c.DCAStepScale == 0 {
		c.DCAStepScale = 1
	}
	if c.SessionEndHour == 0 {
		c.SessionEndHour = 24
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.VolatilityLookback == 0 {
		c.VolatilityLookback = 100
	}
	if c.VolatilityMinPercentile == 0 {
		c.VolatilityMinPercentile = 10.0
	}
	if c.VolatilityMaxPercentile == 0 {
		c.VolatilityMaxPercentile = 90.0
	}
	if c.VolumeLookback == 0 {
		c.VolumeLookback = 50
	}
	if c.VolumeMinPercentile == 0 {
		c.VolumeMinPercentile = 20.0
	}
	if c.TrendFilterPeriod == 0 {
		c.TrendFilterPeriod = 200
	}
	if c.TrendFilterMode == "" {
		c.TrendFilterMode = marketfilter.TrendWith
	}
	if c.MomentumPeriod == 0 {
		c.MomentumPeriod = 14
	}
	if c.MomentumOversold == 0 {
		c.MomentumOversold = 30.0
	}
	if c.MomentumOverbought == 0 {
		c.MomentumOverbought = 70.0
	}
	if c.RangeLookback == 0 {
		c.RangeLookback = 20
	}
	if c.RangeADRMin == 0 {
		c.RangeADRMin = 0.01
	}
	if c.MarketRegimeLookback == 0 {
		c.MarketRegimeLookback = 50
	}
	if c.MarketRegimeFilter == "" {
		c.MarketRegimeFilter = "not_volatile"
	}
	return c
}

// marketFilterConfig projects the market-filter subset of Config into
// an internal/marketfilter.Config for BuildSeries/gate evaluation.
func (c Config) marketFilterConfig() marketfilter.Config {
	return marketfilter.Config{
		VolatilityEnabled:       c.VolatilityFilterEnabled,
		VolatilityMinPercentile: c.VolatilityMinPercentile,
		VolatilityMaxPercentile: c.VolatilityMaxPercentile,
		VolatilityLookback:      c.VolatilityLookback,

		VolumeEnabled:       c.VolumeFilterEnabled,
		VolumeMinPercentile: c.VolumeMinPercentile,
		VolumeLookback:      c.VolumeLookback,

		TrendEnabled: c.TrendFilterEnabled,
		TrendPeriod:  c.TrendFilterPeriod,
		TrendMode:    c.TrendFilterMode,

		MomentumEnabled:    c.MomentumFilterEnabled,
		MomentumOversold:   c.MomentumOversold,
		MomentumOverbought: c.MomentumOverbought,
		MomentumPeriod:     c.MomentumPeriod,

		RangeEnabled:  c.RangeFilterEnabled,
		RangeADRMin:   c.RangeADRMin,
		RangeLookback: c.RangeLookback,
	}
}

// noTradeDay reports whether wd is in cfg.NoTradeDays.
func (c Config) noTradeDay(wd time.Weekday) bool {
	for _, d := range c.NoTradeDays {
		if d == wd {
			return true
		}
	}
	return false
}

// noTradeHour reports whether hour is in cfg.NoTradeHours.
func (c Config) noTradeHour(hour int) bool {
	for _, h := range c.NoTradeHours {
		if h == hour {
			return true
		}
	}
	return false
}

// Signals bundles the boolean entry/exit arrays the engine walks in
// lockstep with bars, plus the precomputed per-bar MTF/HTF filter
// verdict (C13/C14's output — the engine itself never looks up an
// HTF bar). Nil AllowLong/AllowShort means "always allow both."
type Signals struct {
	LongEntries  []bool
	ShortEntries []bool
	LongExits    []bool
	ShortExits   []bool
	AllowLong    []bool
	AllowShort   []bool
}

func (s Signals) allowLong(i int) bool {
	if s.AllowLong == nil {
		return true
	}
	return s.AllowLong[i]
}

func (s Signals) allowShort(i int) bool {
	if s.AllowShort == nil {
		return true
	}
	return s.AllowShort[i]
}

// Result is what Run always returns: trades, an equity curve of
// length len(bars)+1, and validity. A run is never aborted by data or
// config problems; instead IsValid is false and Errors lists why.
type Result struct {
	Trades  []TradeRecord
	Equity  []EquityPoint
	IsValid bool
	Errors  []string
}
