// Package htffilter implements the backtest engine's higher-timeframe
// entry gates (§4.10, §2 C14): trend, BTC correlation, Ichimoku cloud,
// SuperTrend, MACD, Bollinger, and ADX filters, each reduced to a
// simple (allow_long, allow_short) vote.
//
// The voting shape is grounded in
// internal/domain/regime/detector.go's DetectionResult.VotingBreakdown
// (several independent indicators vote, the result is their
// combination) and internal/regime/weights.go's per-regime threshold
// table idiom, reused here as per-filter thresholds instead of
// per-regime factor weights.
package htffilter

import (
	"math"

	"github.com/sawpanic/agentfabric/internal/indicators"
)

// Gate is one filter's verdict: whether it permits opening a long or a
// short position on the next bar.
type Gate struct {
	AllowLong  bool
	AllowShort bool
}

// allowBoth is the degrade-on-uncertainty verdict: an unknown or NaN
// indicator value must never block an entry outright.
func allowBoth() Gate { return Gate{AllowLong: true, AllowShort: true} }

func invalidNumber(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }

// Type identifies which HTF filter to run.
type Type string

const (
	TypeTrend      Type = "trend"
	TypeBTCCorr    Type = "btc_corr"
	TypeIchimoku   Type = "ichimoku"
	TypeSuperTrend Type = "supertrend"
	TypeMACD       Type = "macd"
	TypeBollinger  Type = "bollinger"
	TypeADX        Type = "adx"
	TypeSMA        Type = "sma"
)

// Config parameterizes the filters that consult indicator periods or
// thresholds.
type Config struct {
	TrendSMAPeriod    int
	IchimokuConv      int
	IchimokuBase      int
	IchimokuSpanB     int
	SuperTrendPeriod  int
	SuperTrendMult    float64
	MACDFast          int
	MACDSlow          int
	MACDSignal        int
	BollingerPeriod   int
	BollingerStdDev   float64
	ADXPeriod         int
	ADXTrendThreshold float64
	BTCCorrThreshold  float64
	SMAPeriod         int
}

// WithDefaults fills zero-valued fields with the standard periods used
// throughout the indicator library.
func (c Config) WithDefaults() Config {
	if c.TrendSMAPeriod == 0 {
		c.TrendSMAPeriod = 50
	}
	if c.IchimokuConv == 0 {
		c.IchimokuConv = 9
	}
	if c.IchimokuBase == 0 {
		c.IchimokuBase = 26
	}
	if c.IchimokuSpanB == 0 {
		c.IchimokuSpanB = 52
	}
	if c.SuperTrendPeriod == 0 {
		c.SuperTrendPeriod = 10
	}
	if c.SuperTrendMult == 0 {
		c.SuperTrendMult = 3
	}
	if c.MACDFast == 0 {
		c.MACDFast = 12
	}
	if c.MACDSlow == 0 {
		c.MACDSlow = 26
	}
	if c.MACDSignal == 0 {
		c.MACDSignal = 9
	}
	if c.BollingerPeriod == 0 {
		c.BollingerPeriod = 20
	}
	if c.BollingerStdDev == 0 {
		c.BollingerStdDev = 2
	}
	if c.ADXPeriod == 0 {
		c.ADXPeriod = 14
	}
	if c.ADXTrendThreshold == 0 {
		c.ADXTrendThreshold = 25
	}
	if c.BTCCorrThreshold == 0 {
		c.BTCCorrThreshold = 0.6
	}
	if c.SMAPeriod == 0 {
		c.SMAPeriod = 50
	}
	return c
}

// TrendGate allows longs only above the HTF SMA and shorts only below
// it — the simplest of the filters, a single moving-average bias.
func TrendGate(closes []float64, cfg Config) Gate {
	sma := indicators.CalculateSMA(closes, cfg.TrendSMAPeriod)
	if !sma.IsValid || invalidNumber(sma.Value) {
		return allowBoth()
	}
	price := closes[len(closes)-1]
	return Gate{AllowLong: price >= sma.Value, AllowShort: price <= sma.Value}
}

// SMAGate is an alias shape for TrendGate parameterized by SMAPeriod,
// kept distinct so optimize (C17) can sweep "sma" as its own
// htf_filter_type independent of the fixed trend filter's period.
func SMAGate(closes []float64, cfg Config) Gate {
	sma := indicators.CalculateSMA(closes, cfg.SMAPeriod)
	if !sma.IsValid || invalidNumber(sma.Value) {
		return allowBoth()
	}
	price := closes[len(closes)-1]
	return Gate{AllowLong: price >= sma.Value, AllowShort: price <= sma.Value}
}

// IchimokuGate allows longs only when price trades above the cloud
// (max of span A/B) and shorts only below it.
func IchimokuGate(bars []indicators.PriceBar, cfg Config) Gate {
	res := indicators.CalculateIchimoku(bars, cfg.IchimokuConv, cfg.IchimokuBase, cfg.IchimokuSpanB)
	if !res.IsValid || invalidNumber(res.SenkouSpanA) || invalidNumber(res.SenkouSpanB) {
		return allowBoth()
	}
	price := bars[len(bars)-1].Close
	cloudTop := math.Max(res.SenkouSpanA, res.SenkouSpanB)
	cloudBottom := math.Min(res.SenkouSpanA, res.SenkouSpanB)
	return Gate{AllowLong: price > cloudTop, AllowShort: price < cloudBottom}
}

// SuperTrendGate allows longs only while the indicator is in an
// uptrend and shorts only while in a downtrend.
func SuperTrendGate(bars []indicators.PriceBar, cfg Config) Gate {
	res := indicators.CalculateSuperTrend(bars, cfg.SuperTrendPeriod, cfg.SuperTrendMult)
	if !res.IsValid {
		return allowBoth()
	}
	return Gate{AllowLong: res.Direction == 1, AllowShort: res.Direction == -1}
}

// MACDGate allows longs only while the MACD line sits above its signal
// line (positive histogram) and shorts only while below it.
func MACDGate(prices []float64, cfg Config) Gate {
	res := indicators.CalculateMACD(prices, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	if !res.IsValid || invalidNumber(res.Histogram) {
		return allowBoth()
	}
	return Gate{AllowLong: res.Histogram >= 0, AllowShort: res.Histogram <= 0}
}

// BollingerGate allows longs only below the middle band (room to run
// up to it) and shorts only above it, a mean-reversion bias.
func BollingerGate(prices []float64, cfg Config) Gate {
	res := indicators.CalculateBollinger(prices, cfg.BollingerPeriod, cfg.BollingerStdDev)
	if !res.IsValid || invalidNumber(res.Middle) {
		return allowBoth()
	}
	price := prices[len(prices)-1]
	return Gate{AllowLong: price <= res.Middle, AllowShort: price >= res.Middle}
}

// ADXGate allows both directions while the trend is too weak to trust
// (ADX below threshold) and otherwise defers to which directional
// index (+DI/-DI) dominates.
func ADXGate(bars []indicators.PriceBar, cfg Config) Gate {
	res := indicators.CalculateADX(bars, cfg.ADXPeriod)
	if !res.IsValid || invalidNumber(res.ADX) {
		return allowBoth()
	}
	if res.ADX < cfg.ADXTrendThreshold {
		return allowBoth()
	}
	return Gate{AllowLong: res.PDI >= res.MDI, AllowShort: res.MDI >= res.PDI}
}

// BTCCorrGate allows both directions unless the symbol's returns are
// strongly correlated with BTC's (|r| >= threshold), in which case it
// inherits BTC's own trend direction via a trailing SMA bias.
func BTCCorrGate(symbolCloses, btcCloses []float64, cfg Config) Gate {
	corr := pearsonCorrelation(symbolCloses, btcCloses)
	if invalidNumber(corr) || math.Abs(corr) < cfg.BTCCorrThreshold {
		return allowBoth()
	}
	btcSMA := indicators.CalculateSMA(btcCloses, cfg.TrendSMAPeriod)
	if !btcSMA.IsValid || invalidNumber(btcSMA.Value) {
		return allowBoth()
	}
	btcPrice := btcCloses[len(btcCloses)-1]
	btcUp := btcPrice >= btcSMA.Value
	if corr >= 0 {
		return Gate{AllowLong: btcUp, AllowShort: !btcUp}
	}
	// Negative correlation: the symbol tends to move opposite BTC.
	return Gate{AllowLong: !btcUp, AllowShort: btcUp}
}

func pearsonCorrelation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return math.NaN()
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/float64(n), sumB/float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(varA*varB)
}

// Input bundles everything a filter might need: the HTF bar history
// visible at the current LTF bar (already resolved via
// mtf.CreateHTFIndexMap) plus the correlated BTC series.
type Input struct {
	Bars      []indicators.PriceBar
	BTCCloses []float64
}

func closesOf(bars []indicators.PriceBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Evaluate runs every filter in types against in and ANDs their
// verdicts together: an entry requires every enabled filter to allow
// the direction. An empty types list allows both directions
// unconditionally.
func Evaluate(in Input, types []Type, cfg Config) Gate {
	cfg = cfg.WithDefaults()
	result := allowBoth()
	if len(in.Bars) == 0 {
		return result
	}
	closes := closesOf(in.Bars)

	for _, t := range types {
		var g Gate
		switch t {
		case TypeTrend:
			g = TrendGate(closes, cfg)
		case TypeSMA:
			g = SMAGate(closes, cfg)
		case TypeBTCCorr:
			g = BTCCorrGate(closes, in.BTCCloses, cfg)
		case TypeIchimoku:
			g = IchimokuGate(in.Bars, cfg)
		case TypeSuperTrend:
			g = SuperTrendGate(in.Bars, cfg)
		case TypeMACD:
			g = MACDGate(closes, cfg)
		case TypeBollinger:
			g = BollingerGate(closes, cfg)
		case TypeADX:
			g = ADXGate(in.Bars, cfg)
		default:
			g = allowBoth()
		}
		result.AllowLong = result.AllowLong && g.AllowLong
		result.AllowShort = result.AllowShort && g.AllowShort
	}
	return result
}
