package htffilter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/agentfabric/internal/indicators"
)

func risingBars(n int) []indicators.PriceBar {
	bars := make([]indicators.PriceBar, n)
	for i := range bars {
		base := 100 + float64(i)
		bars[i] = indicators.PriceBar{Open: base, High: base + 1, Low: base - 1, Close: base}
	}
	return bars
}

func flatBars(n int, level float64) []indicators.PriceBar {
	bars := make([]indicators.PriceBar, n)
	for i := range bars {
		bars[i] = indicators.PriceBar{Open: level, High: level + 0.5, Low: level - 0.5, Close: level}
	}
	return bars
}

func TestTrendGateAllowsLongInUptrend(t *testing.T) {
	g := TrendGate(closesOf(risingBars(60)), Config{}.WithDefaults())
	assert.True(t, g.AllowLong)
	assert.False(t, g.AllowShort)
}

func TestTrendGateDegradesToAllowBothOnInsufficientData(t *testing.T) {
	g := TrendGate([]float64{100, 101, 102}, Config{}.WithDefaults())
	assert.True(t, g.AllowLong)
	assert.True(t, g.AllowShort)
}

func TestTrendGateDegradesOnNaNClose(t *testing.T) {
	closes := closesOf(risingBars(60))
	closes[len(closes)-1] = math.NaN()
	g := TrendGate(closes, Config{}.WithDefaults())
	assert.True(t, g.AllowLong)
	assert.True(t, g.AllowShort)
}

func TestIchimokuGateAllowsLongAboveCloud(t *testing.T) {
	g := IchimokuGate(risingBars(70), Config{}.WithDefaults())
	assert.True(t, g.AllowLong)
	assert.False(t, g.AllowShort)
}

func TestIchimokuGateDegradesWithoutEnoughBars(t *testing.T) {
	g := IchimokuGate(risingBars(5), Config{}.WithDefaults())
	assert.True(t, g.AllowLong)
	assert.True(t, g.AllowShort)
}

func TestSuperTrendGateMatchesIndicatorDirection(t *testing.T) {
	g := SuperTrendGate(risingBars(40), Config{}.WithDefaults())
	assert.True(t, g.AllowLong)
	assert.False(t, g.AllowShort)
}

func TestMACDGatePositiveHistogramAllowsLongOnly(t *testing.T) {
	// An accelerating rise keeps the MACD line above its signal line; a
	// linear rise would leave the histogram at zero.
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 100 + float64(i*i)/10
	}
	g := MACDGate(prices, Config{}.WithDefaults())
	assert.True(t, g.AllowLong)
	assert.False(t, g.AllowShort)
}

func TestBollingerGateMeanRevertsAboveMiddle(t *testing.T) {
	g := BollingerGate(closesOf(risingBars(30)), Config{}.WithDefaults())
	assert.False(t, g.AllowLong)
	assert.True(t, g.AllowShort)
}

func TestADXGateBelowThresholdAllowsBoth(t *testing.T) {
	g := ADXGate(flatBars(40, 100), Config{}.WithDefaults())
	assert.True(t, g.AllowLong)
	assert.True(t, g.AllowShort)
}

func TestADXGateAboveThresholdFollowsDominantDI(t *testing.T) {
	// Rising bars: +DI dominates and ADX is far above the threshold.
	g := ADXGate(risingBars(60), Config{}.WithDefaults())
	assert.True(t, g.AllowLong)
	assert.False(t, g.AllowShort)
}

func TestBTCCorrGateUndefinedCorrelationAllowsBoth(t *testing.T) {
	symbol := closesOf(flatBars(60, 50))
	btc := closesOf(risingBars(60))
	g := BTCCorrGate(symbol, btc, Config{}.WithDefaults())
	assert.True(t, g.AllowLong)
	assert.True(t, g.AllowShort)
}

func TestBTCCorrGateFollowsBTCWhenHighlyCorrelated(t *testing.T) {
	btc := closesOf(risingBars(60))
	symbol := make([]float64, len(btc))
	for i, c := range btc {
		symbol[i] = c * 2
	}
	g := BTCCorrGate(symbol, btc, Config{}.WithDefaults())
	assert.True(t, g.AllowLong)
	assert.False(t, g.AllowShort)
}

func TestEvaluateRequiresAllEnabledFiltersToAgree(t *testing.T) {
	in := Input{Bars: risingBars(70), BTCCloses: closesOf(risingBars(70))}
	gate := Evaluate(in, []Type{TypeTrend, TypeIchimoku, TypeBollinger}, Config{})
	// Bollinger mean-reverts against the uptrend, so the combined
	// verdict must reject longs even though trend/ichimoku allow them.
	assert.False(t, gate.AllowLong)
}

func TestEvaluateWithNoFiltersAllowsBoth(t *testing.T) {
	in := Input{Bars: risingBars(10)}
	gate := Evaluate(in, nil, Config{})
	assert.True(t, gate.AllowLong)
	assert.True(t, gate.AllowShort)
}

func TestEvaluateOnEmptyBarsAllowsBoth(t *testing.T) {
	gate := Evaluate(Input{}, []Type{TypeTrend, TypeADX}, Config{})
	assert.True(t, gate.AllowLong)
	assert.True(t, gate.AllowShort)
}

func TestEvaluateUnknownFilterTypeDegradesToAllowBoth(t *testing.T) {
	in := Input{Bars: risingBars(70)}
	gate := Evaluate(in, []Type{Type("unknown")}, Config{})
	assert.True(t, gate.AllowLong)
	assert.True(t, gate.AllowShort)
}
