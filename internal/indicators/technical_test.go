package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func risingPrices(n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	return prices
}

func risingBars(n int) []PriceBar {
	bars := make([]PriceBar, n)
	for i := range bars {
		base := 100 + float64(i)
		bars[i] = PriceBar{Open: base, High: base + 1, Low: base - 1, Close: base}
	}
	return bars
}

func TestRSIAllGainsApproachesHundred(t *testing.T) {
	result := CalculateRSI(risingPrices(30), 14)
	assert.True(t, result.IsValid)
	assert.Greater(t, result.Value, 90.0)
}

func TestRSIInsufficientDataIsInvalidNeutral(t *testing.T) {
	result := CalculateRSI([]float64{100, 101}, 14)
	assert.False(t, result.IsValid)
	assert.Equal(t, 50.0, result.Value)
}

func TestRSISeriesMatchesCalculateRSIAtFinalIndex(t *testing.T) {
	prices := risingPrices(30)
	series := RSISeries(prices, 14)
	final := CalculateRSI(prices, 14)
	assert.InDelta(t, final.Value, series[len(series)-1], 1e-9)
}

func TestRSISeriesZeroBeforeWarmup(t *testing.T) {
	series := RSISeries(risingPrices(30), 14)
	for i := 0; i < 14; i++ {
		assert.Equal(t, 0.0, series[i])
	}
	assert.NotEqual(t, 0.0, series[14])
}

func TestATRPositiveForVolatileBars(t *testing.T) {
	result := CalculateATR(risingBars(30), 14)
	assert.True(t, result.IsValid)
	assert.Greater(t, result.Value, 0.0)
}

func TestADXValidWithEnoughBars(t *testing.T) {
	result := CalculateADX(risingBars(40), 14)
	assert.True(t, result.IsValid)
	assert.GreaterOrEqual(t, result.ADX, 0.0)
}

func TestSMAMatchesManualAverage(t *testing.T) {
	result := CalculateSMA([]float64{1, 2, 3, 4, 5}, 5)
	assert.True(t, result.IsValid)
	assert.Equal(t, 3.0, result.Value)
}

func TestEMAValidAfterWarmup(t *testing.T) {
	result := CalculateEMA(risingPrices(30), 10)
	assert.True(t, result.IsValid)
	assert.Greater(t, result.Value, 100.0)
}

func TestMACDValidWithEnoughHistory(t *testing.T) {
	result := CalculateMACD(risingPrices(60), 12, 26, 9)
	assert.True(t, result.IsValid)
}

func TestBollingerBandsStraddleMiddle(t *testing.T) {
	result := CalculateBollinger([]float64{10, 11, 9, 12, 8, 13, 7, 14, 6, 15}, 10, 2)
	assert.True(t, result.IsValid)
	assert.Greater(t, result.Upper, result.Middle)
	assert.Less(t, result.Lower, result.Middle)
}

func TestSuperTrendValidAfterWarmup(t *testing.T) {
	result := CalculateSuperTrend(risingBars(30), 10, 3)
	assert.True(t, result.IsValid)
	assert.Contains(t, []int{1, -1}, result.Direction)
}

func TestIchimokuValidWithEnoughBars(t *testing.T) {
	result := CalculateIchimoku(risingBars(60), 9, 26, 52)
	assert.True(t, result.IsValid)
	assert.Greater(t, result.SenkouSpanA, 0.0)
}

func TestIchimokuInsufficientDataInvalid(t *testing.T) {
	result := CalculateIchimoku(risingBars(10), 9, 26, 52)
	assert.False(t, result.IsValid)
}
