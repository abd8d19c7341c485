package optimize

import (
	"fmt"

	"github.com/sawpanic/agentfabric/internal/indicators"
)

// HTFIndicatorCache memoizes one HTF indicator series per (type,
// period) pair so a sweep over many RSI/SL/TP combinations that share
// the same HTF filter settings never recomputes an SMA, EMA or
// SuperTrend series more than once. Ichimoku and MACD series are not
// cached.
type HTFIndicatorCache struct {
	bars  []indicators.PriceBar
	cache map[string][]float64
}

// NewHTFIndicatorCache builds a cache over htfBars' closes.
func NewHTFIndicatorCache(htfBars []indicators.PriceBar) *HTFIndicatorCache {
	return &HTFIndicatorCache{bars: htfBars, cache: map[string][]float64{}}
}

// SMA returns the period-SMA series over HTF closes, computed once
// and reused for every combination that shares this period.
func (c *HTFIndicatorCache) SMA(period int) []float64 {
	key := fmt.Sprintf("sma:%d", period)
	if v, ok := c.cache[key]; ok {
		return v
	}
	closes := c.closes()
	series := make([]float64, len(closes))
	for i := range closes {
		res := indicators.CalculateSMA(closes[:i+1], period)
		series[i] = res.Value
	}
	c.cache[key] = series
	return series
}

// EMA returns the period-EMA series over HTF closes.
func (c *HTFIndicatorCache) EMA(period int) []float64 {
	key := fmt.Sprintf("ema:%d", period)
	if v, ok := c.cache[key]; ok {
		return v
	}
	closes := c.closes()
	series := make([]float64, len(closes))
	for i := range closes {
		res := indicators.CalculateEMA(closes[:i+1], period)
		series[i] = res.Value
	}
	c.cache[key] = series
	return series
}

// SuperTrend returns the period/multiplier SuperTrend series.
func (c *HTFIndicatorCache) SuperTrend(period int, multiplier float64) []float64 {
	key := fmt.Sprintf("st:%d:%v", period, multiplier)
	if v, ok := c.cache[key]; ok {
		return v
	}
	series := make([]float64, len(c.bars))
	for i := range c.bars {
		res := indicators.CalculateSuperTrend(c.bars[:i+1], period, multiplier)
		series[i] = res.Value
	}
	c.cache[key] = series
	return series
}

func (c *HTFIndicatorCache) closes() []float64 {
	closes := make([]float64, len(c.bars))
	for i, b := range c.bars {
		closes[i] = b.Close
	}
	return closes
}
