// Package indicators implements the backtest engine's technical
// indicator library (SMA, EMA, RSI, ATR, MACD, Bollinger, SuperTrend,
// Ichimoku, ADX), per spec §2 (C12) and §4.10's mode matrix.
//
// RSI/ATR/ADX are adapted from
// internal/domain/indicators/technical.go, kept in its
// Wilder's-smoothing form and its XResult{Value, Period, IsValid,
// DataCount} result idiom, which the new indicators below reuse.
package indicators

import "math"

// PriceBar is one OHLC candle, the shared input shape for bar-based
// indicators.
type PriceBar struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// RSIResult is CalculateRSI's output.
type RSIResult struct {
	Value     float64 `json:"value"`
	Period    int     `json:"period"`
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

// CalculateRSI computes Wilder's RSI over prices.
func CalculateRSI(prices []float64, period int) RSIResult {
	if len(prices) < period+1 {
		return RSIResult{Value: 50.0, Period: period, IsValid: false, DataCount: len(prices)}
	}

	changes := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		changes[i-1] = prices[i] - prices[i-1]
	}

	gains := make([]float64, len(changes))
	losses := make([]float64, len(changes))
	for i, change := range changes {
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 0; i < period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	alpha := 1.0 / float64(period)
	for i := period; i < len(changes); i++ {
		avgGain = avgGain*(1-alpha) + gains[i]*alpha
		avgLoss = avgLoss*(1-alpha) + losses[i]*alpha
	}

	if avgLoss == 0 {
		return RSIResult{Value: 100.0, Period: period, IsValid: true, DataCount: len(prices)}
	}
	rs := avgGain / avgLoss
	rsi := 100.0 - (100.0 / (1.0 + rs))
	return RSIResult{Value: rsi, Period: period, IsValid: true, DataCount: len(prices)}
}

// RSISeries computes RSI aligned to every index of prices (0 before
// the indicator has enough history), the per-bar analogue of
// CalculateRSI used by the optimizer (C17) to build entry/exit signal
// arrays without an O(n²) re-scan per bar.
func RSISeries(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	if period <= 0 || len(prices) < period+1 {
		return out
	}
	changes := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		changes[i-1] = prices[i] - prices[i-1]
	}
	gains := make([]float64, len(changes))
	losses := make([]float64, len(changes))
	for i, c := range changes {
		if c > 0 {
			gains[i] = c
		} else {
			losses[i] = -c
		}
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 0; i < period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFromAverages(avgGain, avgLoss)

	alpha := 1.0 / float64(period)
	for i := period; i < len(changes); i++ {
		avgGain = avgGain*(1-alpha) + gains[i]*alpha
		avgLoss = avgLoss*(1-alpha) + losses[i]*alpha
		out[i+1] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// ATRResult is CalculateATR's output.
type ATRResult struct {
	Value     float64 `json:"value"`
	Period    int     `json:"period"`
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

func trueRanges(bars []PriceBar) []float64 {
	tr := make([]float64, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		cur, prevClose := bars[i], bars[i-1].Close
		hl := cur.High - cur.Low
		hc := math.Abs(cur.High - prevClose)
		lc := math.Abs(cur.Low - prevClose)
		tr[i-1] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// CalculateATR computes Wilder's Average True Range over bars.
func CalculateATR(bars []PriceBar, period int) ATRResult {
	if len(bars) < period+1 {
		return ATRResult{Period: period, IsValid: false, DataCount: len(bars)}
	}
	tr := trueRanges(bars)
	if len(tr) < period {
		return ATRResult{Period: period, IsValid: false, DataCount: len(bars)}
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += tr[i]
	}
	atr /= float64(period)

	alpha := 1.0 / float64(period)
	for i := period; i < len(tr); i++ {
		atr = atr*(1-alpha) + tr[i]*alpha
	}
	return ATRResult{Value: atr, Period: period, IsValid: true, DataCount: len(bars)}
}

// ADXResult is CalculateADX's output.
type ADXResult struct {
	ADX       float64 `json:"adx"`
	PDI       float64 `json:"pdi"`
	MDI       float64 `json:"mdi"`
	Period    int     `json:"period"`
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

// CalculateADX computes the Average Directional Index and its +DI/-DI
// components.
func CalculateADX(bars []PriceBar, period int) ADXResult {
	if len(bars) < period*2+1 {
		return ADXResult{Period: period, IsValid: false, DataCount: len(bars)}
	}

	tr := trueRanges(bars)
	plusDM := make([]float64, len(bars)-1)
	minusDM := make([]float64, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		cur, prev := bars[i], bars[i-1]
		plusMove := cur.High - prev.High
		minusMove := prev.Low - cur.Low
		if plusMove > minusMove && plusMove > 0 {
			plusDM[i-1] = plusMove
		}
		if minusMove > plusMove && minusMove > 0 {
			minusDM[i-1] = minusMove
		}
	}

	if len(tr) < period {
		return ADXResult{Period: period, IsValid: false, DataCount: len(bars)}
	}

	smoothedTR, smoothedPlusDM, smoothedMinusDM := 0.0, 0.0, 0.0
	for i := 0; i < period; i++ {
		smoothedTR += tr[i]
		smoothedPlusDM += plusDM[i]
		smoothedMinusDM += minusDM[i]
	}
	alpha := 1.0 / float64(period)
	for i := period; i < len(tr); i++ {
		smoothedTR = smoothedTR*(1-alpha) + tr[i]*alpha
		smoothedPlusDM = smoothedPlusDM*(1-alpha) + plusDM[i]*alpha
		smoothedMinusDM = smoothedMinusDM*(1-alpha) + minusDM[i]*alpha
	}

	var pdi, mdi, adx float64
	if smoothedTR > 0 {
		pdi = 100.0 * smoothedPlusDM / smoothedTR
		mdi = 100.0 * smoothedMinusDM / smoothedTR
		if sum := pdi + mdi; sum > 0 {
			adx = 100.0 * math.Abs(pdi-mdi) / sum
		}
	}
	return ADXResult{ADX: adx, PDI: pdi, MDI: mdi, Period: period, IsValid: true, DataCount: len(bars)}
}

// SMAResult is CalculateSMA's output.
type SMAResult struct {
	Value     float64 `json:"value"`
	Period    int     `json:"period"`
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

// CalculateSMA computes the simple moving average of the last period
// values.
func CalculateSMA(values []float64, period int) SMAResult {
	if len(values) < period || period <= 0 {
		return SMAResult{Period: period, IsValid: false, DataCount: len(values)}
	}
	sum := 0.0
	window := values[len(values)-period:]
	for _, v := range window {
		sum += v
	}
	return SMAResult{Value: sum / float64(period), Period: period, IsValid: true, DataCount: len(values)}
}

// SMASeries computes the simple moving average aligned to every index
// of values (0 before the indicator has enough history), the per-bar
// analogue of CalculateSMA used by trend filters that need the full
// series rather than a single point.
func SMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out[period-1] = sum / float64(period)
	for i := period; i < len(values); i++ {
		sum += values[i] - values[i-period]
		out[i] = sum / float64(period)
	}
	return out
}

// EMAResult is CalculateEMA's output.
type EMAResult struct {
	Value     float64 `json:"value"`
	Period    int     `json:"period"`
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

// CalculateEMA computes the exponential moving average over the full
// values series, seeded with an SMA over the first period values.
func CalculateEMA(values []float64, period int) EMAResult {
	if len(values) < period || period <= 0 {
		return EMAResult{Period: period, IsValid: false, DataCount: len(values)}
	}
	series := emaSeries(values, period)
	return EMAResult{Value: series[len(series)-1], Period: period, IsValid: true, DataCount: len(values)}
}

// emaSeries returns the EMA value aligned to each input index from
// period-1 onward (shorter by period-1 entries than values).
func emaSeries(values []float64, period int) []float64 {
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)

	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)
	k := 2.0 / (float64(period) + 1.0)
	ema := seed
	for i := period; i < len(values); i++ {
		ema = values[i]*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}

// MACDResult is CalculateMACD's output: the MACD line, its signal line,
// and their difference (the histogram).
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

// CalculateMACD computes MACD(fast, slow, signal) over a price series.
func CalculateMACD(prices []float64, fast, slow, signal int) MACDResult {
	if len(prices) < slow+signal {
		return MACDResult{DataCount: len(prices)}
	}
	fastEMA := emaSeries(prices, fast)
	slowEMA := emaSeries(prices, slow)

	offset := len(fastEMA) - len(slowEMA)
	macdLine := make([]float64, len(slowEMA))
	for i := range slowEMA {
		macdLine[i] = fastEMA[i+offset] - slowEMA[i]
	}
	if len(macdLine) < signal {
		return MACDResult{DataCount: len(prices)}
	}
	signalSeries := emaSeries(macdLine, signal)

	macd := macdLine[len(macdLine)-1]
	sig := signalSeries[len(signalSeries)-1]
	return MACDResult{MACD: macd, Signal: sig, Histogram: macd - sig, IsValid: true, DataCount: len(prices)}
}

// BollingerResult is CalculateBollinger's output.
type BollingerResult struct {
	Upper     float64 `json:"upper"`
	Middle    float64 `json:"middle"`
	Lower     float64 `json:"lower"`
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

// CalculateBollinger computes Bollinger Bands (SMA ± stdDevMultiple *
// population std-dev) over the last period prices.
func CalculateBollinger(prices []float64, period int, stdDevMultiple float64) BollingerResult {
	sma := CalculateSMA(prices, period)
	if !sma.IsValid {
		return BollingerResult{DataCount: len(prices)}
	}
	window := prices[len(prices)-period:]
	variance := 0.0
	for _, p := range window {
		d := p - sma.Value
		variance += d * d
	}
	variance /= float64(period)
	stdDev := math.Sqrt(variance)

	return BollingerResult{
		Upper:     sma.Value + stdDevMultiple*stdDev,
		Middle:    sma.Value,
		Lower:     sma.Value - stdDevMultiple*stdDev,
		IsValid:   true,
		DataCount: len(prices),
	}
}

// SuperTrendResult is CalculateSuperTrend's output.
type SuperTrendResult struct {
	Value     float64 `json:"value"`
	Direction int     `json:"direction"` // 1 = uptrend, -1 = downtrend
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

// CalculateSuperTrend computes the SuperTrend indicator over bars using
// an ATR-based band walk: the final bar's trend direction and level.
func CalculateSuperTrend(bars []PriceBar, period int, multiplier float64) SuperTrendResult {
	atr := CalculateATR(bars, period)
	if !atr.IsValid {
		return SuperTrendResult{DataCount: len(bars)}
	}

	direction := 1
	trend := 0.0
	for i := period; i < len(bars); i++ {
		bar := bars[i]
		hl2 := (bar.High + bar.Low) / 2
		upperBand := hl2 + multiplier*atr.Value
		lowerBand := hl2 - multiplier*atr.Value

		if direction == 1 {
			if bar.Close < lowerBand {
				direction = -1
				trend = upperBand
			} else {
				trend = lowerBand
			}
		} else {
			if bar.Close > upperBand {
				direction = 1
				trend = lowerBand
			} else {
				trend = upperBand
			}
		}
	}

	return SuperTrendResult{Value: trend, Direction: direction, IsValid: true, DataCount: len(bars)}
}

// IchimokuResult is CalculateIchimoku's output: the cloud's five
// standard lines evaluated at the latest bar.
type IchimokuResult struct {
	TenkanSen   float64 `json:"tenkan_sen"`
	KijunSen    float64 `json:"kijun_sen"`
	SenkouSpanA float64 `json:"senkou_span_a"`
	SenkouSpanB float64 `json:"senkou_span_b"`
	ChikouSpan  float64 `json:"chikou_span"`
	IsValid     bool    `json:"is_valid"`
	DataCount   int     `json:"data_count"`
}

// CalculateIchimoku computes the Ichimoku Kinko Hyo lines with the
// standard 9/26/52 periods (conversion/base/span-B).
func CalculateIchimoku(bars []PriceBar, conversionPeriod, basePeriod, spanBPeriod int) IchimokuResult {
	if len(bars) < spanBPeriod {
		return IchimokuResult{DataCount: len(bars)}
	}

	tenkan := midpoint(bars, conversionPeriod)
	kijun := midpoint(bars, basePeriod)
	spanA := (tenkan + kijun) / 2
	spanB := midpoint(bars, spanBPeriod)
	chikou := bars[len(bars)-1].Close

	return IchimokuResult{
		TenkanSen:   tenkan,
		KijunSen:    kijun,
		SenkouSpanA: spanA,
		SenkouSpanB: spanB,
		ChikouSpan:  chikou,
		IsValid:     true,
		DataCount:   len(bars),
	}
}

// midpoint returns (highest high + lowest low)/2 over the last period
// bars, the building block shared by Ichimoku's lines.
func midpoint(bars []PriceBar, period int) float64 {
	if period > len(bars) {
		period = len(bars)
	}
	window := bars[len(bars)-period:]
	highest, lowest := window[0].High, window[0].Low
	for _, b := range window {
		if b.High > highest {
			highest = b.High
		}
		if b.Low < lowest {
			lowest = b.Low
		}
	}
	return (highest + lowest) / 2
}
