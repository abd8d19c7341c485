// Package marketregime classifies the prevailing price regime from a
// rolling window of closes, volumes, and ATR values, per §2 (C16)'s
// market_regime_* filter group.
//
// Ported from
// _examples/original_source/backend/backtesting/engines/fallback_engine_v4.py's
// MarketRegimeDetector: a simplified rescaled-range (R/S) Hurst
// exponent over log returns classifies trending vs. ranging behavior,
// an ATR percentile rank flags volatile regimes, and a volume z-score
// is carried alongside for callers that want it, though it does not
// itself gate should_trade.
package marketregime

import "math"

// Regime is the detector's current classification.
type Regime string

const (
	RegimeNormal   Regime = "normal"
	RegimeVolatile Regime = "volatile"
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
)

// Snapshot is one Classify() result.
type Snapshot struct {
	Regime              Regime
	Hurst               float64
	VolatilityPercentile float64
	VolumeZScore        float64
}

// Detector accumulates a bounded history of closes, volumes, and ATR
// values and classifies the regime from them. Construct via New; the
// zero value has a lookback of 0 and is not usable.
type Detector struct {
	lookback int
	closes   []float64
	volumes  []float64
	atrs     []float64
}

// New builds a Detector with the given lookback window. lookback <= 0
// defaults to 50, matching the source's default.
func New(lookback int) *Detector {
	if lookback <= 0 {
		lookback = 50
	}
	return &Detector{lookback: lookback}
}

// Update folds in one bar's close, volume, and ATR. Zero/negative
// volume or ATR (or NaN ATR) are skipped, matching the source's
// "> 0 and not NaN" guards — callers that don't track volume or ATR
// can pass 0 for either.
func (d *Detector) Update(close, volume, atr float64) {
	if close > 0 {
		d.closes = append(d.closes, close)
		if max := d.lookback * 2; len(d.closes) > max {
			d.closes = d.closes[len(d.closes)-max:]
		}
	}
	if volume > 0 {
		d.volumes = append(d.volumes, volume)
		if len(d.volumes) > d.lookback {
			d.volumes = d.volumes[len(d.volumes)-d.lookback:]
		}
	}
	if atr > 0 && !math.IsNaN(atr) {
		d.atrs = append(d.atrs, atr)
		if len(d.atrs) > d.lookback {
			d.atrs = d.atrs[len(d.atrs)-d.lookback:]
		}
	}
}

// Classify returns the current regime snapshot. Before lookback closes
// have accumulated it reports the neutral default rather than a noisy
// estimate.
func (d *Detector) Classify() Snapshot {
	if len(d.closes) < d.lookback {
		return Snapshot{Regime: RegimeNormal, Hurst: 0.5, VolatilityPercentile: 50.0}
	}
	hurst := d.hurst()
	volPct := d.volatilityPercentile()
	volZ := d.volumeZScore()

	regime := RegimeNormal
	switch {
	case volPct > 80:
		regime = RegimeVolatile
	case hurst > 0.55:
		regime = RegimeTrending
	case hurst < 0.45:
		regime = RegimeRanging
	}
	return Snapshot{Regime: regime, Hurst: hurst, VolatilityPercentile: volPct, VolumeZScore: volZ}
}

// ShouldTrade reports whether filter allows trading under the current
// regime. "all" always allows; "not_volatile" excludes only the
// volatile regime; any other value requires an exact regime match.
func (d *Detector) ShouldTrade(filter string) bool {
	switch filter {
	case "", "all":
		return true
	case "not_volatile":
		return d.Classify().Regime != RegimeVolatile
	default:
		return string(d.Classify().Regime) == filter
	}
}

// Reset drops all accumulated history.
func (d *Detector) Reset() {
	d.closes = nil
	d.volumes = nil
	d.atrs = nil
}

// hurst estimates the Hurst exponent via rescaled-range analysis over
// the last lookback closes' log returns, rescaled into [0, 1] the same
// way the source does (a crude approximation, not a rigorous
// estimator).
func (d *Detector) hurst() float64 {
	window := d.closes[len(d.closes)-d.lookback:]
	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 || window[i] <= 0 {
			return 0.5
		}
		returns = append(returns, math.Log(window[i]/window[i-1]))
	}
	n := len(returns)
	if n < 10 {
		return 0.5
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	cum, maxCum, minCum := 0.0, 0.0, 0.0
	variance := 0.0
	for _, r := range returns {
		dev := r - mean
		variance += dev * dev
		cum += dev
		if cum > maxCum {
			maxCum = cum
		}
		if cum < minCum {
			minCum = cum
		}
	}
	std := math.Sqrt(variance / float64(n))
	if std == 0 {
		return 0.5
	}
	rs := (maxCum - minCum) / std
	if rs <= 0 {
		return 0.5
	}
	h := math.Log(rs)/math.Log(float64(n))*0.7 + 0.15
	return clamp01(h)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// volatilityPercentile ranks the latest ATR against the rest of the
// window: the fraction of prior values strictly below it, as a
// percentage.
func (d *Detector) volatilityPercentile() float64 {
	if len(d.atrs) < 2 {
		return 50.0
	}
	current := d.atrs[len(d.atrs)-1]
	below := 0
	for _, v := range d.atrs[:len(d.atrs)-1] {
		if v < current {
			below++
		}
	}
	return float64(below) / float64(len(d.atrs)-1) * 100
}

// volumeZScore standardizes the latest volume against the mean/stddev
// of the rest of the window.
func (d *Detector) volumeZScore() float64 {
	if len(d.volumes) < 2 {
		return 0.0
	}
	prior := d.volumes[:len(d.volumes)-1]
	mean := 0.0
	for _, v := range prior {
		mean += v
	}
	mean /= float64(len(prior))
	variance := 0.0
	for _, v := range prior {
		dev := v - mean
		variance += dev * dev
	}
	std := math.Sqrt(variance / float64(len(prior)))
	if std == 0 {
		return 0.0
	}
	return (d.volumes[len(d.volumes)-1] - mean) / std
}
