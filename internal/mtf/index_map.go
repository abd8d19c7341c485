// Package mtf implements the backtest engine's multi-timeframe index
// alignment: mapping each LTF bar to the HTF bar visible at that
// instant, per spec §4.12.
package mtf

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookaheadMode controls whether an HTF bar is "visible" to an LTF bar
// while it is still forming.
type LookaheadMode string

const (
	// LookaheadNone is the default, correctness-required mode: an HTF
	// bar only becomes visible once it has closed.
	LookaheadNone LookaheadMode = "none"
	// LookaheadAllow treats an HTF bar as visible as soon as it opens.
	LookaheadAllow LookaheadMode = "allow"
)

// CreateHTFIndexMap returns, for each ltfTimestamps[i], the largest HTF
// index visible at that instant under mode, or -1 if none is yet
// visible. The result is monotone non-decreasing and never points to
// the future (§8 testable invariant).
func CreateHTFIndexMap(ltfTimestamps, htfTimestamps []time.Time, mode LookaheadMode) []int {
	out := make([]int, len(ltfTimestamps))
	htfIdx := -1

	for i, t := range ltfTimestamps {
		// htfIdx advances to the largest m with htf[m].Open <= t: the
		// newest HTF bar that has at least started forming.
		for htfIdx+1 < len(htfTimestamps) && !htfTimestamps[htfIdx+1].After(t) {
			htfIdx++
		}
		if mode == LookaheadAllow {
			out[i] = htfIdx
			continue
		}
		// Strict mode: bar k only counts once it has closed, i.e. bar
		// k+1 has opened, so the visible index trails the "opened"
		// index by one.
		out[i] = htfIdx - 1
		if out[i] < -1 {
			out[i] = -1
		}
	}
	return out
}

// IntervalToMinutes parses an interval string into its minute count.
// Supports integer strings (minutes), "D" (1440), "W" (10080), and "M"
// (43200).
func IntervalToMinutes(interval string) (int, error) {
	switch strings.ToUpper(interval) {
	case "D":
		return 1440, nil
	case "W":
		return 10080, nil
	case "M":
		return 43200, nil
	}
	minutes, err := strconv.Atoi(interval)
	if err != nil {
		return 0, fmt.Errorf("mtf: invalid interval %q: %w", interval, err)
	}
	return minutes, nil
}

// CalculateBarsRatio returns htf_minutes / ltf_minutes, the number of
// LTF bars per HTF bar. The ratio must be >= 1; ltf must not exceed htf.
func CalculateBarsRatio(ltfInterval, htfInterval string) (float64, error) {
	ltfMin, err := IntervalToMinutes(ltfInterval)
	if err != nil {
		return 0, err
	}
	htfMin, err := IntervalToMinutes(htfInterval)
	if err != nil {
		return 0, err
	}
	if ltfMin <= 0 {
		return 0, fmt.Errorf("mtf: ltf interval must be positive, got %q", ltfInterval)
	}
	ratio := float64(htfMin) / float64(ltfMin)
	if ratio < 1 {
		return 0, fmt.Errorf("mtf: htf interval %q must be >= ltf interval %q", htfInterval, ltfInterval)
	}
	return ratio, nil
}
