// Package pyramid implements the backtest engine's pyramiding / DCA
// position manager (§4.11, §2 C15): a per-direction stack of entries,
// weighted-average entry pricing, proportional/FIFO/LIFO partial
// closes, and a DCA safety-order grid.
//
// Grounded in internal/domain/guards/safety.go's per-check
// Result{Passed, Reason, Value, Threshold} idiom — reused here as the
// safety-order grid's per-level Deviation/VolumeRatio table, and in
// the same file's stateful, regime-parameterized guard evaluation
// shape for how the manager accumulates state across calls.
package pyramid

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Direction is a position's side.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// CloseRule controls which open entries are consumed first by a
// partial close.
type CloseRule string

const (
	// CloseAll closes a proportional slice of every open entry (the
	// default, matching the original engine's close_entries_rule).
	CloseAll CloseRule = "ALL"
	// CloseFIFO closes the oldest entries first.
	CloseFIFO CloseRule = "FIFO"
	// CloseLIFO closes the newest entries first.
	CloseLIFO CloseRule = "LIFO"
)

// Entry is one stacked position leg.
type Entry struct {
	Price   float64
	Size    float64
	Capital float64
	BarIdx  int
	Time    time.Time
}

// ClosedSlice is one partial-close or full-close record, the raw
// material for a backtest trade record.
type ClosedSlice struct {
	Entry      Entry
	ClosePrice float64
	Size       float64
	PnL        float64
}

func pnl(dir Direction, entryPrice, closePrice, size float64) float64 {
	if dir == Short {
		return (entryPrice - closePrice) * size
	}
	return (closePrice - entryPrice) * size
}

// Position is the stacked state for one direction.
type Position struct {
	Direction     Direction
	Entries       []Entry
	FirstEntryBar int
}

// TotalSize returns the sum of all open entries' sizes.
func (p *Position) TotalSize() float64 {
	total := 0.0
	for _, e := range p.Entries {
		total += e.Size
	}
	return total
}

// AvgEntryPrice returns Σ(price·size)/Σsize, or 0 if flat.
func (p *Position) AvgEntryPrice() float64 {
	totalSize, weighted := 0.0, 0.0
	for _, e := range p.Entries {
		totalSize += e.Size
		weighted += e.Price * e.Size
	}
	if totalSize == 0 {
		return 0
	}
	return weighted / totalSize
}

// IsFlat reports whether the position holds no entries.
func (p *Position) IsFlat() bool { return len(p.Entries) == 0 }

// Manager tracks independent long and short positions so both can be
// open simultaneously under hedge_mode.
type Manager struct {
	positions map[Direction]*Position
}

// NewManager returns a manager with both directions flat.
func NewManager() *Manager {
	return &Manager{positions: map[Direction]*Position{
		Long:  {Direction: Long},
		Short: {Direction: Short},
	}}
}

// Position returns the live position for dir.
func (m *Manager) Position(dir Direction) *Position { return m.positions[dir] }

// CanAddEntry reports whether dir's stack has room under the
// pyramiding cap.
func (m *Manager) CanAddEntry(dir Direction, pyramiding int) bool {
	return len(m.positions[dir].Entries) < pyramiding
}

// AddEntry appends a new leg to dir's stack.
func (m *Manager) AddEntry(dir Direction, price, size, capital float64, barIdx int, t time.Time) {
	pos := m.positions[dir]
	if pos.IsFlat() {
		pos.FirstEntryBar = barIdx
	}
	pos.Entries = append(pos.Entries, Entry{Price: price, Size: size, Capital: capital, BarIdx: barIdx, Time: t})
}

// orderedEntries returns pos.Entries ordered oldest-first or
// newest-first per rule. CloseAll's order doesn't matter since every
// entry is touched.
func orderedEntries(entries []Entry, rule CloseRule) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	switch rule {
	case CloseLIFO:
		sort.SliceStable(out, func(i, j int) bool { return out[i].BarIdx > out[j].BarIdx })
	default: // CloseFIFO and CloseAll both iterate oldest-first
		sort.SliceStable(out, func(i, j int) bool { return out[i].BarIdx < out[j].BarIdx })
	}
	return out
}

// ClosePartial closes portion (0,1] of dir's stack at price, under
// rule. CloseAll takes a proportional slice of every entry; CloseFIFO
// and CloseLIFO consume whole entries oldest/newest-first until the
// target size is closed, partially closing at most one trailing
// entry. Returns one ClosedSlice per touched entry; the remaining open
// entries stay on dir's position.
func (m *Manager) ClosePartial(dir Direction, price, portion float64, rule CloseRule) ([]ClosedSlice, error) {
	if portion <= 0 || portion > 1 {
		return nil, fmt.Errorf("pyramid: portion must be in (0,1], got %v", portion)
	}
	pos := m.positions[dir]
	if pos.IsFlat() {
		return nil, nil
	}

	if rule == CloseAll {
		var slices []ClosedSlice
		remaining := make([]Entry, 0, len(pos.Entries))
		for _, e := range pos.Entries {
			closeSize := e.Size * portion
			slices = append(slices, ClosedSlice{
				Entry:      e,
				ClosePrice: price,
				Size:       closeSize,
				PnL:        pnl(dir, e.Price, price, closeSize),
			})
			if remain := e.Size - closeSize; remain > 1e-12 {
				e.Size = remain
				e.Capital *= (1 - portion)
				remaining = append(remaining, e)
			}
		}
		pos.Entries = remaining
		return slices, nil
	}

	targetSize := pos.TotalSize() * portion
	ordered := orderedEntries(pos.Entries, rule)
	closedBarIdx := map[int]bool{}
	var slices []ClosedSlice
	remainingBySize := map[int]float64{}

	for _, e := range ordered {
		if targetSize <= 1e-12 {
			break
		}
		closeSize := math.Min(e.Size, targetSize)
		slices = append(slices, ClosedSlice{
			Entry:      e,
			ClosePrice: price,
			Size:       closeSize,
			PnL:        pnl(dir, e.Price, price, closeSize),
		})
		targetSize -= closeSize
		closedBarIdx[e.BarIdx] = true
		if remain := e.Size - closeSize; remain > 1e-12 {
			remainingBySize[e.BarIdx] = remain
		}
	}

	var remaining []Entry
	for _, e := range pos.Entries {
		if !closedBarIdx[e.BarIdx] {
			remaining = append(remaining, e)
			continue
		}
		if remain, ok := remainingBySize[e.BarIdx]; ok {
			e.Capital *= remain / e.Size
			e.Size = remain
			remaining = append(remaining, e)
		}
	}
	pos.Entries = remaining
	return slices, nil
}

// ClosePosition closes every open entry in dir at price, flattening
// it. Equivalent to ClosePartial(dir, price, 1.0, CloseAll) but
// guaranteed to leave zero entries regardless of rounding.
func (m *Manager) ClosePosition(dir Direction, price float64) []ClosedSlice {
	pos := m.positions[dir]
	slices := make([]ClosedSlice, 0, len(pos.Entries))
	for _, e := range pos.Entries {
		slices = append(slices, ClosedSlice{
			Entry:      e,
			ClosePrice: price,
			Size:       e.Size,
			PnL:        pnl(dir, e.Price, price, e.Size),
		})
	}
	pos.Entries = nil
	return slices
}

// GetTPPrice returns the fixed-percentage take-profit price relative
// to avg: avg·(1+level) long, avg·(1−level) short.
func GetTPPrice(dir Direction, avg, level float64) float64 {
	if dir == Short {
		return avg * (1 - level)
	}
	return avg * (1 + level)
}

// GetSLPrice returns the fixed-percentage stop-loss price relative to
// avg: avg·(1−level) long, avg·(1+level) short.
func GetSLPrice(dir Direction, avg, level float64) float64 {
	if dir == Short {
		return avg * (1 + level)
	}
	return avg * (1 - level)
}

// GetATRTPPrice returns an ATR-multiple take-profit price:
// avg + atr·multiplier long, avg − atr·multiplier short.
func GetATRTPPrice(dir Direction, avg, atr, multiplier float64) float64 {
	if dir == Short {
		return avg - atr*multiplier
	}
	return avg + atr*multiplier
}

// GetATRSLPrice returns an ATR-multiple stop-loss price:
// avg − atr·multiplier long, avg + atr·multiplier short.
func GetATRSLPrice(dir Direction, avg, atr, multiplier float64) float64 {
	if dir == Short {
		return avg + atr*multiplier
	}
	return avg - atr*multiplier
}

// GetMultiTPPrices returns avg·(1±level_i) for each level in levels,
// the MULTI mode's staircase of take-profit prices.
func GetMultiTPPrices(dir Direction, avg float64, levels []float64) []float64 {
	prices := make([]float64, len(levels))
	for i, l := range levels {
		prices[i] = GetTPPrice(dir, avg, l)
	}
	return prices
}

// SafetyOrder is one unfilled DCA grid level: the cumulative price
// deviation from base at which it fills, and the fraction of
// available cash it consumes.
type SafetyOrder struct {
	Deviation   float64
	VolumeRatio float64
}

// GenerateSafetyOrderGrid builds count safety orders with deviation
// step i scaled by stepScale^(i-1) from baseDeviation and accumulated,
// and volume ratio scaled by volumeScale^(i-1) from baseVolumeRatio —
// the standard DCA-bot grid shape referenced by §4.10 step 9.
func GenerateSafetyOrderGrid(count int, baseDeviation, stepScale, baseVolumeRatio, volumeScale float64) []SafetyOrder {
	orders := make([]SafetyOrder, count)
	cumulative := 0.0
	stepDeviation := baseDeviation
	volume := baseVolumeRatio
	for i := 0; i < count; i++ {
		if i > 0 {
			stepDeviation *= stepScale
			volume *= volumeScale
		}
		cumulative += stepDeviation
		orders[i] = SafetyOrder{Deviation: cumulative, VolumeRatio: volume}
	}
	return orders
}

// SafetyOrderFills reports whether order fills given the position's
// base (first-entry) price and the current bar's low/high: for longs
// it fills once low drops to base·(1−deviation); for shorts once high
// rises to base·(1+deviation).
func SafetyOrderFills(dir Direction, order SafetyOrder, basePrice, low, high float64) bool {
	if dir == Short {
		return high >= basePrice*(1+order.Deviation)
	}
	return low <= basePrice*(1-order.Deviation)
}
