package pyramid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanAddEntryRespectsPyramidingCap(t *testing.T) {
	m := NewManager()
	assert.True(t, m.CanAddEntry(Long, 2))
	m.AddEntry(Long, 100, 1, 100, 0, time.Time{})
	assert.True(t, m.CanAddEntry(Long, 2))
	m.AddEntry(Long, 105, 1, 105, 1, time.Time{})
	assert.False(t, m.CanAddEntry(Long, 2))
}

func TestAvgEntryPriceIsSizeWeighted(t *testing.T) {
	m := NewManager()
	m.AddEntry(Long, 100, 2, 200, 0, time.Time{})
	m.AddEntry(Long, 110, 1, 110, 1, time.Time{})
	// (100*2 + 110*1) / 3 = 103.333...
	assert.InDelta(t, 103.333, m.Position(Long).AvgEntryPrice(), 0.01)
}

func TestFirstEntrySetsFirstEntryBar(t *testing.T) {
	m := NewManager()
	m.AddEntry(Long, 100, 1, 100, 7, time.Time{})
	assert.Equal(t, 7, m.Position(Long).FirstEntryBar)
}

func TestClosePartialAllSlicesEveryEntryProportionally(t *testing.T) {
	m := NewManager()
	m.AddEntry(Long, 100, 2, 200, 0, time.Time{})
	m.AddEntry(Long, 110, 2, 220, 1, time.Time{})

	slices, err := m.ClosePartial(Long, 120, 0.5, CloseAll)
	require.NoError(t, err)
	require.Len(t, slices, 2)
	assert.Equal(t, 1.0, slices[0].Size)
	assert.Equal(t, 1.0, slices[1].Size)
	assert.InDelta(t, 2.0, m.Position(Long).TotalSize(), 1e-9)
}

func TestClosePartialFIFOConsumesOldestFirst(t *testing.T) {
	m := NewManager()
	m.AddEntry(Long, 100, 2, 200, 0, time.Time{})
	m.AddEntry(Long, 110, 2, 220, 1, time.Time{})

	// Total size 4; closing 25% (1 unit) should come entirely from the
	// oldest (bar 0) entry.
	slices, err := m.ClosePartial(Long, 120, 0.25, CloseFIFO)
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, 100.0, slices[0].Entry.Price)
	assert.Equal(t, 1.0, slices[0].Size)
	assert.Equal(t, 3.0, m.Position(Long).TotalSize())
}

func TestClosePartialLIFOConsumesNewestFirst(t *testing.T) {
	m := NewManager()
	m.AddEntry(Long, 100, 2, 200, 0, time.Time{})
	m.AddEntry(Long, 110, 2, 220, 1, time.Time{})

	slices, err := m.ClosePartial(Long, 120, 0.25, CloseLIFO)
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, 110.0, slices[0].Entry.Price)
}

func TestClosePartialFIFOSpansMultipleEntries(t *testing.T) {
	m := NewManager()
	m.AddEntry(Long, 100, 2, 200, 0, time.Time{})
	m.AddEntry(Long, 110, 2, 220, 1, time.Time{})

	// Closing 75% of 4 = 3 units: consumes the entire first entry (2)
	// plus 1 from the second.
	slices, err := m.ClosePartial(Long, 120, 0.75, CloseFIFO)
	require.NoError(t, err)
	require.Len(t, slices, 2)
	assert.Equal(t, 2.0, slices[0].Size)
	assert.Equal(t, 1.0, slices[1].Size)
	assert.InDelta(t, 1.0, m.Position(Long).TotalSize(), 1e-9)
}

func TestClosePartialRejectsOutOfRangePortion(t *testing.T) {
	m := NewManager()
	m.AddEntry(Long, 100, 1, 100, 0, time.Time{})
	_, err := m.ClosePartial(Long, 100, 1.5, CloseAll)
	assert.Error(t, err)
}

func TestClosePartialOnFlatPositionIsNoop(t *testing.T) {
	m := NewManager()
	slices, err := m.ClosePartial(Long, 100, 0.5, CloseAll)
	require.NoError(t, err)
	assert.Nil(t, slices)
}

func TestClosePositionFlattensEntirely(t *testing.T) {
	m := NewManager()
	m.AddEntry(Long, 100, 1, 100, 0, time.Time{})
	m.AddEntry(Long, 105, 1, 105, 1, time.Time{})

	slices := m.ClosePosition(Long, 110)
	assert.Len(t, slices, 2)
	assert.True(t, m.Position(Long).IsFlat())
}

func TestPnLDirectionForLongAndShort(t *testing.T) {
	m := NewManager()
	m.AddEntry(Long, 100, 1, 100, 0, time.Time{})
	m.AddEntry(Short, 100, 1, 100, 0, time.Time{})

	longSlices := m.ClosePosition(Long, 110)
	shortSlices := m.ClosePosition(Short, 110)
	assert.InDelta(t, 10.0, longSlices[0].PnL, 1e-9)
	assert.InDelta(t, -10.0, shortSlices[0].PnL, 1e-9)
}

func TestGetTPAndSLPricesMirrorByDirection(t *testing.T) {
	assert.InDelta(t, 110.0, GetTPPrice(Long, 100, 0.1), 1e-9)
	assert.InDelta(t, 90.0, GetTPPrice(Short, 100, 0.1), 1e-9)
	assert.InDelta(t, 90.0, GetSLPrice(Long, 100, 0.1), 1e-9)
	assert.InDelta(t, 110.0, GetSLPrice(Short, 100, 0.1), 1e-9)
}

func TestGetATRTPAndSLPricesMirrorByDirection(t *testing.T) {
	assert.InDelta(t, 115.0, GetATRTPPrice(Long, 100, 5, 3), 1e-9)
	assert.InDelta(t, 85.0, GetATRTPPrice(Short, 100, 5, 3), 1e-9)
	assert.InDelta(t, 85.0, GetATRSLPrice(Long, 100, 5, 3), 1e-9)
	assert.InDelta(t, 115.0, GetATRSLPrice(Short, 100, 5, 3), 1e-9)
}

func TestGetMultiTPPricesStaircase(t *testing.T) {
	prices := GetMultiTPPrices(Long, 100, []float64{0.01, 0.02, 0.03})
	assert.Equal(t, []float64{101, 102, 103}, prices)
}

func TestGenerateSafetyOrderGridAccumulatesDeviationAndScalesVolume(t *testing.T) {
	orders := GenerateSafetyOrderGrid(3, 0.02, 1.5, 0.1, 2.0)
	require.Len(t, orders, 3)
	assert.InDelta(t, 0.02, orders[0].Deviation, 1e-9)
	assert.InDelta(t, 0.02+0.03, orders[1].Deviation, 1e-9)
	assert.InDelta(t, 0.1, orders[0].VolumeRatio, 1e-9)
	assert.InDelta(t, 0.2, orders[1].VolumeRatio, 1e-9)
}

func TestSafetyOrderFillsLongTriggersOnLowBreach(t *testing.T) {
	order := SafetyOrder{Deviation: 0.05}
	assert.True(t, SafetyOrderFills(Long, order, 100, 94, 101))
	assert.False(t, SafetyOrderFills(Long, order, 100, 96, 101))
}

func TestSafetyOrderFillsShortTriggersOnHighBreach(t *testing.T) {
	order := SafetyOrder{Deviation: 0.05}
	assert.True(t, SafetyOrderFills(Short, order, 100, 99, 106))
	assert.False(t, SafetyOrderFills(Short, order, 100, 99, 104))
}
