package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	require.NoError(t, r.Register(Metric{Name: "x", Kind: Gauge}))
	err := r.Register(Metric{Name: "x", Kind: Gauge})
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestCounterIncrementAndAggregation(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	require.NoError(t, r.Register(Metric{Name: "requests_total", Kind: Counter}))

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Increment("requests_total", 1, map[string]string{"agent": "a1"}))
	}

	sum, err := r.Get("requests_total", map[string]string{"agent": "a1"}, AggSum, 3600)
	require.NoError(t, err)
	assert.Equal(t, 5.0, sum)

	count, err := r.Get("requests_total", map[string]string{"agent": "a1"}, AggCount, 3600)
	require.NoError(t, err)
	assert.Equal(t, 5.0, count)
}

func TestGetUnknownMetric(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	_, err := r.Get("nope", nil, AggSum, 60)
	require.ErrorIs(t, err, ErrUnknownMetric)
}

func TestPercentileAggregation(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	require.NoError(t, r.Register(Metric{Name: "latency", Kind: Histogram, Buckets: []float64{10, 50, 100}}))
	for _, v := range []float64{1, 2, 3, 4, 100} {
		require.NoError(t, r.Observe("latency", v, nil))
	}
	p50, err := r.Get("latency", nil, AggP50, 3600)
	require.NoError(t, err)
	assert.Equal(t, 3.0, p50)
}

func TestRetentionSweepDropsOldPoints(t *testing.T) {
	r := NewRegistry(Config{RetentionHours: 1, Namespace: "test"})
	require.NoError(t, r.Register(Metric{Name: "g", Kind: Gauge}))
	require.NoError(t, r.record("g", 1, nil, time.Now().UTC().Add(-2*time.Hour)))
	require.NoError(t, r.record("g", 2, nil, time.Now().UTC()))

	r.SweepExpired()
	snapshot := r.Snapshot()
	assert.Equal(t, 2.0, snapshot["g"])
}

func TestExportTextLineProtocolShape(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	require.NoError(t, r.Register(Metric{Name: "req_total", Kind: Counter, Description: "total requests"}))
	require.NoError(t, r.Increment("req_total", 3, map[string]string{"agent": "a1"}))

	out := r.ExportTextLineProtocol()
	assert.True(t, strings.Contains(out, "# HELP ai_agent_req_total total requests"))
	assert.True(t, strings.Contains(out, "# TYPE ai_agent_req_total counter"))
	assert.True(t, strings.Contains(out, `ai_agent_req_total{agent="a1"} 3`))
}

func TestExportHistogramBuckets(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	require.NoError(t, r.Register(Metric{Name: "lat", Kind: Histogram, Buckets: []float64{1, 5}}))
	require.NoError(t, r.Observe("lat", 0.5, nil))
	require.NoError(t, r.Observe("lat", 3, nil))

	out := r.ExportTextLineProtocol()
	assert.True(t, strings.Contains(out, `ai_agent_lat_bucket{le="1"} 1`))
	assert.True(t, strings.Contains(out, `ai_agent_lat_bucket{le="5"} 2`))
	assert.True(t, strings.Contains(out, `ai_agent_lat_bucket{le="+Inf"} 2`))
	assert.True(t, strings.Contains(out, "ai_agent_lat_sum 3.5"))
	assert.True(t, strings.Contains(out, "ai_agent_lat_count 2"))
}

func TestCallbackInvokedAfterObserve(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	require.NoError(t, r.Register(Metric{Name: "g", Kind: Gauge}))

	var seen float64
	r.OnObserve(func(name string, point TimeSeriesPoint) {
		seen = point.Value
	})
	require.NoError(t, r.Set("g", 42, nil))
	assert.Equal(t, 42.0, seen)
}

func TestCallbackPanicDoesNotPropagate(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	require.NoError(t, r.Register(Metric{Name: "g", Kind: Gauge}))
	r.OnObserve(func(name string, point TimeSeriesPoint) {
		panic("boom")
	})
	assert.NotPanics(t, func() {
		require.NoError(t, r.Set("g", 1, nil))
	})
}
