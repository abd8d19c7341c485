// Package metrics implements the agent coordination fabric's metrics
// registry: counters, gauges, histograms and summaries, with windowed
// aggregation and a Prometheus text exporter.
//
// The storage shape generalizes the per-(provider,circuit) map-of-structs
// the teacher kept in internal/metrics/collector.go into a generic
// (name, label tuple) -> series map, guarded by a single RWMutex the way
// the teacher guards its Collector.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Kind identifies the metric type, mirroring Prometheus's type system.
type Kind int

const (
	Counter Kind = iota
	Gauge
	Histogram
	Summary
)

func (k Kind) String() string {
	switch k {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Histogram:
		return "histogram"
	case Summary:
		return "summary"
	default:
		return "unknown"
	}
}

// Aggregation selects how a windowed query reduces points to a value.
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
	AggRate  Aggregation = "rate"
	AggP50   Aggregation = "p50"
	AggP95   Aggregation = "p95"
	AggP99   Aggregation = "p99"
)

var (
	// ErrUnknownMetric is returned when a caller references a metric name
	// that was never registered.
	ErrUnknownMetric = errors.New("metrics: unknown metric")
	// ErrAlreadyRegistered is returned by Register for a duplicate name.
	ErrAlreadyRegistered = errors.New("metrics: metric already registered")
)

// Metric is the static definition of a named series family.
type Metric struct {
	Name        string
	Kind        Kind
	Description string
	Unit        string
	LabelKeys   []string  // ordered label schema
	Buckets     []float64 // histogram upper bounds ("le"), monotonic
}

// TimeSeriesPoint is one observed sample.
type TimeSeriesPoint struct {
	Value  float64
	Instant time.Time
	Labels  map[string]string
}

// Callback is invoked synchronously after a successful observe. Errors
// are logged, never propagated (§4.1).
type Callback func(name string, point TimeSeriesPoint)

type series struct {
	points       []TimeSeriesPoint
	sum          float64
	count        int64
	bucketCounts []int64 // cumulative, parallel to Metric.Buckets
}

// Registry is the thread-safe metrics store. Zero value is not usable;
// construct with NewRegistry.
//
// Alongside its own windowed (name, label-tuple) -> series map, the
// registry mirrors every observation into a real prometheus.Registry
// of Counter/Gauge/HistogramVec collectors (§6.3's "exercise
// client_golang's collector types, not just their text format"). The
// hand-rolled series remains authoritative for windowed Get()/Snapshot
// queries, since client_golang's own collectors only ever expose
// current state, never history; the prometheus-backed vecs exist so
// PrometheusGatherer() can hand a real prometheus.Gatherer to anything
// that wants one (an HTTP /metrics handler, a push-gateway client).
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]*Metric
	series    map[string]map[string]*series // name -> labelKey -> series
	retention time.Duration
	namespace string
	callbacks []Callback
	lastSweep time.Time

	prom       *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	summaries  map[string]*prometheus.SummaryVec
	labelNames map[string][]string // metric name -> label names the vec was created with
}

// Config configures retention and text-export namespace.
type Config struct {
	RetentionHours int    // default 24
	Namespace      string // default "ai_agent"
}

func DefaultConfig() Config {
	return Config{RetentionHours: 24, Namespace: "ai_agent"}
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 24
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "ai_agent"
	}
	return &Registry{
		defs:      make(map[string]*Metric),
		series:    make(map[string]map[string]*series),
		retention: time.Duration(cfg.RetentionHours) * time.Hour,
		namespace: cfg.Namespace,

		prom:       prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		summaries:  make(map[string]*prometheus.SummaryVec),
		labelNames: make(map[string][]string),
	}
}

// PrometheusGatherer exposes the registry's mirrored client_golang
// collectors, e.g. for wiring into promhttp.Handler in a caller that
// wants a real /metrics endpoint rather than ExportTextLineProtocol's
// string.
func (r *Registry) PrometheusGatherer() prometheus.Gatherer {
	return r.prom
}

// OnObserve registers a callback invoked after every successful
// increment/set/observe call, outside the registry's lock.
func (r *Registry) OnObserve(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Register adds a metric definition. Histogram buckets must be
// monotonically increasing.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[m.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, m.Name)
	}
	if m.Kind == Histogram {
		sorted := append([]float64(nil), m.Buckets...)
		sort.Float64s(sorted)
		m.Buckets = sorted
	}
	def := m
	r.defs[m.Name] = &def
	r.series[m.Name] = make(map[string]*series)
	return nil
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func (r *Registry) seriesFor(name string, labels map[string]string) (*series, error) {
	byLabel, ok := r.series[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	key := labelKey(labels)
	s, ok := byLabel[key]
	if !ok {
		def := r.defs[name]
		s = &series{}
		if def.Kind == Histogram {
			s.bucketCounts = make([]int64, len(def.Buckets))
		}
		byLabel[key] = s
	}
	return s, nil
}

func (r *Registry) record(name string, value float64, labels map[string]string, now time.Time) error {
	r.mu.Lock()
	s, err := r.seriesFor(name, labels)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	def := r.defs[name]
	point := TimeSeriesPoint{Value: value, Instant: now, Labels: labels}
	s.points = append(s.points, point)
	s.sum += value
	s.count++
	if def.Kind == Histogram {
		for i, bound := range def.Buckets {
			if value <= bound {
				s.bucketCounts[i]++
			}
		}
	}
	r.dropExpiredLocked(s, now)
	r.mirrorToPrometheusLocked(def, value, labels)
	callbacks := append([]Callback(nil), r.callbacks...)
	r.mu.Unlock()

	for _, cb := range callbacks {
		safeCallback(cb, name, point)
	}
	return nil
}

// mirrorToPrometheusLocked pushes the just-recorded sample into the
// matching client_golang collector, creating it lazily on first write
// with whatever label names this observation (or the Metric's declared
// LabelKeys) carries. Mismatched label schemas across calls for the
// same metric name are logged and dropped rather than panicking,
// since the hand-rolled series above remains the source of truth for
// Get()/Snapshot() regardless of whether the mirror succeeds.
func (r *Registry) mirrorToPrometheusLocked(def *Metric, value float64, labels map[string]string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().Interface("panic", rec).Str("metric", def.Name).Msg("metrics: prometheus mirror write failed")
		}
	}()

	names, ok := r.labelNames[def.Name]
	if !ok {
		names = def.LabelKeys
		if len(names) == 0 {
			names = sortedKeys(labels)
		}
		r.labelNames[def.Name] = names
	}
	values := orderedValues(labels, names)
	fqName := r.namespace + "_" + def.Name

	switch def.Kind {
	case Counter:
		vec, ok := r.counters[def.Name]
		if !ok {
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: fqName, Help: def.Description}, names)
			r.prom.MustRegister(vec)
			r.counters[def.Name] = vec
		}
		vec.WithLabelValues(values...).Add(value)
	case Gauge:
		vec, ok := r.gauges[def.Name]
		if !ok {
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: fqName, Help: def.Description}, names)
			r.prom.MustRegister(vec)
			r.gauges[def.Name] = vec
		}
		vec.WithLabelValues(values...).Set(value)
	case Histogram:
		vec, ok := r.histograms[def.Name]
		if !ok {
			buckets := def.Buckets
			if len(buckets) == 0 {
				buckets = prometheus.DefBuckets
			}
			vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: fqName, Help: def.Description, Buckets: buckets}, names)
			r.prom.MustRegister(vec)
			r.histograms[def.Name] = vec
		}
		vec.WithLabelValues(values...).Observe(value)
	case Summary:
		vec, ok := r.summaries[def.Name]
		if !ok {
			vec = prometheus.NewSummaryVec(prometheus.SummaryOpts{Name: fqName, Help: def.Description}, names)
			r.prom.MustRegister(vec)
			r.summaries[def.Name] = vec
		}
		vec.WithLabelValues(values...).Observe(value)
	}
}

func sortedKeys(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orderedValues(labels map[string]string, names []string) []string {
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = labels[n]
	}
	return values
}

func safeCallback(cb Callback, name string, point TimeSeriesPoint) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("metric", name).Msg("metrics callback panicked")
		}
	}()
	cb(name, point)
}

func (r *Registry) dropExpiredLocked(s *series, now time.Time) {
	cutoff := now.Add(-r.retention)
	i := 0
	for i < len(s.points) && s.points[i].Instant.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.points = s.points[i:]
	}
}

// Increment bumps a counter by delta (must be >= 0 for true counter
// semantics, but the registry does not itself enforce monotonicity
// beyond what callers pass — see invariant in §3 Metric).
func (r *Registry) Increment(name string, delta float64, labels map[string]string) error {
	return r.record(name, delta, labels, time.Now().UTC())
}

// Set stamps a gauge's current value.
func (r *Registry) Set(name string, value float64, labels map[string]string) error {
	return r.record(name, value, labels, time.Now().UTC())
}

// Observe records a histogram/summary sample.
func (r *Registry) Observe(name string, value float64, labels map[string]string) error {
	return r.record(name, value, labels, time.Now().UTC())
}

// Get computes an aggregation over the window [now-windowSeconds, now].
func (r *Registry) Get(name string, labels map[string]string, agg Aggregation, windowSeconds float64) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byLabel, ok := r.series[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	s, ok := byLabel[labelKey(labels)]
	if !ok {
		return 0, nil
	}
	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(windowSeconds * float64(time.Second)))
	values := make([]float64, 0, len(s.points))
	for _, p := range s.points {
		if !p.Instant.Before(cutoff) {
			values = append(values, p.Value)
		}
	}
	return aggregate(values, agg, windowSeconds), nil
}

func aggregate(values []float64, agg Aggregation, windowSeconds float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch agg {
	case AggSum:
		return sum(values)
	case AggCount:
		return float64(len(values))
	case AggRate:
		if windowSeconds <= 0 {
			return 0
		}
		return float64(len(values)) / windowSeconds
	case AggMin:
		m := values[0]
		for _, v := range values {
			if v < m {
				m = v
			}
		}
		return m
	case AggMax:
		m := values[0]
		for _, v := range values {
			if v > m {
				m = v
			}
		}
		return m
	case AggP50:
		return percentile(values, 0.50)
	case AggP95:
		return percentile(values, 0.95)
	case AggP99:
		return percentile(values, 0.99)
	case AggAvg:
		fallthrough
	default:
		return sum(values) / float64(len(values))
	}
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

// percentile sorts a copy of values and interpolates the p-th percentile
// (p in [0,1]), per §4.1 "sorting the windowed sample".
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Snapshot returns every series' latest value keyed by "name{labelKey}".
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64)
	for name, byLabel := range r.series {
		for key, s := range byLabel {
			if len(s.points) == 0 {
				continue
			}
			label := name
			if key != "" {
				label = fmt.Sprintf("%s{%s}", name, key)
			}
			out[label] = s.points[len(s.points)-1].Value
		}
	}
	return out
}

// SweepExpired proactively drops points older than retention across all
// series. Intended to be called from a background ticker; also happens
// lazily on every record().
func (r *Registry) SweepExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for _, byLabel := range r.series {
		for _, s := range byLabel {
			r.dropExpiredLocked(s, now)
		}
	}
	r.lastSweep = now
}
