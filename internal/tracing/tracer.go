package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/agentfabric/internal/clockid"
)

type ctxKey struct{}

var activeSpanKey = ctxKey{}

// Exporter receives completed spans. Export errors are caught and logged
// by the tracer; they never affect tracing (§4.2).
type Exporter interface {
	Export(span *Span) error
}

// Config controls sampling and trace retention.
type Config struct {
	SampleRate float64 // [0,1], fraction of new traces sampled
	MaxTraces  int      // oldest traces evicted above this count
}

func DefaultConfig() Config {
	return Config{SampleRate: 1.0, MaxTraces: 1000}
}

// Tracer owns the span tree, sampling decisions and exporters.
type Tracer struct {
	mu        sync.Mutex
	cfg       Config
	clock     clockid.Clock
	exporters []Exporter
	traces    map[string][]*Span // trace_id -> spans, insertion order
	traceLRU  []string           // trace ids in creation order, for eviction
	sampled   map[string]bool
	rng       func() float64
}

func NewTracer(cfg Config, clock clockid.Clock) *Tracer {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	if cfg.MaxTraces <= 0 {
		cfg.MaxTraces = 1000
	}
	return &Tracer{
		cfg:     cfg,
		clock:   clock,
		traces:  make(map[string][]*Span),
		sampled: make(map[string]bool),
		rng:     defaultRNG(),
	}
}

// AddExporter registers an exporter; export order matches registration
// order.
func (t *Tracer) AddExporter(e Exporter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exporters = append(t.exporters, e)
}

// CurrentContext returns the task-local active span, if any, tracked via
// the standard Context value chain (the Go-idiomatic substitute for the
// reference implementation's task-local, per the design note in spec
// §9).
func CurrentContext(ctx context.Context) (*Span, bool) {
	span, ok := ctx.Value(activeSpanKey).(*Span)
	return span, ok
}

// StartSpan begins a new span. Parent resolution order (§4.2): explicit
// parentCtx's active span, else a brand-new trace. The returned context
// carries the new span as current; callers MUST use the scope's End (or
// the returned context) so descendants resolve correctly.
func (t *Tracer) StartSpan(parentCtx context.Context, name string, kind Kind, attrs map[string]interface{}) (context.Context, *Span) {
	span := &Span{
		Name:       name,
		SpanID:     clockid.NewID16(),
		Kind:       kind,
		Status:     StatusUnset,
		StartTime:  t.clock.Now(),
		Attributes: copyAttrs(attrs),
	}

	if parent, ok := CurrentContext(parentCtx); ok {
		span.TraceID = parent.TraceID
		span.ParentSpanID = parent.SpanID
	} else {
		span.TraceID = clockid.NewID16()
	}

	t.mu.Lock()
	if _, seen := t.sampled[span.TraceID]; !seen {
		t.sampled[span.TraceID] = t.rng() < t.cfg.SampleRate
		t.traceLRU = append(t.traceLRU, span.TraceID)
		t.evictOldTracesLocked()
	}
	span.sampled = t.sampled[span.TraceID]
	t.traces[span.TraceID] = append(t.traces[span.TraceID], span)
	t.mu.Unlock()

	return context.WithValue(parentCtx, activeSpanKey, span), span
}

// End finalizes a span: stamps EndTime, defaults Status to OK (or Error
// if err != nil), and exports (a no-op for unsampled traces).
func (t *Tracer) End(span *Span, err error) {
	span.EndTime = t.clock.Now()
	if err != nil {
		span.RecordError(err)
	} else if span.Status == StatusUnset {
		span.Status = StatusOK
	}
	if !span.sampled {
		return
	}
	t.mu.Lock()
	exporters := append([]Exporter(nil), t.exporters...)
	t.mu.Unlock()
	for _, exp := range exporters {
		if exportErr := exp.Export(span); exportErr != nil {
			log.Error().Err(exportErr).Str("span", span.Name).Msg("tracing: exporter failed")
		}
	}
}

// WithSpan runs fn inside a new span, ending it with fn's error on
// return, mirroring the reference's scoped "start_span" context manager.
func (t *Tracer) WithSpan(ctx context.Context, name string, kind Kind, fn func(ctx context.Context, span *Span) error) error {
	spanCtx, span := t.StartSpan(ctx, name, kind, nil)
	err := fn(spanCtx, span)
	t.End(span, err)
	return err
}

// Trace returns all spans sharing traceID (the transitive closure
// defined in §3's Span data model).
func (t *Tracer) Trace(traceID string) []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Span(nil), t.traces[traceID]...)
}

// Shutdown drains nothing actively (exports are synchronous) but is kept
// for API parity with the spec's shutdown() hook, and to support future
// async exporters.
func (t *Tracer) Shutdown() {}

func (t *Tracer) evictOldTracesLocked() {
	for len(t.traceLRU) > t.cfg.MaxTraces {
		oldest := t.traceLRU[0]
		t.traceLRU = t.traceLRU[1:]
		delete(t.traces, oldest)
		delete(t.sampled, oldest)
	}
}

func copyAttrs(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func defaultRNG() func() float64 {
	// A deterministic xorshift PRNG seeded from wall time at construction,
	// avoiding math/rand's global lock under concurrent tracers.
	state := uint64(time.Now().UnixNano()) | 1
	return func() float64 {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		return float64(state%1_000_000) / 1_000_000.0
	}
}
