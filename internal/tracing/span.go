// Package tracing implements the coordination fabric's span tree tracer:
// parent/child linkage, a W3C-style propagation header, and pluggable
// sampled export.
package tracing

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies what a span represents, mirroring OpenTelemetry's
// SpanKind enum referenced by §3.
type Kind int

const (
	KindInternal Kind = iota
	KindClient
	KindServer
	KindProducer
	KindConsumer
)

// Status is the span's terminal outcome.
type Status int

const (
	StatusUnset Status = iota
	StatusOK
	StatusError
)

// Event is a timestamped annotation attached to a span.
type Event struct {
	Name       string
	Instant    time.Time
	Attributes map[string]interface{}
}

// Span is one node in a trace's span tree.
type Span struct {
	Name         string
	TraceID      string
	SpanID       string
	ParentSpanID string
	Kind         Kind
	Status       Status
	StartTime    time.Time
	EndTime      time.Time
	Attributes   map[string]interface{}
	Events       []Event
	sampled      bool
}

// Duration returns End-Start; zero if the span has not ended.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// SetAttribute adds or overwrites an attribute.
func (s *Span) SetAttribute(key string, value interface{}) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]interface{})
	}
	s.Attributes[key] = value
}

// AddEvent appends a timestamped event to the span.
func (s *Span) AddEvent(name string, attrs map[string]interface{}) {
	s.Events = append(s.Events, Event{Name: name, Instant: time.Now().UTC(), Attributes: attrs})
}

// RecordError stamps status=error with error.type/error.message attributes,
// per §4.2.
func (s *Span) RecordError(err error) {
	s.Status = StatusError
	s.SetAttribute("error.type", fmt.Sprintf("%T", err))
	s.SetAttribute("error.message", err.Error())
}

// SpanContext is the minimal cross-process identity of a span.
type SpanContext struct {
	TraceID string
	SpanID  string
}

// RenderHeader produces the W3C-style propagation header
// "00-<trace_id>-<span_id>-01" described in §4.2.
func RenderHeader(sc SpanContext) string {
	return fmt.Sprintf("00-%s-%s-01", sc.TraceID, sc.SpanID)
}

// ParseHeader is the inverse of RenderHeader.
func ParseHeader(header string) (SpanContext, error) {
	parts := strings.Split(header, "-")
	if len(parts) != 4 {
		return SpanContext{}, fmt.Errorf("tracing: malformed propagation header %q", header)
	}
	return SpanContext{TraceID: parts[1], SpanID: parts[2]}, nil
}
