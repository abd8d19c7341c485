// Package clockid provides monotonic wall-clock access and unique ID
// generation shared across the coordination fabric and the backtest
// engine.
package clockid

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so components can be driven by a fake
// clock in tests instead of time.Now().
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now().
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Useful for deterministic
// unit tests that assert on timestamps.
type FixedClock struct {
	At time.Time
}

func (f FixedClock) Now() time.Time { return f.At }

// StepClock advances by a fixed step every time Now is called, letting
// tests assert monotonic ordering without sleeping.
type StepClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{current: start, step: step}
}

func (s *StepClock) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.current
	s.current = s.current.Add(s.step)
	return t
}

// NewID12 returns a random 12-hex-character identifier, suitable for
// short-lived correlation ids (messages, spans).
func NewID12() string { return hexFromUUID(12) }

// NewID16 returns a random 16-hex-character identifier, suitable for
// longer-lived entity ids (agents, tools, contexts).
func NewID16() string { return hexFromUUID(16) }

func hexFromUUID(n int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(raw) {
		n = len(raw)
	}
	return raw[:n]
}

// ConvertZone converts t (assumed UTC) to the named IANA zone. Unknown
// zone names degrade to UTC rather than erroring, since time filters must
// never abort a backtest (§7 Data errors).
func ConvertZone(t time.Time, zoneName string) time.Time {
	if zoneName == "" {
		return t.UTC()
	}
	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		return t.UTC()
	}
	return t.In(loc)
}
