package alerts

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/agentfabric/internal/clockid"
)

// State is an Alert's lifecycle position.
type State string

const (
	StatePending  State = "pending"
	StateFiring   State = "firing"
	StateResolved State = "resolved"
	StateSilenced State = "silenced"
)

// Alert is a live or historical instance of a Rule firing.
type Alert struct {
	Rule        Rule
	State       State
	Value       float64
	FiringSince time.Time
	ResolvedAt  time.Time
	Labels      map[string]string
}

// Notifier delivers a firing alert asynchronously. Failures never block
// the evaluation loop (§4.3).
type Notifier interface {
	Send(ctx context.Context, alert Alert) bool
}

const (
	rollingWindowSize   = 100
	defaultZThreshold   = 3.0
	defaultMinSamples   = 10
)

// Manager evaluates rules against metric snapshots, tracks alert
// lifecycle, and dispatches notifiers exactly once per pending->firing
// transition.
type Manager struct {
	mu                 sync.Mutex
	clock              clockid.Clock
	rules              map[string]*Rule
	active             map[string]*Alert // rule name -> active alert
	history            []Alert
	silences           map[string]time.Time // rule name -> expiry
	rollingHistory     map[string][]float64  // metric name -> bounded samples
	notifiers          []Notifier
	notificationsSent  int64
}

func NewManager(rs RuleSet, clock clockid.Clock) *Manager {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	m := &Manager{
		clock:          clock,
		rules:          make(map[string]*Rule),
		active:         make(map[string]*Alert),
		silences:       make(map[string]time.Time),
		rollingHistory: make(map[string][]float64),
	}
	for i := range rs.Rules {
		r := rs.Rules[i]
		m.rules[r.Name] = &r
	}
	return m
}

// AddNotifier registers a notification sink.
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Silence suppresses notifications for ruleName for the given duration
// and forces any active alert on that rule into StateSilenced.
func (m *Manager) Silence(ruleName string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silences[ruleName] = m.clock.Now().Add(duration)
	if a, ok := m.active[ruleName]; ok {
		a.State = StateSilenced
	}
}

func (m *Manager) isSilenced(ruleName string, now time.Time) bool {
	expiry, ok := m.silences[ruleName]
	if !ok {
		return false
	}
	if now.After(expiry) {
		delete(m.silences, ruleName)
		return false
	}
	return true
}

// Evaluate checks every enabled rule against snapshot and advances
// alert state machines per §4.3. A rule under an active silence still
// advances, but its pending->firing transition lands in StateSilenced
// and sends no notification.
func (m *Manager) Evaluate(ctx context.Context, snapshot map[string]float64) []Alert {
	m.mu.Lock()
	now := m.clock.Now()

	ruleNames := make([]string, 0, len(m.rules))
	for name := range m.rules {
		ruleNames = append(ruleNames, name)
	}
	sort.Strings(ruleNames)

	var toNotify []Alert
	var results []Alert

	for _, name := range ruleNames {
		rule := m.rules[name]
		if !rule.Enabled {
			continue
		}
		value, hasValue := snapshot[rule.MetricName]
		if hasValue {
			m.recordRollingSample(rule.MetricName, value)
		}

		silenced := m.isSilenced(rule.Name, now)

		if !hasValue {
			continue
		}

		holds := rule.Comparison.Evaluate(value, rule.Threshold)
		active := m.active[rule.Name]

		switch {
		case holds && active == nil:
			m.active[rule.Name] = &Alert{
				Rule:        *rule,
				State:       StatePending,
				Value:       value,
				FiringSince: now,
				Labels:      rule.Labels,
			}
		case holds && active != nil && active.State == StatePending:
			if now.Sub(active.FiringSince).Seconds() >= rule.DurationSeconds {
				active.State = StateFiring
				active.Value = value
				if !silenced {
					toNotify = append(toNotify, *active)
				} else {
					active.State = StateSilenced
				}
			}
		case holds && active != nil && active.State == StateFiring:
			active.Value = value
		case !holds && active != nil && active.State != StateResolved:
			active.State = StateResolved
			active.ResolvedAt = now
			m.history = append(m.history, *active)
			delete(m.active, rule.Name)
		}

		if rule.AnomalyEnabled && hasValue {
			if anomalyAlert, ok := m.detectAnomaly(*rule, value, now); ok {
				results = append(results, anomalyAlert)
			}
		}
	}

	for _, a := range m.active {
		results = append(results, *a)
	}
	m.mu.Unlock()

	for _, a := range toNotify {
		m.dispatch(ctx, a)
	}
	return results
}

func (m *Manager) recordRollingSample(metricName string, value float64) {
	samples := m.rollingHistory[metricName]
	samples = append(samples, value)
	if len(samples) > rollingWindowSize {
		samples = samples[len(samples)-rollingWindowSize:]
	}
	m.rollingHistory[metricName] = samples
}

// detectAnomaly computes a z-score of value against the rolling history
// for rule.MetricName; |z| > threshold with enough samples synthesizes a
// warning-severity alert labeled {type=anomaly, metric=...} per §4.3.
func (m *Manager) detectAnomaly(rule Rule, value float64, now time.Time) (Alert, bool) {
	samples := m.rollingHistory[rule.MetricName]
	if len(samples) < defaultMinSamples {
		return Alert{}, false
	}
	mean, stddev := meanStdDev(samples)
	if stddev == 0 {
		return Alert{}, false
	}
	z := (value - mean) / stddev
	if math.Abs(z) <= defaultZThreshold {
		return Alert{}, false
	}
	labels := map[string]string{"type": "anomaly", "metric": rule.MetricName}
	return Alert{
		Rule: Rule{
			Name:       rule.Name + "_anomaly",
			MetricName: rule.MetricName,
			Severity:   SeverityWarning,
		},
		State:       StateFiring,
		Value:       value,
		FiringSince: now,
		Labels:      labels,
	}, true
}

func meanStdDev(samples []float64) (mean, stddev float64) {
	n := float64(len(samples))
	for _, s := range samples {
		mean += s
	}
	mean /= n
	var variance float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= n
	return mean, math.Sqrt(variance)
}

func (m *Manager) dispatch(ctx context.Context, a Alert) {
	m.mu.Lock()
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.mu.Unlock()

	for _, n := range notifiers {
		if ok := safeSend(ctx, n, a); ok {
			m.mu.Lock()
			m.notificationsSent++
			m.mu.Unlock()
		}
	}
}

func safeSend(ctx context.Context, n Notifier, a Alert) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("rule", a.Rule.Name).Msg("alerts: notifier panicked")
			ok = false
		}
	}()
	return n.Send(ctx, a)
}

// NotificationsSent returns the count of successful notifier sends.
func (m *Manager) NotificationsSent() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notificationsSent
}

// History returns resolved alerts observed so far.
func (m *Manager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.history...)
}
