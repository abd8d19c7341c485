// Package alerts implements the coordination fabric's rule-based alert
// manager: threshold comparisons with duration gating, silences, and
// opt-in z-score anomaly detection, grounded in the teacher's
// internal/gates/thresholds.go (YAML-loaded threshold tables with a
// WithDefaults fallback) and internal/domain/guards/fatigue.go (clamped,
// profile-based threshold evaluation).
package alerts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Comparison is the operator an AlertRule uses against the current
// metric value.
type Comparison string

const (
	CompGT  Comparison = "gt"
	CompLT  Comparison = "lt"
	CompGTE Comparison = "gte"
	CompLTE Comparison = "lte"
	CompEQ  Comparison = "eq"
	CompNEQ Comparison = "neq"
)

func (c Comparison) Evaluate(value, threshold float64) bool {
	switch c {
	case CompGT:
		return value > threshold
	case CompLT:
		return value < threshold
	case CompGTE:
		return value >= threshold
	case CompLTE:
		return value <= threshold
	case CompEQ:
		return value == threshold
	case CompNEQ:
		return value != threshold
	default:
		return false
	}
}

// Severity ranks an alert's urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rule is an AlertRule per §3.
type Rule struct {
	Name            string            `yaml:"name"`
	MetricName      string            `yaml:"metric_name"`
	Comparison      Comparison        `yaml:"comparison"`
	Threshold       float64           `yaml:"threshold"`
	Severity        Severity          `yaml:"severity"`
	DurationSeconds float64           `yaml:"duration_seconds"`
	Labels          map[string]string `yaml:"labels"`
	Enabled         bool              `yaml:"enabled"`
	AnomalyEnabled  bool              `yaml:"anomaly_enabled"`
}

// RuleSet is the on-disk shape of a rule configuration file.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRuleSet returns a small built-in rule set, used when no config
// path is supplied (mirrors thresholds.NewThresholdRouterWithDefaults).
func DefaultRuleSet() RuleSet {
	return RuleSet{Rules: []Rule{
		{
			Name:            "high_error_rate",
			MetricName:      "errors_total",
			Comparison:      CompGT,
			Threshold:       10,
			Severity:        SeverityError,
			DurationSeconds: 30,
			Enabled:         true,
		},
	}}
}

// LoadRuleSet reads a RuleSet from a YAML file, falling back to defaults
// if path is empty.
func LoadRuleSet(path string) (RuleSet, error) {
	if path == "" {
		return DefaultRuleSet(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("alerts: failed to read rule set %s: %w", path, err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("alerts: failed to parse rule set %s: %w", path, err)
	}
	return rs, nil
}
