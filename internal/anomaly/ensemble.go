package anomaly

import "math"

// EnsembleDetector combines member detectors by majority vote: a value
// is anomalous if the fraction of members flagging it (|score|>2) meets
// voteThreshold (default 0.5), per §4.4.
type EnsembleDetector struct {
	members       []Detector
	voteThreshold float64
}

func NewEnsembleDetector(members ...Detector) *EnsembleDetector {
	if len(members) == 0 {
		members = []Detector{
			&ZScoreDetector{},
			&IQRDetector{},
			NewMovingAverageDetector(14),
		}
	}
	return &EnsembleDetector{members: members, voteThreshold: 0.5}
}

func (e *EnsembleDetector) Name() string { return "ensemble" }

func (e *EnsembleDetector) Train(values []float64) {
	for _, m := range e.members {
		m.Train(values)
	}
}

// Score returns, per index, the signed score of whichever member had the
// largest absolute score IF the vote threshold is met; otherwise 0. This
// keeps the ensemble's output on the same severity scale as its members
// while still requiring majority agreement.
func (e *EnsembleDetector) Score(values []float64) []float64 {
	memberScores := make([][]float64, len(e.members))
	for i, m := range e.members {
		memberScores[i] = m.Score(values)
	}

	out := make([]float64, len(values))
	for idx := range values {
		votes := 0
		bestAbs := 0.0
		best := 0.0
		for _, scores := range memberScores {
			if idx >= len(scores) {
				continue
			}
			s := scores[idx]
			if math.Abs(s) > 2 {
				votes++
			}
			if math.Abs(s) > bestAbs {
				bestAbs = math.Abs(s)
				best = s
			}
		}
		fraction := float64(votes) / float64(len(e.members))
		if fraction >= e.voteThreshold {
			out[idx] = best
		}
	}
	return out
}

// Manager lazily trains and caches detectors per metric name, exposing
// the spec's detect(metric_name, values, detector) -> anomalies entry
// point.
type Manager struct {
	detectors map[string]map[string]Detector // metric -> detector name -> instance
}

func NewManager() *Manager {
	return &Manager{detectors: make(map[string]map[string]Detector)}
}

// Detect runs detectorName (defaulting to "ensemble") against values for
// metricName, auto-training on first use.
func (m *Manager) Detect(metricName string, values []float64, detectorName string) []Anomaly {
	if detectorName == "" {
		detectorName = "ensemble"
	}
	byName, ok := m.detectors[metricName]
	if !ok {
		byName = make(map[string]Detector)
		m.detectors[metricName] = byName
	}
	det, ok := byName[detectorName]
	if !ok {
		det = newDetectorByName(detectorName)
		det.Train(values)
		byName[detectorName] = det
	}

	scores := det.Score(values)
	var anomalies []Anomaly
	for i, s := range scores {
		abs := math.Abs(s)
		if abs <= 2 {
			continue
		}
		anomalies = append(anomalies, Anomaly{
			Index:      i,
			Value:      values[i],
			Score:      s,
			Detector:   det.Name(),
			Severity:   classifySeverity(abs),
			Confidence: confidence(abs),
		})
	}
	return anomalies
}

func newDetectorByName(name string) Detector {
	switch name {
	case "zscore":
		return &ZScoreDetector{}
	case "iqr":
		return &IQRDetector{}
	case "moving_average":
		return NewMovingAverageDetector(14)
	case "isolation_forest":
		return NewIsolationForestDetector()
	default:
		return NewEnsembleDetector()
	}
}
