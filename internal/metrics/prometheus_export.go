package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	dto "github.com/prometheus/client_model/go"
)

// PrometheusFamilies gathers every mirrored client_golang collector as
// client_model.MetricFamily values (§6.3), the same shape client_golang
// itself hands to an expfmt encoder or a push-gateway client.
func (r *Registry) PrometheusFamilies() ([]*dto.MetricFamily, error) {
	return r.prom.Gather()
}

// ExportPrometheusCollectorText renders the registry's mirrored
// client_golang collectors (as opposed to ExportTextLineProtocol's
// rendering of the hand-rolled windowed series) using client_model's
// MetricFamily/Metric/Counter/Gauge/Histogram shapes directly. The two
// exporters agree on current-value snapshots; they diverge only in
// that this one can never show windowed history, since client_golang's
// collectors don't retain it.
func (r *Registry) ExportPrometheusCollectorText() (string, error) {
	families, err := r.PrometheusFamilies()
	if err != nil {
		return "", fmt.Errorf("metrics: gather prometheus families: %w", err)
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})

	var b strings.Builder
	for _, fam := range families {
		fmt.Fprintf(&b, "# HELP %s %s\n", fam.GetName(), fam.GetHelp())
		fmt.Fprintf(&b, "# TYPE %s %s\n", fam.GetName(), strings.ToLower(fam.GetType().String()))
		for _, m := range fam.GetMetric() {
			labels := dtoLabelPairs(m.GetLabel())
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				writeDTOSample(&b, fam.GetName(), labels, m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				writeDTOSample(&b, fam.GetName(), labels, m.GetGauge().GetValue())
			case dto.MetricType_SUMMARY:
				s := m.GetSummary()
				writeDTOSample(&b, fam.GetName()+"_sum", labels, s.GetSampleSum())
				writeDTOSample(&b, fam.GetName()+"_count", labels, float64(s.GetSampleCount()))
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				for _, bucket := range h.GetBucket() {
					bucketLabels := append(append([]string(nil), labels...), fmt.Sprintf(`le="%s"`, formatBound(bucket.GetUpperBound())))
					writeDTOSample(&b, fam.GetName()+"_bucket", bucketLabels, float64(bucket.GetCumulativeCount()))
				}
				writeDTOSample(&b, fam.GetName()+"_sum", labels, h.GetSampleSum())
				writeDTOSample(&b, fam.GetName()+"_count", labels, float64(h.GetSampleCount()))
			}
		}
	}
	return b.String(), nil
}

func dtoLabelPairs(pairs []*dto.LabelPair) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, fmt.Sprintf("%s=%q", p.GetName(), p.GetValue()))
	}
	return out
}

func writeDTOSample(b *strings.Builder, name string, labels []string, value float64) {
	if len(labels) == 0 {
		fmt.Fprintf(b, "%s %s\n", name, strconv.FormatFloat(value, 'g', -1, 64))
		return
	}
	fmt.Fprintf(b, "%s{%s} %s\n", name, strings.Join(labels, ","), strconv.FormatFloat(value, 'g', -1, 64))
}
