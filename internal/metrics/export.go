package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ExportTextLineProtocol renders the registry in Prometheus text exposition
// format (§6.3): "# HELP"/"# TYPE" preamble per metric, then
// "name{labels} value" lines, with "_bucket"/"_sum"/"_count" lines for
// histograms.
func (r *Registry) ExportTextLineProtocol() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		def := r.defs[name]
		fullName := r.namespace + "_" + name
		fmt.Fprintf(&b, "# HELP %s %s\n", fullName, def.Description)
		fmt.Fprintf(&b, "# TYPE %s %s\n", fullName, def.Kind.String())

		byLabel := r.series[name]
		labelKeys := make([]string, 0, len(byLabel))
		for k := range byLabel {
			labelKeys = append(labelKeys, k)
		}
		sort.Strings(labelKeys)

		for _, key := range labelKeys {
			s := byLabel[key]
			if len(s.points) == 0 {
				continue
			}
			switch def.Kind {
			case Histogram:
				writeHistogramLines(&b, fullName, key, def, s)
			case Counter:
				// A counter's value is its running total, not its last increment.
				b.WriteString(renderLine(fullName, key, s.sum))
			default:
				latest := s.points[len(s.points)-1].Value
				b.WriteString(renderLine(fullName, key, latest))
			}
		}
	}
	return b.String()
}

func writeHistogramLines(b *strings.Builder, fullName, baseKey string, def *Metric, s *series) {
	for i, bound := range def.Buckets {
		leLabel := mergeLabel(baseKey, "le", formatBound(bound))
		fmt.Fprintf(b, "%s_bucket%s %d\n", fullName, wrapLabels(leLabel), s.bucketCounts[i])
	}
	infLabel := mergeLabel(baseKey, "le", "+Inf")
	fmt.Fprintf(b, "%s_bucket%s %d\n", fullName, wrapLabels(infLabel), s.count)
	fmt.Fprintf(b, "%s_sum%s %s\n", fullName, wrapLabels(baseKey), strconv.FormatFloat(s.sum, 'g', -1, 64))
	fmt.Fprintf(b, "%s_count%s %d\n", fullName, wrapLabels(baseKey), s.count)
}

func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func mergeLabel(baseKey, k, v string) string {
	entry := k + "=\"" + v + "\""
	if baseKey == "" {
		return entry
	}
	return baseKey + "," + entry
}

func wrapLabels(key string) string {
	if key == "" {
		return ""
	}
	// labelKey entries look like k=v,k2=v2 (no quotes); re-quote for text
	// exposition format.
	parts := strings.Split(key, ",")
	quoted := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if strings.Contains(p, "=\"") {
			quoted = append(quoted, p)
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) == 2 {
			quoted = append(quoted, kv[0]+"=\""+kv[1]+"\"")
		} else {
			quoted = append(quoted, p)
		}
	}
	if len(quoted) == 0 {
		return ""
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

func renderLine(fullName, key string, value float64) string {
	return fmt.Sprintf("%s%s %s\n", fullName, wrapLabels(key), strconv.FormatFloat(value, 'g', -1, 64))
}
