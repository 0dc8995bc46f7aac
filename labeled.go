package glean

import "github.com/fosrl/glean/internal/metrics"

// OtherLabel collects values of labels that are not accepted.
const OtherLabel = metrics.OtherLabel

// LabeledCounter is a set of counters sharing a base identifier.
type LabeledCounter struct {
	glean  *Glean
	md     CommonMetricData
	labels map[string]struct{}
}

// NewLabeledCounter returns a labeled counter. With labels, any other label
// is counted under the overflow label; without, labels are dynamic and
// bounded by the label budget.
func (g *Glean) NewLabeledCounter(md CommonMetricData, labels ...string) *LabeledCounter {
	lc := &LabeledCounter{glean: g, md: md}
	if len(labels) > 0 {
		lc.labels = make(map[string]struct{}, len(labels))
		for _, l := range labels {
			lc.labels[l] = struct{}{}
		}
	}
	return lc
}

// Get returns the counter of label. An empty label is counted under the
// overflow label and records InvalidLabel.
func (lc *LabeledCounter) Get(label string) *Counter {
	if label == "" {
		m := newMetric(lc.glean, lc.md.WithLabel(OtherLabel))
		m.static = true
		m.invalidLabel = "label is empty"
		return &Counter{metric: m}
	}
	m := newMetric(lc.glean, lc.md.WithLabel(label))
	if lc.labels != nil {
		if _, ok := lc.labels[label]; !ok {
			m.md = m.md.WithLabel(OtherLabel)
		}
		m.static = true
	}
	return &Counter{metric: m}
}
