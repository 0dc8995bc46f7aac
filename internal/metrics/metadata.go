package metrics

import (
	"strings"
)

const (
	// ReservedPrefix marks metrics used by the SDK itself. They are stored
	// like any other metric but never reported in ping payloads.
	ReservedPrefix = "glean.internal.metrics."

	// MaxLabels is the number of distinct labels a labeled metric may use
	// before further labels are routed to OtherLabel.
	MaxLabels = 16
	// MaxLabelLength is the longest accepted label.
	MaxLabelLength = 111
	// OtherLabel collects values recorded under rejected labels.
	OtherLabel = "__other__"

	labelSeparator = "/"
)

// CommonMetricData describes a metric independently of its type.
type CommonMetricData struct {
	Category    string
	Name        string
	SendInPings []string
	Lifetime    Lifetime
	Disabled    bool
	// DynamicLabel is set on the per-label submetrics of labeled metrics.
	DynamicLabel string
}

// BaseIdentifier is "category.name", or just the name without a category.
func (m CommonMetricData) BaseIdentifier() string {
	if m.Category == "" {
		return m.Name
	}
	return m.Category + "." + m.Name
}

// Identifier is the storage key of the metric, including its label.
func (m CommonMetricData) Identifier() string {
	if m.DynamicLabel == "" {
		return m.BaseIdentifier()
	}
	return CombineIdentifierAndLabel(m.BaseIdentifier(), m.DynamicLabel)
}

// WithLabel returns a copy of m addressing label.
func (m CommonMetricData) WithLabel(label string) CommonMetricData {
	m.DynamicLabel = label
	m.SendInPings = append([]string(nil), m.SendInPings...)
	return m
}

// EffectiveLifetime defaults an unset lifetime to LifetimePing.
func (m CommonMetricData) EffectiveLifetime() Lifetime {
	if m.Lifetime.Valid() {
		return m.Lifetime
	}
	return LifetimePing
}

// CombineIdentifierAndLabel joins a base identifier and a label.
func CombineIdentifierAndLabel(base, label string) string {
	return base + labelSeparator + label
}

// SplitLabel separates a labeled identifier into base and label. ok is false
// for identifiers without a label.
func SplitLabel(identifier string) (base, label string, ok bool) {
	return strings.Cut(identifier, labelSeparator)
}

// IsReserved reports whether identifier belongs to the SDK's own metrics.
func IsReserved(identifier string) bool {
	return strings.HasPrefix(identifier, ReservedPrefix)
}

// ValidLabel reports whether label is short enough and printable ASCII.
func ValidLabel(label string) bool {
	if label == "" || len(label) > MaxLabelLength {
		return false
	}
	for i := 0; i < len(label); i++ {
		if label[i] < 0x20 || label[i] > 0x7e {
			return false
		}
	}
	return true
}
