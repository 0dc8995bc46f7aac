package database

import (
	"context"

	"github.com/fosrl/glean/internal/metrics"
)

// ValidDynamicLabel resolves the label md.DynamicLabel should be stored
// under. Labels already in use are kept. New labels beyond the label budget,
// too long or not printable are replaced by metrics.OtherLabel, recording an
// InvalidLabel error.
func ValidDynamicLabel(ctx context.Context, db *MetricsDatabase, errs *ErrorRecorder, md metrics.CommonMetricData, metricType string) (string, error) {
	label := md.DynamicLabel
	lifetime := md.EffectiveLifetime()
	for _, ping := range md.SendInPings {
		found, err := db.HasMetric(ctx, lifetime, ping, metricType, md.Identifier())
		if err != nil {
			return "", err
		}
		if found {
			return label, nil
		}
	}

	used := 0
	if len(md.SendInPings) > 0 {
		n, err := db.CountByBaseIdentifier(ctx, lifetime, md.SendInPings[0], metricType, md.BaseIdentifier())
		if err != nil {
			return "", err
		}
		used = n
	}

	var reason string
	switch {
	case used >= metrics.MaxLabels:
		reason = "label budget exhausted"
	case len(label) > metrics.MaxLabelLength:
		reason = "label is too long"
	case !metrics.ValidLabel(label):
		reason = "label contains invalid characters"
	default:
		return label, nil
	}
	parent := md.WithLabel("")
	if err := errs.Record(ctx, parent, metrics.ErrorInvalidLabel, reason, 1); err != nil {
		return "", err
	}
	return metrics.OtherLabel, nil
}
