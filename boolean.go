package glean

import (
	"context"

	"github.com/fosrl/glean/internal/metrics"
)

// Boolean records a flag.
type Boolean struct {
	metric
}

// NewBoolean returns a boolean metric.
func (g *Glean) NewBoolean(md CommonMetricData) *Boolean {
	return &Boolean{metric: newMetric(g, md)}
}

// Set stores v.
func (b *Boolean) Set(v bool) {
	b.record(metrics.TypeBoolean, func(ctx context.Context, md metrics.CommonMetricData) error {
		return b.glean.metrics.Record(ctx, md, metrics.TypeBoolean, v)
	})
}

// TestGetValue returns the stored flag.
func (b *Boolean) TestGetValue(ctx context.Context, ping string) (value, ok bool, err error) {
	v, err := b.testGetValue(ctx, ping, metrics.TypeBoolean)
	value, ok = v.(bool)
	return value, ok, err
}
