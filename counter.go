package glean

import (
	"context"
	"math"

	"github.com/fosrl/glean/internal/metrics"
)

// Counter is a monotonically increasing integer.
type Counter struct {
	metric
}

// NewCounter returns a counter metric.
func (g *Glean) NewCounter(md CommonMetricData) *Counter {
	return &Counter{metric: newMetric(g, md)}
}

// Add increases the counter by amount. Non-positive amounts are recorded as
// invalid values. The counter saturates at the largest int64.
func (c *Counter) Add(amount int) {
	c.record(metrics.TypeCounter, func(ctx context.Context, md metrics.CommonMetricData) error {
		if amount <= 0 {
			return c.recordError(ctx, metrics.ErrorInvalidValue, "counter added a negative or zero value")
		}
		return c.glean.metrics.Transform(ctx, md, metrics.TypeCounter, func(current any) (any, error) {
			n, ok := metrics.AsInt64(current)
			if !ok || n <= 0 {
				n = 0
			}
			if n > math.MaxInt64-int64(amount) {
				return int64(math.MaxInt64), nil
			}
			return n + int64(amount), nil
		})
	})
}

// TestGetValue returns the counter value in ping, or in the first ping of the
// metric when ping is empty.
func (c *Counter) TestGetValue(ctx context.Context, ping string) (int64, bool, error) {
	v, err := c.testGetValue(ctx, ping, metrics.TypeCounter)
	if err != nil || v == nil {
		return 0, false, err
	}
	n, ok := metrics.AsInt64(v)
	return n, ok, nil
}
