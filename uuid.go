package glean

import (
	"context"

	"github.com/google/uuid"

	"github.com/fosrl/glean/internal/metrics"
)

// UUID records a UUID.
type UUID struct {
	metric
}

// NewUUID returns a UUID metric.
func (g *Glean) NewUUID(md CommonMetricData) *UUID {
	return &UUID{metric: newMetric(g, md)}
}

// Set stores v. A value that does not parse as a UUID is recorded as an
// invalid value.
func (u *UUID) Set(v string) {
	u.record(metrics.TypeUUID, func(ctx context.Context, md metrics.CommonMetricData) error {
		id, err := uuid.Parse(v)
		if err != nil {
			return u.recordError(ctx, metrics.ErrorInvalidValue, "value is not a valid uuid")
		}
		return u.glean.metrics.Record(ctx, md, metrics.TypeUUID, id.String())
	})
}

// GenerateAndSet stores a random UUID and returns it.
func (u *UUID) GenerateAndSet() string {
	id := uuid.NewString()
	u.Set(id)
	return id
}

// TestGetValue returns the stored UUID.
func (u *UUID) TestGetValue(ctx context.Context, ping string) (string, bool, error) {
	v, err := u.testGetValue(ctx, ping, metrics.TypeUUID)
	s, ok := v.(string)
	return s, ok, err
}
