package glean

import (
	"context"
	"unicode/utf8"

	"github.com/fosrl/glean/internal/metrics"
)

// String records a short text value.
type String struct {
	metric
}

// NewString returns a string metric.
func (g *Glean) NewString(md CommonMetricData) *String {
	return &String{metric: newMetric(g, md)}
}

// Set stores v. Values longer than the maximum string length are truncated
// and recorded as an overflow.
func (s *String) Set(v string) {
	s.record(metrics.TypeString, func(ctx context.Context, md metrics.CommonMetricData) error {
		if truncated, ok := truncate(v, metrics.MaxStringLength); ok {
			if err := s.recordError(ctx, metrics.ErrorInvalidOverflow, "string value is too long, truncating"); err != nil {
				return err
			}
			v = truncated
		}
		return s.glean.metrics.Record(ctx, md, metrics.TypeString, v)
	})
}

// TestGetValue returns the stored string.
func (s *String) TestGetValue(ctx context.Context, ping string) (string, bool, error) {
	v, err := s.testGetValue(ctx, ping, metrics.TypeString)
	str, ok := v.(string)
	return str, ok, err
}

// truncate cuts s to n runes. It reports whether s was cut.
func truncate(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	return string([]rune(s)[:n]), true
}
