package glean

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/fosrl/glean/internal/database"
	"github.com/fosrl/glean/internal/metrics"
)

// metric is the state shared by every metric type.
type metric struct {
	glean *Glean
	md    metrics.CommonMetricData
	// static labels were checked against a fixed list and skip the dynamic
	// label budget.
	static bool
	// invalidLabel is the reason the requested label was replaced by the
	// overflow label before recording.
	invalidLabel string
}

func newMetric(g *Glean, md CommonMetricData) metric {
	md.SendInPings = append([]string(nil), md.SendInPings...)
	return metric{glean: g, md: md}
}

// record launches fn with the resolved metric data unless recording is
// disabled. fn runs on the dispatcher.
func (m metric) record(metricType string, fn func(ctx context.Context, md metrics.CommonMetricData) error) {
	g := m.glean
	g.dispatcher.Launch(func(ctx context.Context) error {
		if !g.shouldRecord(m.md) {
			return nil
		}
		if m.invalidLabel != "" {
			if err := m.recordError(ctx, metrics.ErrorInvalidLabel, m.invalidLabel); err != nil {
				return err
			}
		}
		md, err := m.resolve(ctx, metricType)
		if err != nil {
			return err
		}
		return fn(ctx, md)
	})
}

// resolve replaces an invalid or over budget dynamic label by the overflow
// label.
func (m metric) resolve(ctx context.Context, metricType string) (metrics.CommonMetricData, error) {
	if m.md.DynamicLabel == "" || m.static {
		return m.md, nil
	}
	label, err := database.ValidDynamicLabel(ctx, m.glean.metrics, m.glean.errors, m.md, metricType)
	if err != nil {
		return m.md, xerrors.Errorf("resolve label of %s: %w", m.md.BaseIdentifier(), err)
	}
	return m.md.WithLabel(label), nil
}

func (m metric) recordError(ctx context.Context, errType metrics.ErrorType, message string) error {
	return m.glean.errors.Record(ctx, m.md, errType, message, 1)
}

func (m metric) pingOrDefault(ping string) string {
	if ping == "" && len(m.md.SendInPings) > 0 {
		return m.md.SendInPings[0]
	}
	return ping
}

// testGetValue returns the stored value in ping once every queued recording
// ran.
func (m metric) testGetValue(ctx context.Context, ping, metricType string) (any, error) {
	var v any
	err := m.glean.dispatcher.TestLaunch(ctx, func(ctx context.Context) error {
		var err error
		v, err = m.glean.metrics.GetMetric(ctx, m.pingOrDefault(ping), m.md, metricType)
		return err
	})
	return v, err
}

// TestGetNumRecordedErrors returns how many errors of errType were recorded
// for the metric in its first ping.
func (m metric) TestGetNumRecordedErrors(ctx context.Context, errType ErrorType) (int, error) {
	var n int
	err := m.glean.dispatcher.TestLaunch(ctx, func(ctx context.Context) error {
		var err error
		n, err = m.glean.errors.TestGetNumRecordedErrors(ctx, m.md, errType, "")
		return err
	})
	return n, err
}
