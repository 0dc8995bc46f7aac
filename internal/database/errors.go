package database

import (
	"context"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/metrics"
)

// ErrorRecorder counts metric misuse in "glean.error.<type>" labeled counters
// keyed by the offending metric's base identifier.
type ErrorRecorder struct {
	logger  slog.Logger
	metrics *MetricsDatabase
}

// NewErrorRecorder returns a recorder writing into db.
func NewErrorRecorder(logger slog.Logger, db *MetricsDatabase) *ErrorRecorder {
	return &ErrorRecorder{logger: logger.Named("errors"), metrics: db}
}

func errorMetric(md metrics.CommonMetricData, errType metrics.ErrorType) metrics.CommonMetricData {
	return metrics.CommonMetricData{
		Category:     metrics.ErrorCategory,
		Name:         string(errType),
		SendInPings:  append([]string(nil), md.SendInPings...),
		Lifetime:     metrics.LifetimePing,
		DynamicLabel: md.BaseIdentifier(),
	}
}

// Record adds n errors of errType for md and logs message.
func (r *ErrorRecorder) Record(ctx context.Context, md metrics.CommonMetricData, errType metrics.ErrorType, message string, n int) error {
	r.logger.Warn(ctx, message,
		slog.F("metric", md.Identifier()),
		slog.F("error_type", string(errType)),
	)
	if n <= 0 {
		n = 1
	}
	err := r.metrics.Transform(ctx, errorMetric(md, errType), metrics.TypeCounter, func(current any) (any, error) {
		count, ok := metrics.AsInt64(current)
		if !ok || count < 0 {
			count = 0
		}
		return count + int64(n), nil
	})
	if err != nil {
		return xerrors.Errorf("record %s error: %w", errType, err)
	}
	return nil
}

// TestGetNumRecordedErrors returns how many errors of errType were recorded
// for md in ping. An empty ping uses the first ping md is sent in.
func (r *ErrorRecorder) TestGetNumRecordedErrors(ctx context.Context, md metrics.CommonMetricData, errType metrics.ErrorType, ping string) (int, error) {
	if ping == "" && len(md.SendInPings) > 0 {
		ping = md.SendInPings[0]
	}
	v, err := r.metrics.GetMetric(ctx, ping, errorMetric(md, errType), metrics.TypeCounter)
	if err != nil {
		return 0, err
	}
	n, _ := metrics.AsInt64(v)
	return int(n), nil
}
