// Package database implements the lifetime-scoped databases on top of the
// storage layer: metric values, the event log, the pending ping queue and the
// error counters recorded on metric misuse.
package database

import (
	"context"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/metrics"
	"github.com/fosrl/glean/internal/storage"
)

// Snapshot maps metric type to identifier to value, the shape of the
// "metrics" section of a ping payload.
type Snapshot map[string]map[string]any

// MetricsDatabase stores metric values keyed by (ping, type, identifier)
// inside one store per lifetime.
type MetricsDatabase struct {
	logger slog.Logger
	stores map[metrics.Lifetime]storage.Store
}

// NewMetricsDatabase opens the three lifetime stores through factory.
func NewMetricsDatabase(logger slog.Logger, factory storage.Factory) (*MetricsDatabase, error) {
	db := &MetricsDatabase{
		logger: logger.Named("metrics_database"),
		stores: make(map[metrics.Lifetime]storage.Store, len(metrics.Lifetimes)),
	}
	for _, lifetime := range metrics.Lifetimes {
		store, err := factory(lifetime.StorageRoot())
		if err != nil {
			return nil, xerrors.Errorf("open %s store: %w", lifetime, err)
		}
		db.stores[lifetime] = store
	}
	return db, nil
}

func (db *MetricsDatabase) store(lifetime metrics.Lifetime) storage.Store {
	if s, ok := db.stores[lifetime]; ok {
		return s
	}
	return db.stores[metrics.LifetimePing]
}

// Record overwrites the value of md in every ping it is sent in.
func (db *MetricsDatabase) Record(ctx context.Context, md metrics.CommonMetricData, metricType string, value any) error {
	return db.Transform(ctx, md, metricType, func(any) (any, error) {
		return value, nil
	})
}

// Transform applies fn to the stored value of md in every ping it is sent in.
// fn may be called with nil when no value exists or the stored value could
// not be transformed.
func (db *MetricsDatabase) Transform(ctx context.Context, md metrics.CommonMetricData, metricType string, fn storage.TransformFn) error {
	if md.Disabled {
		return nil
	}
	store := db.store(md.EffectiveLifetime())
	identifier := md.Identifier()
	for _, ping := range md.SendInPings {
		if err := store.Update(ctx, storage.Index{ping, metricType, identifier}, fn); err != nil {
			return xerrors.Errorf("record %s in %q: %w", identifier, ping, err)
		}
	}
	return nil
}

// GetMetric returns the validated value of md in ping, or nil. A stored value
// with the wrong shape is deleted.
func (db *MetricsDatabase) GetMetric(ctx context.Context, ping string, md metrics.CommonMetricData, metricType string) (any, error) {
	store := db.store(md.EffectiveLifetime())
	index := storage.Index{ping, metricType, md.Identifier()}
	v, err := store.Get(ctx, index)
	if err != nil {
		return nil, xerrors.Errorf("get %s: %w", index, err)
	}
	if v == nil {
		return nil, nil
	}
	if !metrics.Validate(metricType, v) {
		db.discardInvalid(ctx, store, index)
		return nil, nil
	}
	return metrics.Normalize(metricType, v), nil
}

// HasMetric reports whether a value is stored for identifier.
func (db *MetricsDatabase) HasMetric(ctx context.Context, lifetime metrics.Lifetime, ping, metricType, identifier string) (bool, error) {
	v, err := db.store(lifetime).Get(ctx, storage.Index{ping, metricType, identifier})
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// CountByBaseIdentifier counts the labels stored for a labeled metric.
func (db *MetricsDatabase) CountByBaseIdentifier(ctx context.Context, lifetime metrics.Lifetime, ping, metricType, base string) (int, error) {
	v, err := db.store(lifetime).Get(ctx, storage.Index{ping, metricType})
	if err != nil {
		return 0, err
	}
	values, ok := v.(map[string]any)
	if !ok {
		return 0, nil
	}
	n := 0
	for identifier := range values {
		if b, _, labeled := metrics.SplitLabel(identifier); labeled && b == base {
			n++
		}
	}
	return n, nil
}

// GetPingMetrics merges the values of ping from every lifetime. Values failing
// validation are dropped from the snapshot and deleted. Reserved metrics are
// never reported. When clearPingLifetimeData is set the ping-lifetime values
// of ping are deleted after the read. A ping without metrics yields nil.
func (db *MetricsDatabase) GetPingMetrics(ctx context.Context, ping string, clearPingLifetimeData bool) (Snapshot, error) {
	snapshot := Snapshot{}
	for _, lifetime := range metrics.Lifetimes {
		if err := db.collect(ctx, lifetime, ping, snapshot); err != nil {
			return nil, err
		}
	}
	if clearPingLifetimeData {
		if err := db.Clear(ctx, metrics.LifetimePing, ping); err != nil {
			return nil, err
		}
	}
	if len(snapshot) == 0 {
		return nil, nil
	}
	return snapshot, nil
}

func (db *MetricsDatabase) collect(ctx context.Context, lifetime metrics.Lifetime, ping string, snapshot Snapshot) error {
	store := db.store(lifetime)
	raw, err := store.Get(ctx, storage.Index{ping})
	if err != nil {
		return xerrors.Errorf("read %s metrics of %q: %w", lifetime, ping, err)
	}
	if raw == nil {
		return nil
	}
	byType, ok := raw.(map[string]any)
	if !ok {
		db.discardInvalid(ctx, store, storage.Index{ping})
		return nil
	}

	for metricType, values := range byType {
		byIdentifier, ok := values.(map[string]any)
		if !ok {
			db.discardInvalid(ctx, store, storage.Index{ping, metricType})
			continue
		}
		for identifier, v := range byIdentifier {
			if metrics.IsReserved(identifier) {
				continue
			}
			if !metrics.Validate(metricType, v) {
				db.discardInvalid(ctx, store, storage.Index{ping, metricType, identifier})
				continue
			}
			v = metrics.Normalize(metricType, v)

			if base, label, labeled := metrics.SplitLabel(identifier); labeled {
				labeledType := metrics.LabeledType(metricType)
				if snapshot[labeledType] == nil {
					snapshot[labeledType] = map[string]any{}
				}
				labels, _ := snapshot[labeledType][base].(map[string]any)
				if labels == nil {
					labels = map[string]any{}
					snapshot[labeledType][base] = labels
				}
				labels[label] = v
				continue
			}
			if snapshot[metricType] == nil {
				snapshot[metricType] = map[string]any{}
			}
			snapshot[metricType][identifier] = v
		}
	}
	return nil
}

func (db *MetricsDatabase) discardInvalid(ctx context.Context, store storage.Store, index storage.Index) {
	db.logger.Warn(ctx, "discarding invalid stored metric value", slog.F("index", index.String()))
	if err := store.Delete(ctx, index); err != nil {
		db.logger.Error(ctx, "delete invalid metric value", slog.F("index", index.String()), slog.Error(err))
	}
}

// Clear deletes the values of lifetime. An empty ping clears every ping.
func (db *MetricsDatabase) Clear(ctx context.Context, lifetime metrics.Lifetime, ping string) error {
	var index storage.Index
	if ping != "" {
		index = storage.Index{ping}
	}
	if err := db.store(lifetime).Delete(ctx, index); err != nil {
		return xerrors.Errorf("clear %s metrics: %w", lifetime, err)
	}
	return nil
}

// ClearAll deletes every stored metric value.
func (db *MetricsDatabase) ClearAll(ctx context.Context) error {
	for _, lifetime := range metrics.Lifetimes {
		if err := db.Clear(ctx, lifetime, ""); err != nil {
			return err
		}
	}
	return nil
}
