package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// UploadQueueStats is the observable state of an upload manager.
type UploadQueueStats struct {
	Queued   int64
	InFlight int64
}

// UploadQueueCollector reports the current upload queue state.
type UploadQueueCollector func(ctx context.Context) UploadQueueStats

var (
	queueMu         sync.RWMutex
	queueCollectors = map[int]UploadQueueCollector{}
	nextCollectorID int
)

// RegisterUploadQueueCollector adds a queue collector and returns a function
// that removes it again.
func RegisterUploadQueueCollector(fn UploadQueueCollector) func() {
	queueMu.Lock()
	defer queueMu.Unlock()
	id := nextCollectorID
	nextCollectorID++
	queueCollectors[id] = fn
	return func() {
		queueMu.Lock()
		defer queueMu.Unlock()
		delete(queueCollectors, id)
	}
}

func initCollectors(m metric.Meter) error {
	_, err := m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		observeUploadQueues(ctx, o)
		return nil
	}, inst.uploadQueueDepth, inst.uploadInFlight)
	return err
}

func observeUploadQueues(ctx context.Context, o metric.Observer) {
	queueMu.RLock()
	collectors := make([]UploadQueueCollector, 0, len(queueCollectors))
	for _, fn := range queueCollectors {
		collectors = append(collectors, fn)
	}
	queueMu.RUnlock()

	var total UploadQueueStats
	for _, collector := range collectors {
		if collector == nil {
			continue
		}
		stats := collector(ctx)
		total.Queued += stats.Queued
		total.InFlight += stats.InFlight
	}
	o.ObserveInt64(inst.uploadQueueDepth, total.Queued)
	o.ObserveInt64(inst.uploadInFlight, total.InFlight)
}
