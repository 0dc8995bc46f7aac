package telemetry

import (
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/fosrl/glean"

type instrumentation struct {
	uploadQueueDepth metric.Int64ObservableGauge
	uploadInFlight   metric.Int64ObservableGauge

	dispatcherTasks   metric.Int64Counter
	dispatcherDropped metric.Int64Counter
	storageFallbacks  metric.Int64Counter
	pingsRecorded     metric.Int64Counter
	pingsPruned       metric.Int64Counter
	pingsDeleted      metric.Int64Counter
	uploadAttempts    metric.Int64Counter
	uploadThrottled   metric.Int64Counter
	uploadLatency     metric.Float64Histogram
	uploadBodySize    metric.Int64Histogram
}

var (
	providerMu    sync.Mutex
	meterProvider metric.MeterProvider = noop.NewMeterProvider()
	meter                              = meterProvider.Meter(meterName)
	inst          instrumentation
	attrResult    = attribute.Key("result")
	attrReason    = attribute.Key("reason")
	attrRoot      = attribute.Key("root")
	attrPing      = attribute.Key("ping")
	attrStatus    = attribute.Key("status_class")
)

func configureMeterProvider(mp metric.MeterProvider) error {
	providerMu.Lock()
	defer providerMu.Unlock()

	meterProvider = mp
	meter = mp.Meter(meterName)

	var err error
	inst, err = createInstruments(meter)
	if err != nil {
		return err
	}
	return initCollectors(meter)
}

func createInstruments(m metric.Meter) (instrumentation, error) {
	var err error
	i := instrumentation{}

	if i.uploadQueueDepth, err = m.Int64ObservableGauge("glean_upload_queue_depth", metric.WithDescription("Pings waiting in the upload queue.")); err != nil {
		return i, err
	}
	if i.uploadInFlight, err = m.Int64ObservableGauge("glean_upload_in_flight", metric.WithDescription("Pings currently being uploaded.")); err != nil {
		return i, err
	}

	if i.dispatcherTasks, err = m.Int64Counter("glean_dispatcher_tasks_total", metric.WithDescription("Dispatcher tasks executed by result.")); err != nil {
		return i, err
	}
	if i.dispatcherDropped, err = m.Int64Counter("glean_dispatcher_dropped_tasks_total", metric.WithDescription("Dispatcher tasks refused by reason.")); err != nil {
		return i, err
	}
	if i.storageFallbacks, err = m.Int64Counter("glean_storage_fallbacks_total", metric.WithDescription("Stored values discarded after a failed transform.")); err != nil {
		return i, err
	}
	if i.pingsRecorded, err = m.Int64Counter("glean_pings_recorded_total", metric.WithDescription("Pings persisted for upload.")); err != nil {
		return i, err
	}
	if i.pingsPruned, err = m.Int64Counter("glean_pings_pruned_total", metric.WithDescription("Pending pings deleted to honour storage quotas.")); err != nil {
		return i, err
	}
	if i.pingsDeleted, err = m.Int64Counter("glean_pings_deleted_total", metric.WithDescription("Pending pings deleted after a terminal upload outcome.")); err != nil {
		return i, err
	}
	if i.uploadAttempts, err = m.Int64Counter("glean_upload_attempts_total", metric.WithDescription("Ping upload attempts by result.")); err != nil {
		return i, err
	}
	if i.uploadThrottled, err = m.Int64Counter("glean_upload_throttled_total", metric.WithDescription("Upload polls answered with a wait.")); err != nil {
		return i, err
	}
	if i.uploadLatency, err = m.Float64Histogram("glean_upload_latency_seconds", metric.WithDescription("Ping upload round trip."), metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(LatencyBucketsSeconds...)); err != nil {
		return i, err
	}
	if i.uploadBodySize, err = m.Int64Histogram("glean_upload_body_bytes", metric.WithDescription("Encoded ping body size."), metric.WithUnit("By"), metric.WithExplicitBucketBoundaries(BodySizeBucketsBytes...)); err != nil {
		return i, err
	}

	return i, nil
}

// statusClass folds an HTTP-like status into a low cardinality label.
func statusClass(status int) string {
	if status <= 0 {
		return "none"
	}
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

func init() {
	var err error
	inst, err = createInstruments(meter)
	if err != nil {
		otel.Handle(err)
		return
	}
	if err := initCollectors(meter); err != nil {
		otel.Handle(err)
	}
}
