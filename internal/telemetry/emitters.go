package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var background = context.Background()

func addCounter(counter metric.Int64Counter, value int64, attrs ...attribute.KeyValue) {
	if counter == nil || value == 0 {
		return
	}
	counter.Add(background, value, metric.WithAttributes(attrs...))
}

func recordHistogram(hist metric.Float64Histogram, value float64, attrs ...attribute.KeyValue) {
	if hist == nil {
		return
	}
	hist.Record(background, value, metric.WithAttributes(attrs...))
}

func normalizeLower(value, fallback string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// RecordDispatcherTask counts an executed dispatcher task.
func RecordDispatcherTask(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	addCounter(inst.dispatcherTasks, 1, attrResult.String(result))
}

// RecordDispatcherDrop counts a task the dispatcher refused to queue.
func RecordDispatcherDrop(reason string) {
	addCounter(inst.dispatcherDropped, 1, attrReason.String(normalizeLower(reason, "unknown")))
}

func RecordStorageFallback(root string) {
	addCounter(inst.storageFallbacks, 1, attrRoot.String(root))
}

func RecordPingRecorded(ping string) {
	addCounter(inst.pingsRecorded, 1, attrPing.String(normalizeLower(ping, "unknown")))
}

func RecordPingsPruned(n int) {
	addCounter(inst.pingsPruned, int64(n))
}

func RecordPingDeleted(reason string) {
	addCounter(inst.pingsDeleted, 1, attrReason.String(normalizeLower(reason, "unknown")))
}

// RecordUploadAttempt records the outcome and duration of one upload.
func RecordUploadAttempt(result string, status int, d time.Duration) {
	attrs := []attribute.KeyValue{
		attrResult.String(normalizeLower(result, "unknown")),
		attrStatus.String(statusClass(status)),
	}
	addCounter(inst.uploadAttempts, 1, attrs...)
	if d > 0 {
		recordHistogram(inst.uploadLatency, d.Seconds(), attrs[:1]...)
	}
}

func RecordUploadBodySize(n int) {
	if inst.uploadBodySize == nil || n <= 0 {
		return
	}
	inst.uploadBodySize.Record(background, int64(n))
}

func RecordUploadThrottled() {
	addCounter(inst.uploadThrottled, 1)
}
