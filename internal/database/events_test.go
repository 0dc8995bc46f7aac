package database_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fosrl/glean/internal/metrics"
)

func clickMetric(pings ...string) metrics.CommonMetricData {
	return metrics.CommonMetricData{Category: "ui", Name: "click", SendInPings: pings}
}

func click(ts int64, extra map[string]any) metrics.RecordedEvent {
	return metrics.RecordedEvent{Category: "ui", Name: "click", Timestamp: ts, Extra: extra}
}

func TestEventsRebasedOnFirstEvent(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)
	require.NoError(t, dbs.events.Initialize(ctx, dbs.clock.Now()))

	md := clickMetric("events")
	require.NoError(t, dbs.events.Record(ctx, md, click(10, map[string]any{"button": "ok", "count": 2})))
	require.NoError(t, dbs.events.Record(ctx, md, click(25, nil)))

	got, err := dbs.events.GetPingEvents(ctx, "events", false)
	require.NoError(t, err)
	assert.Equal(t, []metrics.PayloadEvent{
		{Category: "ui", Name: "click", Timestamp: 0, Extra: map[string]string{"button": "ok", "count": "2"}},
		{Category: "ui", Name: "click", Timestamp: 15},
	}, got)

	recorded, err := dbs.events.GetEvents(ctx, "events", md)
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.EqualValues(t, 10, recorded[0].Timestamp)
	assert.Equal(t, map[string]any{"button": "ok", "count": 2}, recorded[0].Extra)
	assert.Nil(t, recorded[1].Extra)

	got, err = dbs.events.GetPingEvents(ctx, "events", true)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	got, err = dbs.events.GetPingEvents(ctx, "events", false)
	require.NoError(t, err)
	assert.Nil(t, got, "clearing drains the ping")
}

func TestEventsAcrossRestart(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)
	md := clickMetric("events")

	start := dbs.clock.Now()
	require.NoError(t, dbs.events.Initialize(ctx, start))
	require.NoError(t, dbs.events.Record(ctx, md, click(100, nil)))

	dbs.events.Reset()
	require.NoError(t, dbs.events.Initialize(ctx, start.Add(time.Second)))
	require.NoError(t, dbs.events.Record(ctx, md, click(50, nil)))

	got, err := dbs.events.GetPingEvents(ctx, "events", false)
	require.NoError(t, err)
	assert.Equal(t, []metrics.PayloadEvent{
		{Category: "ui", Name: "click", Timestamp: 0},
		{Category: "glean", Name: "restarted", Timestamp: 900},
		{Category: "ui", Name: "click", Timestamp: 950},
	}, got)

	v, err := dbs.metrics.GetMetric(ctx, "events", metrics.CommonMetricData{
		Category: "glean.internal.metrics", Name: "execution_counter", SendInPings: []string{"events"},
	}, metrics.TypeCounter)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestEventsTrailingRestartDropped(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)
	md := clickMetric("events")

	start := dbs.clock.Now()
	require.NoError(t, dbs.events.Initialize(ctx, start))
	require.NoError(t, dbs.events.Record(ctx, md, click(5, nil)))

	for i := 1; i <= 2; i++ {
		dbs.events.Reset()
		require.NoError(t, dbs.events.Initialize(ctx, start.Add(time.Duration(i)*time.Minute)))
	}

	got, err := dbs.events.GetPingEvents(ctx, "events", false)
	require.NoError(t, err)
	assert.Equal(t, []metrics.PayloadEvent{{Category: "ui", Name: "click", Timestamp: 0}}, got)
}

func TestEventsClockWentBackwards(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)
	md := clickMetric("events")

	start := dbs.clock.Now()
	require.NoError(t, dbs.events.Initialize(ctx, start))
	require.NoError(t, dbs.events.Record(ctx, md, click(100, nil)))

	dbs.events.Reset()
	require.NoError(t, dbs.events.Initialize(ctx, start.Add(-5*time.Second)))
	require.NoError(t, dbs.events.Record(ctx, md, click(50, nil)))

	got, err := dbs.events.GetPingEvents(ctx, "events", false)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].Timestamp, got[i-1].Timestamp)
	}
	assert.EqualValues(t, 50, got[2].Timestamp)

	n, err := dbs.errors.TestGetNumRecordedErrors(ctx, metrics.CommonMetricData{
		Category: "glean", Name: "restarted", SendInPings: []string{"events"},
	}, metrics.ErrorInvalidValue, "events")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEventsIndependentPerPing(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)
	require.NoError(t, dbs.events.Initialize(ctx, dbs.clock.Now()))

	require.NoError(t, dbs.events.Record(ctx, clickMetric("a", "b"), click(1, nil)))
	require.NoError(t, dbs.events.Record(ctx, clickMetric("b"), click(2, nil)))

	a, err := dbs.events.GetPingEvents(ctx, "a", true)
	require.NoError(t, err)
	assert.Len(t, a, 1)

	b, err := dbs.events.GetPingEvents(ctx, "b", false)
	require.NoError(t, err)
	assert.Len(t, b, 2)

	require.NoError(t, dbs.events.Clear(ctx, ""))
	b, err = dbs.events.GetPingEvents(ctx, "b", false)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestEventsDisabledMetric(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)

	md := clickMetric("events")
	md.Disabled = true
	require.NoError(t, dbs.events.Record(ctx, md, click(1, nil)))

	got, err := dbs.events.GetPingEvents(ctx, "events", false)
	require.NoError(t, err)
	assert.Nil(t, got)
}
