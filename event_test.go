package glean_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fosrl/glean"
)

func clickEvent(g *glean.Glean) *glean.Event {
	return g.NewEvent(glean.CommonMetricData{
		Category:    "ui",
		Name:        "click",
		SendInPings: []string{"events"},
	}, "button", "count")
}

func TestEventRecord(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	f := newFixture(t, fixtureOptions{})
	click := clickEvent(f.glean)

	f.clock.Advance(250 * time.Millisecond).MustWait(ctx)
	click.Record(map[string]any{"button": "ok", "count": 2})
	click.Record(map[string]any{"color": "red"})
	click.Record(map[string]any{"button": []string{"nested"}})
	click.Record(map[string]any{"button": strings.Repeat("b", 600)})

	events, err := click.TestGetValue(ctx, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 250, events[0].Timestamp)
	assert.Equal(t, map[string]any{"button": "ok", "count": int64(2)}, events[0].Extra)
	assert.Len(t, events[1].Extra["button"], glean.MaxEventExtraLength)

	n, err := click.TestGetNumRecordedErrors(ctx, glean.ErrorInvalidValue)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = click.TestGetNumRecordedErrors(ctx, glean.ErrorInvalidType)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = click.TestGetNumRecordedErrors(ctx, glean.ErrorInvalidOverflow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEventsAcrossRestart(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	f := newFixture(t, fixtureOptions{})
	g := f.glean
	click := clickEvent(g)
	events := g.NewPing(glean.PingOptions{Name: "events"})

	f.clock.Advance(100 * time.Millisecond).MustWait(ctx)
	click.Record(nil)
	require.NoError(t, g.TestBlockOnQueue(ctx))

	f.clock.Advance(time.Second).MustWait(ctx)
	require.NoError(t, g.TestResetGlean(ctx, false))

	f.clock.Advance(50 * time.Millisecond).MustWait(ctx)
	click.Record(map[string]any{"button": "retry"})
	events.Submit("")
	require.NoError(t, g.TestBlockOnUploads(ctx))

	sent := f.uploader.pings("events")
	require.Len(t, sent, 1)
	assert.Equal(t, []any{
		map[string]any{"category": "ui", "name": "click", "timestamp": float64(0)},
		map[string]any{"category": "glean", "name": "restarted", "timestamp": float64(1000)},
		map[string]any{"category": "ui", "name": "click", "timestamp": float64(1050), "extra": map[string]any{"button": "retry"}},
	}, sent[0].payload["events"])
}

func TestAfterPingCollectionHook(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	f := newFixture(t, fixtureOptions{opts: []glean.Option{
		glean.WithHook(glean.AfterPingCollection, func(_ context.Context, payload map[string]any) (map[string]any, error) {
			payload["hooked"] = true
			return payload, nil
		}),
	}})
	always := f.glean.NewPing(glean.PingOptions{Name: "always", SendIfEmpty: true})

	always.Submit("")
	require.NoError(t, f.glean.TestBlockOnUploads(ctx))

	sent := f.uploader.pings("always")
	require.Len(t, sent, 1)
	assert.Equal(t, true, sent[0].payload["hooked"])
}

func TestShutdownFlushesPendingWork(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	f := newFixture(t, fixtureOptions{})
	always := f.glean.NewPing(glean.PingOptions{Name: "always", SendIfEmpty: true})

	always.Submit("")
	require.NoError(t, f.glean.Shutdown(ctx))
	assert.Len(t, f.uploader.pings("always"), 1)

	always.Submit("")
	assert.Len(t, f.uploader.pings("always"), 1, "submissions after shutdown are dropped")
}
