package ping_test

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/fosrl/glean/internal/database"
	"github.com/fosrl/glean/internal/hooks"
	"github.com/fosrl/glean/internal/metrics"
	"github.com/fosrl/glean/internal/ping"
	"github.com/fosrl/glean/internal/storage"
)

type fixture struct {
	clock     *quartz.Mock
	metrics   *database.MetricsDatabase
	pings     *database.PingsDatabase
	hooks     *hooks.Registry
	collector *ping.Collector
}

func newFixture(t *testing.T, cfg ping.Config) *fixture {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	factory := storage.NewMemoryBackend(logger).Factory()
	clock := quartz.NewMock(t)
	start, err := time.Parse(time.RFC3339, "2024-05-01T10:00:00Z")
	require.NoError(t, err)
	clock.Set(start).MustWait(context.Background())

	mdb, err := database.NewMetricsDatabase(logger, factory)
	require.NoError(t, err)
	errs := database.NewErrorRecorder(logger, mdb)
	edb, err := database.NewEventsDatabase(logger, factory, mdb, errs, clock)
	require.NoError(t, err)
	pdb, err := database.NewPingsDatabase(logger, factory, clock, 0, 0)
	require.NoError(t, err)
	registry := hooks.NewRegistry()

	if cfg.ApplicationID == "" {
		cfg.ApplicationID = "my.App"
	}
	if cfg.SDKBuild == "" {
		cfg.SDKBuild = "1.0.0"
	}
	cfg.StartTime = clock.Now()
	return &fixture{
		clock:     clock,
		metrics:   mdb,
		pings:     pdb,
		hooks:     registry,
		collector: ping.NewCollector(logger, cfg, mdb, edb, pdb, registry, clock),
	}
}

func (f *fixture) stored(t *testing.T) []database.QueuedPing {
	t.Helper()
	all, err := f.pings.GetAllPings(context.Background())
	require.NoError(t, err)
	return all
}

func TestCollectSkipsEmptyPing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, ping.Config{})

	stored, err := f.collector.CollectAndStore(ctx, "doc1", ping.Options{Name: "custom"}, "")
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Empty(t, f.stored(t))

	stored, err = f.collector.CollectAndStore(ctx, "doc2", ping.Options{Name: "custom", SendIfEmpty: true}, "")
	require.NoError(t, err)
	assert.True(t, stored)
	require.Len(t, f.stored(t), 1)
	assert.Equal(t, "/submit/my-app/custom/1/doc2", f.stored(t)[0].Path)
}

func TestCollectCounterPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, ping.Config{})

	require.NoError(t, ping.RecordClientInfo(ctx, f.metrics, ping.ClientInfo{AppBuild: "42", AppChannel: "nightly"}))
	require.NoError(t, f.metrics.Record(ctx, ping.ClientID, metrics.TypeUUID, "c0ffeec0-ffee-c0ff-eec0-ffeec0ffeec0"))

	md := metrics.CommonMetricData{Category: "aCategory", Name: "aCounterMetric", SendInPings: []string{"custom"}}
	require.NoError(t, f.metrics.Record(ctx, md, metrics.TypeCounter, int64(3)))

	f.clock.Advance(2 * time.Minute).MustWait(ctx)
	stored, err := f.collector.CollectAndStore(ctx, "doc1", ping.Options{Name: "custom", ReasonCodes: []string{"test"}}, "test")
	require.NoError(t, err)
	require.True(t, stored)

	all := f.stored(t)
	require.Len(t, all, 1)
	payload := all[0].Payload
	assert.Equal(t, map[string]any{
		"counter": map[string]any{"aCategory.aCounterMetric": float64(3)},
	}, payload["metrics"])
	assert.Equal(t, map[string]any{
		"seq":        float64(0),
		"start_time": "2024-05-01T10:00+00:00",
		"end_time":   "2024-05-01T10:02+00:00",
		"reason":     "test",
	}, payload["ping_info"])

	clientInfo, ok := payload["client_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", clientInfo["telemetry_sdk_build"])
	assert.Equal(t, "42", clientInfo["app_build"])
	assert.Equal(t, "nightly", clientInfo["app_channel"])
	assert.NotEmpty(t, clientInfo["os"])
	assert.NotEmpty(t, clientInfo["architecture"])
	assert.NotContains(t, clientInfo, "client_id")
	assert.Nil(t, all[0].Headers)

	v, err := f.metrics.GetMetric(ctx, "custom", md, metrics.TypeCounter)
	require.NoError(t, err)
	assert.Nil(t, v, "ping lifetime data is cleared by collection")
}

func TestCollectSequenceAndStartTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, ping.Config{})
	opts := ping.Options{Name: "baseline", SendIfEmpty: true, IncludeClientID: true}

	require.NoError(t, f.metrics.Record(ctx, ping.ClientID, metrics.TypeUUID, "c0ffeec0-ffee-c0ff-eec0-ffeec0ffeec0"))

	first, err := f.collector.Collect(ctx, opts, "")
	require.NoError(t, err)
	f.clock.Advance(time.Hour).MustWait(ctx)
	second, err := f.collector.Collect(ctx, opts, "")
	require.NoError(t, err)

	assert.EqualValues(t, 0, first.PingInfo.Seq)
	assert.EqualValues(t, 1, second.PingInfo.Seq)
	assert.Equal(t, first.PingInfo.EndTime, second.PingInfo.StartTime)
	assert.Equal(t, "2024-05-01T11:00+00:00", second.PingInfo.EndTime)
	assert.Empty(t, second.PingInfo.Reason)
	assert.Equal(t, "c0ffeec0-ffee-c0ff-eec0-ffeec0ffeec0", second.ClientInfo["client_id"])

	other, err := f.collector.Collect(ctx, ping.Options{Name: "other", SendIfEmpty: true}, "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, other.PingInfo.Seq, "sequence numbers are per ping")
}

func TestCollectHeaders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, ping.Config{DebugViewTag: "my-tag"})
	opts := ping.Options{Name: "custom", SendIfEmpty: true}

	assert.False(t, f.collector.SetDebugViewTag("not valid!"))
	assert.True(t, f.collector.SetSourceTags([]string{"automation", "perf"}))
	assert.False(t, f.collector.SetSourceTags([]string{"glean-internal"}))

	_, err := f.collector.CollectAndStore(ctx, "doc1", opts, "")
	require.NoError(t, err)
	all := f.stored(t)
	require.Len(t, all, 1)
	assert.Equal(t, map[string]string{
		ping.HeaderDebugID:    "my-tag",
		ping.HeaderSourceTags: "automation,perf",
	}, all[0].Headers)
}

func TestCollectRunsHook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, ping.Config{})
	opts := ping.Options{Name: "custom", SendIfEmpty: true}

	require.NoError(t, f.hooks.Register(hooks.AfterPingCollection, func(_ context.Context, p map[string]any) (map[string]any, error) {
		p["extra_section"] = "added"
		return p, nil
	}))
	_, err := f.collector.CollectAndStore(ctx, "doc1", opts, "")
	require.NoError(t, err)
	all := f.stored(t)
	require.Len(t, all, 1)
	assert.Equal(t, "added", all[0].Payload["extra_section"])

	f.hooks.Unregister(hooks.AfterPingCollection)
	require.NoError(t, f.hooks.Register(hooks.AfterPingCollection, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, xerrors.New("rejected")
	}))
	stored, err := f.collector.CollectAndStore(ctx, "doc2", opts, "")
	require.Error(t, err)
	assert.False(t, stored)
	assert.Len(t, f.stored(t), 1)
}

func TestMakePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/submit/org-mozilla-app/metrics/1/abc", ping.MakePath("org.mozilla.App", "abc", "metrics"))
	assert.Equal(t, "my-app", ping.SanitizeApplicationID("My__App"))
}

func TestTagValidation(t *testing.T) {
	t.Parallel()

	assert.True(t, ping.ValidDebugViewTag("Tag-123"))
	assert.False(t, ping.ValidDebugViewTag(""))
	assert.False(t, ping.ValidDebugViewTag("this-tag-is-way-too-long"))
	assert.False(t, ping.ValidDebugViewTag("under_score"))

	assert.True(t, ping.ValidSourceTags([]string{"a", "b", "c", "d", "e"}))
	assert.False(t, ping.ValidSourceTags(nil))
	assert.False(t, ping.ValidSourceTags([]string{"a", "b", "c", "d", "e", "f"}))
	assert.False(t, ping.ValidSourceTags([]string{"gleanbot"}))
	assert.False(t, ping.ValidSourceTags([]string{"ok", "not ok"}))
}
