package database_test

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/fosrl/glean/internal/database"
	"github.com/fosrl/glean/internal/storage"
)

type observer struct {
	mu      sync.Mutex
	updates []string
	dropped []string
}

func (o *observer) Update(identifier string, _ database.QueuedPing) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates = append(o.updates, identifier)
}

func (o *observer) Dropped(identifier string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped = append(o.dropped, identifier)
}

func pingPath(name, id string) string {
	return fmt.Sprintf("/submit/app/%s/1/%s", name, id)
}

func identifiers(pings []database.QueuedPing) []string {
	ids := make([]string, 0, len(pings))
	for _, p := range pings {
		ids = append(ids, p.Identifier)
	}
	return ids
}

func TestQueuedPingName(t *testing.T) {
	t.Parallel()

	p := database.QueuedPing{Path: pingPath("deletion-request", "abc")}
	assert.Equal(t, "deletion-request", p.Name())
	assert.True(t, p.IsDeletionRequest())
	assert.Empty(t, database.QueuedPing{Path: "/submit"}.Name())
}

func TestRecordPingNotifiesObserver(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)
	obs := &observer{}
	dbs.pings.AttachObserver(obs)

	payload := map[string]any{"ping_info": map[string]any{"seq": 0}}
	headers := map[string]string{"X-Debug-ID": "tag"}
	require.NoError(t, dbs.pings.RecordPing(ctx, pingPath("metrics", "1"), "1", payload, headers))
	assert.Equal(t, []string{"1"}, obs.updates)

	all, err := dbs.pings.GetAllPings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, payload, all[0].Payload)
	assert.Equal(t, headers, all[0].Headers)
	assert.Equal(t, dbs.clock.Now().UnixMilli(), all[0].CollectionDate)

	require.NoError(t, dbs.pings.DeletePing(ctx, "1"))
	require.NoError(t, dbs.pings.DeletePing(ctx, "1"), "deleting twice is a no-op")
	all, err = dbs.pings.GetAllPings(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestQuotaPruning(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	logger := slogtest.Make(t, nil)
	factory := storage.NewMemoryBackend(logger).Factory()
	dbs := newTestDatabases(t, factory)
	pdb, err := database.NewPingsDatabase(logger, factory, dbs.clock, 3, 0)
	require.NoError(t, err)
	obs := &observer{}
	pdb.AttachObserver(obs)

	payload := map[string]any{"k": "v"}
	require.NoError(t, pdb.RecordPing(ctx, pingPath("deletion-request", "dr"), "dr", payload, nil))
	for i := 1; i <= 4; i++ {
		dbs.clock.Advance(time.Second).MustWait(ctx)
		id := fmt.Sprintf("p%d", i)
		require.NoError(t, pdb.RecordPing(ctx, pingPath("metrics", id), id, payload, nil))
	}

	all, err := pdb.GetAllPings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dr", "p3", "p4"}, identifiers(all), "oldest non deletion-request pings are pruned")
	assert.Equal(t, []string{"p1", "p2"}, obs.dropped)
	assert.Equal(t, []string{"dr", "p1", "p2", "p3", "p4"}, obs.updates)
}

func TestQuotaBySize(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)

	big := map[string]any{"data": strings.Repeat("x", 100)}
	for i := 1; i <= 3; i++ {
		dbs.clock.Advance(time.Second).MustWait(ctx)
		id := fmt.Sprintf("p%d", i)
		require.NoError(t, dbs.pings.RecordPing(ctx, pingPath("metrics", id), id, big, nil))
	}

	kept, err := dbs.pings.GetAllPingsWithoutSurplus(ctx, 10, 250)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3"}, identifiers(kept))
}

func TestDeletionRequestListedFirst(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)

	payload := map[string]any{}
	require.NoError(t, dbs.pings.RecordPing(ctx, pingPath("metrics", "old"), "old", payload, nil))
	dbs.clock.Advance(time.Second).MustWait(ctx)
	require.NoError(t, dbs.pings.RecordPing(ctx, pingPath("deletion-request", "dr"), "dr", payload, nil))

	kept, err := dbs.pings.GetAllPingsWithoutSurplus(ctx, database.DefaultMaxPendingPings, database.DefaultMaxPendingPingsSize)
	require.NoError(t, err)
	assert.Equal(t, []string{"dr", "old"}, identifiers(kept))

	kept, err = dbs.pings.GetAllPingsWithoutSurplus(ctx, 1, database.DefaultMaxPendingPingsSize)
	require.NoError(t, err)
	assert.Equal(t, []string{"dr"}, identifiers(kept))
}

func TestScanPendingPings(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)

	for _, id := range []string{"a", "b"} {
		dbs.clock.Advance(time.Second).MustWait(ctx)
		require.NoError(t, dbs.pings.RecordPing(ctx, pingPath("metrics", id), id, map[string]any{}, nil))
	}
	require.NoError(t, dbs.pings.ScanPendingPings(ctx), "scanning without an observer is a no-op")

	obs := &observer{}
	dbs.pings.AttachObserver(obs)
	require.NoError(t, dbs.pings.ScanPendingPings(ctx))
	assert.Equal(t, []string{"a", "b"}, obs.updates)
}

func TestClearPendingPingsKeepsDeletionRequest(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)

	require.NoError(t, dbs.pings.RecordPing(ctx, pingPath("metrics", "m"), "m", map[string]any{}, nil))
	require.NoError(t, dbs.pings.RecordPing(ctx, pingPath("deletion-request", "dr"), "dr", map[string]any{}, nil))

	deleted, err := dbs.pings.ClearPendingPings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, deleted)

	all, err := dbs.pings.GetAllPings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dr"}, identifiers(all))

	require.NoError(t, dbs.pings.ClearAll(ctx))
	all, err = dbs.pings.GetAllPings(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInvalidStoredPingsDiscarded(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)

	store, err := dbs.factory(storage.RootPings)
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, storage.Index{"broken"}, func(any) (any, error) {
		return map[string]any{"path": 42}, nil
	}))
	require.NoError(t, dbs.pings.RecordPing(ctx, pingPath("metrics", "ok"), "ok", map[string]any{}, nil))

	all, err := dbs.pings.GetAllPings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, identifiers(all))

	v, err := store.Get(ctx, storage.Index{"broken"})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestQuotaPrunesOldestWithMixedSizes(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	logger := slogtest.Make(t, nil)
	factory := storage.NewMemoryBackend(logger).Factory()
	dbs := newTestDatabases(t, factory)
	pdb, err := database.NewPingsDatabase(logger, factory, dbs.clock, 10, 100)
	require.NoError(t, err)
	obs := &observer{}
	pdb.AttachObserver(obs)

	record := func(id string, n int) {
		dbs.clock.Advance(time.Second).MustWait(ctx)
		payload := map[string]any{"d": strings.Repeat("a", n)}
		require.NoError(t, pdb.RecordPing(ctx, pingPath("metrics", id), id, payload, nil))
	}

	record("old", 10)
	record("big", 150)
	all, err := pdb.GetAllPings(ctx)
	require.NoError(t, err)
	assert.Empty(t, identifiers(all), "a ping over the size limit prunes itself and everything older")
	assert.Equal(t, []string{"big", "old"}, obs.dropped)

	record("a", 30)
	record("b", 30)
	record("c", 10)
	record("d", 30)
	all, err = pdb.GetAllPings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, identifiers(all), "older small pings do not survive a newer ping that overflows")
	assert.Equal(t, []string{"big", "old", "a"}, obs.dropped)
	assert.Equal(t, []string{"old", "a", "b", "c", "d"}, obs.updates)
}

func TestPingsOrderedBySequenceWithinMillisecond(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dbs := newTestDatabases(t, nil)

	for _, id := range []string{"z", "m", "a"} {
		require.NoError(t, dbs.pings.RecordPing(ctx, pingPath("metrics", id), id, map[string]any{}, nil))
	}
	all, err := dbs.pings.GetAllPings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "m", "a"}, identifiers(all))

	reopened, err := database.NewPingsDatabase(slogtest.Make(t, nil), dbs.factory, dbs.clock, 0, 0)
	require.NoError(t, err)
	require.NoError(t, reopened.RecordPing(ctx, pingPath("metrics", "b"), "b", map[string]any{}, nil))
	all, err = reopened.GetAllPings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "m", "a", "b"}, identifiers(all), "the sequence continues from stored pings")
}
