package glean_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/fosrl/glean"
	"github.com/fosrl/glean/internal/ping"
	"github.com/fosrl/glean/internal/storage"
)

func TestDisablingUploadSubmitsDeletionRequest(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	f := newFixture(t, fixtureOptions{})
	g := f.glean
	counter := customCounter(g)
	custom := g.NewPing(glean.PingOptions{Name: "custom"})

	counter.Add(1)
	clientID, err := g.TestGetClientID(ctx)
	require.NoError(t, err)
	require.NotEqual(t, ping.KnownClientID, clientID)

	g.SetUploadEnabled(false)
	require.NoError(t, g.TestBlockOnUploads(ctx))

	sent := f.uploader.pings("deletion-request")
	require.Len(t, sent, 1)
	assert.Equal(t, clientID, sent[0].payload["client_info"].(map[string]any)["client_id"])
	assert.Equal(t, glean.ReasonSetUploadEnabled, sent[0].payload["ping_info"].(map[string]any)["reason"])

	id, err := g.TestGetClientID(ctx)
	require.NoError(t, err)
	assert.Equal(t, ping.KnownClientID, id)
	_, ok, err := counter.TestGetValue(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok, "collected data is cleared")

	counter.Add(1)
	custom.Submit("")
	require.NoError(t, g.TestBlockOnUploads(ctx))
	_, ok, err = counter.TestGetValue(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok, "nothing is recorded while upload is disabled")
	assert.Equal(t, 1, f.uploader.count())

	g.SetUploadEnabled(true)
	id, err = g.TestGetClientID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, ping.KnownClientID, id)
	assert.NotEqual(t, clientID, id, "a new client id is generated")

	counter.Add(1)
	v, _, err := counter.TestGetValue(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestSetUploadEnabledIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	f := newFixture(t, fixtureOptions{})

	f.glean.SetUploadEnabled(true)
	require.NoError(t, f.glean.TestBlockOnUploads(ctx))
	assert.Zero(t, f.uploader.count())
}

func TestUploadDisabledWhileNotRunning(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	factory := storage.NewMemoryBackend(slogtest.Make(t, nil)).Factory()

	first := newFixture(t, fixtureOptions{factory: factory})
	clientID, err := first.glean.TestGetClientID(ctx)
	require.NoError(t, err)
	require.NoError(t, first.glean.Shutdown(ctx))

	disabled := false
	second := newFixture(t, fixtureOptions{
		factory:   factory,
		configure: func(c *glean.Config) { c.UploadEnabled = &disabled },
	})
	require.NoError(t, second.glean.TestBlockOnUploads(ctx))

	sent := second.uploader.pings("deletion-request")
	require.Len(t, sent, 1)
	assert.Equal(t, clientID, sent[0].payload["client_info"].(map[string]any)["client_id"])
	assert.Equal(t, glean.ReasonAtInit, sent[0].payload["ping_info"].(map[string]any)["reason"])

	id, err := second.glean.TestGetClientID(ctx)
	require.NoError(t, err)
	assert.Equal(t, ping.KnownClientID, id)

	third := newFixture(t, fixtureOptions{
		factory:   factory,
		configure: func(c *glean.Config) { c.UploadEnabled = &disabled },
	})
	require.NoError(t, third.glean.TestBlockOnUploads(ctx))
	assert.Zero(t, third.uploader.count(), "the deletion request is sent once")
}
