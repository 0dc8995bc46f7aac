package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/fosrl/glean/internal/database"
	"github.com/fosrl/glean/internal/storage"
)

type testDatabases struct {
	factory storage.Factory
	clock   *quartz.Mock
	metrics *database.MetricsDatabase
	errors  *database.ErrorRecorder
	events  *database.EventsDatabase
	pings   *database.PingsDatabase
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestDatabases(t *testing.T, factory storage.Factory) *testDatabases {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	if factory == nil {
		factory = storage.NewMemoryBackend(logger).Factory()
	}
	clock := quartz.NewMock(t)

	mdb, err := database.NewMetricsDatabase(logger, factory)
	require.NoError(t, err)
	errs := database.NewErrorRecorder(logger, mdb)
	edb, err := database.NewEventsDatabase(logger, factory, mdb, errs, clock)
	require.NoError(t, err)
	pdb, err := database.NewPingsDatabase(logger, factory, clock, 0, 0)
	require.NoError(t, err)

	return &testDatabases{
		factory: factory,
		clock:   clock,
		metrics: mdb,
		errors:  errs,
		events:  edb,
		pings:   pdb,
	}
}
