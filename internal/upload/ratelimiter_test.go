package upload_test

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fosrl/glean/internal/upload"
)

func TestRateLimiter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := quartz.NewMock(t)
	limiter := upload.NewRateLimiter(clock, time.Minute, 3)

	for i := 0; i < 3; i++ {
		state, _ := limiter.State()
		require.Equal(t, upload.StateIncrementing, state, "attempt %d", i+1)
	}

	clock.Advance(20 * time.Second).MustWait(ctx)
	state, remaining := limiter.State()
	assert.Equal(t, upload.StateThrottled, state)
	assert.Equal(t, 40*time.Second, remaining)

	state, _ = limiter.State()
	assert.Equal(t, upload.StateThrottled, state, "throttled attempts are not counted")

	clock.Advance(40 * time.Second).MustWait(ctx)
	state, _ = limiter.State()
	assert.Equal(t, upload.StateIncrementing, state, "a new window starts after the interval")
}

func TestRateLimiterClockBackwards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := quartz.NewMock(t)
	limiter := upload.NewRateLimiter(clock, time.Minute, 1)

	state, _ := limiter.State()
	require.Equal(t, upload.StateIncrementing, state)
	state, _ = limiter.State()
	require.Equal(t, upload.StateThrottled, state)

	clock.Set(clock.Now().Add(-time.Hour)).MustWait(ctx)
	state, _ = limiter.State()
	assert.Equal(t, upload.StateIncrementing, state)
}

func TestRateLimiterDefaults(t *testing.T) {
	t.Parallel()
	limiter := upload.NewRateLimiter(quartz.NewMock(t), 0, 0)

	for i := 0; i < upload.DefaultRateLimitMaxCount; i++ {
		state, _ := limiter.State()
		require.Equal(t, upload.StateIncrementing, state)
	}
	state, remaining := limiter.State()
	assert.Equal(t, upload.StateThrottled, state)
	assert.Equal(t, upload.DefaultRateLimitInterval, remaining)
}

func TestResultFromStatus(t *testing.T) {
	t.Parallel()

	tests := map[int]upload.ResultKind{
		200: upload.Success,
		204: upload.Success,
		301: upload.RecoverableFailure,
		400: upload.UnrecoverableFailure,
		413: upload.UnrecoverableFailure,
		500: upload.RecoverableFailure,
		503: upload.RecoverableFailure,
		0:   upload.RecoverableFailure,
	}
	for status, want := range tests {
		got := upload.ResultFromStatus(status)
		assert.Equal(t, want, got.Kind, "status %d", status)
		assert.Equal(t, status, got.Status)
	}
}
