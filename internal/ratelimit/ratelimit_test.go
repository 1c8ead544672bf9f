package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time manually.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestBucket(t *testing.T, tokensPerInterval int64, interval time.Duration, maxBurst int64) (*TokenBucket, *fakeClock) {
	t.Helper()

	clock := &fakeClock{current: time.Unix(1700000000, 0)}
	tb, err := New(tokensPerInterval, interval, maxBurst)
	require.NoError(t, err)
	tb.now = clock.now
	tb.lastRefill = clock.current
	return tb, clock
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name              string
		tokensPerInterval int64
		interval          time.Duration
		maxBurst          int64
	}{
		{name: "zero rate", tokensPerInterval: 0, interval: time.Second, maxBurst: 10},
		{name: "negative rate", tokensPerInterval: -5, interval: time.Second, maxBurst: 10},
		{name: "zero interval", tokensPerInterval: 10, interval: 0, maxBurst: 10},
		{name: "negative interval", tokensPerInterval: 10, interval: -time.Second, maxBurst: 10},
		{name: "burst below rate", tokensPerInterval: 10, interval: time.Second, maxBurst: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.tokensPerInterval, tt.interval, tt.maxBurst)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestTryConsume_StartsFull(t *testing.T) {
	t.Parallel()

	tb, _ := newTestBucket(t, 10, time.Second, 20)

	res := tb.TryConsume(20)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.TokensLeft)
	assert.Equal(t, time.Duration(0), res.WaitHint)
}

func TestTryConsume_RejectsWithWaitHint(t *testing.T) {
	t.Parallel()

	tb, _ := newTestBucket(t, 10, time.Second, 10)

	res := tb.TryConsume(10)
	require.True(t, res.Allowed)

	res = tb.TryConsume(5)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.WaitHint)
	// 5 tokens at 100ms each
	assert.LessOrEqual(t, res.WaitHint, 500*time.Millisecond)
}

func TestTryConsume_RefillIsFloored(t *testing.T) {
	t.Parallel()

	tb, clock := newTestBucket(t, 10, time.Second, 10)
	require.True(t, tb.TryConsume(10).Allowed)

	// 150ms accrues 1.5 tokens at 10/s; only the whole token is credited.
	clock.advance(150 * time.Millisecond)
	assert.Equal(t, int64(1), tb.Tokens())

	// The 50ms remainder carries over: 50ms later the second token lands.
	clock.advance(50 * time.Millisecond)
	assert.Equal(t, int64(2), tb.Tokens())
}

func TestTryConsume_RefillCapsAtBurst(t *testing.T) {
	t.Parallel()

	tb, clock := newTestBucket(t, 10, time.Second, 15)
	require.True(t, tb.TryConsume(15).Allowed)

	clock.advance(time.Hour)
	assert.Equal(t, int64(15), tb.Tokens())
}

func TestConsume_FailsFastWhenRequestExceedsBurst(t *testing.T) {
	t.Parallel()

	tb, _ := newTestBucket(t, 10, time.Second, 10)
	require.True(t, tb.TryConsume(10).Allowed)

	err := tb.Consume(context.Background(), 11, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestConsume_SucceedsAfterRefill(t *testing.T) {
	t.Parallel()

	tb, err := New(100, 100*time.Millisecond, 100)
	require.NoError(t, err)
	require.True(t, tb.TryConsume(100).Allowed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, tb.Consume(ctx, 1, 10))
}

func TestConsume_HonorsContext(t *testing.T) {
	t.Parallel()

	tb, err := New(1, time.Hour, 1)
	require.NoError(t, err)
	require.True(t, tb.TryConsume(1).Allowed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = tb.Consume(ctx, 1, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsume_RetriesExceeded(t *testing.T) {
	t.Parallel()

	tb, err := New(1, time.Hour, 1)
	require.NoError(t, err)
	require.True(t, tb.TryConsume(1).Allowed)

	// Shrink the wait so the test does not sleep for an hour.
	tb.mu.Lock()
	tb.interval = 10 * time.Millisecond
	tb.tokensPerInterval = 1
	tb.mu.Unlock()

	err = tb.Consume(context.Background(), 1, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExceeded)
}

func TestReset_RefillsToCapacity(t *testing.T) {
	t.Parallel()

	tb, _ := newTestBucket(t, 10, time.Second, 20)
	require.True(t, tb.TryConsume(20).Allowed)

	tb.reset()
	assert.Equal(t, int64(20), tb.Tokens())
}
