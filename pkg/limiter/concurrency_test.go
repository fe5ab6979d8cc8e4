package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyLimiter_PerDeploymentCap(t *testing.T) {
	l := NewConcurrencyLimiter(0, 2, 50*time.Millisecond)
	ctx := context.Background()

	rel1, ok := l.Acquire(ctx, "dep-a")
	require.True(t, ok)
	rel2, ok := l.Acquire(ctx, "dep-a")
	require.True(t, ok)

	// Third slot must time out.
	_, ok = l.Acquire(ctx, "dep-a")
	assert.False(t, ok)

	// Another deployment is unaffected.
	relB, ok := l.Acquire(ctx, "dep-b")
	require.True(t, ok)
	relB()

	// Releasing frees the slot for the same deployment.
	rel1()
	rel3, ok := l.Acquire(ctx, "dep-a")
	assert.True(t, ok)
	rel3()
	rel2()
}

func TestConcurrencyLimiter_GlobalCapSpansDeployments(t *testing.T) {
	l := NewConcurrencyLimiter(2, 10, 50*time.Millisecond)
	ctx := context.Background()

	rel1, ok := l.Acquire(ctx, "dep-a")
	require.True(t, ok)
	rel2, ok := l.Acquire(ctx, "dep-b")
	require.True(t, ok)

	// Global tier is exhausted even though neither deployment is at
	// its own cap.
	_, ok = l.Acquire(ctx, "dep-c")
	assert.False(t, ok)

	rel1()
	rel3, ok := l.Acquire(ctx, "dep-c")
	assert.True(t, ok)
	rel3()
	rel2()
}

func TestConcurrencyLimiter_FailedAcquireReturnsGlobalSlot(t *testing.T) {
	// Per-deployment cap of 1 with a global cap of 2: a second acquire
	// on the same deployment fails, and the global slot it briefly held
	// must come back.
	l := NewConcurrencyLimiter(2, 1, 50*time.Millisecond)
	ctx := context.Background()

	relA, ok := l.Acquire(ctx, "dep-a")
	require.True(t, ok)

	_, ok = l.Acquire(ctx, "dep-a")
	require.False(t, ok)

	// Both remaining global slots must still be usable.
	relB, ok := l.Acquire(ctx, "dep-b")
	assert.True(t, ok)
	relB()
	relA()
}

func TestConcurrencyLimiter_DisabledTiers(t *testing.T) {
	l := NewConcurrencyLimiter(0, 0, time.Millisecond)
	for i := 0; i < 100; i++ {
		rel, ok := l.Acquire(context.Background(), "dep-a")
		require.True(t, ok)
		rel()
	}
}

func TestLocalRateLimiter_Window(t *testing.T) {
	l := NewLocalRateLimiter()
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		d, err := l.Allow(context.Background(), "u1:m1", 3)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := l.Allow(context.Background(), "u1:m1", 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfterSeconds(), 0)

	// A different key has its own window.
	d, err = l.Allow(context.Background(), "u2:m1", 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// After the window slides, the key admits again.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	d, err = l.Allow(context.Background(), "u1:m1", 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRetryAfterRoundsUp(t *testing.T) {
	cases := []struct {
		wait time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 2},
		{time.Second, 2},
		{1500 * time.Millisecond, 3},
		{2 * time.Second, 3},
		{59*time.Second + time.Millisecond, 61},
	}
	for _, tc := range cases {
		d := Decision{Allowed: false, Wait: tc.wait}
		assert.Equal(t, tc.want, d.RetryAfterSeconds(), "wait=%s", tc.wait)
	}
}

func TestLocalRateLimiter_ZeroMeansUnlimited(t *testing.T) {
	l := NewLocalRateLimiter()
	for i := 0; i < 50; i++ {
		d, err := l.Allow(context.Background(), "u1:m1", 0)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}
