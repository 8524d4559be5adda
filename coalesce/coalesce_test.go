package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchConcurrentCallersShareOneFlight(t *testing.T) {
	c := New[int](time.Minute, nil)

	var calls int32
	release := make(chan struct{})
	fetcher := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 42, nil
	}

	const n = 25
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(context.Background(), "club-1:2026-08-27", Options{}, fetcher)
		}(i)
	}

	// Let every caller queue up behind the single flight before it settles.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
}

func TestFetchServesFreshEntryWithoutUpstreamCall(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := New[string](time.Minute, clock)

	var calls int
	fetcher := func(ctx context.Context) (string, error) {
		calls++
		return "payload", nil
	}

	got, err := c.Fetch(context.Background(), "k", Options{}, fetcher)
	require.NoError(t, err)
	assert.Equal(t, "payload", got)

	got, err = c.Fetch(context.Background(), "k", Options{}, fetcher)
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
	assert.Equal(t, 1, calls)

	// Past the TTL the next read refetches.
	now = now.Add(2 * time.Minute)
	_, err = c.Fetch(context.Background(), "k", Options{}, fetcher)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestFetchForceBypassesFreshEntry(t *testing.T) {
	c := New[string](time.Hour, nil)

	var calls int
	fetcher := func(ctx context.Context) (string, error) {
		calls++
		return "v", nil
	}

	_, err := c.Fetch(context.Background(), "k", Options{}, fetcher)
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "k", Options{Force: true}, fetcher)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestFetchFailureLeavesNoStuckFlight(t *testing.T) {
	c := New[string](time.Minute, nil)

	boom := errors.New("upstream down")
	_, err := c.Fetch(context.Background(), "k", Options{}, func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	// The failed flight must not be cached or left pending.
	got, err := c.Fetch(context.Background(), "k", Options{}, func(ctx context.Context) (string, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	c := New[int](time.Hour, nil)

	var calls int
	fetcher := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}

	got, err := c.Fetch(context.Background(), "k", Options{}, fetcher)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	c.Invalidate("k")

	got, err = c.Fetch(context.Background(), "k", Options{}, fetcher)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestPeekReturnsStaleEntry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := New[string](time.Second, clock)

	_, err := c.Fetch(context.Background(), "k", Options{}, func(ctx context.Context) (string, error) {
		return "stale-but-present", nil
	})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	got, ok := c.Peek("k")
	assert.True(t, ok)
	assert.Equal(t, "stale-but-present", got)

	c.InvalidateAll()
	_, ok = c.Peek("k")
	assert.False(t, ok)
}
