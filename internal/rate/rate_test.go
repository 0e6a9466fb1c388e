package rate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestSlidingWindowLimitsAndSlides(t *testing.T) {
	_, rdb := newRedis(t)
	clk := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := NewSlidingWindow(rdb, "t", 3, time.Minute, clk.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := w.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		clk.Advance(10 * time.Second)
	}

	d, err := w.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
	assert.Zero(t, d.Remaining)

	clk.Advance(31 * time.Second)
	d, err = w.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSlidingWindowPeekDoesNotConsume(t *testing.T) {
	_, rdb := newRedis(t)
	clk := &testClock{t: time.Now()}
	w := NewSlidingWindow(rdb, "t", 1, time.Minute, clk.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := w.Peek(ctx, "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := w.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = w.Peek(ctx, "k")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, w.Reset(ctx, "k"))
	d, err = w.Peek(ctx, "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestSlidingWindowConcurrentCallersNeverExceedLimit(t *testing.T) {
	_, rdb := newRedis(t)
	w := NewSlidingWindow(rdb, "t", 5, time.Minute, nil)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := w.Allow(ctx, "shared")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), allowed.Load())
}

func TestSlidingWindowRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	w := NewSlidingWindow(rdb, "t", 5, time.Minute, nil)
	mr.Close()

	_, err = w.Allow(context.Background(), "k")
	require.True(t, errors.Is(err, ErrRedisUnavailable))
}

func TestCounterFixedWindow(t *testing.T) {
	mr, rdb := newRedis(t)
	c := NewCounter(rdb, "c", time.Minute)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := c.Incr(ctx, "ip")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := c.Get(ctx, "ip")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mr.FastForward(61 * time.Second)
	n, err = c.Get(ctx, "ip")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = c.Incr(ctx, "ip")
	require.NoError(t, err)
	require.NoError(t, c.Reset(ctx, "ip"))
	n, err = c.Get(ctx, "ip")
	require.NoError(t, err)
	assert.Zero(t, n)
}
