package limiters

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestActionLimiterPerIdentifier(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewActionLimiter(rdb, "reset", ActionConfig{MaxPerIdentifier: 2, MaxPerIP: 100, Window: time.Hour})
	ctx := context.Background()

	require.NoError(t, l.Enforce(ctx, "a@example.com", "10.0.0.1"))
	require.NoError(t, l.Enforce(ctx, "a@example.com", "10.0.0.1"))
	require.ErrorIs(t, l.Enforce(ctx, "a@example.com", "10.0.0.1"), ErrActionRateLimited)
	require.NoError(t, l.Enforce(ctx, "b@example.com", "10.0.0.1"))

	mr.FastForward(time.Hour + time.Second)
	require.NoError(t, l.Enforce(ctx, "a@example.com", "10.0.0.1"))
}

func TestActionLimiterPerIP(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewActionLimiter(rdb, "register", ActionConfig{MaxPerIdentifier: 10, MaxPerIP: 2, Window: time.Hour})
	ctx := context.Background()

	require.NoError(t, l.Enforce(ctx, "a@example.com", "10.0.0.9"))
	require.NoError(t, l.Enforce(ctx, "b@example.com", "10.0.0.9"))
	require.ErrorIs(t, l.Enforce(ctx, "c@example.com", "10.0.0.9"), ErrActionRateLimited)
}

func TestNilLimitersAllow(t *testing.T) {
	var a *ActionLimiter
	require.NoError(t, a.Enforce(context.Background(), "x", "y"))

	var m *MFALimiter
	d, err := m.Consume(context.Background(), "cfg", "ip")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMFALimiterPerConfigAndIP(t *testing.T) {
	_, rdb := newRedis(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMFALimiter(rdb, MFAConfig{MaxPerConfig: 5, MaxPerIP: 7, Window: 15 * time.Minute}, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Consume(ctx, "cfg-1", "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Consume(ctx, "cfg-1", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	d, err = l.Check(ctx, "cfg-1", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// The IP ceiling covers other configurations too. The denied attempt
	// above left the IP window at five.
	for i := 0; i < 2; i++ {
		d, err = l.Consume(ctx, "cfg-2", "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err = l.Consume(ctx, "cfg-2", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	require.NoError(t, l.Reset(ctx, "cfg-1"))
	d, err = l.Check(ctx, "cfg-1", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMFALimiterDeniedConfigKeepsIPBudget(t *testing.T) {
	_, rdb := newRedis(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMFALimiter(rdb, MFAConfig{MaxPerConfig: 2, MaxPerIP: 4, Window: 15 * time.Minute}, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Consume(ctx, "cfg-1", "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	for i := 0; i < 10; i++ {
		d, err := l.Consume(ctx, "cfg-1", "10.0.0.1")
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}

	d, err := l.Check(ctx, "cfg-2", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "rejected attempts on cfg-1 must not spend the IP window")
	for i := 0; i < 2; i++ {
		d, err = l.Consume(ctx, "cfg-2", "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestMFALimiterSendBudget(t *testing.T) {
	mr, rdb := newRedis(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := MFAConfig{MaxPerConfig: 5, MaxPerIP: 20, MaxSendsPerConfig: 3, MaxSendsPerIP: 4, Window: 15 * time.Minute}
	l := NewMFALimiter(rdb, cfg, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.ConsumeSend(ctx, "cfg-1", "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.ConsumeSend(ctx, "cfg-1", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 15*time.Minute, d.RetryAfter)

	// Sends and verification attempts are separate budgets.
	d, err = l.Check(ctx, "cfg-1", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.ConsumeSend(ctx, "cfg-2", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.ConsumeSend(ctx, "cfg-2", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "the IP send ceiling spans configurations")

	require.NoError(t, l.Reset(ctx, "cfg-1"))
	assert.False(t, mr.Exists("amr:send:cfg:cfg-1"))

	now = now.Add(16 * time.Minute)
	d, err = l.ConsumeSend(ctx, "cfg-2", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMFALimiterZeroSendLimitDisablesWindow(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewMFALimiter(rdb, MFAConfig{MaxPerConfig: 1, MaxPerIP: 1, Window: time.Minute}, nil)
	for i := 0; i < 10; i++ {
		d, err := l.ConsumeSend(context.Background(), "cfg-1", "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}
