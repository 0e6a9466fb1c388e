package stores

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualNow struct {
	mu sync.Mutex
	t  time.Time
}

func (m *manualNow) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualNow) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestOneTimeTokenSingleUse(t *testing.T) {
	mr, rdb := newRedis(t)
	clk := &manualNow{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s := NewOneTimeStore(rdb, "aot", clk.Now)
	ctx := context.Background()

	token, err := s.Issue(ctx, PurposeVerifyEmail, "u1", time.Hour)
	require.NoError(t, err)
	for _, k := range mr.Keys() {
		assert.NotContains(t, k, token)
	}

	_, err = s.Consume(ctx, PurposePasswordReset, token, 5)
	require.ErrorIs(t, err, ErrOneTimeNotFound, "purposes do not share tokens")

	rec, err := s.Consume(ctx, PurposeVerifyEmail, token, 5)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, PurposeVerifyEmail, rec.Purpose)

	_, err = s.Consume(ctx, PurposeVerifyEmail, token, 5)
	require.ErrorIs(t, err, ErrOneTimeNotFound)

	_, err = s.Consume(ctx, PurposeVerifyEmail, "garbage", 5)
	require.ErrorIs(t, err, ErrOneTimeNotFound)
}

func TestOneTimeTokenExpiresAndCountsMismatches(t *testing.T) {
	_, rdb := newRedis(t)
	clk := &manualNow{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s := NewOneTimeStore(rdb, "aot", clk.Now)
	ctx := context.Background()

	token, err := s.Issue(ctx, PurposePasswordReset, "u1", 30*time.Minute)
	require.NoError(t, err)
	clk.Advance(31 * time.Minute)
	_, err = s.Consume(ctx, PurposePasswordReset, token, 5)
	require.ErrorIs(t, err, ErrOneTimeNotFound)

	token, err = s.Issue(ctx, PurposePasswordReset, "u1", 30*time.Minute)
	require.NoError(t, err)
	other, err := s.Issue(ctx, PurposePasswordReset, "u1", 30*time.Minute)
	require.NoError(t, err)
	forged := token[:22] + other[22:]

	_, err = s.Consume(ctx, PurposePasswordReset, forged, 2)
	require.ErrorIs(t, err, ErrOneTimeSecretMismatch)
	_, err = s.Consume(ctx, PurposePasswordReset, forged, 2)
	require.ErrorIs(t, err, ErrOneTimeAttemptsExceeded)
	_, err = s.Consume(ctx, PurposePasswordReset, token, 2)
	require.ErrorIs(t, err, ErrOneTimeNotFound)
}

func TestOneTimePeekLeavesTokenUsable(t *testing.T) {
	_, rdb := newRedis(t)
	clk := &manualNow{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s := NewOneTimeStore(rdb, "aot", clk.Now)
	ctx := context.Background()

	token, err := s.Issue(ctx, PurposePasswordReset, "u1", 30*time.Minute)
	require.NoError(t, err)
	other, err := s.Issue(ctx, PurposePasswordReset, "u1", 30*time.Minute)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rec, err := s.Peek(ctx, PurposePasswordReset, token, 5)
		require.NoError(t, err)
		assert.Equal(t, "u1", rec.UserID)
	}
	rec, err := s.Consume(ctx, PurposePasswordReset, token, 5)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	_, err = s.Peek(ctx, PurposePasswordReset, token, 5)
	require.ErrorIs(t, err, ErrOneTimeNotFound)

	// A forged secret seen through Peek still spends an attempt.
	forged := other[:22] + token[22:]
	_, err = s.Peek(ctx, PurposePasswordReset, forged, 2)
	require.ErrorIs(t, err, ErrOneTimeSecretMismatch)
	_, err = s.Peek(ctx, PurposePasswordReset, forged, 2)
	require.ErrorIs(t, err, ErrOneTimeAttemptsExceeded)
	_, err = s.Peek(ctx, PurposePasswordReset, other, 2)
	require.ErrorIs(t, err, ErrOneTimeNotFound)
}

func TestPendingLoginLifecycle(t *testing.T) {
	_, rdb := newRedis(t)
	clk := &manualNow{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s := NewPendingLoginStore(rdb, "apl", clk.Now)
	ctx := context.Background()

	ref, err := s.Create(ctx, &PendingLogin{UserID: "u1", IP: "203.0.113.10", UserAgent: "ua", DeviceFingerprint: "fp", RiskScore: 12}, 5*time.Minute)
	require.NoError(t, err)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, uint8(12), got.RiskScore)
	assert.Equal(t, "fp", got.DeviceFingerprint)

	for i := 0; i < 4; i++ {
		exceeded, err := s.RecordFailure(ctx, ref, 5)
		require.NoError(t, err)
		assert.False(t, exceeded)
	}
	got, err = s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, uint16(4), got.Attempts)

	exceeded, err := s.RecordFailure(ctx, ref, 5)
	require.NoError(t, err)
	assert.True(t, exceeded)
	_, err = s.Get(ctx, ref)
	require.ErrorIs(t, err, ErrPendingLoginNotFound)

	ref, err = s.Create(ctx, &PendingLogin{UserID: "u1"}, 5*time.Minute)
	require.NoError(t, err)
	clk.Advance(6 * time.Minute)
	_, err = s.Get(ctx, ref)
	require.ErrorIs(t, err, ErrPendingLoginExpired)
}

func TestPendingLoginConsumedOnce(t *testing.T) {
	_, rdb := newRedis(t)
	s := NewPendingLoginStore(rdb, "apl", nil)
	ctx := context.Background()
	ref, err := s.Create(ctx, &PendingLogin{UserID: "u1"}, 5*time.Minute)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.Consume(ctx, ref); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPendingLoginClaimIsExclusive(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewPendingLoginStore(rdb, "apl", nil)
	ctx := context.Background()
	ref, err := s.Create(ctx, &PendingLogin{UserID: "u1"}, 5*time.Minute)
	require.NoError(t, err)

	release, ok, err := s.Claim(ctx, ref, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	again, ok, err := s.Claim(ctx, ref, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, again)

	release()
	release2, ok, err := s.Claim(ctx, ref, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale release must not free a claim it no longer holds.
	release()
	_, ok, err = s.Claim(ctx, ref, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	release2()

	_, ok, err = s.Claim(ctx, ref, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)
	_, ok, err = s.Claim(ctx, ref, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "an abandoned claim expires")
}

func TestPendingLoginCountResend(t *testing.T) {
	mr, rdb := newRedis(t)
	clk := &manualNow{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s := NewPendingLoginStore(rdb, "apl", clk.Now)
	ctx := context.Background()
	rec := &PendingLogin{UserID: "u1"}
	ref, err := s.Create(ctx, rec, 5*time.Minute)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := s.CountResend(ctx, ref, rec.ExpiresAt)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.LessOrEqual(t, mr.TTL(s.key(ref)+":resends"), 5*time.Minute)

	clk.Advance(6 * time.Minute)
	_, err = s.CountResend(ctx, ref, rec.ExpiresAt)
	require.ErrorIs(t, err, ErrPendingLoginExpired)
}
