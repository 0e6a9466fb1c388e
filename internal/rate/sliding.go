package rate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims expired members, counts the rest and, when the
// limit allows and ARGV[5] is "1", records a new member. It returns
// {allowed, count, retryAfterMillis}.
var slidingWindowLua = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local consume = ARGV[5] == "1"

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
  local retry = window
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  if retry < 1 then
    retry = 1
  end
  return {0, count, retry}
end
if consume then
  redis.call("ZADD", key, now, member)
  redis.call("PEXPIRE", key, window)
  count = count + 1
end
return {1, count, 0}
`)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	Count      int
	Remaining  int
	RetryAfter time.Duration
}

// SlidingWindow allows at most Limit events per Window for each key.
type SlidingWindow struct {
	redis  redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewSlidingWindow builds a limiter. now supplies the window clock.
func NewSlidingWindow(client redis.UniversalClient, prefix string, limit int, window time.Duration, now func() time.Time) *SlidingWindow {
	if now == nil {
		now = time.Now
	}
	return &SlidingWindow{
		redis:  client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    now,
	}
}

// Limit returns the configured event budget.
func (w *SlidingWindow) Limit() int { return w.limit }

// Window returns the configured window length.
func (w *SlidingWindow) Window() time.Duration { return w.window }

// Allow consumes one slot for key when available. The trim, count and add
// happen in a single round trip so concurrent callers cannot exceed the limit.
func (w *SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	return w.run(ctx, key, true)
}

// Peek reports whether a slot is available without consuming it.
func (w *SlidingWindow) Peek(ctx context.Context, key string) (Decision, error) {
	return w.run(ctx, key, false)
}

// Reset forgets every recorded event for key.
func (w *SlidingWindow) Reset(ctx context.Context, key string) error {
	if err := w.redis.Del(ctx, w.key(key)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (w *SlidingWindow) run(ctx context.Context, key string, consume bool) (Decision, error) {
	if w.limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	member, err := newMember(w.now())
	if err != nil {
		return Decision{}, err
	}
	flag := "0"
	if consume {
		flag = "1"
	}

	res, err := slidingWindowLua.Run(ctx, w.redis, []string{w.key(key)},
		w.now().UnixMilli(), w.window.Milliseconds(), w.limit, member, flag,
	).Int64Slice()
	if err != nil {
		return Decision{}, unavailable(err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply", ErrRedisUnavailable)
	}

	d := Decision{
		Allowed:    res[0] == 1,
		Count:      int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}
	d.Remaining = w.limit - d.Count
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

func (w *SlidingWindow) key(key string) string {
	return w.prefix + ":" + key
}

func newMember(now time.Time) (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s", now.UnixNano(), hex.EncodeToString(b[:])), nil
}
