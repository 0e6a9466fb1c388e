package rate

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is a fixed-window counter. The window starts at the first hit.
type Counter struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewCounter builds a fixed-window counter with the given window length.
func NewCounter(client redis.UniversalClient, prefix string, ttl time.Duration) *Counter {
	return &Counter{redis: client, prefix: prefix, ttl: ttl}
}

// Incr adds one hit to key and returns the new count.
func (c *Counter) Incr(ctx context.Context, key string) (int64, error) {
	k := c.prefix + ":" + key
	count, err := c.redis.Incr(ctx, k).Result()
	if err != nil {
		return 0, unavailable(err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := c.redis.Expire(ctx, k, c.ttl).Err(); err != nil {
			return 0, unavailable(err)
		}
	}

	return count, nil
}

// Get returns the current count for key. Missing keys read as zero.
func (c *Counter) Get(ctx context.Context, key string) (int64, error) {
	count, err := c.redis.Get(ctx, c.prefix+":"+key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, unavailable(err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

// Reset clears key.
func (c *Counter) Reset(ctx context.Context, key string) error {
	if err := c.redis.Del(ctx, c.prefix+":"+key).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}
