package limiters

import (
	"context"
	"errors"
	"time"

	"github.com/johnnydxm/dwayauth/internal/rate"
	"github.com/redis/go-redis/v9"
)

// ErrActionRateLimited is returned when an account action exceeds its budget.
var ErrActionRateLimited = errors.New("action rate limited")

// ActionConfig bounds one account action.
type ActionConfig struct {
	MaxPerIdentifier int
	MaxPerIP         int
	Window           time.Duration
}

// ActionLimiter counts attempts of a named action in fixed windows.
type ActionLimiter struct {
	action  string
	config  ActionConfig
	counter *rate.Counter
}

// NewActionLimiter builds a limiter for action. Keys live under "aal:<action>".
func NewActionLimiter(client redis.UniversalClient, action string, cfg ActionConfig) *ActionLimiter {
	return &ActionLimiter{
		action:  action,
		config:  cfg,
		counter: rate.NewCounter(client, "aal:"+action, cfg.Window),
	}
}

// Enforce records an attempt for identifier and ip and fails with
// ErrActionRateLimited once either budget is exhausted. Redis failures are
// returned wrapped with rate.ErrRedisUnavailable.
func (l *ActionLimiter) Enforce(ctx context.Context, identifier, ip string) error {
	if l == nil {
		return nil
	}
	if identifier != "" && l.config.MaxPerIdentifier > 0 {
		n, err := l.counter.Incr(ctx, "id:"+identifier)
		if err != nil {
			return err
		}
		if n > int64(l.config.MaxPerIdentifier) {
			return ErrActionRateLimited
		}
	}
	if ip != "" && l.config.MaxPerIP > 0 {
		n, err := l.counter.Incr(ctx, "ip:"+ip)
		if err != nil {
			return err
		}
		if n > int64(l.config.MaxPerIP) {
			return ErrActionRateLimited
		}
	}
	return nil
}

// Reset clears the identifier budget.
func (l *ActionLimiter) Reset(ctx context.Context, identifier string) error {
	if l == nil {
		return nil
	}
	return l.counter.Reset(ctx, "id:"+identifier)
}
