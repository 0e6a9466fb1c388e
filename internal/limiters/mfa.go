package limiters

import (
	"context"
	"time"

	"github.com/johnnydxm/dwayauth/internal/rate"
	"github.com/redis/go-redis/v9"
)

// MFAConfig bounds verification attempts and challenge deliveries. A zero
// send limit disables that send window.
type MFAConfig struct {
	MaxPerConfig      int
	MaxPerIP          int
	MaxSendsPerConfig int
	MaxSendsPerIP     int
	Window            time.Duration
}

// MFALimiter enforces a sliding window per MFA configuration and a wider
// ceiling per source IP, once for verification attempts and once for
// challenges sent.
type MFALimiter struct {
	perConfig     *rate.SlidingWindow
	perIP         *rate.SlidingWindow
	sendPerConfig *rate.SlidingWindow
	sendPerIP     *rate.SlidingWindow
}

// NewMFALimiter builds the limiter. Attempt keys live under "amr:cfg" and
// "amr:ip", send keys under "amr:send:cfg" and "amr:send:ip".
func NewMFALimiter(client redis.UniversalClient, cfg MFAConfig, now func() time.Time) *MFALimiter {
	l := &MFALimiter{
		perConfig: rate.NewSlidingWindow(client, "amr:cfg", cfg.MaxPerConfig, cfg.Window, now),
		perIP:     rate.NewSlidingWindow(client, "amr:ip", cfg.MaxPerIP, cfg.Window, now),
	}
	if cfg.MaxSendsPerConfig > 0 {
		l.sendPerConfig = rate.NewSlidingWindow(client, "amr:send:cfg", cfg.MaxSendsPerConfig, cfg.Window, now)
	}
	if cfg.MaxSendsPerIP > 0 {
		l.sendPerIP = rate.NewSlidingWindow(client, "amr:send:ip", cfg.MaxSendsPerIP, cfg.Window, now)
	}
	return l
}

// Check reports whether an attempt would be allowed without consuming a slot.
func (l *MFALimiter) Check(ctx context.Context, configID, ip string) (rate.Decision, error) {
	if l == nil {
		return rate.Decision{Allowed: true}, nil
	}
	d, err := l.perConfig.Peek(ctx, configID)
	if err != nil || !d.Allowed || ip == "" {
		return d, err
	}
	return l.perIP.Peek(ctx, ip)
}

// Consume takes one slot from both attempt windows. A denied decision means
// the attempt must not be evaluated.
func (l *MFALimiter) Consume(ctx context.Context, configID, ip string) (rate.Decision, error) {
	if l == nil {
		return rate.Decision{Allowed: true}, nil
	}
	return consumePair(ctx, l.perConfig, l.perIP, configID, ip)
}

// ConsumeSend takes one slot from both send windows. A denied decision
// means no challenge may be delivered.
func (l *MFALimiter) ConsumeSend(ctx context.Context, configID, ip string) (rate.Decision, error) {
	if l == nil {
		return rate.Decision{Allowed: true}, nil
	}
	return consumePair(ctx, l.sendPerConfig, l.sendPerIP, configID, ip)
}

// Reset clears the per-configuration windows after a successful
// verification. The IP ceilings are left to expire.
func (l *MFALimiter) Reset(ctx context.Context, configID string) error {
	if l == nil {
		return nil
	}
	if err := l.perConfig.Reset(ctx, configID); err != nil {
		return err
	}
	if l.sendPerConfig != nil {
		return l.sendPerConfig.Reset(ctx, configID)
	}
	return nil
}

// consumePair charges the IP window only when the configuration window
// still has room, so an exhausted configuration never drains the shared IP
// ceiling. Either window may be nil.
func consumePair(ctx context.Context, perConfig, perIP *rate.SlidingWindow, configID, ip string) (rate.Decision, error) {
	if perConfig != nil {
		d, err := perConfig.Peek(ctx, configID)
		if err != nil || !d.Allowed {
			return d, err
		}
	}
	if perIP != nil && ip != "" {
		d, err := perIP.Allow(ctx, ip)
		if err != nil || !d.Allowed {
			return d, err
		}
	}
	if perConfig == nil {
		return rate.Decision{Allowed: true}, nil
	}
	return perConfig.Allow(ctx, configID)
}
