package credential

import "time"

// LockoutPolicy escalates lock durations as consecutive failures grow.
type LockoutPolicy struct {
	Threshold    int
	BaseDuration time.Duration
	Multiplier   int
	MaxDuration  time.Duration
}

// DefaultLockoutPolicy locks for one minute at five failures and one hour at
// ten, capped at a day.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Threshold:    5,
		BaseDuration: time.Minute,
		Multiplier:   60,
		MaxDuration:  24 * time.Hour,
	}
}

// Duration returns the lock duration for a consecutive failure count. It is
// zero below the threshold and BaseDuration*Multiplier^n for the n-th full
// threshold block above it, capped at MaxDuration.
func (p LockoutPolicy) Duration(failures int) time.Duration {
	if p.Threshold <= 0 || failures < p.Threshold {
		return 0
	}
	d := p.BaseDuration
	steps := (failures - p.Threshold) / p.Threshold
	for i := 0; i < steps; i++ {
		if p.MaxDuration > 0 && d >= p.MaxDuration {
			break
		}
		if p.Multiplier > 1 {
			d *= time.Duration(p.Multiplier)
		}
	}
	if p.MaxDuration > 0 && d > p.MaxDuration {
		d = p.MaxDuration
	}
	return d
}
