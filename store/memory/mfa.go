package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/johnnydxm/dwayauth/mfa"
)

// MFA is an in-memory mfa.Repository.
type MFA struct {
	mu       sync.RWMutex
	configs  map[string]*mfa.Config
	attempts []mfa.Attempt
	// Fail, when set, is returned by every call.
	Fail error
}

// NewMFA returns an empty MFA repository.
func NewMFA() *MFA {
	return &MFA{configs: make(map[string]*mfa.Config)}
}

func (r *MFA) ListByUser(ctx context.Context, userID string) ([]*mfa.Config, error) {
	if r.Fail != nil {
		return nil, r.Fail
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*mfa.Config, 0, 4)
	for _, c := range r.configs {
		if c.UserID == userID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MFA) Get(ctx context.Context, configID string) (*mfa.Config, error) {
	if r.Fail != nil {
		return nil, r.Fail
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[configID]
	if !ok {
		return nil, mfa.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *MFA) Create(ctx context.Context, cfg *mfa.Config) error {
	if r.Fail != nil {
		return r.Fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.configs {
		if c.UserID == cfg.UserID && c.Method == cfg.Method {
			return mfa.ErrAlreadyEnrolled
		}
	}
	r.configs[cfg.ID] = cfg.Clone()
	return nil
}

func (r *MFA) Update(ctx context.Context, cfg *mfa.Config) error {
	return r.update(cfg.ID, func(c *mfa.Config) bool {
		primary := c.IsPrimary
		*c = *cfg.Clone()
		c.IsPrimary = primary
		return true
	})
}

func (r *MFA) Delete(ctx context.Context, configID string) error {
	if r.Fail != nil {
		return r.Fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[configID]; !ok {
		return mfa.ErrNotFound
	}
	delete(r.configs, configID)
	return nil
}

func (r *MFA) SetPrimary(ctx context.Context, userID, configID string) error {
	if r.Fail != nil {
		return r.Fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.configs[configID]
	if !ok || target.UserID != userID {
		return mfa.ErrNotFound
	}
	for _, c := range r.configs {
		if c.UserID == userID {
			c.IsPrimary = c.ID == configID
		}
	}
	return nil
}

func (r *MFA) ConsumeBackupCode(ctx context.Context, configID, hash string, at time.Time) (bool, error) {
	var consumed bool
	err := r.update(configID, func(c *mfa.Config) bool {
		for i := range c.BackupCodes {
			if c.BackupCodes[i].Hash == hash && c.BackupCodes[i].UsedAt.IsZero() {
				c.BackupCodes[i].UsedAt = at
				c.LastUsedAt = at
				consumed = true
				return true
			}
		}
		return false
	})
	return consumed, err
}

func (r *MFA) MarkUsed(ctx context.Context, configID string, at time.Time, step int64) (bool, error) {
	var fresh bool
	err := r.update(configID, func(c *mfa.Config) bool {
		if step > 0 {
			if step <= c.LastUsedStep {
				return false
			}
			c.LastUsedStep = step
		}
		c.LastUsedAt = at
		fresh = true
		return true
	})
	return fresh, err
}

func (r *MFA) RecordAttempt(ctx context.Context, a mfa.Attempt) error {
	if r.Fail != nil {
		return r.Fail
	}
	r.mu.Lock()
	r.attempts = append(r.attempts, a)
	r.mu.Unlock()
	return nil
}

// Attempts returns the recorded attempts for configID in insertion order.
func (r *MFA) Attempts(configID string) []mfa.Attempt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mfa.Attempt, 0)
	for _, a := range r.attempts {
		if a.ConfigID == configID {
			out = append(out, a)
		}
	}
	return out
}

func (r *MFA) update(configID string, fn func(*mfa.Config) bool) error {
	if r.Fail != nil {
		return r.Fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[configID]
	if !ok {
		return mfa.ErrNotFound
	}
	fn(c)
	return nil
}
