package mfa

import (
	"context"
	"time"
)

// Repository persists MFA configurations and attempts.
//
// Implementations must make ConsumeBackupCode and MarkUsed atomic: when
// several callers race, exactly one observes true.
type Repository interface {
	ListByUser(ctx context.Context, userID string) ([]*Config, error)
	Get(ctx context.Context, configID string) (*Config, error)
	Create(ctx context.Context, cfg *Config) error
	Update(ctx context.Context, cfg *Config) error
	Delete(ctx context.Context, configID string) error
	// SetPrimary makes configID the only primary configuration of userID.
	SetPrimary(ctx context.Context, userID, configID string) error
	// ConsumeBackupCode marks the unused code with the given digest as used.
	ConsumeBackupCode(ctx context.Context, configID, hash string, at time.Time) (bool, error)
	// MarkUsed records a successful use. A positive step must be greater
	// than the stored LastUsedStep or the call reports false.
	MarkUsed(ctx context.Context, configID string, at time.Time, step int64) (bool, error)
	RecordAttempt(ctx context.Context, a Attempt) error
}
