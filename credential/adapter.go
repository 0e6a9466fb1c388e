package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/johnnydxm/dwayauth/clock"
	"github.com/johnnydxm/dwayauth/password"
)

// Adapter combines the Repository with password hashing and the lockout
// policy.
type Adapter struct {
	repo   Repository
	hasher *password.Hasher
	policy LockoutPolicy
	clock  clock.Clock

	dummyOnce sync.Once
	dummyHash string
}

// NewAdapter wires an Adapter. A nil clock uses the system clock.
func NewAdapter(repo Repository, hasher *password.Hasher, policy LockoutPolicy, c clock.Clock) *Adapter {
	return &Adapter{
		repo:   repo,
		hasher: hasher,
		policy: policy,
		clock:  clock.OrSystem(c),
	}
}

// Policy returns the lockout policy in use.
func (a *Adapter) Policy() LockoutPolicy { return a.policy }

// Lookup fetches a user by email. A missing user yields ErrNotFound.
func (a *Adapter) Lookup(ctx context.Context, email string) (*User, error) {
	u, err := a.repo.GetByEmail(ctx, NormalizeEmail(email))
	return u, a.wrap(err)
}

// Get fetches a user by id.
func (a *Adapter) Get(ctx context.Context, id string) (*User, error) {
	u, err := a.repo.GetByID(ctx, id)
	return u, a.wrap(err)
}

// VerifyPassword checks plaintext against the stored hash of the user
// identified by email. Unknown emails run a comparison against a dummy hash
// so response timing does not reveal which addresses exist; they report
// (nil, false, nil).
func (a *Adapter) VerifyPassword(ctx context.Context, email, plaintext string) (*User, bool, error) {
	u, err := a.Lookup(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_ = a.hasher.Compare(a.dummy(), plaintext)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return u, a.Matches(u, plaintext), nil
}

// Matches compares plaintext against u's stored hash.
func (a *Adapter) Matches(u *User, plaintext string) bool {
	if u == nil || u.PasswordHash == "" {
		_ = a.hasher.Compare(a.dummy(), plaintext)
		return false
	}
	return a.hasher.Compare(u.PasswordHash, plaintext) == nil
}

// IsLocked reports whether u is locked now and the remaining lock time.
func (a *Adapter) IsLocked(u *User) (bool, time.Duration) {
	return u.LockedAt(a.clock.Now())
}

// IncrementFailedAttempts records a failed password attempt and extends the
// lock when the new count crosses a policy step. It returns the new count and
// the lock expiry, zero when the account stays unlocked.
func (a *Adapter) IncrementFailedAttempts(ctx context.Context, userID string) (int, time.Time, error) {
	count, err := a.repo.IncrementFailedLogins(ctx, userID)
	if err != nil {
		return 0, time.Time{}, a.wrap(err)
	}
	d := a.policy.Duration(count)
	if d <= 0 {
		return count, time.Time{}, nil
	}
	until := a.clock.Now().Add(d)
	if err := a.repo.ExtendLock(ctx, userID, until); err != nil {
		return count, time.Time{}, a.wrap(err)
	}
	return count, until, nil
}

// ResetFailedAttempts clears the failure counter and any lock.
func (a *Adapter) ResetFailedAttempts(ctx context.Context, userID string) error {
	return a.wrap(a.repo.ResetFailedLogins(ctx, userID))
}

// Create hashes plaintext and stores a new pending user.
func (a *Adapter) Create(ctx context.Context, id, email, plaintext string) (*User, error) {
	hash, err := a.hasher.Hash(plaintext)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	u := &User{
		ID:                id,
		Email:             NormalizeEmail(email),
		PasswordHash:      hash,
		Status:            StatusPending,
		PasswordChangedAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := a.repo.Create(ctx, u); err != nil {
		return nil, a.wrap(err)
	}
	return u, nil
}

// SetPassword replaces the stored hash of userID.
func (a *Adapter) SetPassword(ctx context.Context, userID, plaintext string) (time.Time, error) {
	hash, err := a.hasher.Hash(plaintext)
	if err != nil {
		return time.Time{}, err
	}
	now := a.clock.Now()
	return now, a.wrap(a.repo.UpdatePasswordHash(ctx, userID, hash, now))
}

// UpgradeHash re-hashes plaintext when the stored hash uses a lower cost.
// Failures are returned but callers usually treat them as non-fatal.
func (a *Adapter) UpgradeHash(ctx context.Context, u *User, plaintext string) error {
	if !a.hasher.NeedsUpgrade(u.PasswordHash) {
		return nil
	}
	hash, err := a.hasher.Hash(plaintext)
	if err != nil {
		return err
	}
	return a.wrap(a.repo.UpdatePasswordHash(ctx, u.ID, hash, u.PasswordChangedAt))
}

// Activate marks the user active with a verified email.
func (a *Adapter) Activate(ctx context.Context, userID string) error {
	return a.wrap(a.repo.UpdateStatus(ctx, userID, StatusActive, true))
}

// SetStatus changes the account status without touching verification.
func (a *Adapter) SetStatus(ctx context.Context, u *User, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return a.wrap(a.repo.UpdateStatus(ctx, u.ID, status, u.EmailVerified))
}

func (a *Adapter) dummy() string {
	a.dummyOnce.Do(func() {
		a.dummyHash, _ = a.hasher.Hash("dwayauth-timing-equalizer")
	})
	return a.dummyHash
}

func (a *Adapter) wrap(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateEmail) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
