package credential

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicateEmail is returned by Create when the email is taken.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrUnavailable wraps failures of the underlying store.
	ErrUnavailable = errors.New("credential store unavailable")
)

// Repository persists users. Implementations must make
// IncrementFailedLogins a single atomic operation and ExtendLock monotonic:
// a lock is only ever moved later, never shortened.
type Repository interface {
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, u *User) error
	UpdatePasswordHash(ctx context.Context, id, hash string, changedAt time.Time) error
	UpdateStatus(ctx context.Context, id string, status Status, emailVerified bool) error
	IncrementFailedLogins(ctx context.Context, id string) (int, error)
	ExtendLock(ctx context.Context, id string, until time.Time) error
	ResetFailedLogins(ctx context.Context, id string) error
}
