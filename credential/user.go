package credential

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a user account.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusClosed    Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusClosed:
		return true
	}
	return false
}

// User is the credential record of an account holder.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	Status            Status
	EmailVerified     bool
	FailedLoginCount  int
	LockedUntil       time.Time
	PasswordChangedAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LockedAt reports whether the account is locked at now and, if so, how long
// remains.
func (u *User) LockedAt(now time.Time) (bool, time.Duration) {
	if u == nil || u.LockedUntil.IsZero() || !u.LockedUntil.After(now) {
		return false, 0
	}
	return true, u.LockedUntil.Sub(now)
}

// NormalizeEmail trims and lower-cases an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
