package memory

import (
	"context"
	"sync"
	"time"

	"github.com/johnnydxm/dwayauth/credential"
)

// Users is an in-memory credential.Repository.
type Users struct {
	mu      sync.RWMutex
	byID    map[string]*credential.User
	byEmail map[string]string
	// Fail, when set, is returned by every call.
	Fail error
}

// NewUsers returns an empty user repository.
func NewUsers() *Users {
	return &Users{
		byID:    make(map[string]*credential.User),
		byEmail: make(map[string]string),
	}
}

func (r *Users) GetByEmail(ctx context.Context, email string) (*credential.User, error) {
	if r.Fail != nil {
		return nil, r.Fail
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[credential.NormalizeEmail(email)]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return clone(r.byID[id]), nil
}

func (r *Users) GetByID(ctx context.Context, id string) (*credential.User, error) {
	if r.Fail != nil {
		return nil, r.Fail
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return clone(u), nil
}

func (r *Users) Create(ctx context.Context, u *credential.User) error {
	if r.Fail != nil {
		return r.Fail
	}
	email := credential.NormalizeEmail(u.Email)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[email]; ok {
		return credential.ErrDuplicateEmail
	}
	c := clone(u)
	c.Email = email
	r.byID[u.ID] = c
	r.byEmail[email] = u.ID
	return nil
}

func (r *Users) UpdatePasswordHash(ctx context.Context, id, hash string, changedAt time.Time) error {
	return r.update(id, func(u *credential.User) {
		u.PasswordHash = hash
		u.PasswordChangedAt = changedAt
		u.UpdatedAt = changedAt
	})
}

func (r *Users) UpdateStatus(ctx context.Context, id string, status credential.Status, emailVerified bool) error {
	return r.update(id, func(u *credential.User) {
		u.Status = status
		u.EmailVerified = emailVerified
	})
}

func (r *Users) IncrementFailedLogins(ctx context.Context, id string) (int, error) {
	var count int
	err := r.update(id, func(u *credential.User) {
		u.FailedLoginCount++
		count = u.FailedLoginCount
	})
	return count, err
}

func (r *Users) ExtendLock(ctx context.Context, id string, until time.Time) error {
	return r.update(id, func(u *credential.User) {
		if until.After(u.LockedUntil) {
			u.LockedUntil = until
		}
	})
}

func (r *Users) ResetFailedLogins(ctx context.Context, id string) error {
	return r.update(id, func(u *credential.User) {
		u.FailedLoginCount = 0
		u.LockedUntil = time.Time{}
	})
}

func (r *Users) update(id string, fn func(u *credential.User)) error {
	if r.Fail != nil {
		return r.Fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return credential.ErrNotFound
	}
	fn(u)
	return nil
}

func clone(u *credential.User) *credential.User {
	c := *u
	return &c
}
