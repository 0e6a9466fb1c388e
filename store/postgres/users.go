package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/johnnydxm/dwayauth/credential"
)

// Users is a credential.Repository over the users table.
type Users struct {
	db DB
}

// NewUsers returns a user repository backed by db.
func NewUsers(db DB) *Users {
	return &Users{db: db}
}

const userColumns = `id, email, password_hash, status, email_verified, failed_login_count,
	locked_until, password_changed_at, created_at, updated_at`

func (r *Users) GetByEmail(ctx context.Context, email string) (*credential.User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = $1`,
		credential.NormalizeEmail(email))
	return scanUser(row)
}

func (r *Users) GetByID(ctx context.Context, id string) (*credential.User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *Users) Create(ctx context.Context, u *credential.User) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, credential.NormalizeEmail(u.Email), u.PasswordHash, string(u.Status), u.EmailVerified,
		u.FailedLoginCount, nullTime(u.LockedUntil), nullTime(u.PasswordChangedAt),
		u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return credential.ErrDuplicateEmail
		}
		return unavailable(credential.ErrUnavailable, err)
	}
	return nil
}

func (r *Users) UpdatePasswordHash(ctx context.Context, id, hash string, changedAt time.Time) error {
	return r.exec(ctx, `
		UPDATE users SET password_hash = $2, password_changed_at = $3, updated_at = $3
		WHERE id = $1`, id, hash, changedAt.UTC())
}

func (r *Users) UpdateStatus(ctx context.Context, id string, status credential.Status, emailVerified bool) error {
	return r.exec(ctx, `
		UPDATE users SET status = $2, email_verified = $3, updated_at = now()
		WHERE id = $1`, id, string(status), emailVerified)
}

func (r *Users) IncrementFailedLogins(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		UPDATE users SET failed_login_count = failed_login_count + 1
		WHERE id = $1
		RETURNING failed_login_count`, id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, credential.ErrNotFound
		}
		return 0, unavailable(credential.ErrUnavailable, err)
	}
	return count, nil
}

// ExtendLock never moves locked_until earlier.
func (r *Users) ExtendLock(ctx context.Context, id string, until time.Time) error {
	return r.exec(ctx, `
		UPDATE users SET locked_until = GREATEST(COALESCE(locked_until, $2), $2)
		WHERE id = $1`, id, until.UTC())
}

func (r *Users) ResetFailedLogins(ctx context.Context, id string) error {
	return r.exec(ctx, `
		UPDATE users SET failed_login_count = 0, locked_until = NULL
		WHERE id = $1`, id)
}

func (r *Users) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return unavailable(credential.ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return credential.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*credential.User, error) {
	var (
		u                  credential.User
		status             string
		lockedUntil, pwdAt *time.Time
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &status, &u.EmailVerified, &u.FailedLoginCount,
		&lockedUntil, &pwdAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, credential.ErrNotFound
		}
		return nil, unavailable(credential.ErrUnavailable, err)
	}
	u.Status = credential.Status(status)
	u.LockedUntil = fromNull(lockedUntil)
	u.PasswordChangedAt = fromNull(pwdAt)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}
