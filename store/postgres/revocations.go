package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/johnnydxm/dwayauth/token"
)

// Revocations is a token.RevocationLog over the revoked_tokens table.
type Revocations struct {
	db DB
}

// NewRevocations returns a revocation log backed by db.
func NewRevocations(db DB) *Revocations {
	return &Revocations{db: db}
}

// RecordRevocation is idempotent for the same kind, target and instant.
func (l *Revocations) RecordRevocation(ctx context.Context, r token.Revocation) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO revoked_tokens (kind, target_id, user_id, reason, revoked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		string(r.Kind), r.TargetID, r.UserID, r.Reason, r.RevokedAt.UTC(), nullTime(r.ExpiresAt))
	if err != nil {
		return fmt.Errorf("%w: %v", token.ErrUnavailable, err)
	}
	return nil
}

// ForUser returns the revocations recorded for userID, oldest first.
func (l *Revocations) ForUser(ctx context.Context, userID string) ([]token.Revocation, error) {
	rows, err := l.db.Query(ctx, `
		SELECT kind, target_id, user_id, reason, revoked_at, expires_at
		FROM revoked_tokens WHERE user_id = $1 ORDER BY revoked_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrUnavailable, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (token.Revocation, error) {
		var (
			r         token.Revocation
			kind      string
			expiresAt *time.Time
		)
		err := row.Scan(&kind, &r.TargetID, &r.UserID, &r.Reason, &r.RevokedAt, &expiresAt)
		r.Kind = token.RevocationKind(kind)
		r.RevokedAt = r.RevokedAt.UTC()
		r.ExpiresAt = fromNull(expiresAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrUnavailable, err)
	}
	return out, nil
}

// Purge deletes entries whose expiry passed before now.
func (l *Revocations) Purge(ctx context.Context, now time.Time) (int64, error) {
	tag, err := l.db.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at IS NOT NULL AND expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", token.ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
