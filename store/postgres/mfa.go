package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/johnnydxm/dwayauth/mfa"
)

// MFA is an mfa.Repository over mfa_configs, mfa_backup_codes and
// mfa_verification_attempts.
type MFA struct {
	db DB
}

// NewMFA returns an MFA repository backed by db.
func NewMFA(db DB) *MFA {
	return &MFA{db: db}
}

const configColumns = `id, user_id, method, is_primary, is_enabled, encrypted_secret, phone_number,
	email, public_key, last_used_at, last_used_step, verified_at, created_at`

func (r *MFA) ListByUser(ctx context.Context, userID string) ([]*mfa.Config, error) {
	rows, err := r.db.Query(ctx, `SELECT `+configColumns+` FROM mfa_configs
		WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, unavailable(mfa.ErrUnavailable, err)
	}
	configs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*mfa.Config, error) {
		return scanConfig(row)
	})
	if err != nil {
		return nil, unavailable(mfa.ErrUnavailable, err)
	}

	byID := make(map[string]*mfa.Config, len(configs))
	for _, c := range configs {
		byID[c.ID] = c
	}
	codes, err := r.db.Query(ctx, `
		SELECT b.config_id, b.code_hash, b.used_at
		FROM mfa_backup_codes b JOIN mfa_configs c ON c.id = b.config_id
		WHERE c.user_id = $1
		ORDER BY b.config_id, b.position`, userID)
	if err != nil {
		return nil, unavailable(mfa.ErrUnavailable, err)
	}
	defer codes.Close()
	for codes.Next() {
		var (
			configID string
			bc       mfa.BackupCode
			usedAt   *time.Time
		)
		if err := codes.Scan(&configID, &bc.Hash, &usedAt); err != nil {
			return nil, unavailable(mfa.ErrUnavailable, err)
		}
		bc.UsedAt = fromNull(usedAt)
		if c, ok := byID[configID]; ok {
			c.BackupCodes = append(c.BackupCodes, bc)
		}
	}
	if err := codes.Err(); err != nil {
		return nil, unavailable(mfa.ErrUnavailable, err)
	}
	return configs, nil
}

func (r *MFA) Get(ctx context.Context, configID string) (*mfa.Config, error) {
	row := r.db.QueryRow(ctx, `SELECT `+configColumns+` FROM mfa_configs WHERE id = $1`, configID)
	c, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mfa.ErrNotFound
		}
		return nil, unavailable(mfa.ErrUnavailable, err)
	}
	codes, err := r.loadBackupCodes(ctx, configID)
	if err != nil {
		return nil, err
	}
	c.BackupCodes = codes
	return c, nil
}

func (r *MFA) Create(ctx context.Context, cfg *mfa.Config) error {
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO mfa_configs (`+configColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			cfg.ID, cfg.UserID, string(cfg.Method), cfg.IsPrimary, cfg.IsEnabled, cfg.EncryptedSecret,
			cfg.PhoneNumber, cfg.Email, cfg.PublicKey, nullTime(cfg.LastUsedAt), cfg.LastUsedStep,
			nullTime(cfg.VerifiedAt), cfg.CreatedAt.UTC())
		if err != nil {
			return err
		}
		return insertBackupCodes(ctx, tx, cfg.ID, cfg.BackupCodes)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return mfa.ErrAlreadyEnrolled
		}
		return unavailable(mfa.ErrUnavailable, err)
	}
	return nil
}

// Update rewrites every column except is_primary, which only SetPrimary
// changes, and replaces the stored backup codes.
func (r *MFA) Update(ctx context.Context, cfg *mfa.Config) error {
	var missing bool
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE mfa_configs SET is_enabled = $2, encrypted_secret = $3, phone_number = $4, email = $5,
				public_key = $6, last_used_at = $7, last_used_step = $8, verified_at = $9
			WHERE id = $1`,
			cfg.ID, cfg.IsEnabled, cfg.EncryptedSecret, cfg.PhoneNumber, cfg.Email, cfg.PublicKey,
			nullTime(cfg.LastUsedAt), cfg.LastUsedStep, nullTime(cfg.VerifiedAt))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			missing = true
			return errNoRow
		}
		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE config_id = $1`, cfg.ID); err != nil {
			return err
		}
		return insertBackupCodes(ctx, tx, cfg.ID, cfg.BackupCodes)
	})
	if missing {
		return mfa.ErrNotFound
	}
	if err != nil {
		return unavailable(mfa.ErrUnavailable, err)
	}
	return nil
}

func (r *MFA) Delete(ctx context.Context, configID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM mfa_configs WHERE id = $1`, configID)
	if err != nil {
		return unavailable(mfa.ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return mfa.ErrNotFound
	}
	return nil
}

func (r *MFA) SetPrimary(ctx context.Context, userID, configID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE mfa_configs SET is_primary = (id = $2)
		WHERE user_id = $1
		  AND EXISTS (SELECT 1 FROM mfa_configs WHERE id = $2 AND user_id = $1)`, userID, configID)
	if err != nil {
		return unavailable(mfa.ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return mfa.ErrNotFound
	}
	return nil
}

func (r *MFA) ConsumeBackupCode(ctx context.Context, configID, hash string, at time.Time) (bool, error) {
	var consumed bool
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE mfa_backup_codes SET used_at = $3
			WHERE config_id = $1 AND code_hash = $2 AND used_at IS NULL
			  AND position = (
				SELECT min(position) FROM mfa_backup_codes
				WHERE config_id = $1 AND code_hash = $2 AND used_at IS NULL)`,
			configID, hash, at.UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		consumed = true
		_, err = tx.Exec(ctx, `UPDATE mfa_configs SET last_used_at = $2 WHERE id = $1`, configID, at.UTC())
		return err
	})
	if err != nil {
		return false, unavailable(mfa.ErrUnavailable, err)
	}
	return consumed, nil
}

// MarkUsed advances last_used_step only forward. A step of zero records the
// use without replay tracking.
func (r *MFA) MarkUsed(ctx context.Context, configID string, at time.Time, step int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE mfa_configs
		SET last_used_at = $2,
		    last_used_step = CASE WHEN $3::bigint > 0 THEN $3::bigint ELSE last_used_step END
		WHERE id = $1 AND ($3::bigint <= 0 OR last_used_step < $3::bigint)`, configID, at.UTC(), step)
	if err != nil {
		return false, unavailable(mfa.ErrUnavailable, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mfa_configs WHERE id = $1)`, configID).Scan(&exists); err != nil {
		return false, unavailable(mfa.ErrUnavailable, err)
	}
	if !exists {
		return false, mfa.ErrNotFound
	}
	return false, nil
}

func (r *MFA) RecordAttempt(ctx context.Context, a mfa.Attempt) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO mfa_verification_attempts (id, config_id, user_id, method, outcome, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.ConfigID, a.UserID, string(a.Method), string(a.Outcome), a.IP, a.CreatedAt.UTC())
	if err != nil {
		return unavailable(mfa.ErrUnavailable, err)
	}
	return nil
}

var errNoRow = errors.New("no row")

func (r *MFA) loadBackupCodes(ctx context.Context, configID string) ([]mfa.BackupCode, error) {
	rows, err := r.db.Query(ctx, `
		SELECT code_hash, used_at FROM mfa_backup_codes
		WHERE config_id = $1 ORDER BY position`, configID)
	if err != nil {
		return nil, unavailable(mfa.ErrUnavailable, err)
	}
	codes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (mfa.BackupCode, error) {
		var (
			bc     mfa.BackupCode
			usedAt *time.Time
		)
		err := row.Scan(&bc.Hash, &usedAt)
		bc.UsedAt = fromNull(usedAt)
		return bc, err
	})
	if err != nil {
		return nil, unavailable(mfa.ErrUnavailable, err)
	}
	return codes, nil
}

func insertBackupCodes(ctx context.Context, tx pgx.Tx, configID string, codes []mfa.BackupCode) error {
	if len(codes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, bc := range codes {
		batch.Queue(`INSERT INTO mfa_backup_codes (config_id, position, code_hash, used_at)
			VALUES ($1, $2, $3, $4)`, configID, i, bc.Hash, nullTime(bc.UsedAt))
	}
	return tx.SendBatch(ctx, batch).Close()
}

func scanConfig(row pgx.Row) (*mfa.Config, error) {
	var (
		c                    mfa.Config
		method               string
		lastUsed, verifiedAt *time.Time
	)
	err := row.Scan(&c.ID, &c.UserID, &method, &c.IsPrimary, &c.IsEnabled, &c.EncryptedSecret,
		&c.PhoneNumber, &c.Email, &c.PublicKey, &lastUsed, &c.LastUsedStep, &verifiedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Method = mfa.Method(method)
	c.LastUsedAt = fromNull(lastUsed)
	c.VerifiedAt = fromNull(verifiedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}
