package postgres

// schemaStatements are applied in order by Migrate.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                  TEXT PRIMARY KEY,
		email               TEXT NOT NULL,
		password_hash       TEXT NOT NULL,
		status              TEXT NOT NULL,
		email_verified      BOOLEAN NOT NULL DEFAULT FALSE,
		failed_login_count  INTEGER NOT NULL DEFAULT 0,
		locked_until        TIMESTAMPTZ,
		password_changed_at TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users (lower(email))`,

	`CREATE TABLE IF NOT EXISTS mfa_configs (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		method           TEXT NOT NULL,
		is_primary       BOOLEAN NOT NULL DEFAULT FALSE,
		is_enabled       BOOLEAN NOT NULL DEFAULT FALSE,
		encrypted_secret TEXT NOT NULL DEFAULT '',
		phone_number     TEXT NOT NULL DEFAULT '',
		email            TEXT NOT NULL DEFAULT '',
		public_key       BYTEA,
		last_used_at     TIMESTAMPTZ,
		last_used_step   BIGINT NOT NULL DEFAULT 0,
		verified_at      TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, method)
	)`,

	`CREATE TABLE IF NOT EXISTS mfa_backup_codes (
		config_id TEXT NOT NULL REFERENCES mfa_configs (id) ON DELETE CASCADE,
		position  INTEGER NOT NULL,
		code_hash TEXT NOT NULL,
		used_at   TIMESTAMPTZ,
		PRIMARY KEY (config_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS mfa_backup_codes_hash_idx ON mfa_backup_codes (config_id, code_hash)`,

	`CREATE TABLE IF NOT EXISTS mfa_verification_attempts (
		id         TEXT PRIMARY KEY,
		config_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		method     TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		ip_address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS mfa_attempts_config_idx ON mfa_verification_attempts (config_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS revoked_tokens (
		kind       TEXT NOT NULL,
		target_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		revoked_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		PRIMARY KEY (kind, target_id, revoked_at)
	)`,
	`CREATE INDEX IF NOT EXISTS revoked_tokens_user_idx ON revoked_tokens (user_id, revoked_at)`,
}
