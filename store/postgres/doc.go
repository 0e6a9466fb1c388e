// Package postgres implements the dwayauth persistence contracts on
// PostgreSQL through pgx.
//
// [Users] satisfies credential.Repository, [MFA] satisfies mfa.Repository
// and [Revocations] satisfies token.RevocationLog. All three share a [DB],
// normally the *pgxpool.Pool returned by [Open]. [Migrate] creates the
// tables the queries expect.
//
// Atomicity follows the contracts: failed-login counters, backup-code
// consumption and TOTP step updates are single conditional statements, so
// concurrent callers never both win.
package postgres
