// Package mfa implements the MFA Engine: per-user method configurations,
// enrollment, challenge issuance and code verification for TOTP, SMS,
// email, backup codes and biometric challenge-response.
//
// Every verification consumes a rate-limit slot before the code is looked
// at, so malformed and wrong codes cost the same. Each attempt is recorded
// through [Repository.RecordAttempt].
//
// TOTP secrets are sealed with XChaCha20-Poly1305 ([SecretBox]) before they
// reach the repository. SMS and email codes, backup codes and biometric
// nonces are stored only as SHA-256 digests or short-lived Redis entries.
package mfa
