// Package stores provides Redis-backed, short-lived record stores for
// security-sensitive authentication flows: email verification and password
// reset tokens, and pending MFA logins.
//
// # Design
//
// Each store persists a versioned, binary-encoded record in Redis with a TTL.
// Mutations run either as a Lua script or as a WATCH/MULTI transaction with
// retry on contention. Records are single-use and enforce attempt limits.
// Redis keys are derived from digests, never from the plaintext reference
// handed to the user.
//
// # What this package must NOT do
//
//   - Import dwayauth or any sibling package other than internal.
//   - Log or expose plaintext secrets.
//   - Use non-constant-time comparisons for secret matching.
package stores
