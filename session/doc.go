// Package session implements the Session Manager: Redis-backed sessions
// addressed by opaque tokens, context drift scoring and revocation.
//
// # Binary encoding
//
// Sessions are stored as a compact versioned binary blob. The first byte is
// the format version; strings are length-prefixed and timestamps are Unix
// milliseconds.
//
// # Drift
//
// Each validation compares the request IP, device fingerprint and user agent
// with the values captured at creation. Changes raise alerts and a risk
// score; the configured [Strictness] decides whether the session survives.
//
// # What this package must NOT do
//
//   - Import dwayauth, jwt or token (no upward imports).
//   - Store plaintext session tokens.
package session
