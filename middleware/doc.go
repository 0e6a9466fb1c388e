// Package middleware exposes net/http adapters over dwayauth.Engine.
//
// # Guards
//
//   - [ClientContext] attaches the caller's IP, User-Agent and device
//     fingerprint to the request context.
//   - [Guard] verifies the bearer access token.
//   - [RequireSession] validates the session token with drift detection.
//   - [RequireRecentMFA] rejects sessions whose MFA proof is too old.
//
// Each guard injects what it validated into the request context.
//
// # What this package must NOT do
//
//   - Parse or create tokens directly (delegates to Engine).
//   - Access Redis (Engine handles I/O).
//   - Define routes or response bodies beyond a status line.
package middleware
