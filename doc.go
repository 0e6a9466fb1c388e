// Package dwayauth is the authentication core of the DWAY banking platform.
//
// It registers customers, verifies their passwords, issues short-lived JWT
// access tokens and rotating refresh tokens, runs multi-factor challenges
// (TOTP, SMS, email, backup codes and device biometrics), tracks sessions
// with context-drift alerts and scores every login for risk.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// dwayauth is the orchestrating surface. It exposes [Engine], [Builder],
// [Config] and value types such as [TokenPair] and [SessionInfo]. Each
// concern lives in its own package:
//
//   - credential: users, hashes and lockout bookkeeping over a Repository
//   - token: access-token validation, refresh families, reuse detection
//   - mfa: enrollment, challenges and verification of every factor
//   - session: session records, drift detection and step-up freshness
//   - risk: login risk scoring, which fails open
//   - notify: email and SMS delivery
//
// Persistence is pluggable: store/memory serves tests and store/postgres
// serves production, while Redis holds sessions, refresh families,
// challenges and rate-limit counters.
//
// # Errors
//
// Every error returned by an Engine method is an [*Error] carrying a [Kind].
// Match with errors.Is against the Err sentinels, or read the Kind with
// [KindOf]. Infrastructure failures surface as SERVICE_UNAVAILABLE and never
// leak their cause to the caller.
package dwayauth
