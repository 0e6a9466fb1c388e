// Package limiters provides the domain throttles built on internal/rate.
//
//   - [ActionLimiter] throttles account actions (sign-up, password reset
//     requests, verification resends) per identifier and per IP.
//   - [MFALimiter] bounds MFA verification attempts and challenge sends per
//     configuration and per source IP.
//
// All limiters are nil-safe: calling any method on a nil receiver allows the
// request.
package limiters
