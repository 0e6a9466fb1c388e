// Package internal contains helpers private to dwayauth: random identifiers,
// opaque token encoding and one-time codes.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - limiters: domain throttles (account actions, MFA attempts)
//   - rate: Redis sliding-window and fixed-window primitives
//   - stores: Redis one-time token and pending MFA login stores
//
// # What this package must NOT do
//
//   - Export types that appear in the public dwayauth API.
//   - Be imported by any package outside the dwayauth module.
package internal
