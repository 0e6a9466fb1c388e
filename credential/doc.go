// Package credential is the adapter between authentication flows and the
// user credential store.
//
// It owns the [User] model, the [Repository] persistence contract, the pure
// [LockoutPolicy] escalation function and the [Adapter] that combines them
// with the password hasher. Lookup failures caused by the store are wrapped
// with [ErrUnavailable] and are never reported as a missing user.
package credential
