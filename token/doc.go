// Package token implements the Token Service: short-lived signed access
// tokens, opaque rotating refresh tokens grouped in families, and the
// revocation list consulted on every access-token validation.
//
// # Refresh families
//
// A refresh token is base64url(familyID || secret). Redis stores one hash per
// family with the SHA-256 of the current secret and a set of consumed
// digests. Rotation is a single Lua script: presenting the current secret
// swaps it for a new one; presenting a consumed secret revokes the whole
// family and reports reuse. Of two concurrent rotations with the same token
// exactly one succeeds and the other observes reuse.
package token
