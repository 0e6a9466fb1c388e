// Package jwt signs and verifies short-lived access tokens.
//
// Tokens carry the user id as "sub", a unique "jti", and the session and
// refresh family they belong to. Verification pins the algorithm, checks
// issuer and audience, and tolerates a small clock skew. Revocation is not
// handled here; see package token.
package jwt
