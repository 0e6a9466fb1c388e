// Package password implements bcrypt password hashing and the password
// complexity policy.
//
// # Output format
//
// Hashes are standard bcrypt strings ($2a$<cost>$...). [Hasher.NeedsUpgrade]
// reports hashes produced with a lower cost than configured so the caller
// can re-hash on the next successful login.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords. Callers supply plaintext and receive hashes.
//   - Import any other dwayauth package.
//   - Log plaintext passwords.
package password
