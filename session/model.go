package session

import "time"

// Session is one authenticated device or browser context. Only the SHA-256
// of the opaque session token is stored.
type Session struct {
	ID                string
	UserID            string
	TokenHash         string
	FamilyID          string
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
	MFAVerified       bool
	MFAVerifiedAt     time.Time
	RiskScore         uint8
	CreatedAt         time.Time
	ExpiresAt         time.Time
	LastSeenAt        time.Time
	RevokedAt         time.Time
	RevokeReason      string
}

// Revoked reports whether the session has been revoked.
func (s *Session) Revoked() bool { return !s.RevokedAt.IsZero() }

// ActiveAt reports whether the session is neither revoked nor expired at now.
func (s *Session) ActiveAt(now time.Time) bool {
	return !s.Revoked() && now.Before(s.ExpiresAt)
}

// Context is the request context a session is created or validated with.
type Context struct {
	IP                string
	UserAgent         string
	DeviceFingerprint string
}

// CreateParams describes a new session.
type CreateParams struct {
	UserID      string
	Context     Context
	MFAVerified bool
	RiskScore   uint8
}
