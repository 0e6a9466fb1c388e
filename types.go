package dwayauth

import (
	"time"

	"github.com/johnnydxm/dwayauth/credential"
	"github.com/johnnydxm/dwayauth/mfa"
	"github.com/johnnydxm/dwayauth/session"
	"github.com/johnnydxm/dwayauth/token"
)

// RegisterInput is the payload of Engine.Register.
type RegisterInput struct {
	Email    string `validate:"required,email,max=254"`
	Password string `validate:"required"`
}

// RegisterResult describes a newly created pending account. No tokens are
// issued until the email address is verified.
type RegisterResult struct {
	UserID                string
	Email                 string
	Status                credential.Status
	VerificationRequired  bool
	VerificationExpiresAt time.Time
}

// Credentials is the payload of Engine.Login.
type Credentials struct {
	Email    string `validate:"required,max=254"`
	Password string `validate:"required"`
}

// UserInfo is the public view of an account.
type UserInfo struct {
	ID            string
	Email         string
	Status        credential.Status
	EmailVerified bool
}

// TokenPair is an access token plus its refresh token.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	TokenType        string
}

// SessionInfo is the public view of a session. The session token itself is
// never part of it.
type SessionInfo struct {
	ID                string
	UserID            string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	MFAVerified       bool
	MFAVerifiedAt     time.Time
	RiskScore         uint8
	CreatedAt         time.Time
	ExpiresAt         time.Time
	LastSeenAt        time.Time
	// Current is set by ListSessions for the caller's own session.
	Current bool
}

// LoginResult is the outcome of a successful credential check. It is either
// *Authenticated or *MFAChallenge; the two never overlap.
type LoginResult interface {
	loginResult()
}

// Authenticated is a completed login: a session and its token pair.
type Authenticated struct {
	User         UserInfo
	Session      SessionInfo
	SessionToken string
	Tokens       TokenPair
	// RiskWarning is set when the request scored above the warn threshold.
	RiskWarning bool
	RiskReasons []string
}

func (*Authenticated) loginResult() {}

// MFAMethod is an enabled verification method with its destination masked.
type MFAMethod struct {
	ConfigID    string
	Method      mfa.Method
	Destination string
	IsPrimary   bool
}

// ChallengeInfo describes a challenge that was just issued.
type ChallengeInfo struct {
	ConfigID    string
	Method      mfa.Method
	Destination string
	ExpiresAt   time.Time
	// Nonce is set for biometric challenges and must be signed by the
	// registered device key.
	Nonce string
}

// MFAChallenge means the password was correct but a second factor is
// required. PendingRef identifies the pending login and is valid until
// ExpiresAt. No tokens have been issued.
type MFAChallenge struct {
	PendingRef string
	ExpiresAt  time.Time
	Methods    []MFAMethod
	// Challenge is set when a code was sent to the primary method.
	Challenge *ChallengeInfo
}

func (*MFAChallenge) loginResult() {}

// CompleteMFARequest carries a second-factor proof. PendingRef is required
// by CompleteMFALogin and ignored by VerifyStepUp. Code holds the TOTP or
// one-time code, a backup code, or the base64url biometric signature.
type CompleteMFARequest struct {
	PendingRef   string
	ConfigID     string
	Method       mfa.Method
	Code         string
	IsBackupCode bool
}

// LogoutOptions tunes Engine.Logout.
type LogoutOptions struct {
	AllDevices bool
}

// AccessClaims is a validated access token.
type AccessClaims = token.Claims

// SessionValidation is the result of Engine.ValidateSession.
type SessionValidation struct {
	Session   SessionInfo
	Alerts    []session.Alert
	RiskScore uint8
	// StepUpRequired reports whether sensitive operations need a fresh
	// VerifyStepUp first.
	StepUpRequired bool
}

// TOTPEnrollment is the provisioning data of a new authenticator. Secret and
// URI are shown once and never stored in plaintext.
type TOTPEnrollment = mfa.TOTPEnrollment

func userInfo(u *credential.User) UserInfo {
	return UserInfo{ID: u.ID, Email: u.Email, Status: u.Status, EmailVerified: u.EmailVerified}
}

func tokenPair(p *token.Pair) TokenPair {
	return TokenPair{
		AccessToken:      p.AccessToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshToken:     p.RefreshToken,
		RefreshExpiresAt: p.RefreshExpiresAt,
		TokenType:        p.TokenType,
	}
}

func sessionInfo(s *session.Session) SessionInfo {
	return SessionInfo{
		ID:                s.ID,
		UserID:            s.UserID,
		IPAddress:         s.IPAddress,
		UserAgent:         s.UserAgent,
		DeviceFingerprint: s.DeviceFingerprint,
		MFAVerified:       s.MFAVerified,
		MFAVerifiedAt:     s.MFAVerifiedAt,
		RiskScore:         s.RiskScore,
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt,
		LastSeenAt:        s.LastSeenAt,
	}
}

func mfaMethod(c *mfa.Config) MFAMethod {
	return MFAMethod{
		ConfigID:    c.ID,
		Method:      c.Method,
		Destination: c.Destination(),
		IsPrimary:   c.IsPrimary,
	}
}

func challengeInfo(ch *mfa.Challenge) *ChallengeInfo {
	if ch == nil {
		return nil
	}
	return &ChallengeInfo{
		ConfigID:    ch.ConfigID,
		Method:      ch.Method,
		Destination: ch.Destination,
		ExpiresAt:   ch.ExpiresAt,
		Nonce:       ch.Nonce,
	}
}
