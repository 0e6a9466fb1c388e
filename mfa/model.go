package mfa

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Method is an MFA factor type.
type Method string

const (
	MethodTOTP        Method = "totp"
	MethodSMS         Method = "sms"
	MethodEmail       Method = "email"
	MethodBackupCodes Method = "backup_codes"
	MethodBiometric   Method = "biometric"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodTOTP, MethodSMS, MethodEmail, MethodBackupCodes, MethodBiometric:
		return true
	}
	return false
}

// Challenged reports whether verification needs a previously issued
// challenge.
func (m Method) Challenged() bool {
	return m == MethodSMS || m == MethodEmail || m == MethodBiometric
}

// BackupCode is one single-use recovery code, stored as a digest.
type BackupCode struct {
	Hash   string
	UsedAt time.Time
}

// Config is one MFA method enrolled by a user.
type Config struct {
	ID              string
	UserID          string
	Method          Method
	IsPrimary       bool
	IsEnabled       bool
	EncryptedSecret string
	PhoneNumber     string
	Email           string
	PublicKey       []byte
	BackupCodes     []BackupCode
	LastUsedAt      time.Time
	// LastUsedStep is the last accepted TOTP time step.
	LastUsedStep int64
	VerifiedAt   time.Time
	CreatedAt    time.Time
}

var validate = validator.New()

// Validate checks the method-specific required fields.
func (c *Config) Validate() error {
	if c.ID == "" || c.UserID == "" {
		return fmt.Errorf("%w: id and user id are required", ErrInvalidConfig)
	}
	switch c.Method {
	case MethodTOTP:
		if c.EncryptedSecret == "" {
			return fmt.Errorf("%w: totp requires a secret", ErrInvalidConfig)
		}
	case MethodSMS:
		if err := validate.Var(c.PhoneNumber, "required,e164"); err != nil {
			return fmt.Errorf("%w: sms requires an E.164 phone number", ErrInvalidConfig)
		}
	case MethodEmail:
		if err := validate.Var(c.Email, "required,email"); err != nil {
			return fmt.Errorf("%w: email requires a valid address", ErrInvalidConfig)
		}
	case MethodBiometric:
		if len(c.PublicKey) != 32 {
			return fmt.Errorf("%w: biometric requires an ed25519 public key", ErrInvalidConfig)
		}
	case MethodBackupCodes:
		if c.IsPrimary {
			return fmt.Errorf("%w: backup codes cannot be primary", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidConfig, c.Method)
	}
	return nil
}

// Destination returns the masked contact a challenge is delivered to.
func (c *Config) Destination() string {
	switch c.Method {
	case MethodSMS:
		return MaskDestination(c.Method, c.PhoneNumber)
	case MethodEmail:
		return MaskDestination(c.Method, c.Email)
	}
	return ""
}

// RemainingBackupCodes counts unused backup codes.
func (c *Config) RemainingBackupCodes() int {
	n := 0
	for _, bc := range c.BackupCodes {
		if bc.UsedAt.IsZero() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.PublicKey = append([]byte(nil), c.PublicKey...)
	cp.BackupCodes = append([]BackupCode(nil), c.BackupCodes...)
	return &cp
}

// Outcome is the recorded result of a verification attempt.
type Outcome string

const (
	OutcomeVerified    Outcome = "verified"
	OutcomeRejected    Outcome = "rejected"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeExpired     Outcome = "expired"
)

// Attempt is an immutable record of one verification attempt.
type Attempt struct {
	ID        string
	ConfigID  string
	UserID    string
	Method    Method
	Outcome   Outcome
	IP        string
	CreatedAt time.Time
}

var (
	// ErrNotFound means no configuration matches.
	ErrNotFound = errors.New("mfa config not found")
	// ErrNotConfigured means the user has no usable method of the requested kind.
	ErrNotConfigured = errors.New("mfa not configured")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid mfa config")
	// ErrAlreadyEnrolled means an enabled configuration of the method exists.
	ErrAlreadyEnrolled = errors.New("mfa method already enrolled")
	// ErrUnavailable wraps storage failures.
	ErrUnavailable = errors.New("mfa backend unavailable")
	// ErrRateLimited is matched by *RateLimitError.
	ErrRateLimited = errors.New("mfa rate limited")
)

// RateLimitError carries the retry hint of a rate-limited request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("mfa rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
