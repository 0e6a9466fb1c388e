package dwayauth

import (
	"errors"
	"time"

	"github.com/johnnydxm/dwayauth/credential"
	"github.com/johnnydxm/dwayauth/internal/limiters"
	"github.com/johnnydxm/dwayauth/jwt"
	"github.com/johnnydxm/dwayauth/mfa"
	"github.com/johnnydxm/dwayauth/notify"
	"github.com/johnnydxm/dwayauth/password"
	"github.com/johnnydxm/dwayauth/risk"
	"github.com/johnnydxm/dwayauth/session"
	"github.com/johnnydxm/dwayauth/token"
)

// Config is the complete engine configuration. Obtain a populated value
// with DefaultConfig, override what the deployment needs, then pass it to
// the Builder. The Engine copies it at build time.
type Config struct {
	JWT       JWTConfig
	Session   SessionConfig
	Lockout   LockoutConfig
	Password  PasswordConfig
	MFA       MFAConfig
	Risk      RiskConfig
	RateLimit RateLimitConfig
	Account   AccountConfig
	Notify    NotifyConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls access-token signing and refresh-token lifetimes.
type JWTConfig struct {
	AccessTTL          time.Duration
	RefreshIdleTTL     time.Duration
	RefreshAbsoluteTTL time.Duration
	SigningMethod      string // "ed25519" (default), "hs256" optional
	PrivateKey         []byte
	PublicKey          []byte
	KeyID              string
	Issuer             string
	Audience           string
	Leeway             time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session lifetimes and context drift handling.
type SessionConfig struct {
	AbsoluteTTL       time.Duration
	IdleTimeout       time.Duration
	StepUpMaxAge      time.Duration
	HeartbeatInterval time.Duration
	RevokedRetention  time.Duration
	KnownDeviceTTL    time.Duration
	AlertWindow       time.Duration
	Strictness        session.Strictness
	RedisPrefix       string
}

/*
====================================
LOCKOUT / PASSWORD CONFIG
====================================
*/

// LockoutConfig is the progressive account lockout policy.
type LockoutConfig struct {
	Threshold    int
	BaseDuration time.Duration
	Multiplier   int
	MaxDuration  time.Duration
}

// PasswordConfig controls hashing cost and complexity rules.
type PasswordConfig struct {
	BcryptCost     int
	MinLength      int
	MaxLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSymbol  bool
	RejectIdentity bool
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig controls the MFA Engine and pending MFA logins.
type MFAConfig struct {
	// SecretKey seals TOTP secrets at rest. Must be 32 bytes.
	SecretKey       []byte
	TOTPIssuer      string
	TOTPPeriod      uint
	TOTPDigits      int
	TOTPSkew        uint
	CodeDigits      int
	CodeTTL         time.Duration
	CodeMaxTries    int
	BiometricTTL    time.Duration
	BackupCodeCount int

	MaxAttemptsPerMethod int
	MaxAttemptsPerIP     int
	AttemptWindow        time.Duration

	// MaxChallengesPerMethod and MaxChallengesPerIP cap SMS, email and
	// biometric challenges issued per AttemptWindow.
	MaxChallengesPerMethod int
	MaxChallengesPerIP     int

	PendingLoginTTL         time.Duration
	PendingLoginMaxFailures int
	// PendingLoginMaxResends caps SendMFAChallenge calls per pending login.
	PendingLoginMaxResends int
}

/*
====================================
RISK CONFIG
====================================
*/

// RiskConfig tunes the request risk analyzer.
type RiskConfig struct {
	Enabled        bool
	WarnThreshold  int
	BlockThreshold int
	VelocityLimit  int
	VelocityWindow time.Duration
	BurstPerSecond float64
	Burst          int
	HistorySize    int
	HistoryTTL     time.Duration
	BadUserAgents  []string
	Timeout        time.Duration
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// ActionLimit bounds one account action per identifier and per IP within a
// fixed window.
type ActionLimit struct {
	MaxPerIdentifier int
	MaxPerIP         int
	Window           time.Duration
}

// RateLimitConfig bounds pre-authentication actions.
type RateLimitConfig struct {
	Login         ActionLimit
	Register      ActionLimit
	PasswordReset ActionLimit
	Verification  ActionLimit
}

/*
====================================
ACCOUNT CONFIG
====================================
*/

// AccountConfig controls email verification and password reset tokens.
type AccountConfig struct {
	VerificationTTL         time.Duration
	VerificationMaxAttempts int
	ResetTTL                time.Duration
	ResetMaxAttempts        int
	// NotifyPasswordChanged sends a notice after every password change.
	NotifyPasswordChanged bool
}

// NotifyConfig controls the async notification dispatcher.
type NotifyConfig struct {
	QueueSize   int
	SendTimeout time.Duration
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles in-process counters and latency histograms.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production defaults. Signing keys and the MFA
// sealing key are left empty and must be supplied.
func DefaultConfig() Config {
	lock := credential.DefaultLockoutPolicy()
	pw := password.DefaultPolicy()
	sess := session.DefaultConfig()
	tok := token.DefaultConfig()
	eng := mfa.DefaultEngineConfig()
	rk := risk.DefaultConfig()

	return Config{
		JWT: JWTConfig{
			AccessTTL:          10 * time.Minute,
			RefreshIdleTTL:     tok.RefreshIdleTTL,
			RefreshAbsoluteTTL: tok.RefreshAbsoluteTTL,
			SigningMethod:      "ed25519",
			Issuer:             "dwayauth",
			Leeway:             5 * time.Second,
		},
		Session: SessionConfig{
			AbsoluteTTL:       sess.AbsoluteTTL,
			IdleTimeout:       sess.IdleTimeout,
			StepUpMaxAge:      sess.StepUpMaxAge,
			HeartbeatInterval: sess.HeartbeatInterval,
			RevokedRetention:  sess.RevokedRetention,
			KnownDeviceTTL:    sess.KnownDeviceTTL,
			AlertWindow:       sess.AlertWindow,
			Strictness:        sess.Strictness,
			RedisPrefix:       sess.KeyPrefix,
		},
		Lockout: LockoutConfig{
			Threshold:    lock.Threshold,
			BaseDuration: lock.BaseDuration,
			Multiplier:   lock.Multiplier,
			MaxDuration:  lock.MaxDuration,
		},
		Password: PasswordConfig{
			BcryptCost:     password.DefaultCost,
			MinLength:      pw.MinLength,
			MaxLength:      pw.MaxLength,
			RequireUpper:   pw.RequireUpper,
			RequireLower:   pw.RequireLower,
			RequireDigit:   pw.RequireDigit,
			RequireSymbol:  pw.RequireSymbol,
			RejectIdentity: pw.RejectIdentity,
		},
		MFA: MFAConfig{
			TOTPIssuer:              eng.TOTP.Issuer,
			TOTPPeriod:              eng.TOTP.Period,
			TOTPDigits:              eng.TOTP.Digits,
			TOTPSkew:                eng.TOTP.Skew,
			CodeDigits:              eng.CodeDigits,
			CodeTTL:                 eng.CodeTTL,
			CodeMaxTries:            eng.CodeMaxTries,
			BiometricTTL:            eng.BiometricTTL,
			BackupCodeCount:         eng.BackupCodeCount,
			MaxAttemptsPerMethod:    eng.RateLimit.MaxPerConfig,
			MaxAttemptsPerIP:        eng.RateLimit.MaxPerIP,
			AttemptWindow:           eng.RateLimit.Window,
			MaxChallengesPerMethod:  eng.RateLimit.MaxSendsPerConfig,
			MaxChallengesPerIP:      eng.RateLimit.MaxSendsPerIP,
			PendingLoginTTL:         5 * time.Minute,
			PendingLoginMaxFailures: 5,
			PendingLoginMaxResends:  3,
		},
		Risk: RiskConfig{
			Enabled:        true,
			WarnThreshold:  rk.WarnThreshold,
			BlockThreshold: rk.BlockThreshold,
			VelocityLimit:  rk.VelocityLimit,
			VelocityWindow: rk.VelocityWindow,
			BurstPerSecond: rk.BurstPerSecond,
			Burst:          rk.Burst,
			HistorySize:    rk.HistorySize,
			HistoryTTL:     rk.HistoryTTL,
			BadUserAgents:  append([]string(nil), rk.BadUserAgents...),
			Timeout:        rk.Timeout,
		},
		RateLimit: RateLimitConfig{
			Login:         ActionLimit{MaxPerIdentifier: 20, MaxPerIP: 100, Window: 15 * time.Minute},
			Register:      ActionLimit{MaxPerIdentifier: 3, MaxPerIP: 20, Window: time.Hour},
			PasswordReset: ActionLimit{MaxPerIdentifier: 3, MaxPerIP: 20, Window: time.Hour},
			Verification:  ActionLimit{MaxPerIdentifier: 5, MaxPerIP: 50, Window: time.Hour},
		},
		Account: AccountConfig{
			VerificationTTL:         24 * time.Hour,
			VerificationMaxAttempts: 5,
			ResetTTL:                30 * time.Minute,
			ResetMaxAttempts:        5,
			NotifyPasswordChanged:   true,
		},
		Notify: NotifyConfig{
			QueueSize:   256,
			SendTimeout: 10 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.MFA.SecretKey = cloneBytes(cfg.MFA.SecretKey)
	out.Risk.BadUserAgents = append([]string(nil), cfg.Risk.BadUserAgents...)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate lints the configuration. It rejects values that would weaken the
// guarantees the engine documents, for example access tokens living longer
// than fifteen minutes or a TOTP skew wider than one step.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.AccessTTL > jwt.MaxAccessTTL {
		return errors.New("JWT AccessTTL must be <= 15m")
	}
	if c.JWT.RefreshIdleTTL <= 0 || c.JWT.RefreshAbsoluteTTL <= 0 {
		return errors.New("JWT refresh TTLs must be > 0")
	}
	if c.JWT.RefreshIdleTTL > c.JWT.RefreshAbsoluteTTL {
		return errors.New("JWT RefreshIdleTTL must be <= RefreshAbsoluteTTL")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > time.Minute {
		return errors.New("JWT Leeway must be between 0 and 1m")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}

	// Session
	if c.Session.AbsoluteTTL <= 0 {
		return errors.New("Session AbsoluteTTL must be > 0")
	}
	if c.Session.IdleTimeout < 0 || c.Session.IdleTimeout > c.Session.AbsoluteTTL {
		return errors.New("Session IdleTimeout must be between 0 and AbsoluteTTL")
	}
	if c.Session.StepUpMaxAge <= 0 {
		return errors.New("Session StepUpMaxAge must be > 0")
	}
	switch c.Session.Strictness {
	case session.StrictnessOff, session.StrictnessWarn, session.StrictnessStandard, session.StrictnessStrict:
	default:
		return errors.New("Session Strictness is invalid")
	}

	// Lockout
	if c.Lockout.Threshold < 1 {
		return errors.New("Lockout Threshold must be >= 1")
	}
	if c.Lockout.BaseDuration <= 0 || c.Lockout.MaxDuration < c.Lockout.BaseDuration {
		return errors.New("Lockout durations must satisfy 0 < BaseDuration <= MaxDuration")
	}
	if c.Lockout.Multiplier < 1 {
		return errors.New("Lockout Multiplier must be >= 1")
	}

	// Password
	if c.Password.BcryptCost < password.MinCost {
		return errors.New("Password BcryptCost must be >= 10")
	}
	if c.Password.MinLength < 8 {
		return errors.New("Password MinLength must be >= 8")
	}
	if c.Password.MaxLength > 72 || c.Password.MaxLength < c.Password.MinLength {
		return errors.New("Password MaxLength must be between MinLength and 72")
	}

	// MFA
	if len(c.MFA.SecretKey) != 32 {
		return errors.New("MFA SecretKey must be 32 bytes")
	}
	if c.MFA.TOTPSkew > 1 {
		return errors.New("MFA TOTPSkew must be <= 1 step")
	}
	if c.MFA.TOTPPeriod == 0 || (c.MFA.TOTPDigits != 6 && c.MFA.TOTPDigits != 8) {
		return errors.New("MFA TOTP period must be > 0 and digits 6 or 8")
	}
	if c.MFA.CodeDigits < 6 || c.MFA.CodeTTL <= 0 || c.MFA.CodeMaxTries < 1 {
		return errors.New("MFA one-time codes need >= 6 digits, a TTL and at least one try")
	}
	if c.MFA.MaxAttemptsPerMethod < 1 || c.MFA.AttemptWindow <= 0 {
		return errors.New("MFA attempt limits must be > 0")
	}
	if c.MFA.MaxAttemptsPerIP < c.MFA.MaxAttemptsPerMethod {
		return errors.New("MFA MaxAttemptsPerIP must be >= MaxAttemptsPerMethod")
	}
	if c.MFA.MaxChallengesPerMethod < 1 || c.MFA.MaxChallengesPerIP < c.MFA.MaxChallengesPerMethod {
		return errors.New("MFA challenge limits must satisfy 0 < MaxChallengesPerMethod <= MaxChallengesPerIP")
	}
	if c.MFA.PendingLoginTTL <= 0 || c.MFA.PendingLoginMaxFailures < 1 || c.MFA.PendingLoginMaxResends < 1 {
		return errors.New("MFA pending login TTL, failure cap and resend cap must be > 0")
	}

	// Risk
	if c.Risk.Enabled {
		if c.Risk.WarnThreshold <= 0 || c.Risk.BlockThreshold <= c.Risk.WarnThreshold {
			return errors.New("Risk thresholds must satisfy 0 < WarnThreshold < BlockThreshold")
		}
		if c.Risk.Timeout <= 0 {
			return errors.New("Risk Timeout must be > 0")
		}
	}

	// Rate limits
	for name, l := range map[string]ActionLimit{
		"Login":         c.RateLimit.Login,
		"Register":      c.RateLimit.Register,
		"PasswordReset": c.RateLimit.PasswordReset,
		"Verification":  c.RateLimit.Verification,
	} {
		if l.Window <= 0 && (l.MaxPerIdentifier > 0 || l.MaxPerIP > 0) {
			return errors.New("RateLimit " + name + " Window must be > 0")
		}
	}

	// Account
	if c.Account.VerificationTTL <= 0 || c.Account.VerificationMaxAttempts < 1 {
		return errors.New("Account verification TTL and attempts must be > 0")
	}
	if c.Account.ResetTTL <= 0 || c.Account.ResetTTL > 2*time.Hour || c.Account.ResetMaxAttempts < 1 {
		return errors.New("Account ResetTTL must be within (0, 2h] and ResetMaxAttempts > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	return nil
}

func (c Config) jwtConfig(now func() time.Time) jwt.Config {
	return jwt.Config{
		AccessTTL:     c.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(c.JWT.SigningMethod),
		PrivateKey:    cloneBytes(c.JWT.PrivateKey),
		PublicKey:     cloneBytes(c.JWT.PublicKey),
		KeyID:         c.JWT.KeyID,
		Issuer:        c.JWT.Issuer,
		Audience:      c.JWT.Audience,
		Leeway:        c.JWT.Leeway,
		Now:           now,
	}
}

func (c Config) tokenConfig() token.Config {
	return token.Config{
		RefreshIdleTTL:     c.JWT.RefreshIdleTTL,
		RefreshAbsoluteTTL: c.JWT.RefreshAbsoluteTTL,
		KeyPrefix:          "atk",
	}
}

func (c Config) sessionConfig() session.Config {
	return session.Config{
		AbsoluteTTL:       c.Session.AbsoluteTTL,
		IdleTimeout:       c.Session.IdleTimeout,
		StepUpMaxAge:      c.Session.StepUpMaxAge,
		HeartbeatInterval: c.Session.HeartbeatInterval,
		RevokedRetention:  c.Session.RevokedRetention,
		KnownDeviceTTL:    c.Session.KnownDeviceTTL,
		AlertWindow:       c.Session.AlertWindow,
		Strictness:        c.Session.Strictness,
		KeyPrefix:         c.Session.RedisPrefix,
	}
}

func (c Config) lockoutPolicy() credential.LockoutPolicy {
	return credential.LockoutPolicy{
		Threshold:    c.Lockout.Threshold,
		BaseDuration: c.Lockout.BaseDuration,
		Multiplier:   c.Lockout.Multiplier,
		MaxDuration:  c.Lockout.MaxDuration,
	}
}

func (c Config) passwordPolicy() password.Policy {
	return password.Policy{
		MinLength:      c.Password.MinLength,
		MaxLength:      c.Password.MaxLength,
		RequireUpper:   c.Password.RequireUpper,
		RequireLower:   c.Password.RequireLower,
		RequireDigit:   c.Password.RequireDigit,
		RequireSymbol:  c.Password.RequireSymbol,
		RejectIdentity: c.Password.RejectIdentity,
	}
}

func (c Config) mfaEngineConfig() mfa.EngineConfig {
	cfg := mfa.DefaultEngineConfig()
	cfg.TOTP = mfa.TOTPConfig{
		Issuer: c.MFA.TOTPIssuer,
		Period: c.MFA.TOTPPeriod,
		Digits: c.MFA.TOTPDigits,
		Skew:   c.MFA.TOTPSkew,
	}
	cfg.CodeDigits = c.MFA.CodeDigits
	cfg.CodeTTL = c.MFA.CodeTTL
	cfg.CodeMaxTries = c.MFA.CodeMaxTries
	cfg.BiometricTTL = c.MFA.BiometricTTL
	if c.MFA.BackupCodeCount > 0 {
		cfg.BackupCodeCount = c.MFA.BackupCodeCount
	}
	cfg.RateLimit = limiters.MFAConfig{
		MaxPerConfig:      c.MFA.MaxAttemptsPerMethod,
		MaxPerIP:          c.MFA.MaxAttemptsPerIP,
		MaxSendsPerConfig: c.MFA.MaxChallengesPerMethod,
		MaxSendsPerIP:     c.MFA.MaxChallengesPerIP,
		Window:            c.MFA.AttemptWindow,
	}
	return cfg
}

func (c Config) riskConfig() risk.Config {
	cfg := risk.DefaultConfig()
	cfg.WarnThreshold = c.Risk.WarnThreshold
	cfg.BlockThreshold = c.Risk.BlockThreshold
	cfg.VelocityLimit = c.Risk.VelocityLimit
	cfg.VelocityWindow = c.Risk.VelocityWindow
	cfg.BurstPerSecond = c.Risk.BurstPerSecond
	cfg.Burst = c.Risk.Burst
	cfg.HistorySize = c.Risk.HistorySize
	cfg.HistoryTTL = c.Risk.HistoryTTL
	cfg.BadUserAgents = append([]string(nil), c.Risk.BadUserAgents...)
	cfg.Timeout = c.Risk.Timeout
	return cfg
}

func (l ActionLimit) action() limiters.ActionConfig {
	return limiters.ActionConfig{
		MaxPerIdentifier: l.MaxPerIdentifier,
		MaxPerIP:         l.MaxPerIP,
		Window:           l.Window,
	}
}

func (c Config) dispatcherConfig() notify.DispatcherConfig {
	return notify.DispatcherConfig{QueueSize: c.Notify.QueueSize, SendTimeout: c.Notify.SendTimeout}
}
