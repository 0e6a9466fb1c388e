package mfa

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/johnnydxm/dwayauth/clock"
	"github.com/johnnydxm/dwayauth/internal"
	"github.com/johnnydxm/dwayauth/internal/limiters"
	"github.com/johnnydxm/dwayauth/notify"
	"github.com/redis/go-redis/v9"
)

// Status is the terminal state of a verification attempt.
type Status string

const (
	StatusVerified    Status = "VERIFIED"
	StatusRejected    Status = "REJECTED"
	StatusRateLimited Status = "RATE_LIMITED"
	StatusExpired     Status = "EXPIRED"
)

// EngineConfig tunes the MFA Engine.
type EngineConfig struct {
	TOTP             TOTPConfig
	CodeDigits       int
	CodeTTL          time.Duration
	CodeMaxTries     int
	BiometricTTL     time.Duration
	BackupCodeCount  int
	BackupCodeLength int
	RateLimit        limiters.MFAConfig
	KeyPrefix        string
}

// DefaultEngineConfig returns the production defaults: 6-digit codes valid
// for ten minutes with three tries, five verification attempts per method
// and twenty per IP every fifteen minutes. Challenge sends share the window
// with the same ceilings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TOTP:             DefaultTOTPConfig(),
		CodeDigits:       6,
		CodeTTL:          10 * time.Minute,
		CodeMaxTries:     3,
		BiometricTTL:     5 * time.Minute,
		BackupCodeCount:  10,
		BackupCodeLength: 10,
		RateLimit: limiters.MFAConfig{
			MaxPerConfig:      5,
			MaxPerIP:          20,
			MaxSendsPerConfig: 5,
			MaxSendsPerIP:     20,
			Window:            15 * time.Minute,
		},
		KeyPrefix: "amc",
	}
}

// Challenge describes an issued challenge.
type Challenge struct {
	ConfigID    string
	Method      Method
	Destination string
	ExpiresAt   time.Time
	// Nonce is set for biometric challenges: base64url of the bytes the
	// device must sign.
	Nonce string
}

// VerifyRequest is one submitted MFA code.
type VerifyRequest struct {
	UserID       string
	ConfigID     string
	Method       Method
	Code         string
	IsBackupCode bool
	IP           string
}

// Result is the outcome of VerifyCode.
type Result struct {
	Status     Status
	Config     *Config
	RetryAfter time.Duration
	// Reason is a short machine-readable detail for audit, e.g. "replay".
	Reason string
}

// Verified reports whether the attempt succeeded.
func (r *Result) Verified() bool { return r != nil && r.Status == StatusVerified }

// Engine verifies and manages MFA methods.
type Engine struct {
	repo       Repository
	box        *SecretBox
	challenges *challengeStore
	limiter    *limiters.MFALimiter
	notifier   notify.Notifier
	cfg        EngineConfig
	clock      clock.Clock
	logger     *slog.Logger
}

// NewEngine wires an Engine. notifier may be nil when only TOTP, backup
// codes and biometrics are used.
func NewEngine(repo Repository, box *SecretBox, client redis.UniversalClient, notifier notify.Notifier, cfg EngineConfig, c clock.Clock, logger *slog.Logger) (*Engine, error) {
	if repo == nil || box == nil || client == nil {
		return nil, errors.New("mfa: repository, secret box and redis client are required")
	}
	if cfg.TOTP.Period == 0 || cfg.TOTP.Digits == 0 || cfg.CodeDigits == 0 || cfg.CodeTTL <= 0 || cfg.CodeMaxTries <= 0 {
		return nil, errors.New("mfa: incomplete engine config")
	}
	if cfg.TOTP.Skew > 1 {
		return nil, errors.New("mfa: totp skew must be at most one step")
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c = clock.OrSystem(c)
	return &Engine{
		repo:       repo,
		box:        box,
		challenges: &challengeStore{redis: client, prefix: cfg.KeyPrefix},
		limiter:    limiters.NewMFALimiter(client, cfg.RateLimit, c.Now),
		notifier:   notifier,
		cfg:        cfg,
		clock:      c,
		logger:     logger,
	}, nil
}

// GetUserMethods returns the user's enabled configurations.
func (e *Engine) GetUserMethods(ctx context.Context, userID string) ([]*Config, error) {
	all, err := e.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, wrapRepo(err)
	}
	out := make([]*Config, 0, len(all))
	for _, c := range all {
		if c.IsEnabled {
			out = append(out, c)
		}
	}
	return out, nil
}

// Required reports whether the user has an enabled method other than backup
// codes, which alone never satisfy a login.
func (e *Engine) Required(ctx context.Context, userID string) (bool, error) {
	methods, err := e.GetUserMethods(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, m := range methods {
		if m.Method != MethodBackupCodes {
			return true, nil
		}
	}
	return false, nil
}

// Decision is the answer of CheckRateLimit.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// CheckRateLimit reports whether another attempt against configID from ip
// would be accepted. It does not consume a slot.
func (e *Engine) CheckRateLimit(ctx context.Context, configID, ip string) (Decision, error) {
	d, err := e.limiter.Check(ctx, configID, ip)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Decision{Allowed: d.Allowed, RetryAfter: d.RetryAfter}, nil
}

// IssueChallenge starts verification for a challenged method. SMS and email
// codes are delivered through the notifier; biometric challenges return a
// nonce. TOTP and backup codes need no challenge and return nil.
//
// Every issued challenge spends one slot of the send budget for the
// configuration and for ip. A spent budget, or an exhausted verification
// window, yields *RateLimitError.
func (e *Engine) IssueChallenge(ctx context.Context, cfg *Config, ip string) (*Challenge, error) {
	if cfg == nil {
		return nil, ErrNotFound
	}
	if !cfg.Method.Challenged() {
		return nil, nil
	}
	d, err := e.CheckRateLimit(ctx, cfg.ID, ip)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, &RateLimitError{RetryAfter: d.RetryAfter}
	}
	sd, err := e.limiter.ConsumeSend(ctx, cfg.ID, ip)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !sd.Allowed {
		e.logger.Warn("dwayauth: mfa send budget spent", "config_id", cfg.ID, "method", string(cfg.Method))
		return nil, &RateLimitError{RetryAfter: sd.RetryAfter}
	}

	now := e.clock.Now()
	ch := &Challenge{ConfigID: cfg.ID, Method: cfg.Method, Destination: cfg.Destination()}
	switch cfg.Method {
	case MethodSMS, MethodEmail:
		code, err := internal.NewOTP(e.cfg.CodeDigits)
		if err != nil {
			return nil, err
		}
		if err := e.challenges.putCode(ctx, cfg.ID, code, e.cfg.CodeTTL); err != nil {
			return nil, err
		}
		msg := notify.Message{
			Template: notify.TemplateMFACode,
			Params:   map[string]string{"code": code, "ttl_minutes": fmt.Sprint(int(e.cfg.CodeTTL.Minutes()))},
		}
		if cfg.Method == MethodSMS {
			msg.To = cfg.PhoneNumber
			e.notifier.SMS(ctx, msg)
		} else {
			msg.To = cfg.Email
			e.notifier.Email(ctx, msg)
		}
		ch.ExpiresAt = now.Add(e.cfg.CodeTTL)
	case MethodBiometric:
		nonce := make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		if err := e.challenges.putNonce(ctx, cfg.ID, nonce, e.cfg.BiometricTTL); err != nil {
			return nil, err
		}
		ch.Nonce = base64.RawURLEncoding.EncodeToString(nonce)
		ch.ExpiresAt = now.Add(e.cfg.BiometricTTL)
	}
	return ch, nil
}

// VerifyCode verifies one submitted code against an enabled configuration.
//
// An error is returned only for unknown configurations and infrastructure
// failures; every other outcome is a Result. Each call consumes a rate-limit
// slot before the code is examined and is recorded as an Attempt.
func (e *Engine) VerifyCode(ctx context.Context, req VerifyRequest) (*Result, error) {
	cfg, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if !cfg.IsEnabled {
		return nil, ErrNotConfigured
	}
	return e.verify(ctx, cfg, req)
}

func (e *Engine) resolve(ctx context.Context, req VerifyRequest) (*Config, error) {
	if req.IsBackupCode || req.Method == MethodBackupCodes {
		all, err := e.repo.ListByUser(ctx, req.UserID)
		if err != nil {
			return nil, wrapRepo(err)
		}
		for _, c := range all {
			if c.Method == MethodBackupCodes {
				return c, nil
			}
		}
		return nil, ErrNotConfigured
	}

	cfg, err := e.repo.Get(ctx, req.ConfigID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotConfigured
		}
		return nil, wrapRepo(err)
	}
	if cfg.UserID != req.UserID || (req.Method != "" && req.Method != cfg.Method) {
		return nil, ErrNotConfigured
	}
	return cfg, nil
}

func (e *Engine) verify(ctx context.Context, cfg *Config, req VerifyRequest) (*Result, error) {
	d, err := e.limiter.Consume(ctx, cfg.ID, req.IP)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !d.Allowed {
		e.record(ctx, cfg, req.IP, OutcomeRateLimited)
		return &Result{Status: StatusRateLimited, Config: cfg, RetryAfter: d.RetryAfter}, nil
	}

	now := e.clock.Now()
	var res *Result
	switch cfg.Method {
	case MethodTOTP:
		res, err = e.verifyTOTP(ctx, cfg, req.Code, now)
	case MethodSMS, MethodEmail:
		res, err = e.verifyOTP(ctx, cfg, req.Code, now)
	case MethodBackupCodes:
		res, err = e.verifyBackupCode(ctx, cfg, req.Code, now)
	case MethodBiometric:
		res, err = e.verifyBiometric(ctx, cfg, req.Code, now)
	default:
		err = ErrNotConfigured
	}
	if err != nil {
		return nil, err
	}
	res.Config = cfg

	e.record(ctx, cfg, req.IP, outcomeOf(res.Status))
	if res.Status == StatusVerified {
		if err := e.limiter.Reset(ctx, cfg.ID); err != nil {
			e.logger.Warn("dwayauth: mfa limiter reset failed", "config_id", cfg.ID, "error", err)
		}
	}
	return res, nil
}

func (e *Engine) verifyTOTP(ctx context.Context, cfg *Config, code string, now time.Time) (*Result, error) {
	secret, err := e.box.Open(cfg.EncryptedSecret, cfg.ID)
	if err != nil {
		return nil, err
	}
	step, ok, err := matchTOTP(e.cfg.TOTP, string(secret), code, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{Status: StatusRejected}, nil
	}
	if step <= cfg.LastUsedStep {
		return &Result{Status: StatusRejected, Reason: "replay"}, nil
	}
	fresh, err := e.repo.MarkUsed(ctx, cfg.ID, now, step)
	if err != nil {
		return nil, wrapRepo(err)
	}
	if !fresh {
		return &Result{Status: StatusRejected, Reason: "replay"}, nil
	}
	cfg.LastUsedStep = step
	cfg.LastUsedAt = now
	return &Result{Status: StatusVerified}, nil
}

func (e *Engine) verifyOTP(ctx context.Context, cfg *Config, code string, now time.Time) (*Result, error) {
	code = trimCode(code)
	if len(code) != e.cfg.CodeDigits || !isDigits(code) {
		// Malformed codes still count as a try against the challenge.
		code = "malformed:" + code
	}
	res, err := e.challenges.checkCode(ctx, cfg.ID, code, e.cfg.CodeMaxTries)
	if err != nil {
		return nil, err
	}
	switch res {
	case codeMissing:
		return &Result{Status: StatusExpired}, nil
	case codeMatched:
		e.touch(ctx, cfg, now)
		return &Result{Status: StatusVerified}, nil
	case codeExhausted:
		return &Result{Status: StatusRejected, Reason: "challenge_exhausted"}, nil
	}
	return &Result{Status: StatusRejected}, nil
}

func (e *Engine) verifyBackupCode(ctx context.Context, cfg *Config, code string, now time.Time) (*Result, error) {
	canonical := canonicalBackupCode(code)
	if !validBackupCode(canonical, e.cfg.BackupCodeLength) {
		return &Result{Status: StatusRejected}, nil
	}
	ok, err := e.repo.ConsumeBackupCode(ctx, cfg.ID, backupCodeHash(cfg.UserID, canonical), now)
	if err != nil {
		return nil, wrapRepo(err)
	}
	if !ok {
		return &Result{Status: StatusRejected}, nil
	}
	cfg.LastUsedAt = now
	return &Result{Status: StatusVerified}, nil
}

// verifyBiometric checks a base64url Ed25519 signature over the outstanding
// nonce. The nonce is consumed whatever the outcome.
func (e *Engine) verifyBiometric(ctx context.Context, cfg *Config, signature string, now time.Time) (*Result, error) {
	nonce, err := e.challenges.takeNonce(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	if nonce == nil {
		return &Result{Status: StatusExpired}, nil
	}
	sig, err := base64.RawURLEncoding.DecodeString(trimCode(signature))
	if err != nil || len(sig) != ed25519.SignatureSize || len(cfg.PublicKey) != ed25519.PublicKeySize {
		return &Result{Status: StatusRejected}, nil
	}
	if !ed25519.Verify(ed25519.PublicKey(cfg.PublicKey), nonce, sig) {
		return &Result{Status: StatusRejected}, nil
	}
	e.touch(ctx, cfg, now)
	return &Result{Status: StatusVerified}, nil
}

func (e *Engine) touch(ctx context.Context, cfg *Config, now time.Time) {
	if _, err := e.repo.MarkUsed(ctx, cfg.ID, now, 0); err != nil {
		e.logger.Warn("dwayauth: mfa last-used update failed", "config_id", cfg.ID, "error", err)
		return
	}
	cfg.LastUsedAt = now
}

func (e *Engine) record(ctx context.Context, cfg *Config, ip string, outcome Outcome) {
	a := Attempt{
		ID:        uuid.NewString(),
		ConfigID:  cfg.ID,
		UserID:    cfg.UserID,
		Method:    cfg.Method,
		Outcome:   outcome,
		IP:        ip,
		CreatedAt: e.clock.Now(),
	}
	if err := e.repo.RecordAttempt(ctx, a); err != nil {
		e.logger.Error("dwayauth: mfa attempt not recorded", "config_id", cfg.ID, "outcome", outcome, "error", err)
	}
}

func outcomeOf(s Status) Outcome {
	switch s {
	case StatusVerified:
		return OutcomeVerified
	case StatusRateLimited:
		return OutcomeRateLimited
	case StatusExpired:
		return OutcomeExpired
	}
	return OutcomeRejected
}

func trimCode(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		if c := code[i]; c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			out = append(out, c)
		}
	}
	return string(out)
}

func wrapRepo(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnavailable), errors.Is(err, ErrInvalidConfig):
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
