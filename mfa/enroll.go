package mfa

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// TOTPEnrollment is returned once when a TOTP method is enrolled. Secret
// and URI are never retrievable again.
type TOTPEnrollment struct {
	ConfigID string
	Secret   string
	URI      string
}

// EnrollTOTP generates an authenticator key for userID. The configuration
// stays disabled until ConfirmEnrollment accepts a code from it.
func (e *Engine) EnrollTOTP(ctx context.Context, userID, account string) (*TOTPEnrollment, error) {
	existing, err := e.find(ctx, userID, MethodTOTP)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsEnabled {
		return nil, ErrAlreadyEnrolled
	}

	key, err := generateTOTPKey(e.cfg.TOTP, account)
	if err != nil {
		return nil, err
	}
	cfg := existing
	if cfg == nil {
		cfg = &Config{ID: uuid.NewString(), UserID: userID, Method: MethodTOTP, CreatedAt: e.clock.Now()}
	}
	sealed, err := e.box.Seal([]byte(key.Secret()), cfg.ID)
	if err != nil {
		return nil, err
	}
	cfg.EncryptedSecret = sealed
	cfg.LastUsedStep = 0
	if err := e.save(ctx, cfg, existing != nil); err != nil {
		return nil, err
	}
	return &TOTPEnrollment{ConfigID: cfg.ID, Secret: key.Secret(), URI: key.URL()}, nil
}

// EnrollSMS registers phone for userID and sends a confirmation code.
func (e *Engine) EnrollSMS(ctx context.Context, userID, phone, ip string) (*Config, *Challenge, error) {
	return e.enrollChallenged(ctx, userID, ip, MethodSMS, func(c *Config) { c.PhoneNumber = phone })
}

// EnrollEmail registers an MFA email address and sends a confirmation code.
func (e *Engine) EnrollEmail(ctx context.Context, userID, email, ip string) (*Config, *Challenge, error) {
	return e.enrollChallenged(ctx, userID, ip, MethodEmail, func(c *Config) { c.Email = email })
}

// RegisterBiometric stores a device's Ed25519 public key and issues the
// nonce the device must sign to confirm it.
func (e *Engine) RegisterBiometric(ctx context.Context, userID string, publicKey []byte, ip string) (*Config, *Challenge, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("%w: biometric requires an ed25519 public key", ErrInvalidConfig)
	}
	return e.enrollChallenged(ctx, userID, ip, MethodBiometric, func(c *Config) {
		c.PublicKey = append([]byte(nil), publicKey...)
	})
}

func (e *Engine) enrollChallenged(ctx context.Context, userID, ip string, method Method, set func(*Config)) (*Config, *Challenge, error) {
	existing, err := e.find(ctx, userID, method)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil && existing.IsEnabled {
		return nil, nil, ErrAlreadyEnrolled
	}
	cfg := existing
	if cfg == nil {
		cfg = &Config{ID: uuid.NewString(), UserID: userID, Method: method, CreatedAt: e.clock.Now()}
	}
	set(cfg)
	if err := e.save(ctx, cfg, existing != nil); err != nil {
		return nil, nil, err
	}
	ch, err := e.IssueChallenge(ctx, cfg, ip)
	if err != nil {
		return nil, nil, err
	}
	return cfg, ch, nil
}

// ResendEnrollmentChallenge issues a fresh challenge for a configuration
// that has not been confirmed yet.
func (e *Engine) ResendEnrollmentChallenge(ctx context.Context, userID, configID, ip string) (*Challenge, error) {
	cfg, err := e.owned(ctx, userID, configID)
	if err != nil {
		return nil, err
	}
	if cfg.IsEnabled {
		return nil, ErrAlreadyEnrolled
	}
	return e.IssueChallenge(ctx, cfg, ip)
}

// SendChallenge issues a challenge for one of the user's enabled methods.
func (e *Engine) SendChallenge(ctx context.Context, userID, configID, ip string) (*Challenge, error) {
	cfg, err := e.owned(ctx, userID, configID)
	if err != nil {
		return nil, err
	}
	if !cfg.IsEnabled {
		return nil, ErrNotConfigured
	}
	return e.IssueChallenge(ctx, cfg, ip)
}

// ConfirmEnrollment verifies the first code of a pending configuration and
// enables it. The first enabled method becomes the user's primary.
func (e *Engine) ConfirmEnrollment(ctx context.Context, userID, configID, code, ip string) (*Result, error) {
	cfg, err := e.owned(ctx, userID, configID)
	if err != nil {
		return nil, err
	}
	if cfg.IsEnabled {
		return nil, ErrAlreadyEnrolled
	}
	if cfg.Method == MethodBackupCodes {
		return nil, ErrNotConfigured
	}

	res, err := e.verify(ctx, cfg, VerifyRequest{UserID: userID, ConfigID: configID, Method: cfg.Method, Code: code, IP: ip})
	if err != nil || !res.Verified() {
		return res, err
	}

	cfg.IsEnabled = true
	cfg.VerifiedAt = e.clock.Now()
	if err := e.repo.Update(ctx, cfg); err != nil {
		return nil, wrapRepo(err)
	}
	if err := e.ensurePrimary(ctx, cfg); err != nil {
		return nil, err
	}
	return res, nil
}

// GenerateBackupCodes replaces the user's backup codes and returns the new
// plaintext codes. The user must already have another enabled method.
func (e *Engine) GenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	required, err := e.Required(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !required {
		return nil, ErrNotConfigured
	}

	plain := make([]string, 0, e.cfg.BackupCodeCount)
	records := make([]BackupCode, 0, e.cfg.BackupCodeCount)
	seen := make(map[string]struct{}, e.cfg.BackupCodeCount)
	for len(plain) < e.cfg.BackupCodeCount {
		code, err := newBackupCode(e.cfg.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		plain = append(plain, formatBackupCode(code))
		records = append(records, BackupCode{Hash: backupCodeHash(userID, code)})
	}

	existing, err := e.find(ctx, userID, MethodBackupCodes)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	cfg := existing
	if cfg == nil {
		cfg = &Config{ID: uuid.NewString(), UserID: userID, Method: MethodBackupCodes, CreatedAt: now}
	}
	cfg.BackupCodes = records
	cfg.IsEnabled = true
	cfg.VerifiedAt = now
	if err := e.save(ctx, cfg, existing != nil); err != nil {
		return nil, err
	}
	return plain, nil
}

// Disable removes a configuration. Removing the primary promotes another
// enabled method; removing the last real method also removes backup codes.
func (e *Engine) Disable(ctx context.Context, userID, configID string) error {
	cfg, err := e.owned(ctx, userID, configID)
	if err != nil {
		return err
	}
	if err := e.repo.Delete(ctx, cfg.ID); err != nil {
		return wrapRepo(err)
	}

	remaining, err := e.GetUserMethods(ctx, userID)
	if err != nil {
		return err
	}
	var next, backup *Config
	for _, c := range remaining {
		switch {
		case c.Method == MethodBackupCodes:
			backup = c
		case next == nil || c.IsPrimary:
			next = c
		}
	}
	if next == nil {
		if backup != nil {
			return wrapRepo(e.repo.Delete(ctx, backup.ID))
		}
		return nil
	}
	if cfg.IsPrimary && !next.IsPrimary {
		return wrapRepo(e.repo.SetPrimary(ctx, userID, next.ID))
	}
	return nil
}

// SetPrimary makes an enabled method the user's primary.
func (e *Engine) SetPrimary(ctx context.Context, userID, configID string) error {
	cfg, err := e.owned(ctx, userID, configID)
	if err != nil {
		return err
	}
	if !cfg.IsEnabled || cfg.Method == MethodBackupCodes {
		return fmt.Errorf("%w: primary must be an enabled non-backup method", ErrInvalidConfig)
	}
	return wrapRepo(e.repo.SetPrimary(ctx, userID, configID))
}

func (e *Engine) ensurePrimary(ctx context.Context, cfg *Config) error {
	methods, err := e.GetUserMethods(ctx, cfg.UserID)
	if err != nil {
		return err
	}
	for _, m := range methods {
		if m.IsPrimary {
			return nil
		}
	}
	if err := e.repo.SetPrimary(ctx, cfg.UserID, cfg.ID); err != nil {
		return wrapRepo(err)
	}
	cfg.IsPrimary = true
	return nil
}

func (e *Engine) find(ctx context.Context, userID string, method Method) (*Config, error) {
	all, err := e.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, wrapRepo(err)
	}
	for _, c := range all {
		if c.Method == method {
			return c, nil
		}
	}
	return nil, nil
}

func (e *Engine) owned(ctx context.Context, userID, configID string) (*Config, error) {
	cfg, err := e.repo.Get(ctx, configID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrapRepo(err)
	}
	if cfg.UserID != userID {
		return nil, ErrNotFound
	}
	return cfg, nil
}

func (e *Engine) save(ctx context.Context, cfg *Config, exists bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if exists {
		return wrapRepo(e.repo.Update(ctx, cfg))
	}
	return wrapRepo(e.repo.Create(ctx, cfg))
}
