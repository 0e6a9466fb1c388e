package mfa_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/johnnydxm/dwayauth/clock"
	"github.com/johnnydxm/dwayauth/mfa"
	"github.com/johnnydxm/dwayauth/notify"
	"github.com/johnnydxm/dwayauth/store/memory"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userID = "user-1"
	ip     = "203.0.113.10"
)

type fixture struct {
	engine *mfa.Engine
	repo   *memory.MFA
	notes  *notify.Capture
	clk    *clock.Manual
	mr     *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	box, err := mfa.NewSecretBox(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	f := &fixture{
		repo:  memory.NewMFA(),
		notes: &notify.Capture{},
		clk:   clock.NewManual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		mr:    mr,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine, err = mfa.NewEngine(f.repo, box, rdb, f.notes, mfa.DefaultEngineConfig(), f.clk, logger)
	require.NoError(t, err)
	return f
}

func (f *fixture) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, f.clk.Now(), totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func (f *fixture) enrollTOTP(t *testing.T) (*mfa.TOTPEnrollment, string) {
	t.Helper()
	ctx := context.Background()
	enr, err := f.engine.EnrollTOTP(ctx, userID, "alice@example.com")
	require.NoError(t, err)
	res, err := f.engine.ConfirmEnrollment(ctx, userID, enr.ConfigID, f.totpCode(t, enr.Secret), ip)
	require.NoError(t, err)
	require.Equal(t, mfa.StatusVerified, res.Status)
	return enr, enr.Secret
}

func wrongCode(code string) string {
	n, _ := strconv.Atoi(code)
	return fmt.Sprintf("%06d", (n+500000)%1000000)
}

func TestTOTPEnrollmentAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enr, err := f.engine.EnrollTOTP(ctx, userID, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enr.URI, "otpauth://totp/"))

	stored, err := f.repo.Get(ctx, enr.ConfigID)
	require.NoError(t, err)
	assert.False(t, stored.IsEnabled)
	assert.NotContains(t, stored.EncryptedSecret, enr.Secret)

	_, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: enr.ConfigID, Code: "123456"})
	require.ErrorIs(t, err, mfa.ErrNotConfigured, "pending configs cannot be used to log in")

	code := f.totpCode(t, enr.Secret)
	res, err := f.engine.ConfirmEnrollment(ctx, userID, enr.ConfigID, code, ip)
	require.NoError(t, err)
	require.Equal(t, mfa.StatusVerified, res.Status)

	stored, err = f.repo.Get(ctx, enr.ConfigID)
	require.NoError(t, err)
	assert.True(t, stored.IsEnabled)
	assert.True(t, stored.IsPrimary)

	res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: enr.ConfigID, Code: code, IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusRejected, res.Status)
	assert.Equal(t, "replay", res.Reason)

	f.clk.Advance(30 * time.Second)
	res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: enr.ConfigID, Code: f.totpCode(t, enr.Secret), IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusVerified, res.Status)

	_, err = f.engine.EnrollTOTP(ctx, userID, "alice@example.com")
	require.ErrorIs(t, err, mfa.ErrAlreadyEnrolled)
}

func TestTOTPAcceptsAdjacentStepsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enr, secret := f.enrollTOTP(t)

	f.clk.Advance(5 * time.Minute)
	previous := f.totpCode(t, secret)
	f.clk.Advance(30 * time.Second)
	res, err := f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: enr.ConfigID, Code: previous, IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusVerified, res.Status, "one step of skew is accepted")

	f.clk.Advance(5 * time.Minute)
	stale := f.totpCode(t, secret)
	f.clk.Advance(90 * time.Second)
	res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: enr.ConfigID, Code: stale, IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusRejected, res.Status)
}

func TestRateLimitCountsMalformedCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enr, secret := f.enrollTOTP(t)
	f.clk.Advance(time.Minute)

	codes := []string{"abc", "", wrongCode(f.totpCode(t, secret)), "1234567", wrongCode(f.totpCode(t, secret))}
	for _, c := range codes {
		res, err := f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: enr.ConfigID, Code: c, IP: ip})
		require.NoError(t, err)
		assert.Equal(t, mfa.StatusRejected, res.Status)
	}

	d, err := f.engine.CheckRateLimit(ctx, enr.ConfigID, ip)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)

	res, err := f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: enr.ConfigID, Code: f.totpCode(t, secret), IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusRateLimited, res.Status, "a correct code is not evaluated once limited")

	attempts := f.repo.Attempts(enr.ConfigID)
	require.Len(t, attempts, 7)
	assert.Equal(t, mfa.OutcomeRateLimited, attempts[6].Outcome)

	f.clk.Advance(16 * time.Minute)
	res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: enr.ConfigID, Code: f.totpCode(t, secret), IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusVerified, res.Status)
}

func TestSMSChallengeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const phone = "+15551234567"

	cfg, ch, err := f.engine.EnrollSMS(ctx, userID, phone, ip)
	require.NoError(t, err)
	assert.Equal(t, "+1******4567", ch.Destination)

	msg, ok := f.notes.Last(phone)
	require.True(t, ok)
	res, err := f.engine.ConfirmEnrollment(ctx, userID, cfg.ID, msg.Params["code"], ip)
	require.NoError(t, err)
	require.Equal(t, mfa.StatusVerified, res.Status)

	res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: cfg.ID, Code: msg.Params["code"], IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusExpired, res.Status, "codes are single use")

	_, err = f.engine.SendChallenge(ctx, userID, cfg.ID, ip)
	require.NoError(t, err)
	msg, _ = f.notes.Last(phone)
	for i := 0; i < 3; i++ {
		res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: cfg.ID, Code: wrongCode(msg.Params["code"]), IP: ip})
		require.NoError(t, err)
		assert.Equal(t, mfa.StatusRejected, res.Status)
	}
	res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: cfg.ID, Code: msg.Params["code"], IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusExpired, res.Status, "challenge is invalidated after three failures")
}

func TestChallengeSendsAreBudgeted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const phone = "+15557654321"

	cfg, _, err := f.engine.EnrollSMS(ctx, userID, phone, ip)
	require.NoError(t, err)
	msg, _ := f.notes.Last(phone)
	res, err := f.engine.ConfirmEnrollment(ctx, userID, cfg.ID, msg.Params["code"], ip)
	require.NoError(t, err)
	require.Equal(t, mfa.StatusVerified, res.Status)
	sent := len(f.notes.Texts())

	for i := 0; i < 5; i++ {
		_, err := f.engine.SendChallenge(ctx, userID, cfg.ID, ip)
		require.NoError(t, err)
	}
	_, err = f.engine.SendChallenge(ctx, userID, cfg.ID, ip)
	require.ErrorIs(t, err, mfa.ErrRateLimited)
	var rl *mfa.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 15*time.Minute, rl.RetryAfter)
	assert.Len(t, f.notes.Texts(), sent+5, "a refused send delivers nothing")

	// A successful verification proves possession and restores the budget.
	msg, _ = f.notes.Last(phone)
	res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: cfg.ID, Code: msg.Params["code"], IP: ip})
	require.NoError(t, err)
	require.Equal(t, mfa.StatusVerified, res.Status)
	_, err = f.engine.SendChallenge(ctx, userID, cfg.ID, ip)
	require.NoError(t, err)
}

func TestEmailChallengeExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const addr = "alice@example.com"

	cfg, ch, err := f.engine.EnrollEmail(ctx, userID, addr, ip)
	require.NoError(t, err)
	assert.Equal(t, "a***e@example.com", ch.Destination)
	msg, ok := f.notes.Last(addr)
	require.True(t, ok)

	f.mr.FastForward(11 * time.Minute)
	f.clk.Advance(11 * time.Minute)
	res, err := f.engine.ConfirmEnrollment(ctx, userID, cfg.ID, msg.Params["code"], ip)
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusExpired, res.Status)

	stored, err := f.repo.Get(ctx, cfg.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsEnabled)

	_, _, err = f.engine.EnrollEmail(ctx, userID, "not-an-email", ip)
	require.ErrorIs(t, err, mfa.ErrInvalidConfig)
}

func TestBackupCodesSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GenerateBackupCodes(ctx, userID)
	require.ErrorIs(t, err, mfa.ErrNotConfigured)

	f.enrollTOTP(t)
	codes, err := f.engine.GenerateBackupCodes(ctx, userID)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	res, err := f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, Code: strings.ToLower(codes[0]), IsBackupCode: true, IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusVerified, res.Status)

	res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, Code: codes[0], IsBackupCode: true, IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusRejected, res.Status)

	var (
		wg       sync.WaitGroup
		verified atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, Code: codes[1], IsBackupCode: true})
			if err == nil && res.Verified() {
				verified.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), verified.Load())

	methods, err := f.engine.GetUserMethods(ctx, userID)
	require.NoError(t, err)
	for _, m := range methods {
		if m.Method == mfa.MethodBackupCodes {
			assert.Equal(t, 8, m.RemainingBackupCodes())
		}
	}
}

func TestBiometricChallengeResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sign := func(ch *mfa.Challenge) string {
		nonce, err := base64.RawURLEncoding.DecodeString(ch.Nonce)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(ed25519.Sign(priv, nonce))
	}

	cfg, ch, err := f.engine.RegisterBiometric(ctx, userID, pub, ip)
	require.NoError(t, err)
	require.NotEmpty(t, ch.Nonce)
	res, err := f.engine.ConfirmEnrollment(ctx, userID, cfg.ID, sign(ch), ip)
	require.NoError(t, err)
	require.Equal(t, mfa.StatusVerified, res.Status)

	ch, err = f.engine.SendChallenge(ctx, userID, cfg.ID, ip)
	require.NoError(t, err)
	good := sign(ch)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	nonce, _ := base64.RawURLEncoding.DecodeString(ch.Nonce)
	forged := base64.RawURLEncoding.EncodeToString(ed25519.Sign(otherPriv, nonce))
	res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: cfg.ID, Code: forged, IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusRejected, res.Status)

	res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: cfg.ID, Code: good, IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusExpired, res.Status, "nonce is consumed by the first response")

	ch, err = f.engine.SendChallenge(ctx, userID, cfg.ID, ip)
	require.NoError(t, err)
	f.mr.FastForward(6 * time.Minute)
	res, err = f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: userID, ConfigID: cfg.ID, Code: sign(ch), IP: ip})
	require.NoError(t, err)
	assert.Equal(t, mfa.StatusExpired, res.Status)
}

func TestDisablePromotesAndCleansUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enr, _ := f.enrollTOTP(t)

	cfg, _, err := f.engine.EnrollSMS(ctx, userID, "+15551234567", ip)
	require.NoError(t, err)
	msg, _ := f.notes.Last("+15551234567")
	_, err = f.engine.ConfirmEnrollment(ctx, userID, cfg.ID, msg.Params["code"], ip)
	require.NoError(t, err)
	_, err = f.engine.GenerateBackupCodes(ctx, userID)
	require.NoError(t, err)

	require.NoError(t, f.engine.Disable(ctx, userID, enr.ConfigID))
	sms, err := f.repo.Get(ctx, cfg.ID)
	require.NoError(t, err)
	assert.True(t, sms.IsPrimary)

	require.NoError(t, f.engine.Disable(ctx, userID, cfg.ID))
	methods, err := f.engine.GetUserMethods(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, methods)

	required, err := f.engine.Required(ctx, userID)
	require.NoError(t, err)
	assert.False(t, required)
}

func TestForeignConfigIsNotConfigured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enr, secret := f.enrollTOTP(t)

	_, err := f.engine.VerifyCode(ctx, mfa.VerifyRequest{UserID: "someone-else", ConfigID: enr.ConfigID, Code: f.totpCode(t, secret)})
	require.ErrorIs(t, err, mfa.ErrNotConfigured)
	err = f.engine.Disable(ctx, "someone-else", enr.ConfigID)
	require.ErrorIs(t, err, mfa.ErrNotFound)
}

func TestMaskDestination(t *testing.T) {
	tests := []struct {
		method mfa.Method
		in     string
		want   string
	}{
		{mfa.MethodSMS, "+15551234567", "+1******4567"},
		{mfa.MethodSMS, "+1234", "*****"},
		{mfa.MethodEmail, "alice@example.com", "a***e@example.com"},
		{mfa.MethodEmail, "al@example.com", "a***@example.com"},
		{mfa.MethodEmail, "broken", "***"},
		{mfa.MethodTOTP, "anything", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mfa.MaskDestination(tt.method, tt.in), tt.in)
	}
}

func TestSecretBoxBindsToConfig(t *testing.T) {
	box, err := mfa.NewSecretBox(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("JBSWY3DPEHPK3PXP"), "cfg-1")
	require.NoError(t, err)
	plain, err := box.Open(sealed, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", string(plain))

	_, err = box.Open(sealed, "cfg-2")
	require.ErrorIs(t, err, mfa.ErrSealedSecret)

	_, err = mfa.NewSecretBox([]byte("short"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	base := mfa.Config{ID: "c", UserID: "u"}
	cases := map[string]struct {
		mutate func(*mfa.Config)
		ok     bool
	}{
		"sms ok":         {func(c *mfa.Config) { c.Method = mfa.MethodSMS; c.PhoneNumber = "+15551234567" }, true},
		"sms no phone":   {func(c *mfa.Config) { c.Method = mfa.MethodSMS }, false},
		"totp no secret": {func(c *mfa.Config) { c.Method = mfa.MethodTOTP }, false},
		"backup primary": {func(c *mfa.Config) { c.Method = mfa.MethodBackupCodes; c.IsPrimary = true }, false},
		"unknown":        {func(c *mfa.Config) { c.Method = "carrier-pigeon" }, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			err := c.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, mfa.ErrInvalidConfig)
			}
		})
	}
}
