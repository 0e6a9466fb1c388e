package dwayauth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/johnnydxm/dwayauth/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.MFA.SecretKey = bytes.Repeat([]byte{3}, 32)
	return cfg
}

func TestDefaultConfigNeedsOnlyKeys(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate())

	cfg = validConfig(t)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Minute, cfg.JWT.AccessTTL)
	assert.Equal(t, 5, cfg.Lockout.Threshold)
	assert.Equal(t, session.StrictnessStandard, cfg.Session.Strictness)
}

func TestConfigValidateRejectsWeakSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"long access tokens":     func(c *Config) { c.JWT.AccessTTL = 30 * time.Minute },
		"idle beyond absolute":   func(c *Config) { c.JWT.RefreshIdleTTL = c.JWT.RefreshAbsoluteTTL + time.Hour },
		"unknown signing method": func(c *Config) { c.JWT.SigningMethod = "none" },
		"short hs256 secret": func(c *Config) {
			c.JWT.SigningMethod = "hs256"
			c.JWT.PrivateKey = []byte("short")
		},
		"cheap bcrypt":          func(c *Config) { c.Password.BcryptCost = 4 },
		"short passwords":       func(c *Config) { c.Password.MinLength = 6 },
		"wide totp skew":        func(c *Config) { c.MFA.TOTPSkew = 3 },
		"bad mfa key":           func(c *Config) { c.MFA.SecretKey = []byte("too-short") },
		"seven digit totp":      func(c *Config) { c.MFA.TOTPDigits = 7 },
		"no lockout":            func(c *Config) { c.Lockout.Threshold = 0 },
		"inverted risk":         func(c *Config) { c.Risk.BlockThreshold = c.Risk.WarnThreshold },
		"long reset tokens":     func(c *Config) { c.Account.ResetTTL = 6 * time.Hour },
		"bad strictness":        func(c *Config) { c.Session.Strictness = session.Strictness("paranoid") },
		"windowless rate limit": func(c *Config) { c.RateLimit.Login.Window = 0 },
		"unbounded mfa sends":   func(c *Config) { c.MFA.MaxChallengesPerMethod = 0 },
		"no resend cap":         func(c *Config) { c.MFA.PendingLoginMaxResends = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig(t)
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRiskThresholdsIgnoredWhenDisabled(t *testing.T) {
	cfg := validConfig(t)
	cfg.Risk.Enabled = false
	cfg.Risk.WarnThreshold = 0
	require.NoError(t, cfg.Validate())
}

func TestCloneConfigCopiesKeys(t *testing.T) {
	cfg := validConfig(t)
	out := cloneConfig(cfg)
	out.MFA.SecretKey[0] = 0xff
	out.Risk.BadUserAgents[0] = "changed"
	assert.Equal(t, byte(3), cfg.MFA.SecretKey[0])
	assert.NotEqual(t, "changed", cfg.Risk.BadUserAgents[0])
}
