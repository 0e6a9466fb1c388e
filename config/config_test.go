package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/johnnydxm/dwayauth/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyEnv(t *testing.T) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	t.Setenv("JWT_PRIVATE_KEY", base64.StdEncoding.EncodeToString(priv))
	t.Setenv("JWT_PUBLIC_KEY", base64.StdEncoding.EncodeToString(pub))
	t.Setenv("MFA_SECRET_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
}

func TestLoadDefaults(t *testing.T) {
	s, err := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", s.RedisAddr)
	assert.Equal(t, "ed25519", s.JWTSigningMethod)
	assert.Equal(t, 10*time.Minute, s.AccessTTL)
	assert.Equal(t, "standard", s.SessionStrictness)
	assert.True(t, s.RiskEnabled)
	assert.Equal(t, 80, s.RiskBlockThreshold)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := strings.Join([]string{
		"REDIS_ADDR=cache.internal:6379",
		"JWT_ACCESS_TTL=5m",
		"SESSION_STRICTNESS=strict",
		"BCRYPT_COST=13",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("BCRYPT_COST", "11")

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6379", s.RedisAddr)
	assert.Equal(t, 5*time.Minute, s.AccessTTL)
	assert.Equal(t, "strict", s.SessionStrictness)
	assert.Equal(t, 11, s.BcryptCost)
	assert.Equal(t, "cache.internal:6379", s.RedisOptions().Addr)
}

func TestProductionRequiresDatabase(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	_, err := LoadFile("")
	require.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://dway@db.internal/auth")
	s, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://dway@db.internal/auth", s.DatabaseURL)
}

func TestEngineConfig(t *testing.T) {
	keyEnv(t)
	t.Setenv("JWT_AUDIENCE", "dway-api")
	t.Setenv("SESSION_STRICTNESS", "WARN")

	s, err := LoadFile("")
	require.NoError(t, err)
	cfg, err := s.EngineConfig()
	require.NoError(t, err)

	assert.Len(t, cfg.JWT.PrivateKey, ed25519.PrivateKeySize)
	assert.Len(t, cfg.MFA.SecretKey, 32)
	assert.Equal(t, "dway-api", cfg.JWT.Audience)
	assert.Equal(t, session.StrictnessWarn, cfg.Session.Strictness)
}

func TestEngineConfigRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"no keys":          {"JWT_PRIVATE_KEY": "", "JWT_PUBLIC_KEY": ""},
		"bad base64":       {"JWT_PRIVATE_KEY": "%%%"},
		"short mfa key":    {"MFA_SECRET_KEY": base64.StdEncoding.EncodeToString(make([]byte, 16))},
		"long access ttl":  {"JWT_ACCESS_TTL": "1h"},
		"weak bcrypt cost": {"BCRYPT_COST": "4"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			keyEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			s, err := LoadFile("")
			require.NoError(t, err)
			_, err = s.EngineConfig()
			require.Error(t, err)
		})
	}
}

func TestDecodeKeyKeepsPEM(t *testing.T) {
	pem := "-----BEGIN PUBLIC KEY-----\nMCowBQYDK2VwAyEA\n-----END PUBLIC KEY-----"
	got, err := decodeKey(pem)
	require.NoError(t, err)
	assert.Equal(t, pem, string(got))

	got, err = decodeKey("  ")
	require.NoError(t, err)
	assert.Nil(t, got)
}
