// Package config loads deployment settings from the environment and an
// optional .env file using Viper, and turns them into a dwayauth.Config.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johnnydxm/dwayauth"
	"github.com/johnnydxm/dwayauth/session"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Settings holds the infrastructure and tuning values read from the
// environment. Durations use time.ParseDuration syntax.
type Settings struct {
	// Env is the deployment environment, for example "production".
	Env string `mapstructure:"APP_ENV"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// DatabaseURL is the Postgres DSN. Empty selects the in-memory stores.
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConn int32  `mapstructure:"DATABASE_MAX_CONNS"`

	// JWTPrivateKey and JWTPublicKey are PEM text or base64 of the raw key.
	JWTSigningMethod   string        `mapstructure:"JWT_SIGNING_METHOD"`
	JWTPrivateKey      string        `mapstructure:"JWT_PRIVATE_KEY"`
	JWTPublicKey       string        `mapstructure:"JWT_PUBLIC_KEY"`
	JWTKeyID           string        `mapstructure:"JWT_KEY_ID"`
	JWTIssuer          string        `mapstructure:"JWT_ISSUER"`
	JWTAudience        string        `mapstructure:"JWT_AUDIENCE"`
	AccessTTL          time.Duration `mapstructure:"JWT_ACCESS_TTL"`
	RefreshIdleTTL     time.Duration `mapstructure:"REFRESH_IDLE_TTL"`
	RefreshAbsoluteTTL time.Duration `mapstructure:"REFRESH_ABSOLUTE_TTL"`

	SessionAbsoluteTTL time.Duration `mapstructure:"SESSION_ABSOLUTE_TTL"`
	SessionIdleTimeout time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	SessionStrictness  string        `mapstructure:"SESSION_STRICTNESS"`

	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// MFASecretKey is base64 of the 32-byte key sealing TOTP secrets.
	MFASecretKey string `mapstructure:"MFA_SECRET_KEY"`
	TOTPIssuer   string `mapstructure:"TOTP_ISSUER"`

	RiskEnabled        bool `mapstructure:"RISK_ENABLED"`
	RiskWarnThreshold  int  `mapstructure:"RISK_WARN_THRESHOLD"`
	RiskBlockThreshold int  `mapstructure:"RISK_BLOCK_THRESHOLD"`

	AuditEnabled    bool `mapstructure:"AUDIT_ENABLED"`
	AuditBufferSize int  `mapstructure:"AUDIT_BUFFER_SIZE"`
	MetricsEnabled  bool `mapstructure:"METRICS_ENABLED"`
}

// Load reads .env from the working directory if present, then the
// environment. Environment variables override the file.
func Load() (*Settings, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit .env path. A missing file is ignored.
func LoadFile(path string) (*Settings, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		_ = v.ReadInConfig() // ignore a missing file
	}
	v.AutomaticEnv()

	defaults := dwayauth.DefaultConfig()
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DATABASE_MAX_CONNS", 10)
	v.SetDefault("JWT_SIGNING_METHOD", defaults.JWT.SigningMethod)
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_KEY_ID", "")
	v.SetDefault("JWT_ISSUER", defaults.JWT.Issuer)
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("JWT_ACCESS_TTL", defaults.JWT.AccessTTL.String())
	v.SetDefault("REFRESH_IDLE_TTL", defaults.JWT.RefreshIdleTTL.String())
	v.SetDefault("REFRESH_ABSOLUTE_TTL", defaults.JWT.RefreshAbsoluteTTL.String())
	v.SetDefault("SESSION_ABSOLUTE_TTL", defaults.Session.AbsoluteTTL.String())
	v.SetDefault("SESSION_IDLE_TIMEOUT", defaults.Session.IdleTimeout.String())
	v.SetDefault("SESSION_STRICTNESS", string(defaults.Session.Strictness))
	v.SetDefault("BCRYPT_COST", defaults.Password.BcryptCost)
	v.SetDefault("MFA_SECRET_KEY", "")
	v.SetDefault("TOTP_ISSUER", defaults.MFA.TOTPIssuer)
	v.SetDefault("RISK_ENABLED", defaults.Risk.Enabled)
	v.SetDefault("RISK_WARN_THRESHOLD", defaults.Risk.WarnThreshold)
	v.SetDefault("RISK_BLOCK_THRESHOLD", defaults.Risk.BlockThreshold)
	v.SetDefault("AUDIT_ENABLED", defaults.Audit.Enabled)
	v.SetDefault("AUDIT_BUFFER_SIZE", defaults.Audit.BufferSize)
	v.SetDefault("METRICS_ENABLED", defaults.Metrics.Enabled)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if s.RedisAddr == "" {
		return nil, errors.New("config: REDIS_ADDR must be set")
	}
	if s.Env == "production" && s.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL must be set when APP_ENV=production")
	}
	return &s, nil
}

// EngineConfig overlays the settings on dwayauth.DefaultConfig and
// validates the result.
func (s *Settings) EngineConfig() (dwayauth.Config, error) {
	cfg := dwayauth.DefaultConfig()

	priv, err := decodeKey(s.JWTPrivateKey)
	if err != nil {
		return cfg, fmt.Errorf("config: JWT_PRIVATE_KEY: %w", err)
	}
	pub, err := decodeKey(s.JWTPublicKey)
	if err != nil {
		return cfg, fmt.Errorf("config: JWT_PUBLIC_KEY: %w", err)
	}
	mfaKey, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s.MFASecretKey))
	if err != nil {
		return cfg, fmt.Errorf("config: MFA_SECRET_KEY: %w", err)
	}

	cfg.JWT.SigningMethod = strings.ToLower(s.JWTSigningMethod)
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.JWT.KeyID = s.JWTKeyID
	cfg.JWT.Issuer = s.JWTIssuer
	cfg.JWT.Audience = s.JWTAudience
	cfg.JWT.AccessTTL = s.AccessTTL
	cfg.JWT.RefreshIdleTTL = s.RefreshIdleTTL
	cfg.JWT.RefreshAbsoluteTTL = s.RefreshAbsoluteTTL

	cfg.Session.AbsoluteTTL = s.SessionAbsoluteTTL
	cfg.Session.IdleTimeout = s.SessionIdleTimeout
	cfg.Session.Strictness = session.Strictness(strings.ToLower(s.SessionStrictness))

	cfg.Password.BcryptCost = s.BcryptCost
	cfg.MFA.SecretKey = mfaKey
	cfg.MFA.TOTPIssuer = s.TOTPIssuer

	cfg.Risk.Enabled = s.RiskEnabled
	cfg.Risk.WarnThreshold = s.RiskWarnThreshold
	cfg.Risk.BlockThreshold = s.RiskBlockThreshold

	cfg.Audit.Enabled = s.AuditEnabled
	cfg.Audit.BufferSize = s.AuditBufferSize
	cfg.Metrics.Enabled = s.MetricsEnabled

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// RedisOptions returns client options for the configured Redis server.
func (s *Settings) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     s.RedisAddr,
		Password: s.RedisPassword,
		DB:       s.RedisDB,
	}
}

func decodeKey(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if strings.HasPrefix(v, "-----BEGIN") {
		return []byte(v), nil
	}
	return base64.StdEncoding.DecodeString(v)
}
