package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrExpired is returned for a well-formed token past its expiry plus leeway.
	ErrExpired = errors.New("access token expired")
	// ErrInvalid is returned for every other verification failure.
	ErrInvalid = errors.New("access token invalid")
)

// MaxAccessTTL bounds the lifetime of any access token.
const MaxAccessTTL = 15 * time.Minute

const (
	maxLeeway           = 2 * time.Minute
	defaultMaxFutureIAT = 10 * time.Minute
)

// SigningMethod selects the JWS algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

// Config configures a Manager. Keys are raw bytes or PEM. A Manager
// without a private key verifies but cannot sign. VerifyKeys maps a kid to
// a verification key during rotation; when set, tokens must carry a known
// kid. Now defaults to time.Now.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
	Now           func() time.Time
}

// Manager signs and verifies access tokens.
type Manager struct {
	ttl          time.Duration
	leeway       time.Duration
	maxFutureIAT time.Duration
	issuer       string
	audience     string
	kid          string
	now          func() time.Time

	method  jwt.SigningMethod
	signKey any
	verify  any
	keyring map[string]any
	parser  *jwt.Parser
}

// Subject is the identity an access token is issued for.
type Subject struct {
	UserID    string
	SessionID string
	FamilyID  string
	Scope     []string
	MFA       bool
}

// AccessClaims is the claim set carried by access tokens. The user id is
// the registered "sub" claim and the token id is "jti".
type AccessClaims struct {
	SID   string   `json:"sid,omitempty"`
	FID   string   `json:"fam,omitempty"`
	Scope []string `json:"scope,omitempty"`
	MFA   bool     `json:"mfa,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject claim.
func (c *AccessClaims) UserID() string { return c.Subject }

// NewManager validates cfg, decodes its keys and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.AccessTTL > MaxAccessTTL {
		return nil, fmt.Errorf("jwt: access TTL must be in (0, %s]", MaxAccessTTL)
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, fmt.Errorf("jwt: leeway must be in [0, %s]", maxLeeway)
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = defaultMaxFutureIAT
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("jwt: MaxFutureIAT must be in (0, 24h]")
	}

	m := &Manager{
		ttl:          cfg.AccessTTL,
		leeway:       cfg.Leeway,
		maxFutureIAT: cfg.MaxFutureIAT,
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		kid:          strings.TrimSpace(cfg.KeyID),
		now:          cfg.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if err := m.loadKeys(cfg); err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	m.parser = jwt.NewParser(opts...)
	return m, nil
}

func (m *Manager) loadKeys(cfg Config) error {
	var decode func([]byte) (any, error)
	switch cfg.SigningMethod {
	case MethodHS256:
		m.method = jwt.SigningMethodHS256
		if len(cfg.PrivateKey) < 32 {
			return errors.New("jwt: hs256 requires a key of at least 32 bytes")
		}
		m.signKey, m.verify = cfg.PrivateKey, cfg.PrivateKey
		decode = func(b []byte) (any, error) { return b, nil }
	case MethodEd25519:
		m.method = jwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return err
			}
			m.signKey = priv
		}
		if len(cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(cfg.PublicKey)
			if err != nil {
				return err
			}
			m.verify = pub
		}
		if len(cfg.VerifyKeys) == 0 && m.verify == nil {
			return errors.New("jwt: ed25519 requires a public key or verify keys")
		}
		decode = func(b []byte) (any, error) { return parseEdPublicKey(b) }
	default:
		return fmt.Errorf("jwt: unsupported signing method %q", cfg.SigningMethod)
	}

	if len(cfg.VerifyKeys) == 0 {
		return nil
	}
	m.keyring = make(map[string]any, len(cfg.VerifyKeys))
	for kid, raw := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return errors.New("jwt: verify keys contain an empty kid")
		}
		key, err := decode(raw)
		if err != nil {
			return fmt.Errorf("jwt: verify key %q: %w", kid, err)
		}
		m.keyring[kid] = key
	}
	if m.kid != "" {
		if _, ok := m.keyring[m.kid]; !ok {
			return fmt.Errorf("jwt: KeyID %q is not among the verify keys", m.kid)
		}
	}
	return nil
}

// TTL returns the configured access-token lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Leeway returns the tolerated clock skew.
func (m *Manager) Leeway() time.Duration { return m.leeway }

// CreateAccess signs a new access token for sub. It returns the token and
// its claims so callers can record the jti and expiry.
func (m *Manager) CreateAccess(sub Subject) (string, *AccessClaims, error) {
	if sub.UserID == "" {
		return "", nil, errors.New("jwt: empty subject")
	}
	if m.signKey == nil {
		return "", nil, errors.New("jwt: manager has no signing key")
	}

	now := m.now()
	claims := &AccessClaims{
		SID:   sub.SessionID,
		FID:   sub.FamilyID,
		Scope: sub.Scope,
		MFA:   sub.MFA,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID,
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	token := jwt.NewWithClaims(m.method, claims)
	if m.kid != "" {
		token.Header["kid"] = m.kid
	}
	signed, err := token.SignedString(m.signKey)
	if err != nil {
		return "", nil, fmt.Errorf("jwt: sign: %w", err)
	}
	return signed, claims, nil
}

// ParseAccess verifies signature, algorithm, issuer, audience and expiry with
// the configured leeway. It returns ErrExpired or ErrInvalid on failure.
func (m *Manager) ParseAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := m.parser.ParseWithClaims(raw, claims, m.keyFor)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalid
	}
	if claims.IssuedAt != nil && claims.IssuedAt.After(m.now().Add(m.maxFutureIAT)) {
		return nil, fmt.Errorf("%w: iat too far in the future", ErrInvalid)
	}
	return claims, nil
}

// keyFor selects the verification key by kid.
func (m *Manager) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if m.keyring != nil {
		key, ok := m.keyring[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return key, nil
	}
	if m.kid != "" && kid != m.kid {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	if m.verify == nil {
		return nil, errors.New("no verification key")
	}
	return m.verify, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("jwt: invalid ed25519 private key")
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("jwt: private key is not ed25519")
	}
	return priv, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("jwt: invalid ed25519 public key")
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("jwt: public key is not ed25519")
	}
	return pub, nil
}
