package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/johnnydxm/dwayauth/clock"
	"github.com/johnnydxm/dwayauth/internal"
	"github.com/johnnydxm/dwayauth/jwt"
	"github.com/redis/go-redis/v9"
)

// Config tunes refresh-token lifetimes.
type Config struct {
	// RefreshIdleTTL is how long an unused refresh token stays valid.
	RefreshIdleTTL time.Duration
	// RefreshAbsoluteTTL bounds a family regardless of rotation.
	RefreshAbsoluteTTL time.Duration
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string
}

// DefaultConfig returns seven-day idle and thirty-day absolute lifetimes.
func DefaultConfig() Config {
	return Config{
		RefreshIdleTTL:     7 * 24 * time.Hour,
		RefreshAbsoluteTTL: 30 * 24 * time.Hour,
		KeyPrefix:          "atk",
	}
}

// Subject identifies who a token pair is issued to.
type Subject struct {
	UserID    string
	SessionID string
	Scope     []string
	MFA       bool
}

// Pair is an access token plus its refresh token.
type Pair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	FamilyID         string
	TokenType        string
}

// Claims is a validated access token.
type Claims struct {
	TokenID   string
	UserID    string
	SessionID string
	FamilyID  string
	Scope     []string
	MFA       bool
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Service issues, validates, rotates and revokes tokens.
type Service struct {
	jwt      *jwt.Manager
	families *familyStore
	revoked  *revocationList
	cfg      Config
	clock    clock.Clock
	log      RevocationLog
	logger   *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithRevocationLog mirrors revocations to a durable log.
func WithRevocationLog(l RevocationLog) Option {
	return func(s *Service) { s.log = l }
}

// WithLogger sets the logger used for best-effort failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService builds a Service. The jwt manager must share the clock.
func NewService(m *jwt.Manager, client redis.UniversalClient, cfg Config, c clock.Clock, opts ...Option) (*Service, error) {
	if m == nil || client == nil {
		return nil, errors.New("token: nil dependency")
	}
	if cfg.RefreshIdleTTL <= 0 || cfg.RefreshAbsoluteTTL <= 0 {
		return nil, errors.New("token: refresh TTLs must be positive")
	}
	if cfg.RefreshIdleTTL > cfg.RefreshAbsoluteTTL {
		return nil, errors.New("token: idle TTL exceeds absolute TTL")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "atk"
	}
	s := &Service{
		jwt:      m,
		families: &familyStore{redis: client, prefix: cfg.KeyPrefix},
		revoked:  &revocationList{redis: client, prefix: cfg.KeyPrefix},
		cfg:      cfg,
		clock:    clock.OrSystem(c),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueAccessToken signs a short-lived token for sub bound to familyID.
func (s *Service) IssueAccessToken(sub Subject, familyID string) (string, time.Time, error) {
	tok, claims, err := s.jwt.CreateAccess(jwt.Subject{
		UserID:    sub.UserID,
		SessionID: sub.SessionID,
		FamilyID:  familyID,
		Scope:     sub.Scope,
		MFA:       sub.MFA,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, claims.ExpiresAt.Time, nil
}

// IssueRefreshToken starts a new family for sub. It returns the opaque
// token, its family id and its expiry.
func (s *Service) IssueRefreshToken(ctx context.Context, sub Subject) (string, string, time.Time, error) {
	fid, err := internal.NewID()
	if err != nil {
		return "", "", time.Time{}, err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return "", "", time.Time{}, err
	}
	token, err := internal.EncodeOpaqueToken(fid.String(), secret)
	if err != nil {
		return "", "", time.Time{}, err
	}

	now := s.clock.Now()
	f := &Family{
		ID:        fid.String(),
		UserID:    sub.UserID,
		SessionID: sub.SessionID,
		Scope:     sub.Scope,
		MFA:       sub.MFA,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshAbsoluteTTL),
	}
	if err := s.families.create(ctx, f, internal.HashSecret(secret[:]), s.cfg.RefreshIdleTTL); err != nil {
		return "", "", time.Time{}, err
	}
	return token, f.ID, now.Add(s.cfg.RefreshIdleTTL), nil
}

// IssuePair issues an access token and a refresh token in a new family.
func (s *Service) IssuePair(ctx context.Context, sub Subject) (*Pair, error) {
	refresh, fid, refreshExp, err := s.IssueRefreshToken(ctx, sub)
	if err != nil {
		return nil, err
	}
	access, accessExp, err := s.IssueAccessToken(sub, fid)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		FamilyID:         fid,
		TokenType:        "Bearer",
	}, nil
}

// ValidateAccessToken verifies signature and expiry, then consults the
// revocation list for the token, its session, its family and its user.
func (s *Service) ValidateAccessToken(ctx context.Context, token string) (*Claims, error) {
	parsed, err := s.jwt.ParseAccess(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	c := &Claims{
		TokenID:   parsed.ID,
		UserID:    parsed.Subject,
		SessionID: parsed.SID,
		FamilyID:  parsed.FID,
		Scope:     parsed.Scope,
		MFA:       parsed.MFA,
	}
	if parsed.IssuedAt != nil {
		c.IssuedAt = parsed.IssuedAt.Time
	}
	if parsed.ExpiresAt != nil {
		c.ExpiresAt = parsed.ExpiresAt.Time
	}
	if err := s.revoked.check(ctx, c.TokenID, c.SessionID, c.FamilyID, c.UserID, c.IssuedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// RotateRefreshToken consumes old and returns its successor with a fresh
// access token. Replaying a consumed token revokes the family and returns a
// *ReuseError.
func (s *Service) RotateRefreshToken(ctx context.Context, old string) (*Pair, *Family, error) {
	fid, secret, err := internal.DecodeOpaqueToken(old)
	if err != nil {
		return nil, nil, ErrInvalid
	}
	next, err := internal.NewSecret()
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	r, err := s.families.rotate(ctx, fid, internal.HashSecret(secret[:]), internal.HashSecret(next[:]), now, s.cfg.RefreshIdleTTL)
	if err != nil {
		return nil, nil, err
	}

	switch r.status {
	case rotateStatusRotated:
	case rotateStatusReuse:
		s.afterReuse(ctx, fid, r.userID, now)
		return nil, nil, &ReuseError{FamilyID: fid, UserID: r.userID, SessionID: r.sessionID}
	case rotateStatusRevoked:
		return nil, nil, ErrRevoked
	case rotateStatusExpired:
		return nil, nil, ErrExpired
	default:
		return nil, nil, ErrInvalid
	}

	f, err := s.families.get(ctx, fid)
	if err != nil {
		return nil, nil, err
	}
	token, err := internal.EncodeOpaqueToken(fid, next)
	if err != nil {
		return nil, nil, err
	}
	sub := Subject{UserID: f.UserID, SessionID: f.SessionID, Scope: f.Scope, MFA: f.MFA}
	access, accessExp, err := s.IssueAccessToken(sub, fid)
	if err != nil {
		return nil, nil, err
	}
	return &Pair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     token,
		RefreshExpiresAt: now.Add(r.ttl),
		FamilyID:         fid,
		TokenType:        "Bearer",
	}, f, nil
}

// Family returns the stored state of a family.
func (s *Service) Family(ctx context.Context, familyID string) (*Family, error) {
	return s.families.get(ctx, familyID)
}

// RevokeToken revokes a single access token until it would have expired.
// Expired tokens are accepted and ignored.
func (s *Service) RevokeToken(ctx context.Context, accessToken string) error {
	parsed, err := s.jwt.ParseAccess(accessToken)
	if errors.Is(err, jwt.ErrExpired) {
		return nil
	}
	if err != nil {
		return ErrInvalid
	}
	ttl := parsed.ExpiresAt.Time.Sub(s.clock.Now()) + s.skew()
	if err := s.revoked.add(ctx, RevokeAccessToken, parsed.ID, "1", ttl); err != nil {
		return err
	}
	s.record(ctx, Revocation{Kind: RevokeAccessToken, TargetID: parsed.ID, UserID: parsed.Subject, Reason: "explicit", RevokedAt: s.clock.Now(), ExpiresAt: parsed.ExpiresAt.Time})
	return nil
}

// RevokeFamily revokes every refresh token of the family and every access
// token issued from it.
func (s *Service) RevokeFamily(ctx context.Context, familyID, reason string) error {
	if familyID == "" {
		return nil
	}
	if err := s.families.markRevoked(ctx, familyID); err != nil {
		return err
	}
	now := s.clock.Now()
	if err := s.revoked.add(ctx, RevokeFamily, familyID, "1", s.accessWindow()); err != nil {
		return err
	}
	s.record(ctx, Revocation{Kind: RevokeFamily, TargetID: familyID, Reason: reason, RevokedAt: now, ExpiresAt: now.Add(s.cfg.RefreshAbsoluteTTL)})
	return nil
}

// RevokeSession rejects every access token bound to sessionID.
func (s *Service) RevokeSession(ctx context.Context, sessionID, userID, reason string) error {
	if sessionID == "" {
		return nil
	}
	now := s.clock.Now()
	if err := s.revoked.add(ctx, RevokeSession, sessionID, "1", s.accessWindow()); err != nil {
		return err
	}
	s.record(ctx, Revocation{Kind: RevokeSession, TargetID: sessionID, UserID: userID, Reason: reason, RevokedAt: now, ExpiresAt: now.Add(s.accessWindow())})
	return nil
}

// RevokeUser rejects every access token of userID issued before at.
func (s *Service) RevokeUser(ctx context.Context, userID string, at time.Time, reason string) error {
	if err := s.revoked.add(ctx, RevokeUser, userID, strconv.FormatInt(at.Unix(), 10), s.accessWindow()); err != nil {
		return err
	}
	s.record(ctx, Revocation{Kind: RevokeUser, TargetID: userID, UserID: userID, Reason: reason, RevokedAt: at, ExpiresAt: at.Add(s.accessWindow())})
	return nil
}

func (s *Service) afterReuse(ctx context.Context, familyID, userID string, now time.Time) {
	if err := s.revoked.add(ctx, RevokeFamily, familyID, "1", s.accessWindow()); err != nil {
		s.logger.Error("dwayauth: revoke reused family access tokens", "family_id", familyID, "error", err)
	}
	s.record(ctx, Revocation{Kind: RevokeFamily, TargetID: familyID, UserID: userID, Reason: "refresh_reuse", RevokedAt: now, ExpiresAt: now.Add(s.cfg.RefreshAbsoluteTTL)})
}

func (s *Service) record(ctx context.Context, r Revocation) {
	if s.log == nil {
		return
	}
	if err := s.log.RecordRevocation(ctx, r); err != nil {
		s.logger.Warn("dwayauth: revocation log write failed", "kind", string(r.Kind), "target", r.TargetID, "error", err)
	}
}

// accessWindow covers the longest remaining life of any issued access token.
func (s *Service) accessWindow() time.Duration {
	return s.jwt.TTL() + s.skew()
}

func (s *Service) skew() time.Duration {
	return s.jwt.Leeway()
}

// String implements fmt.Stringer for debugging without leaking tokens.
func (p *Pair) String() string {
	return fmt.Sprintf("Pair{family=%s access_exp=%s refresh_exp=%s}", p.FamilyID, p.AccessExpiresAt.Format(time.RFC3339), p.RefreshExpiresAt.Format(time.RFC3339))
}
