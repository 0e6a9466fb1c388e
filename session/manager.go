package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/johnnydxm/dwayauth/clock"
	"github.com/johnnydxm/dwayauth/internal"
)

// Config tunes session lifetimes and drift handling.
type Config struct {
	AbsoluteTTL       time.Duration
	IdleTimeout       time.Duration
	StepUpMaxAge      time.Duration
	HeartbeatInterval time.Duration
	RevokedRetention  time.Duration
	KnownDeviceTTL    time.Duration
	AlertWindow       time.Duration
	Strictness        Strictness
	KeyPrefix         string
}

// DefaultConfig returns twelve-hour sessions with a thirty-minute idle
// timeout and standard drift strictness.
func DefaultConfig() Config {
	return Config{
		AbsoluteTTL:       12 * time.Hour,
		IdleTimeout:       30 * time.Minute,
		StepUpMaxAge:      30 * time.Minute,
		HeartbeatInterval: time.Minute,
		RevokedRetention:  24 * time.Hour,
		KnownDeviceTTL:    90 * 24 * time.Hour,
		AlertWindow:       10 * time.Minute,
		Strictness:        StrictnessStandard,
		KeyPrefix:         "as",
	}
}

// Validation is the result of validating a session token.
type Validation struct {
	Valid     bool
	Blocked   bool
	Session   *Session
	Alerts    []Alert
	RiskScore uint8
	// NewAlerts are the alerts not yet reported for this session within the
	// alert window.
	NewAlerts []Alert
}

// Manager implements the session lifecycle.
type Manager struct {
	store  *Store
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
}

// NewManager wires a Manager over store.
func NewManager(store *Store, cfg Config, c clock.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strictness == "" {
		cfg.Strictness = StrictnessStandard
	}
	return &Manager{store: store, cfg: cfg, clock: clock.OrSystem(c), logger: logger}
}

// Config returns the manager configuration.
func (m *Manager) Config() Config { return m.cfg }

// Store exposes the underlying store.
func (m *Manager) Store() *Store { return m.store }

// HashToken returns the stored digest of an opaque session token.
func HashToken(token string) string {
	return internal.HashSecret([]byte(token))
}

// Create persists a new session and returns it with its opaque token. The
// token is 32 random bytes hex encoded and is never stored.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, string, error) {
	id, err := internal.NewID()
	if err != nil {
		return nil, "", err
	}
	token, err := internal.NewHexToken(32)
	if err != nil {
		return nil, "", err
	}
	now := m.clock.Now()
	sess := &Session{
		ID:                id.String(),
		UserID:            p.UserID,
		TokenHash:         HashToken(token),
		DeviceFingerprint: p.Context.DeviceFingerprint,
		IPAddress:         p.Context.IP,
		UserAgent:         p.Context.UserAgent,
		MFAVerified:       p.MFAVerified,
		RiskScore:         p.RiskScore,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.cfg.AbsoluteTTL),
		LastSeenAt:        now,
	}
	if p.MFAVerified {
		sess.MFAVerifiedAt = now
	}
	if err := m.store.Save(ctx, sess, m.cfg.AbsoluteTTL); err != nil {
		return nil, "", err
	}
	if err := m.store.RememberDevice(ctx, p.UserID, p.Context.DeviceFingerprint, m.cfg.KnownDeviceTTL); err != nil {
		m.logger.Warn("dwayauth: remember device failed", "user_id", p.UserID, "error", err)
	}
	return sess, token, nil
}

// Validate resolves token, checks expiry and revocation, and compares the
// request context with the one the session was created in. A blocked
// session is revoked before returning.
func (m *Manager) Validate(ctx context.Context, token string, current Context) (*Validation, error) {
	sess, err := m.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if err := m.checkLive(ctx, sess, now); err != nil {
		return nil, err
	}

	v := &Validation{Valid: true, Session: sess, RiskScore: sess.RiskScore}
	if m.cfg.Strictness != StrictnessOff {
		known := false
		if current.DeviceFingerprint != "" && current.DeviceFingerprint != sess.DeviceFingerprint {
			known, err = m.store.KnownDevice(ctx, sess.UserID, current.DeviceFingerprint)
			if err != nil {
				return nil, err
			}
		}
		drift := CompareContext(sess, current, known)
		v.Alerts = drift.Alerts()
		if score := drift.Score(); score > v.RiskScore {
			v.RiskScore = score
		}
		for _, a := range v.Alerts {
			emit, err := m.store.ShouldEmitAlert(ctx, sess.ID, a, m.cfg.AlertWindow)
			if err != nil {
				m.logger.Warn("dwayauth: session alert dedupe failed", "session_id", sess.ID, "error", err)
				emit = true
			}
			if emit {
				v.NewAlerts = append(v.NewAlerts, a)
			}
		}
		if m.cfg.Strictness.Blocks(drift) {
			v.Valid = false
			v.Blocked = true
			if _, err := m.revoke(ctx, sess, "suspicious_context", now); err != nil {
				return nil, err
			}
			return v, nil
		}
	}

	if now.Sub(sess.LastSeenAt) >= m.cfg.HeartbeatInterval || v.RiskScore != sess.RiskScore {
		score := v.RiskScore
		updated, err := m.store.Update(ctx, sess.ID, func(s *Session) error {
			if s.Revoked() {
				return ErrRevoked
			}
			s.LastSeenAt = now
			s.RiskScore = score
			return nil
		})
		if err != nil {
			return nil, err
		}
		v.Session = updated
	}
	return v, nil
}

// Rotate issues a new opaque token for the session behind token. The old
// token stops working immediately.
func (m *Manager) Rotate(ctx context.Context, token string) (string, time.Time, error) {
	next, err := internal.NewHexToken(32)
	if err != nil {
		return "", time.Time{}, err
	}
	now := m.clock.Now()
	sess, err := m.store.SwapToken(ctx, HashToken(token), HashToken(next), func(s *Session) error {
		if s.Revoked() {
			return ErrRevoked
		}
		if !now.Before(s.ExpiresAt) {
			return ErrExpired
		}
		return nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return next, sess.ExpiresAt, nil
}

// Get loads a session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.Get(ctx, sessionID)
}

// Touch loads a session by id, checks it is still live and records activity
// on it. Token refresh uses it so a session in active use never idles out.
func (m *Manager) Touch(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if err := m.checkLive(ctx, sess, now); err != nil {
		return nil, err
	}
	return m.store.Update(ctx, sessionID, func(s *Session) error {
		if s.Revoked() {
			return ErrRevoked
		}
		s.LastSeenAt = now
		return nil
	})
}

// Revoke revokes the session behind token.
func (m *Manager) Revoke(ctx context.Context, token, reason string) (*Session, error) {
	sess, err := m.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	return m.revoke(ctx, sess, reason, m.clock.Now())
}

// RevokeByID revokes a session by id. Revoking twice is not an error.
func (m *Manager) RevokeByID(ctx context.Context, sessionID, reason string) (*Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.revoke(ctx, sess, reason, m.clock.Now())
}

// RevokeAllForUser revokes every live session of userID except exceptID and
// returns the sessions it revoked.
//
// A session created while this runs may survive; callers that need a hard
// cut-off also revoke the user's access tokens by watermark.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID, exceptID, reason string) ([]*Session, error) {
	ids, err := m.store.SessionIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	sessions, err := m.store.GetMany(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	revoked := make([]*Session, 0, len(sessions))
	for _, sess := range sessions {
		if sess.ID == exceptID || sess.Revoked() {
			continue
		}
		r, err := m.revoke(ctx, sess, reason, now)
		if err != nil {
			return revoked, err
		}
		revoked = append(revoked, r)
	}
	return revoked, nil
}

// List returns the live sessions of userID.
func (m *Manager) List(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := m.store.SessionIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	sessions, err := m.store.GetMany(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	out := sessions[:0]
	for _, s := range sessions {
		if s.ActiveAt(now) && !m.idle(s, now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// MarkMFAVerified records a successful MFA verification on the session.
func (m *Manager) MarkMFAVerified(ctx context.Context, sessionID string) (*Session, error) {
	now := m.clock.Now()
	return m.store.Update(ctx, sessionID, func(s *Session) error {
		if s.Revoked() {
			return ErrRevoked
		}
		s.MFAVerified = true
		s.MFAVerifiedAt = now
		return nil
	})
}

// AttachFamily binds the refresh-token family issued for the session.
func (m *Manager) AttachFamily(ctx context.Context, sessionID, familyID string) (*Session, error) {
	return m.store.Update(ctx, sessionID, func(s *Session) error {
		s.FamilyID = familyID
		return nil
	})
}

// RequiresStepUp reports whether sess needs a fresh MFA verification before
// a sensitive operation.
func (m *Manager) RequiresStepUp(sess *Session) bool {
	if sess == nil || !sess.MFAVerified || sess.MFAVerifiedAt.IsZero() {
		return true
	}
	return m.clock.Now().Sub(sess.MFAVerifiedAt) > m.cfg.StepUpMaxAge
}

func (m *Manager) resolve(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	id, err := m.store.LookupToken(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	return m.store.Get(ctx, id)
}

func (m *Manager) checkLive(ctx context.Context, sess *Session, now time.Time) error {
	if sess.Revoked() {
		return ErrRevoked
	}
	if !now.Before(sess.ExpiresAt) {
		return ErrExpired
	}
	if m.idle(sess, now) {
		if _, err := m.revoke(ctx, sess, "idle_timeout", now); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return ErrExpired
	}
	return nil
}

func (m *Manager) idle(sess *Session, now time.Time) bool {
	return m.cfg.IdleTimeout > 0 && now.Sub(sess.LastSeenAt) > m.cfg.IdleTimeout
}

func (m *Manager) revoke(ctx context.Context, sess *Session, reason string, now time.Time) (*Session, error) {
	if sess.Revoked() {
		return sess, nil
	}
	sess.RevokedAt = now
	sess.RevokeReason = reason
	if err := m.store.Tombstone(ctx, sess, m.cfg.RevokedRetention); err != nil {
		return nil, err
	}
	return sess, nil
}
