package dwayauth

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/johnnydxm/dwayauth/session"
)

// Logout revokes the access token, its session and the session's refresh
// family. With AllDevices every session of the user is ended and every
// access token issued so far is rejected.
func (e *Engine) Logout(ctx context.Context, accessToken string, rc RequestContext, opts LogoutOptions) error {
	rc = rc.resolve(ctx)
	claims, err := e.tokens.ValidateAccessToken(ctx, strings.TrimSpace(accessToken))
	if err != nil {
		return e.tokenErr("validate", err)
	}
	if err := e.tokens.RevokeToken(ctx, accessToken); err != nil {
		return e.tokenErr("revoke_token", err)
	}

	if opts.AllDevices {
		n, err := e.revokeAllForUser(ctx, claims.UserID, "", "logout_all")
		if err != nil {
			return err
		}
		e.metricInc(MetricLogoutAll)
		e.emitAudit(ctx, auditEventLogoutAll, true, claims.UserID, claims.SessionID, rc, nil, func() map[string]string {
			return map[string]string{"sessions": strconv.Itoa(n)}
		})
		return nil
	}

	if err := e.endSession(ctx, claims.SessionID, claims.UserID, claims.FamilyID, "logout"); err != nil {
		return err
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, claims.UserID, claims.SessionID, rc, nil, nil)
	return nil
}

// ValidateAccess verifies an access token's signature and expiry and checks
// it against the revocation list.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*AccessClaims, error) {
	start := time.Now()
	defer e.observeSince(MetricValidateLatency, start)

	claims, err := e.tokens.ValidateAccessToken(ctx, strings.TrimSpace(accessToken))
	if err != nil {
		return nil, e.tokenErr("validate", err)
	}
	return claims, nil
}

// ValidateSession resolves a session token and compares the request with
// the context the session was created in. Depending on
// SessionConfig.Strictness a drifted session is only flagged or is revoked,
// in which case SESSION_REVOKED is returned.
func (e *Engine) ValidateSession(ctx context.Context, sessionToken string, rc RequestContext) (*SessionValidation, error) {
	rc = rc.resolve(ctx)
	v, err := e.liveSession(ctx, sessionToken, rc)
	if err != nil {
		return nil, err
	}
	return &SessionValidation{
		Session:        sessionInfo(v.Session),
		Alerts:         v.Alerts,
		RiskScore:      v.RiskScore,
		StepUpRequired: e.sessions.RequiresStepUp(v.Session),
	}, nil
}

func (e *Engine) liveSession(ctx context.Context, sessionToken string, rc RequestContext) (*session.Validation, error) {
	v, err := e.sessions.Validate(ctx, strings.TrimSpace(sessionToken), rc.session())
	if err != nil {
		return nil, e.sessionErr("validate", err)
	}
	sess := v.Session

	if len(v.NewAlerts) > 0 {
		e.metricInc(MetricSessionDriftAlert)
		e.emitAudit(ctx, auditEventSessionDrift, !v.Blocked, sess.UserID, sess.ID, rc, nil, func() map[string]string {
			return map[string]string{
				"alerts":     joinAlerts(v.NewAlerts),
				"risk_score": strconv.Itoa(int(v.RiskScore)),
			}
		})
	}
	if v.Blocked {
		// The manager already revoked the session; its tokens go too.
		e.revokeSessionTokens(ctx, sess, "suspicious_context")
		err := newError(KindSessionRevoked, nil)
		e.metricInc(MetricSessionBlocked)
		e.emitAudit(ctx, auditEventSessionBlocked, false, sess.UserID, sess.ID, rc, err, func() map[string]string {
			return map[string]string{"alerts": joinAlerts(v.Alerts)}
		})
		return nil, err
	}
	return v, nil
}

// ListSessions returns the live sessions of userID, newest first. The
// session matching currentSessionID is flagged Current.
func (e *Engine) ListSessions(ctx context.Context, userID, currentSessionID string) ([]SessionInfo, error) {
	sessions, err := e.sessions.List(ctx, userID)
	if err != nil {
		return nil, e.sessionErr("list", err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := sessionInfo(s)
		info.Current = s.ID == currentSessionID
		out = append(out, info)
	}
	return out, nil
}

// RevokeSession ends one session of userID together with its tokens.
// Sessions of other users are reported as NOT_FOUND.
func (e *Engine) RevokeSession(ctx context.Context, userID, sessionID string, rc RequestContext) error {
	rc = rc.resolve(ctx)
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return newError(KindNotFound, err)
		}
		return e.sessionErr("get", err)
	}
	if sess.UserID != userID {
		return newError(KindNotFound, nil)
	}
	if err := e.endSession(ctx, sess.ID, userID, sess.FamilyID, "user_revoked"); err != nil {
		return err
	}
	e.emitAudit(ctx, auditEventSessionRevoked, true, userID, sess.ID, rc, nil, nil)
	return nil
}

// RevokeAllSessions ends every session of userID except exceptSessionID and
// returns how many were ended. An empty exceptSessionID also rejects every
// access token issued before now.
func (e *Engine) RevokeAllSessions(ctx context.Context, userID, exceptSessionID string, rc RequestContext) (int, error) {
	rc = rc.resolve(ctx)
	n, err := e.revokeAllForUser(ctx, userID, exceptSessionID, "user_revoked_all")
	if err != nil {
		return n, err
	}
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, exceptSessionID, rc, nil, func() map[string]string {
		return map[string]string{"sessions": strconv.Itoa(n)}
	})
	return n, nil
}

// endSession revokes a session by id, the access tokens bound to it and its
// refresh family. familyID may be empty when the session record names it.
func (e *Engine) endSession(ctx context.Context, sessionID, userID, familyID, reason string) error {
	if sessionID == "" {
		e.revokeFamily(ctx, familyID, reason)
		return nil
	}
	sess, err := e.sessions.RevokeByID(ctx, sessionID, reason)
	switch {
	case err == nil:
		e.metricInc(MetricSessionRevoked)
		if familyID == "" {
			familyID = sess.FamilyID
		}
	case errors.Is(err, session.ErrNotFound):
	default:
		e.logger.Error("dwayauth: session revoke failed", "session_id", sessionID, "error", err)
		return unavailable(err)
	}
	if err := e.tokens.RevokeSession(ctx, sessionID, userID, reason); err != nil {
		return e.tokenErr("revoke_session", err)
	}
	e.revokeFamily(ctx, familyID, reason)
	return nil
}

// revokeSessionTokens revokes the tokens of an already revoked session.
func (e *Engine) revokeSessionTokens(ctx context.Context, sess *session.Session, reason string) {
	e.metricInc(MetricSessionRevoked)
	if err := e.tokens.RevokeSession(ctx, sess.ID, sess.UserID, reason); err != nil {
		e.logger.Error("dwayauth: session tokens not revoked", "session_id", sess.ID, "error", err)
	}
	e.revokeFamily(ctx, sess.FamilyID, reason)
}

func (e *Engine) revokeFamily(ctx context.Context, familyID, reason string) {
	if familyID == "" {
		return
	}
	if err := e.tokens.RevokeFamily(ctx, familyID, reason); err != nil {
		e.logger.Error("dwayauth: refresh family not revoked", "family_id", familyID, "error", err)
	}
}

// revokeAllForUser ends every session of userID but exceptID. Without an
// exception it also sets the user's access-token watermark, which covers
// sessions created while the sweep runs.
func (e *Engine) revokeAllForUser(ctx context.Context, userID, exceptID, reason string) (int, error) {
	revoked, err := e.sessions.RevokeAllForUser(ctx, userID, exceptID, reason)
	for _, s := range revoked {
		e.revokeSessionTokens(ctx, s, reason)
	}
	if err != nil {
		return len(revoked), e.sessionErr("revoke_all", err)
	}
	if exceptID == "" {
		if err := e.tokens.RevokeUser(ctx, userID, e.now(), reason); err != nil {
			return len(revoked), e.tokenErr("revoke_user", err)
		}
	}
	return len(revoked), nil
}

func joinAlerts(alerts []session.Alert) string {
	parts := make([]string, len(alerts))
	for i, a := range alerts {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}
