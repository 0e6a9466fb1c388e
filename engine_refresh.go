package dwayauth

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/johnnydxm/dwayauth/credential"
	"github.com/johnnydxm/dwayauth/notify"
	"github.com/johnnydxm/dwayauth/session"
	"github.com/johnnydxm/dwayauth/token"
)

// RefreshTokens rotates a refresh token. The presented token is consumed
// whatever happens next.
//
// Presenting a token that was already rotated is treated as theft: its
// family and the session it belongs to are revoked, the user is alerted and
// TOKEN_REUSE_DETECTED is returned. Two concurrent refreshes with the same
// token therefore end the session. A family whose session was revoked, or
// whose user is no longer active, is revoked on sight.
func (e *Engine) RefreshTokens(ctx context.Context, refreshToken string, rc RequestContext) (*TokenPair, error) {
	rc = rc.resolve(ctx)
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, newError(KindTokenInvalid, nil)
	}

	pair, family, err := e.tokens.RotateRefreshToken(ctx, refreshToken)
	if err != nil {
		var reuse *token.ReuseError
		if errors.As(err, &reuse) {
			return nil, e.refreshReuse(ctx, reuse, rc)
		}
		if errors.Is(err, token.ErrRevoked) {
			err = newError(KindSessionRevoked, err)
		} else {
			err = e.tokenErr("rotate", err)
		}
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", rc, err, nil)
		return nil, err
	}

	if _, err := e.sessions.Touch(ctx, family.SessionID); err != nil {
		if errors.Is(err, session.ErrRevoked) || errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
			e.revokeFamily(ctx, family.ID, "session_ended")
			err := newError(KindSessionRevoked, err)
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, family.UserID, family.SessionID, rc, err, nil)
			return nil, err
		}
		return nil, e.sessionErr("touch", err)
	}

	u, err := e.users.Get(ctx, family.UserID)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		e.endSession(ctx, family.SessionID, family.UserID, family.ID, "user_deleted")
		return nil, newError(KindSessionRevoked, err)
	case err != nil:
		return nil, e.credentialErr("get_user", err)
	case u.Status != credential.StatusActive:
		e.endSession(ctx, family.SessionID, family.UserID, family.ID, "account_"+string(u.Status))
		err := notActive(string(u.Status))
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, u.ID, family.SessionID, rc, err, func() map[string]string { return auditReason(err) })
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, family.UserID, family.SessionID, rc, nil, func() map[string]string {
		return map[string]string{"generation": strconv.FormatInt(family.Generation, 10)}
	})
	out := tokenPair(pair)
	return &out, nil
}

// refreshReuse ends the session a replayed family belonged to and alerts
// the account holder.
func (e *Engine) refreshReuse(ctx context.Context, reuse *token.ReuseError, rc RequestContext) error {
	err := newError(KindTokenReuseDetected, reuse)
	e.metricInc(MetricRefreshReuseDetected)
	e.endSession(ctx, reuse.SessionID, reuse.UserID, "", "refresh_reuse")
	e.emitAudit(ctx, auditEventRefreshReuseDetected, false, reuse.UserID, reuse.SessionID, rc, err, func() map[string]string {
		return map[string]string{"family_id": reuse.FamilyID}
	})

	if reuse.UserID != "" {
		if u, gerr := e.users.Get(ctx, reuse.UserID); gerr == nil {
			e.notifier.Email(ctx, notify.Message{
				To:       u.Email,
				Template: notify.TemplateSecurityAlert,
				Params: map[string]string{
					"event": "refresh_token_reuse",
					"ip":    rc.IP,
				},
			})
		}
	}
	return err
}
