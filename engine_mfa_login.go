package dwayauth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/johnnydxm/dwayauth/credential"
	"github.com/johnnydxm/dwayauth/internal/stores"
	"github.com/johnnydxm/dwayauth/mfa"
)

// pendingClaimTTL bounds how long one CompleteMFALogin call holds its
// pending login.
const pendingClaimTTL = 10 * time.Second

// SendMFAChallenge sends a code (SMS, email) or issues a nonce (biometric)
// for one method of a pending login. TOTP and backup codes need no
// challenge and yield nil.
//
// A pending login allows MFAConfig.PendingLoginMaxResends calls; each
// issued challenge also spends the per-method and per-IP send budget.
// Either limit yields ErrMFARateLimited.
func (e *Engine) SendMFAChallenge(ctx context.Context, pendingRef, configID string, rc RequestContext) (*ChallengeInfo, error) {
	rc = rc.resolve(ctx)
	ref := strings.TrimSpace(pendingRef)
	rec, err := e.pending.Get(ctx, ref)
	if err != nil {
		return nil, e.pendingErr(err)
	}
	n, err := e.pending.CountResend(ctx, ref, rec.ExpiresAt)
	if err != nil {
		return nil, e.pendingErr(err)
	}
	if n > e.config.MFA.PendingLoginMaxResends {
		err := mfaRateLimited(rec.ExpiresAt.Sub(e.now()))
		e.metricInc(MetricMFARateLimited)
		e.emitAudit(ctx, auditEventMFAAttemptsExceeded, false, rec.UserID, "", rc, err, func() map[string]string {
			return map[string]string{"reason": "resend_limit"}
		})
		return nil, err
	}
	ch, err := e.mfa.SendChallenge(ctx, rec.UserID, configID, rc.IP)
	if err != nil {
		err = e.mfaErr("send_challenge", err)
		if errors.Is(err, ErrMFARateLimited) {
			e.metricInc(MetricMFARateLimited)
		}
		return nil, err
	}
	if ch != nil {
		e.emitAudit(ctx, auditEventMFAChallengeSent, true, rec.UserID, "", rc, nil, func() map[string]string {
			return map[string]string{"method": string(ch.Method)}
		})
	}
	return challengeInfo(ch), nil
}

// CompleteMFALogin finishes a login that returned *MFAChallenge. Each
// rejected code counts against the pending login; after
// MFAConfig.PendingLoginMaxFailures rejections the pending login is
// destroyed and the user must start over. A pending reference is consumed by
// exactly one successful call.
//
// Completions on one pending reference are serialized: while one call is
// verifying its factor, concurrent calls fail with ErrMFARateLimited and
// leave their code unspent.
func (e *Engine) CompleteMFALogin(ctx context.Context, req CompleteMFARequest, rc RequestContext) (*Authenticated, error) {
	rc = rc.resolve(ctx)
	ref := strings.TrimSpace(req.PendingRef)
	if ref == "" {
		return nil, withFields(KindValidation, map[string]string{"PendingRef": "is required"})
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, withFields(KindValidation, map[string]string{"Code": "is required"})
	}

	release, ok, err := e.pending.Claim(ctx, ref, pendingClaimTTL)
	if err != nil {
		return nil, e.pendingErr(err)
	}
	if !ok {
		e.metricInc(MetricMFARateLimited)
		return nil, mfaRateLimited(time.Second)
	}
	defer release()

	// Loaded under the claim so a completion that waited on another one
	// sees the consumed reference.
	rec, err := e.pending.Get(ctx, ref)
	if err != nil {
		err = e.pendingErr(err)
		if errors.Is(err, ErrMFAChallengeExpired) {
			e.metricInc(MetricMFAExpired)
		}
		return nil, err
	}
	rc = rc.fallback(rec)

	res, err := e.mfa.VerifyCode(ctx, mfa.VerifyRequest{
		UserID:       rec.UserID,
		ConfigID:     req.ConfigID,
		Method:       req.Method,
		Code:         req.Code,
		IsBackupCode: req.IsBackupCode,
		IP:           rc.IP,
	})
	if err != nil {
		err = e.mfaErr("verify", err)
		if errors.Is(err, ErrMFANotConfigured) {
			if ferr := e.mfaFailure(ctx, ref, rec.UserID, rc, "not_configured"); errors.Is(ferr, ErrMFARateLimited) {
				return nil, ferr
			}
		}
		return nil, err
	}

	switch res.Status {
	case mfa.StatusVerified:
	case mfa.StatusRateLimited:
		err := mfaRateLimited(res.RetryAfter)
		e.metricInc(MetricMFARateLimited)
		e.emitAudit(ctx, auditEventMFAAttemptsExceeded, false, rec.UserID, "", rc, err, methodMetadata(res))
		return nil, err
	case mfa.StatusExpired:
		e.metricInc(MetricMFAExpired)
		if ferr := e.mfaFailure(ctx, ref, rec.UserID, rc, "challenge_expired"); errors.Is(ferr, ErrMFARateLimited) {
			return nil, ferr
		}
		return nil, newError(KindMFAChallengeExpired, nil)
	default:
		reason := res.Reason
		if reason == "" {
			reason = "rejected"
		}
		return nil, e.mfaFailure(ctx, ref, rec.UserID, rc, reason)
	}

	won, err := e.pending.Consume(ctx, ref)
	if err != nil {
		return nil, e.pendingErr(err)
	}
	if !won {
		return nil, newError(KindMFAChallengeExpired, nil)
	}

	u, err := e.users.Get(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, newError(KindInvalidCredentials, err)
		}
		return nil, e.credentialErr("get_user", err)
	}
	if u.Status != credential.StatusActive {
		err := notActive(string(u.Status))
		e.metricInc(MetricAccountNotActive)
		return nil, e.loginFailed(ctx, u.ID, rc, err, func() map[string]string { return auditReason(err) })
	}

	if res.Config != nil && res.Config.Method == mfa.MethodBackupCodes {
		e.metricInc(MetricBackupCodeUsed)
		e.emitAudit(ctx, auditEventBackupCodeUsed, true, u.ID, "", rc, nil, func() map[string]string {
			return map[string]string{"remaining": strconv.Itoa(res.Config.RemainingBackupCodes())}
		})
	}

	auth, err := e.establish(ctx, u, rc, rec.RiskScore, true)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricMFASuccess)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, u.ID, auth.Session.ID, rc, nil, methodMetadata(res))
	e.emitAudit(ctx, auditEventLoginSuccess, true, u.ID, auth.Session.ID, rc, nil, func() map[string]string {
		return map[string]string{"mfa": "true"}
	})
	return auth, nil
}

// mfaFailure counts a rejected completion against the pending login.
func (e *Engine) mfaFailure(ctx context.Context, ref, userID string, rc RequestContext, reason string) error {
	exceeded, err := e.pending.RecordFailure(ctx, ref, e.config.MFA.PendingLoginMaxFailures)
	if err != nil {
		if errors.Is(err, stores.ErrPendingLoginExpired) || errors.Is(err, stores.ErrPendingLoginNotFound) {
			return newError(KindMFAChallengeExpired, err)
		}
		e.logger.Error("dwayauth: pending login failure not recorded", "user_id", userID, "error", err)
	}
	if exceeded {
		err := newError(KindMFARateLimited, nil)
		e.metricInc(MetricMFARateLimited)
		e.emitAudit(ctx, auditEventMFAAttemptsExceeded, false, userID, "", rc, err, func() map[string]string {
			return map[string]string{"reason": reason}
		})
		return err
	}
	failure := newError(KindInvalidMFACode, nil)
	e.metricInc(MetricMFAFailure)
	e.emitAudit(ctx, auditEventMFAFailure, false, userID, "", rc, failure, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return failure
}

// SendStepUpChallenge issues a challenge for step-up verification on an
// established session.
func (e *Engine) SendStepUpChallenge(ctx context.Context, sessionToken, configID string, rc RequestContext) (*ChallengeInfo, error) {
	rc = rc.resolve(ctx)
	v, err := e.liveSession(ctx, sessionToken, rc)
	if err != nil {
		return nil, err
	}
	ch, err := e.mfa.SendChallenge(ctx, v.Session.UserID, configID, rc.IP)
	if err != nil {
		return nil, e.mfaErr("send_challenge", err)
	}
	return challengeInfo(ch), nil
}

// VerifyStepUp re-verifies a second factor on an established session and
// refreshes its MFA timestamp, which unlocks sensitive operations for
// SessionConfig.StepUpMaxAge.
func (e *Engine) VerifyStepUp(ctx context.Context, sessionToken string, req CompleteMFARequest, rc RequestContext) (*SessionInfo, error) {
	rc = rc.resolve(ctx)
	if strings.TrimSpace(req.Code) == "" {
		return nil, withFields(KindValidation, map[string]string{"Code": "is required"})
	}
	v, err := e.liveSession(ctx, sessionToken, rc)
	if err != nil {
		return nil, err
	}
	sess := v.Session

	res, err := e.mfa.VerifyCode(ctx, mfa.VerifyRequest{
		UserID:       sess.UserID,
		ConfigID:     req.ConfigID,
		Method:       req.Method,
		Code:         req.Code,
		IsBackupCode: req.IsBackupCode,
		IP:           rc.IP,
	})
	if err != nil {
		return nil, e.mfaErr("verify", err)
	}

	var failure error
	switch res.Status {
	case mfa.StatusVerified:
	case mfa.StatusRateLimited:
		failure = mfaRateLimited(res.RetryAfter)
		e.metricInc(MetricMFARateLimited)
	case mfa.StatusExpired:
		failure = newError(KindMFAChallengeExpired, nil)
		e.metricInc(MetricMFAExpired)
	default:
		failure = newError(KindInvalidMFACode, nil)
		e.metricInc(MetricMFAFailure)
	}
	if failure != nil {
		e.emitAudit(ctx, auditEventStepUpFailure, false, sess.UserID, sess.ID, rc, failure, methodMetadata(res))
		return nil, failure
	}

	updated, err := e.sessions.MarkMFAVerified(ctx, sess.ID)
	if err != nil {
		return nil, e.sessionErr("mark_mfa", err)
	}
	e.metricInc(MetricStepUpSuccess)
	e.emitAudit(ctx, auditEventStepUpSuccess, true, sess.UserID, sess.ID, rc, nil, methodMetadata(res))
	info := sessionInfo(updated)
	return &info, nil
}

// RequireRecentMFA fails with STEP_UP_REQUIRED unless the session verified a
// second factor within SessionConfig.StepUpMaxAge. Callers guard transfers,
// payee changes and similar operations with it.
func (e *Engine) RequireRecentMFA(ctx context.Context, sessionID string) error {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return e.sessionErr("get", err)
	}
	if !sess.ActiveAt(e.now()) {
		return newError(KindSessionRevoked, nil)
	}
	if e.sessions.RequiresStepUp(sess) {
		return newError(KindStepUpRequired, nil)
	}
	return nil
}

func methodMetadata(res *mfa.Result) func() map[string]string {
	return func() map[string]string {
		if res == nil || res.Config == nil {
			return nil
		}
		md := map[string]string{"method": string(res.Config.Method)}
		if res.Reason != "" {
			md["reason"] = res.Reason
		}
		return md
	}
}

// fallback fills request fields missing from rc with the ones captured when
// the pending login was created.
func (rc RequestContext) fallback(rec *stores.PendingLogin) RequestContext {
	if rc.IP == "" {
		rc.IP = rec.IP
	}
	if rc.UserAgent == "" {
		rc.UserAgent = rec.UserAgent
	}
	if rc.DeviceFingerprint == "" {
		rc.DeviceFingerprint = rec.DeviceFingerprint
	}
	return rc
}
