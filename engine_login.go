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
	"github.com/johnnydxm/dwayauth/risk"
	"github.com/johnnydxm/dwayauth/session"
	"github.com/johnnydxm/dwayauth/token"
)

// Login verifies credentials. On success it returns either *Authenticated,
// with a session and token pair, or *MFAChallenge when the account has a
// second factor enrolled; in that case nothing is issued until
// CompleteMFALogin succeeds.
//
// Checks run in a fixed order: rate limit, risk analysis, lockout, password,
// account status. A locked account fails fast without comparing the
// password. Unknown emails still pay for a bcrypt comparison.
func (e *Engine) Login(ctx context.Context, cred Credentials, rc RequestContext) (LoginResult, error) {
	start := time.Now()
	defer e.observeSince(MetricLoginLatency, start)

	rc = rc.resolve(ctx)
	if err := e.validateStruct(cred); err != nil {
		return nil, err
	}
	email := credential.NormalizeEmail(cred.Email)

	if err := e.loginLimiter.Enforce(ctx, email, rc.IP); err != nil {
		err = e.limitErr("login", err)
		if errors.Is(err, ErrRateLimited) {
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, auditEventLoginRateLimited, false, "", "", rc, err, nil)
		}
		return nil, err
	}

	u, err := e.users.Lookup(ctx, email)
	if err != nil && !errors.Is(err, credential.ErrNotFound) {
		return nil, e.credentialErr("lookup", err)
	}
	userID := ""
	if u != nil {
		userID = u.ID
	}

	assessment := e.assess(ctx, userID, "login", rc)
	if assessment.Blocked {
		err := newError(KindRequestBlocked, nil)
		e.metricInc(MetricLoginBlocked)
		e.emitAudit(ctx, auditEventLoginBlocked, false, userID, "", rc, err, riskMetadata(assessment))
		return nil, err
	}

	if u == nil {
		e.users.Matches(nil, cred.Password)
		return nil, e.loginFailed(ctx, "", rc, newError(KindInvalidCredentials, nil), nil)
	}

	if isLocked, retryAfter := e.users.IsLocked(u); isLocked {
		err := locked(retryAfter)
		e.metricInc(MetricAccountLockedRejected)
		return nil, e.loginFailed(ctx, u.ID, rc, err, nil)
	}

	if !e.users.Matches(u, cred.Password) {
		return nil, e.passwordMismatch(ctx, u, rc)
	}

	if u.Status != credential.StatusActive {
		err := notActive(string(u.Status))
		e.metricInc(MetricAccountNotActive)
		return nil, e.loginFailed(ctx, u.ID, rc, err, func() map[string]string { return auditReason(err) })
	}

	if u.FailedLoginCount > 0 || !u.LockedUntil.IsZero() {
		if err := e.users.ResetFailedAttempts(ctx, u.ID); err != nil {
			e.logger.Warn("dwayauth: failed-login reset failed", "user_id", u.ID, "error", err)
		}
	}
	if err := e.users.UpgradeHash(ctx, u, cred.Password); err != nil {
		e.logger.Warn("dwayauth: password hash upgrade failed", "user_id", u.ID, "error", err)
	}

	if assessment.Warn {
		e.metricInc(MetricLoginRiskWarning)
		e.emitAudit(ctx, auditEventLoginRiskWarning, true, u.ID, "", rc, nil, riskMetadata(assessment))
	}

	required, err := e.mfa.Required(ctx, u.ID)
	if err != nil {
		return nil, e.mfaErr("required", err)
	}
	if required {
		return e.beginMFA(ctx, u, rc, assessment)
	}

	auth, err := e.establish(ctx, u, rc, riskScore(assessment), false)
	if err != nil {
		return nil, err
	}
	auth.RiskWarning = assessment.Warn
	auth.RiskReasons = assessment.Reasons
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, u.ID, auth.Session.ID, rc, nil, nil)
	return auth, nil
}

// passwordMismatch counts the failure, which may lock the account. The
// caller still sees INVALID_CREDENTIALS for the attempt that locks; the
// next attempt gets ACCOUNT_LOCKED.
func (e *Engine) passwordMismatch(ctx context.Context, u *credential.User, rc RequestContext) error {
	count, until, err := e.users.IncrementFailedAttempts(ctx, u.ID)
	if err != nil {
		return e.credentialErr("increment_failed", err)
	}
	if !until.IsZero() {
		e.metricInc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventAccountLocked, false, u.ID, "", rc, nil, func() map[string]string {
			return map[string]string{
				"failed_attempts": strconv.Itoa(count),
				"locked_until":    until.UTC().Format(time.RFC3339),
			}
		})
	}
	return e.loginFailed(ctx, u.ID, rc, newError(KindInvalidCredentials, nil), func() map[string]string {
		return map[string]string{"failed_attempts": strconv.Itoa(count)}
	})
}

func (e *Engine) loginFailed(ctx context.Context, userID string, rc RequestContext, err error, metadata func() map[string]string) error {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", rc, err, metadata)
	return err
}

// beginMFA parks the verified login under a pending reference and sends a
// code to the primary method when it is SMS or email.
func (e *Engine) beginMFA(ctx context.Context, u *credential.User, rc RequestContext, a risk.Assessment) (*MFAChallenge, error) {
	configs, err := e.mfa.GetUserMethods(ctx, u.ID)
	if err != nil {
		return nil, e.mfaErr("list_methods", err)
	}

	record := &stores.PendingLogin{
		UserID:            u.ID,
		IP:                rc.IP,
		UserAgent:         rc.UserAgent,
		DeviceFingerprint: rc.DeviceFingerprint,
		RiskScore:         riskScore(a),
	}
	ref, err := e.pending.Create(ctx, record, e.config.MFA.PendingLoginTTL)
	if err != nil {
		return nil, e.pendingErr(err)
	}

	out := &MFAChallenge{
		PendingRef: ref,
		ExpiresAt:  record.ExpiresAt,
		Methods:    make([]MFAMethod, 0, len(configs)),
	}
	var primary *mfa.Config
	for _, c := range configs {
		out.Methods = append(out.Methods, mfaMethod(c))
		if c.IsPrimary && primary == nil {
			primary = c
		}
	}

	if primary != nil && (primary.Method == mfa.MethodSMS || primary.Method == mfa.MethodEmail) {
		ch, err := e.mfa.IssueChallenge(ctx, primary, rc.IP)
		if err != nil {
			// The client can still pick another method or ask for a resend.
			e.logger.Warn("dwayauth: primary mfa challenge not sent", "user_id", u.ID, "config_id", primary.ID, "error", err)
		} else {
			out.Challenge = challengeInfo(ch)
		}
	}

	e.metricInc(MetricMFARequired)
	e.emitAudit(ctx, auditEventMFARequired, true, u.ID, "", rc, nil, func() map[string]string {
		methods := make([]string, 0, len(out.Methods))
		for _, m := range out.Methods {
			methods = append(methods, string(m.Method))
		}
		return map[string]string{"methods": strings.Join(methods, ",")}
	})
	return out, nil
}

// establish creates the session and its token pair for an authenticated
// user.
func (e *Engine) establish(ctx context.Context, u *credential.User, rc RequestContext, score uint8, mfaVerified bool) (*Authenticated, error) {
	sess, sessionToken, err := e.sessions.Create(ctx, session.CreateParams{
		UserID:      u.ID,
		Context:     rc.session(),
		MFAVerified: mfaVerified,
		RiskScore:   score,
	})
	if err != nil {
		return nil, e.sessionErr("create", err)
	}

	pair, err := e.tokens.IssuePair(ctx, token.Subject{
		UserID:    u.ID,
		SessionID: sess.ID,
		MFA:       mfaVerified,
	})
	if err != nil {
		if _, rerr := e.sessions.RevokeByID(ctx, sess.ID, "token_issue_failed"); rerr != nil {
			e.logger.Warn("dwayauth: orphan session not revoked", "session_id", sess.ID, "error", rerr)
		}
		return nil, e.tokenErr("issue_pair", err)
	}

	if bound, err := e.sessions.AttachFamily(ctx, sess.ID, pair.FamilyID); err != nil {
		e.logger.Warn("dwayauth: refresh family not bound to session", "session_id", sess.ID, "error", err)
	} else {
		sess = bound
	}

	if e.risk != nil {
		e.risk.Remember(ctx, u.ID, rc.IP)
	}
	e.metricInc(MetricSessionCreated)

	return &Authenticated{
		User:         userInfo(u),
		Session:      sessionInfo(sess),
		SessionToken: sessionToken,
		Tokens:       tokenPair(pair),
	}, nil
}

func riskMetadata(a risk.Assessment) func() map[string]string {
	return func() map[string]string {
		return map[string]string{
			"risk_score":   strconv.Itoa(a.Score),
			"risk_level":   string(a.Level),
			"risk_reasons": strings.Join(a.Reasons, ","),
		}
	}
}
