package dwayauth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/johnnydxm/dwayauth/credential"
	"github.com/johnnydxm/dwayauth/internal/stores"
	"github.com/johnnydxm/dwayauth/notify"
)

// ChangePassword replaces the password of userID after re-verifying the
// current one. Every session of the user, the caller's included, is ended
// and every access token issued before the change is rejected.
//
// A wrong current password counts towards the account lockout.
func (e *Engine) ChangePassword(ctx context.Context, userID, current, next string, rc RequestContext) error {
	rc = rc.resolve(ctx)
	fields := map[string]string{}
	if current == "" {
		fields["CurrentPassword"] = "is required"
	}
	if next == "" {
		fields["NewPassword"] = "is required"
	}
	if len(fields) > 0 {
		return withFields(KindValidation, fields)
	}

	u, err := e.userFor(ctx, userID)
	if err != nil {
		return err
	}
	if u.Status != credential.StatusActive {
		return e.passwordChangeFailed(ctx, u.ID, rc, notActive(string(u.Status)), "inactive")
	}
	if isLocked, retryAfter := e.users.IsLocked(u); isLocked {
		return e.passwordChangeFailed(ctx, u.ID, rc, locked(retryAfter), "locked")
	}

	if !e.users.Matches(u, current) {
		if _, _, err := e.users.IncrementFailedAttempts(ctx, u.ID); err != nil {
			return e.credentialErr("increment_failed", err)
		}
		return e.passwordChangeFailed(ctx, u.ID, rc, newError(KindInvalidCredentials, nil), "invalid_current")
	}
	if err := e.policy.Check(next, u.Email); err != nil {
		return e.passwordChangeFailed(ctx, u.ID, rc, passwordError(err), "policy")
	}
	if next == current {
		err := withFields(KindWeakPassword, map[string]string{"NewPassword": "must differ from the current password"})
		return e.passwordChangeFailed(ctx, u.ID, rc, err, "reuse")
	}

	if err := e.replacePassword(ctx, u, next, "password_changed"); err != nil {
		return err
	}
	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, u.ID, "", rc, nil, nil)
	return nil
}

func (e *Engine) passwordChangeFailed(ctx context.Context, userID string, rc RequestContext, err error, reason string) error {
	e.metricInc(MetricPasswordChangeFailure)
	e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", rc, err, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return err
}

// replacePassword stores the new hash, ends every session of u and sends
// the change notice.
func (e *Engine) replacePassword(ctx context.Context, u *credential.User, next, reason string) error {
	if _, err := e.users.SetPassword(ctx, u.ID, next); err != nil {
		return e.credentialErr("set_password", err)
	}
	if _, err := e.revokeAllForUser(ctx, u.ID, "", reason); err != nil {
		return err
	}
	if e.config.Account.NotifyPasswordChanged {
		e.notifier.Email(ctx, notify.Message{
			To:       u.Email,
			Template: notify.TemplatePasswordChanged,
			Params:   map[string]string{"changed_at": e.now().Format(time.RFC3339)},
		})
	}
	return nil
}

// RequestPasswordReset emails a reset link when email belongs to an account
// that can sign in. The outcome is the same for unknown addresses.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string, rc RequestContext) error {
	rc = rc.resolve(ctx)
	email = credential.NormalizeEmail(email)
	if email == "" {
		return withFields(KindValidation, map[string]string{"Email": "is required"})
	}
	if err := e.resetLimiter.Enforce(ctx, email, rc.IP); err != nil {
		return e.limitErr("password_reset", err)
	}
	e.metricInc(MetricPasswordResetRequest)

	u, err := e.users.Lookup(ctx, email)
	if errors.Is(err, credential.ErrNotFound) {
		e.emitAudit(ctx, auditEventPasswordResetRequest, true, "", "", rc, nil, func() map[string]string {
			return map[string]string{"known": "false"}
		})
		return nil
	}
	if err != nil {
		return e.credentialErr("lookup", err)
	}
	if u.Status == credential.StatusClosed || u.Status == credential.StatusSuspended {
		return nil
	}

	ttl := e.config.Account.ResetTTL
	tok, err := e.oneTime.Issue(ctx, stores.PurposePasswordReset, u.ID, ttl)
	if err != nil {
		return e.oneTimeErr("password_reset", err)
	}
	e.notifier.Email(ctx, notify.Message{
		To:       u.Email,
		Template: notify.TemplatePasswordReset,
		Params: map[string]string{
			"token":       tok,
			"ttl_minutes": strconv.Itoa(int(ttl.Minutes())),
		},
	})
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, u.ID, "", rc, nil, nil)
	return nil
}

// ConfirmPasswordReset consumes a reset token and sets a new password. It
// also clears any lockout, verifies the email of a pending account and ends
// every session of the user. The token is only spent once the new password
// has passed every policy rule, so a rejected password leaves it usable.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, resetToken, next string, rc RequestContext) error {
	rc = rc.resolve(ctx)
	resetToken = strings.TrimSpace(resetToken)
	fields := map[string]string{}
	if resetToken == "" {
		fields["Token"] = "is required"
	}
	if next == "" {
		fields["NewPassword"] = "is required"
	}
	if len(fields) > 0 {
		return withFields(KindValidation, fields)
	}
	if err := e.policy.Check(next); err != nil {
		return passwordError(err)
	}
	if err := e.resetLimiter.Enforce(ctx, "", rc.IP); err != nil {
		return e.limitErr("password_reset_confirm", err)
	}

	rec, err := e.oneTime.Peek(ctx, stores.PurposePasswordReset, resetToken, e.config.Account.ResetMaxAttempts)
	if err != nil {
		return e.resetTokenFailed(ctx, rc, err)
	}

	u, err := e.users.Get(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return newError(KindTokenInvalid, err)
		}
		return e.credentialErr("get_user", err)
	}
	switch u.Status {
	case credential.StatusClosed, credential.StatusSuspended:
		err := notActive(string(u.Status))
		e.metricInc(MetricPasswordResetFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, u.ID, "", rc, err, func() map[string]string { return auditReason(err) })
		return err
	}
	if err := e.policy.Check(next, u.Email); err != nil {
		return passwordError(err)
	}

	if _, err := e.oneTime.Consume(ctx, stores.PurposePasswordReset, resetToken, e.config.Account.ResetMaxAttempts); err != nil {
		return e.resetTokenFailed(ctx, rc, err)
	}

	if err := e.replacePassword(ctx, u, next, "password_reset"); err != nil {
		return err
	}
	if err := e.users.ResetFailedAttempts(ctx, u.ID); err != nil {
		e.logger.Warn("dwayauth: lockout not cleared after reset", "user_id", u.ID, "error", err)
	}
	if u.Status == credential.StatusPending {
		if err := e.users.Activate(ctx, u.ID); err != nil {
			e.logger.Warn("dwayauth: pending account not activated after reset", "user_id", u.ID, "error", err)
		}
	}

	e.metricInc(MetricPasswordResetSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, u.ID, "", rc, nil, nil)
	return nil
}

func (e *Engine) resetTokenFailed(ctx context.Context, rc RequestContext, err error) error {
	err = e.oneTimeErr("password_reset_confirm", err)
	e.metricInc(MetricPasswordResetFailure)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", rc, err, nil)
	return err
}
