package dwayauth

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/johnnydxm/dwayauth/credential"
	"github.com/johnnydxm/dwayauth/internal/stores"
	"github.com/johnnydxm/dwayauth/notify"
)

// Register creates a pending account and emails a verification link. The
// account cannot log in until VerifyEmail succeeds, so no tokens are issued
// here.
func (e *Engine) Register(ctx context.Context, in RegisterInput, rc RequestContext) (*RegisterResult, error) {
	rc = rc.resolve(ctx)
	in.Email = strings.TrimSpace(in.Email)
	if err := e.validateStruct(in); err != nil {
		return nil, err
	}
	email := credential.NormalizeEmail(in.Email)

	if err := e.registerLimiter.Enforce(ctx, email, rc.IP); err != nil {
		err = e.limitErr("register", err)
		if errors.Is(err, ErrRateLimited) {
			e.metricInc(MetricRegisterRateLimited)
			e.emitAudit(ctx, auditEventRegisterRateLimited, false, "", "", rc, err, nil)
		}
		return nil, err
	}

	if err := e.policy.Check(in.Password, email); err != nil {
		return nil, passwordError(err)
	}

	if _, err := e.users.Lookup(ctx, email); err == nil {
		return nil, e.duplicate(ctx, rc)
	} else if !errors.Is(err, credential.ErrNotFound) {
		return nil, e.credentialErr("lookup", err)
	}

	u, err := e.users.Create(ctx, uuid.NewString(), email, in.Password)
	if err != nil {
		if errors.Is(err, credential.ErrDuplicateEmail) {
			return nil, e.duplicate(ctx, rc)
		}
		return nil, e.credentialErr("create", err)
	}

	result := &RegisterResult{
		UserID:               u.ID,
		Email:                u.Email,
		Status:               u.Status,
		VerificationRequired: true,
	}
	if err := e.sendVerification(ctx, u); err != nil {
		// The account exists; ResendVerification recovers from this.
		e.logger.Error("dwayauth: verification token not issued", "user_id", u.ID, "error", err)
	} else {
		result.VerificationExpiresAt = e.now().Add(e.config.Account.VerificationTTL)
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventRegisterSuccess, true, u.ID, "", rc, nil, nil)
	return result, nil
}

func (e *Engine) duplicate(ctx context.Context, rc RequestContext) error {
	err := newError(KindEmailExists, nil)
	e.metricInc(MetricRegisterDuplicate)
	e.emitAudit(ctx, auditEventRegisterDuplicate, false, "", "", rc, err, nil)
	return err
}

func (e *Engine) sendVerification(ctx context.Context, u *credential.User) error {
	ttl := e.config.Account.VerificationTTL
	tok, err := e.oneTime.Issue(ctx, stores.PurposeVerifyEmail, u.ID, ttl)
	if err != nil {
		return err
	}
	e.notifier.Email(ctx, notify.Message{
		To:       u.Email,
		Template: notify.TemplateVerifyEmail,
		Params: map[string]string{
			"token":     tok,
			"ttl_hours": strconv.Itoa(int(ttl.Hours())),
		},
	})
	return nil
}

// VerifyEmail consumes a verification token and activates the account.
// Verifying an already active account is a no-op.
func (e *Engine) VerifyEmail(ctx context.Context, verificationToken string, rc RequestContext) error {
	rc = rc.resolve(ctx)
	verificationToken = strings.TrimSpace(verificationToken)
	if verificationToken == "" {
		return withFields(KindValidation, map[string]string{"Token": "is required"})
	}
	if err := e.verifyLimiter.Enforce(ctx, "", rc.IP); err != nil {
		return e.limitErr("verify_email", err)
	}

	rec, err := e.oneTime.Consume(ctx, stores.PurposeVerifyEmail, verificationToken, e.config.Account.VerificationMaxAttempts)
	if err != nil {
		err = e.oneTimeErr("verify_email", err)
		e.metricInc(MetricEmailVerificationFailure)
		e.emitAudit(ctx, auditEventEmailVerificationConfirm, false, "", "", rc, err, nil)
		return err
	}

	u, err := e.users.Get(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return newError(KindTokenInvalid, err)
		}
		return e.credentialErr("get_user", err)
	}
	switch u.Status {
	case credential.StatusPending:
		if err := e.users.Activate(ctx, u.ID); err != nil {
			return e.credentialErr("activate", err)
		}
	case credential.StatusActive:
		if !u.EmailVerified {
			if err := e.users.Activate(ctx, u.ID); err != nil {
				return e.credentialErr("activate", err)
			}
		}
	default:
		err := notActive(string(u.Status))
		e.emitAudit(ctx, auditEventEmailVerificationConfirm, false, u.ID, "", rc, err, func() map[string]string { return auditReason(err) })
		return err
	}

	e.metricInc(MetricEmailVerificationSuccess)
	e.emitAudit(ctx, auditEventEmailVerificationConfirm, true, u.ID, "", rc, nil, nil)
	return nil
}

// ResendVerification emails a new verification link to a pending account.
// It reports success for unknown or already verified addresses so callers
// cannot learn which emails are registered.
func (e *Engine) ResendVerification(ctx context.Context, email string, rc RequestContext) error {
	rc = rc.resolve(ctx)
	email = credential.NormalizeEmail(email)
	if email == "" {
		return withFields(KindValidation, map[string]string{"Email": "is required"})
	}
	if err := e.verifyLimiter.Enforce(ctx, email, rc.IP); err != nil {
		return e.limitErr("resend_verification", err)
	}

	u, err := e.users.Lookup(ctx, email)
	if errors.Is(err, credential.ErrNotFound) {
		return nil
	}
	if err != nil {
		return e.credentialErr("lookup", err)
	}
	if u.Status != credential.StatusPending {
		return nil
	}
	if err := e.sendVerification(ctx, u); err != nil {
		return e.oneTimeErr("resend_verification", err)
	}
	e.emitAudit(ctx, auditEventEmailVerificationRequest, true, u.ID, "", rc, nil, nil)
	return nil
}
