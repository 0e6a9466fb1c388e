package dwayauth

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/johnnydxm/dwayauth/mfa"
)

// EnrollTOTP starts authenticator enrollment for userID. The method stays
// disabled until ConfirmMFAEnrollment accepts a code generated from it.
func (e *Engine) EnrollTOTP(ctx context.Context, userID string, rc RequestContext) (*TOTPEnrollment, error) {
	rc = rc.resolve(ctx)
	u, err := e.userFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	enrollment, err := e.mfa.EnrollTOTP(ctx, u.ID, u.Email)
	if err != nil {
		return nil, e.mfaErr("enroll_totp", err)
	}
	e.emitAudit(ctx, auditEventMFAEnrollmentStarted, true, u.ID, "", rc, nil, func() map[string]string {
		return map[string]string{"method": string(mfa.MethodTOTP)}
	})
	return enrollment, nil
}

// EnrollSMS registers an E.164 phone number and texts a confirmation code.
func (e *Engine) EnrollSMS(ctx context.Context, userID, phone string, rc RequestContext) (*MFAMethod, *ChallengeInfo, error) {
	rc = rc.resolve(ctx)
	phone = strings.TrimSpace(phone)
	if err := e.validateVar("PhoneNumber", phone, "required,e164"); err != nil {
		return nil, nil, err
	}
	return e.enrollChallenged(ctx, userID, mfa.MethodSMS, rc, func(uid string) (*mfa.Config, *mfa.Challenge, error) {
		return e.mfa.EnrollSMS(ctx, uid, phone, rc.IP)
	})
}

// EnrollEmail registers an MFA email address and sends a confirmation code.
func (e *Engine) EnrollEmail(ctx context.Context, userID, email string, rc RequestContext) (*MFAMethod, *ChallengeInfo, error) {
	rc = rc.resolve(ctx)
	email = strings.TrimSpace(email)
	if err := e.validateVar("Email", email, "required,email,max=254"); err != nil {
		return nil, nil, err
	}
	return e.enrollChallenged(ctx, userID, mfa.MethodEmail, rc, func(uid string) (*mfa.Config, *mfa.Challenge, error) {
		return e.mfa.EnrollEmail(ctx, uid, email, rc.IP)
	})
}

// RegisterBiometric stores a device's Ed25519 public key and returns the
// nonce the device must sign to confirm enrollment.
func (e *Engine) RegisterBiometric(ctx context.Context, userID string, publicKey []byte, rc RequestContext) (*MFAMethod, *ChallengeInfo, error) {
	rc = rc.resolve(ctx)
	return e.enrollChallenged(ctx, userID, mfa.MethodBiometric, rc, func(uid string) (*mfa.Config, *mfa.Challenge, error) {
		return e.mfa.RegisterBiometric(ctx, uid, publicKey, rc.IP)
	})
}

func (e *Engine) enrollChallenged(
	ctx context.Context,
	userID string,
	method mfa.Method,
	rc RequestContext,
	enroll func(userID string) (*mfa.Config, *mfa.Challenge, error),
) (*MFAMethod, *ChallengeInfo, error) {
	u, err := e.userFor(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	cfg, ch, err := enroll(u.ID)
	if err != nil {
		return nil, nil, e.mfaErr("enroll_"+string(method), err)
	}
	e.emitAudit(ctx, auditEventMFAEnrollmentStarted, true, u.ID, "", rc, nil, func() map[string]string {
		return map[string]string{"method": string(method)}
	})
	m := mfaMethod(cfg)
	return &m, challengeInfo(ch), nil
}

// IssueEnrollmentChallenge re-sends the confirmation challenge of a method
// that is not confirmed yet.
func (e *Engine) IssueEnrollmentChallenge(ctx context.Context, userID, configID string, rc RequestContext) (*ChallengeInfo, error) {
	rc = rc.resolve(ctx)
	ch, err := e.mfa.ResendEnrollmentChallenge(ctx, userID, configID, rc.IP)
	if err != nil {
		return nil, e.mfaErr("resend_enrollment", err)
	}
	return challengeInfo(ch), nil
}

// ConfirmMFAEnrollment verifies the first code of a pending method and
// enables it. The first enabled method becomes primary.
func (e *Engine) ConfirmMFAEnrollment(ctx context.Context, userID, configID, code string, rc RequestContext) (*MFAMethod, error) {
	rc = rc.resolve(ctx)
	if strings.TrimSpace(code) == "" {
		return nil, withFields(KindValidation, map[string]string{"Code": "is required"})
	}
	res, err := e.mfa.ConfirmEnrollment(ctx, userID, configID, code, rc.IP)
	if err != nil {
		return nil, e.mfaErr("confirm_enrollment", err)
	}
	switch res.Status {
	case mfa.StatusVerified:
	case mfa.StatusRateLimited:
		return nil, mfaRateLimited(res.RetryAfter)
	case mfa.StatusExpired:
		return nil, newError(KindMFAChallengeExpired, nil)
	default:
		return nil, newError(KindInvalidMFACode, nil)
	}

	e.emitAudit(ctx, auditEventMFAEnabled, true, userID, "", rc, nil, methodMetadata(res))
	m := mfaMethod(res.Config)
	return &m, nil
}

// GenerateBackupCodes replaces the user's backup codes. The plaintext codes
// are returned once. The user needs another enabled method first.
func (e *Engine) GenerateBackupCodes(ctx context.Context, userID string, rc RequestContext) ([]string, error) {
	rc = rc.resolve(ctx)
	codes, err := e.mfa.GenerateBackupCodes(ctx, userID)
	if err != nil {
		return nil, e.mfaErr("generate_backup_codes", err)
	}
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, userID, "", rc, nil, nil)
	return codes, nil
}

// DisableMFA removes one method. Removing the last real method also drops
// the backup codes.
func (e *Engine) DisableMFA(ctx context.Context, userID, configID string, rc RequestContext) error {
	rc = rc.resolve(ctx)
	if err := e.mfa.Disable(ctx, userID, configID); err != nil {
		return e.mfaErr("disable", err)
	}
	e.emitAudit(ctx, auditEventMFADisabled, true, userID, "", rc, nil, func() map[string]string {
		return map[string]string{"config_id": configID}
	})
	return nil
}

// SetPrimaryMFA makes an enabled method the one challenged first at login.
func (e *Engine) SetPrimaryMFA(ctx context.Context, userID, configID string) error {
	if err := e.mfa.SetPrimary(ctx, userID, configID); err != nil {
		return e.mfaErr("set_primary", err)
	}
	return nil
}

// ListMFAMethods returns the user's enabled methods with destinations
// masked.
func (e *Engine) ListMFAMethods(ctx context.Context, userID string) ([]MFAMethod, error) {
	configs, err := e.mfa.GetUserMethods(ctx, userID)
	if err != nil {
		return nil, e.mfaErr("list_methods", err)
	}
	out := make([]MFAMethod, 0, len(configs))
	for _, c := range configs {
		out = append(out, mfaMethod(c))
	}
	return out, nil
}

func (e *Engine) validateVar(field, value, tag string) error {
	err := e.validate.Var(value, tag)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return withFields(KindValidation, map[string]string{field: validationMessage(verrs[0])})
	}
	return newError(KindValidation, err)
}
