package dwayauth

import (
	"context"
	"errors"
	"strings"

	internalaudit "github.com/johnnydxm/dwayauth/internal/audit"
)

const (
	auditEventRegisterSuccess          = "register_success"
	auditEventRegisterDuplicate        = "register_duplicate"
	auditEventRegisterRateLimited      = "register_rate_limited"
	auditEventEmailVerificationRequest = "email_verification_request"
	auditEventEmailVerificationConfirm = "email_verification_confirm"
	auditEventLoginSuccess             = "login_success"
	auditEventLoginFailure             = "login_failure"
	auditEventLoginRateLimited         = "login_rate_limited"
	auditEventLoginBlocked             = "login_blocked"
	auditEventLoginRiskWarning         = "login_risk_warning"
	auditEventAccountLocked            = "account_locked"
	auditEventMFARequired              = "mfa_required"
	auditEventMFAChallengeSent         = "mfa_challenge_sent"
	auditEventMFASuccess               = "mfa_success"
	auditEventMFAFailure               = "mfa_failure"
	auditEventMFAAttemptsExceeded      = "mfa_attempts_exceeded"
	auditEventBackupCodeUsed           = "backup_code_used"
	auditEventStepUpSuccess            = "step_up_success"
	auditEventStepUpFailure            = "step_up_failure"
	auditEventRefreshSuccess           = "refresh_success"
	auditEventRefreshInvalid           = "refresh_invalid"
	auditEventRefreshReuseDetected     = "refresh_reuse_detected"
	auditEventSessionDrift             = "session_drift_detected"
	auditEventSessionBlocked           = "session_blocked"
	auditEventSessionRevoked           = "session_revoked"
	auditEventLogoutSession            = "logout_session"
	auditEventLogoutAll                = "logout_all"
	auditEventPasswordChangeSuccess    = "password_change_success"
	auditEventPasswordChangeFailure    = "password_change_failure"
	auditEventPasswordResetRequest     = "password_reset_request"
	auditEventPasswordResetConfirm     = "password_reset_confirm"
	auditEventMFAEnrollmentStarted     = "mfa_enrollment_started"
	auditEventMFAEnabled               = "mfa_enabled"
	auditEventMFADisabled              = "mfa_disabled"
	auditEventBackupCodesGenerated     = "backup_codes_generated"
)

// criticalAuditEvents are delivered even when the audit buffer is full.
var criticalAuditEvents = map[string]bool{
	auditEventLoginBlocked:          true,
	auditEventAccountLocked:         true,
	auditEventMFAAttemptsExceeded:   true,
	auditEventRefreshReuseDetected:  true,
	auditEventSessionBlocked:        true,
	auditEventLogoutAll:             true,
	auditEventPasswordChangeSuccess: true,
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	sessionID string,
	rc RequestContext,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        rc.IP,
		UserAgent: rc.UserAgent,
		Success:   success,
		Metadata:  metadata,
	}
	if criticalAuditEvents[eventType] {
		event.Severity = internalaudit.SeverityCritical
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = code
	}

	e.audit.Emit(ctx, event)
}

// auditErrorCode is the lower-case error kind, or "internal_error" for
// errors outside the taxonomy.
func auditErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return strings.ToLower(string(ae.Kind))
	}
	return "internal_error"
}

// auditReason prefers the internal reason of err over its kind.
func auditReason(err error) map[string]string {
	var ae *Error
	if errors.As(err, &ae) && ae.Reason != "" {
		return map[string]string{"reason": ae.Reason}
	}
	return nil
}
