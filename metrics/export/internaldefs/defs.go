package internaldefs

import (
	"github.com/johnnydxm/dwayauth"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   dwayauth.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for exporters.
type HistogramDef struct {
	ID   dwayauth.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter exported for dropped audit events.
const AuditDroppedName = "dwayauth_audit_dropped_total"

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: dwayauth.MetricLoginSuccess, Name: "dwayauth_login_success_total", Help: "Logins that established a session."},
	{ID: dwayauth.MetricLoginFailure, Name: "dwayauth_login_failure_total", Help: "Logins rejected for bad credentials."},
	{ID: dwayauth.MetricLoginRateLimited, Name: "dwayauth_login_rate_limited_total", Help: "Logins rejected by the action limiter."},
	{ID: dwayauth.MetricLoginBlocked, Name: "dwayauth_login_blocked_total", Help: "Logins blocked by the risk analyzer."},
	{ID: dwayauth.MetricLoginRiskWarning, Name: "dwayauth_login_risk_warning_total", Help: "Logins allowed with a risk warning."},
	{ID: dwayauth.MetricRiskDegraded, Name: "dwayauth_risk_degraded_total", Help: "Risk assessments that failed open."},
	{ID: dwayauth.MetricAccountLocked, Name: "dwayauth_account_locked_total", Help: "Accounts locked by the lockout policy."},
	{ID: dwayauth.MetricAccountLockedRejected, Name: "dwayauth_account_locked_rejected_total", Help: "Logins refused while the account was locked."},
	{ID: dwayauth.MetricAccountNotActive, Name: "dwayauth_account_not_active_total", Help: "Logins refused for inactive accounts."},
	{ID: dwayauth.MetricMFARequired, Name: "dwayauth_mfa_required_total", Help: "Logins that required a second factor."},
	{ID: dwayauth.MetricMFASuccess, Name: "dwayauth_mfa_success_total", Help: "Successful MFA verifications."},
	{ID: dwayauth.MetricMFAFailure, Name: "dwayauth_mfa_failure_total", Help: "Rejected MFA codes."},
	{ID: dwayauth.MetricMFARateLimited, Name: "dwayauth_mfa_rate_limited_total", Help: "MFA verifications refused by attempt limits."},
	{ID: dwayauth.MetricMFAExpired, Name: "dwayauth_mfa_expired_total", Help: "MFA verifications against expired challenges."},
	{ID: dwayauth.MetricBackupCodeUsed, Name: "dwayauth_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: dwayauth.MetricStepUpSuccess, Name: "dwayauth_step_up_success_total", Help: "Successful step-up verifications."},
	{ID: dwayauth.MetricRefreshSuccess, Name: "dwayauth_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: dwayauth.MetricRefreshFailure, Name: "dwayauth_refresh_failure_total", Help: "Rejected refresh attempts."},
	{ID: dwayauth.MetricRefreshReuseDetected, Name: "dwayauth_refresh_reuse_detected_total", Help: "Refresh token reuse detections."},
	{ID: dwayauth.MetricSessionCreated, Name: "dwayauth_session_created_total", Help: "Sessions created."},
	{ID: dwayauth.MetricSessionRevoked, Name: "dwayauth_session_revoked_total", Help: "Sessions revoked."},
	{ID: dwayauth.MetricSessionDriftAlert, Name: "dwayauth_session_drift_alert_total", Help: "Session context drift alerts."},
	{ID: dwayauth.MetricSessionBlocked, Name: "dwayauth_session_blocked_total", Help: "Sessions revoked for suspicious context."},
	{ID: dwayauth.MetricLogout, Name: "dwayauth_logout_total", Help: "Single-session logouts."},
	{ID: dwayauth.MetricLogoutAll, Name: "dwayauth_logout_all_total", Help: "All-device logouts."},
	{ID: dwayauth.MetricRegisterSuccess, Name: "dwayauth_register_success_total", Help: "Accounts registered."},
	{ID: dwayauth.MetricRegisterDuplicate, Name: "dwayauth_register_duplicate_total", Help: "Registrations rejected as duplicate."},
	{ID: dwayauth.MetricRegisterRateLimited, Name: "dwayauth_register_rate_limited_total", Help: "Registrations rejected by the action limiter."},
	{ID: dwayauth.MetricEmailVerificationSuccess, Name: "dwayauth_email_verification_success_total", Help: "Email addresses verified."},
	{ID: dwayauth.MetricEmailVerificationFailure, Name: "dwayauth_email_verification_failure_total", Help: "Rejected email verifications."},
	{ID: dwayauth.MetricPasswordChangeSuccess, Name: "dwayauth_password_change_success_total", Help: "Password changes."},
	{ID: dwayauth.MetricPasswordChangeFailure, Name: "dwayauth_password_change_failure_total", Help: "Rejected password changes."},
	{ID: dwayauth.MetricPasswordResetRequest, Name: "dwayauth_password_reset_request_total", Help: "Password reset requests."},
	{ID: dwayauth.MetricPasswordResetSuccess, Name: "dwayauth_password_reset_success_total", Help: "Completed password resets."},
	{ID: dwayauth.MetricPasswordResetFailure, Name: "dwayauth_password_reset_failure_total", Help: "Rejected password reset confirmations."},
}

// HistogramDefs lists every exported latency histogram.
var HistogramDefs = []HistogramDef{
	{ID: dwayauth.MetricValidateLatency, Name: "dwayauth_validate_latency_seconds", Help: "Access token validation latency."},
	{ID: dwayauth.MetricLoginLatency, Name: "dwayauth_login_latency_seconds", Help: "Password login latency."},
}

// HistogramBounds are the upper bounds of the engine's eight buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix renders HistogramBounds as metric name suffixes.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
