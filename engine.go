package dwayauth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/johnnydxm/dwayauth/clock"
	"github.com/johnnydxm/dwayauth/credential"
	internalaudit "github.com/johnnydxm/dwayauth/internal/audit"
	"github.com/johnnydxm/dwayauth/internal/limiters"
	"github.com/johnnydxm/dwayauth/internal/stores"
	"github.com/johnnydxm/dwayauth/mfa"
	"github.com/johnnydxm/dwayauth/notify"
	"github.com/johnnydxm/dwayauth/password"
	"github.com/johnnydxm/dwayauth/risk"
	"github.com/johnnydxm/dwayauth/session"
	"github.com/johnnydxm/dwayauth/token"
)

// Engine is the authentication orchestrator. It drives registration, login,
// MFA completion, token refresh, password changes and logout across the
// credential store, risk analyzer, MFA engine, session manager and token
// service. An Engine is safe for concurrent use; build it with New().Build().
type Engine struct {
	config   Config
	clock    clock.Clock
	logger   *slog.Logger
	validate *validator.Validate

	users    *credential.Adapter
	policy   password.Policy
	tokens   *token.Service
	sessions *session.Manager
	mfa      *mfa.Engine
	risk     *risk.Analyzer
	notifier notify.Notifier
	// dispatcher is set when the Engine owns the notifier and must close it.
	dispatcher *notify.Dispatcher

	oneTime *stores.OneTimeStore
	pending *stores.PendingLoginStore

	loginLimiter    *limiters.ActionLimiter
	registerLimiter *limiters.ActionLimiter
	resetLimiter    *limiters.ActionLimiter
	verifyLimiter   *limiters.ActionLimiter

	audit   *internalaudit.Dispatcher
	metrics *Metrics
}

// Close drains the audit queue and the notification queue. The Engine must
// not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.dispatcher != nil {
		e.dispatcher.Close()
	}
}

// AuditDropped returns how many audit events were dropped because the
// buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return (*Metrics)(nil).Snapshot()
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) observeSince(id MetricID, start time.Time) {
	if e == nil || e.metrics == nil || !e.metrics.LatencyEnabled() {
		return
	}
	e.metrics.Observe(id, time.Since(start))
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}

// validateStruct runs the struct tags of v and reports failures field by
// field.
func (e *Engine) validateStruct(v interface{}) error {
	err := e.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return newError(KindValidation, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = validationMessage(fe)
	}
	return withFields(KindValidation, fields)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "is invalid"
}

// passwordError converts a policy violation into WEAK_PASSWORD.
func passwordError(err error) error {
	var pe *password.PolicyError
	if errors.As(err, &pe) {
		fields := map[string]string{}
		for i, v := range pe.Violations {
			if i == 0 {
				fields["Password"] = v
				continue
			}
			fields["Password"] += "; " + v
		}
		return withFields(KindWeakPassword, fields)
	}
	return newError(KindWeakPassword, err)
}

/*
====================================
ERROR TRANSLATION
====================================
*/

func (e *Engine) credentialErr(op string, err error) error {
	if errors.Is(err, credential.ErrNotFound) {
		return newError(KindNotFound, err)
	}
	if errors.Is(err, credential.ErrDuplicateEmail) {
		return newError(KindEmailExists, err)
	}
	e.logger.Error("dwayauth: credential store failed", "op", op, "error", err)
	return unavailable(err)
}

func (e *Engine) tokenErr(op string, err error) error {
	switch {
	case errors.Is(err, token.ErrReuseDetected):
		return newError(KindTokenReuseDetected, err)
	case errors.Is(err, token.ErrExpired):
		return newError(KindTokenExpired, err)
	case errors.Is(err, token.ErrInvalid), errors.Is(err, token.ErrRevoked):
		return newError(KindTokenInvalid, err)
	}
	e.logger.Error("dwayauth: token service failed", "op", op, "error", err)
	return unavailable(err)
}

func (e *Engine) sessionErr(op string, err error) error {
	switch {
	case errors.Is(err, session.ErrRevoked):
		return newError(KindSessionRevoked, err)
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		return newError(KindSessionInvalid, err)
	}
	e.logger.Error("dwayauth: session manager failed", "op", op, "error", err)
	return unavailable(err)
}

func (e *Engine) mfaErr(op string, err error) error {
	var rl *mfa.RateLimitError
	switch {
	case errors.As(err, &rl):
		return mfaRateLimited(rl.RetryAfter)
	case errors.Is(err, mfa.ErrNotConfigured), errors.Is(err, mfa.ErrNotFound):
		return newError(KindMFANotConfigured, err)
	case errors.Is(err, mfa.ErrInvalidConfig):
		return newError(KindValidation, err)
	case errors.Is(err, mfa.ErrAlreadyEnrolled):
		return withFields(KindValidation, map[string]string{"Method": "already enrolled"})
	}
	e.logger.Error("dwayauth: mfa engine failed", "op", op, "error", err)
	return unavailable(err)
}

func (e *Engine) pendingErr(err error) error {
	switch {
	case errors.Is(err, stores.ErrPendingLoginNotFound), errors.Is(err, stores.ErrPendingLoginExpired):
		return newError(KindMFAChallengeExpired, err)
	case errors.Is(err, stores.ErrPendingLoginExceeded):
		return newError(KindMFARateLimited, err)
	}
	e.logger.Error("dwayauth: pending login store failed", "error", err)
	return unavailable(err)
}

func (e *Engine) oneTimeErr(op string, err error) error {
	switch {
	case errors.Is(err, stores.ErrOneTimeNotFound),
		errors.Is(err, stores.ErrOneTimeSecretMismatch),
		errors.Is(err, stores.ErrOneTimeAttemptsExceeded):
		return newError(KindTokenInvalid, err)
	}
	e.logger.Error("dwayauth: one-time token store failed", "op", op, "error", err)
	return unavailable(err)
}

func (e *Engine) limitErr(action string, err error) error {
	if errors.Is(err, limiters.ErrActionRateLimited) {
		return newError(KindRateLimited, err)
	}
	e.logger.Error("dwayauth: rate limiter failed", "action", action, "error", err)
	return unavailable(err)
}

// userFor loads an account by id. Unknown ids map to SESSION_INVALID because
// every caller reaches here through a token or session.
func (e *Engine) userFor(ctx context.Context, userID string) (*credential.User, error) {
	u, err := e.users.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, newError(KindSessionInvalid, err)
		}
		return nil, e.credentialErr("get_user", err)
	}
	return u, nil
}

// assess runs the risk analyzer when enabled. It never fails: analyzer
// problems are reported as a degraded assessment.
func (e *Engine) assess(ctx context.Context, userID, action string, rc RequestContext) risk.Assessment {
	if e.risk == nil {
		return risk.Assessment{Level: risk.LevelLow}
	}
	a := e.risk.Analyze(ctx, risk.Request{
		UserID:    userID,
		IP:        rc.IP,
		UserAgent: rc.UserAgent,
		Action:    action,
	})
	if a.Degraded {
		e.metricInc(MetricRiskDegraded)
	}
	return a
}

func riskScore(a risk.Assessment) uint8 {
	switch {
	case a.Score <= 0:
		return 0
	case a.Score >= 100:
		return 100
	}
	return uint8(a.Score)
}
