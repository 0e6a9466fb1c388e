package dwayauth

import (
	"errors"
	"strconv"
	"time"
)

// ErrorKind classifies every error returned by the Engine. Callers map kinds
// to transport status codes; messages stay generic for authentication
// failures so responses never reveal which check failed.
type ErrorKind string

const (
	KindInvalidCredentials  ErrorKind = "INVALID_CREDENTIALS"
	KindAccountLocked       ErrorKind = "ACCOUNT_LOCKED"
	KindAccountNotActive    ErrorKind = "ACCOUNT_NOT_ACTIVE"
	KindInvalidMFACode      ErrorKind = "INVALID_MFA_CODE"
	KindMFARateLimited      ErrorKind = "MFA_RATE_LIMITED"
	KindMFAChallengeExpired ErrorKind = "MFA_CHALLENGE_EXPIRED"
	KindMFANotConfigured    ErrorKind = "MFA_NOT_CONFIGURED"
	KindTokenInvalid        ErrorKind = "TOKEN_INVALID"
	KindTokenExpired        ErrorKind = "TOKEN_EXPIRED"
	KindTokenReuseDetected  ErrorKind = "TOKEN_REUSE_DETECTED"
	KindSessionInvalid      ErrorKind = "SESSION_INVALID"
	KindSessionRevoked      ErrorKind = "SESSION_REVOKED"
	KindStepUpRequired      ErrorKind = "STEP_UP_REQUIRED"
	KindEmailExists         ErrorKind = "EMAIL_EXISTS"
	KindWeakPassword        ErrorKind = "WEAK_PASSWORD"
	KindValidation          ErrorKind = "VALIDATION"
	KindRequestBlocked      ErrorKind = "REQUEST_BLOCKED"
	KindRateLimited         ErrorKind = "RATE_LIMITED"
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindServiceUnavailable  ErrorKind = "SERVICE_UNAVAILABLE"
)

// Error is the single error type surfaced by the Engine.
//
// Reason carries internal detail (for example why an account is not active)
// for logs and audit only; it is never part of Error(). Fields holds
// field-level messages for validation and password policy failures.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Reason     string
	Fields     map[string]string

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.RetryAfter > 0 {
		msg += " (retry after " + strconv.Itoa(int(e.RetryAfter.Seconds())) + "s)"
	}
	return msg
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of message or retry hint.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the same request may succeed later without any
// change on the caller's side.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindServiceUnavailable, KindAccountLocked, KindMFARateLimited, KindRateLimited:
		return true
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	ErrInvalidCredentials  = &Error{Kind: KindInvalidCredentials, Message: "invalid email or password"}
	ErrAccountLocked       = &Error{Kind: KindAccountLocked, Message: "account temporarily locked"}
	ErrAccountNotActive    = &Error{Kind: KindAccountNotActive, Message: "account is not active"}
	ErrInvalidMFACode      = &Error{Kind: KindInvalidMFACode, Message: "invalid verification code"}
	ErrMFARateLimited      = &Error{Kind: KindMFARateLimited, Message: "too many verification attempts"}
	ErrMFAChallengeExpired = &Error{Kind: KindMFAChallengeExpired, Message: "verification challenge expired"}
	ErrMFANotConfigured    = &Error{Kind: KindMFANotConfigured, Message: "verification method not available"}
	ErrTokenInvalid        = &Error{Kind: KindTokenInvalid, Message: "invalid token"}
	ErrTokenExpired        = &Error{Kind: KindTokenExpired, Message: "token expired"}
	ErrTokenReuseDetected  = &Error{Kind: KindTokenReuseDetected, Message: "token reuse detected"}
	ErrSessionInvalid      = &Error{Kind: KindSessionInvalid, Message: "invalid session"}
	ErrSessionRevoked      = &Error{Kind: KindSessionRevoked, Message: "session revoked"}
	ErrStepUpRequired      = &Error{Kind: KindStepUpRequired, Message: "additional verification required"}
	ErrEmailExists         = &Error{Kind: KindEmailExists, Message: "email already registered"}
	ErrWeakPassword        = &Error{Kind: KindWeakPassword, Message: "password does not meet requirements"}
	ErrValidation          = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrRequestBlocked      = &Error{Kind: KindRequestBlocked, Message: "request blocked"}
	ErrRateLimited         = &Error{Kind: KindRateLimited, Message: "too many requests"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	ErrServiceUnavailable  = &Error{Kind: KindServiceUnavailable, Message: "service temporarily unavailable"}
)

func newError(kind ErrorKind, cause error) *Error {
	e := &Error{Kind: kind, cause: cause}
	for _, s := range sentinels {
		if s.Kind == kind {
			e.Message = s.Message
			break
		}
	}
	return e
}

var sentinels = []*Error{
	ErrInvalidCredentials, ErrAccountLocked, ErrAccountNotActive, ErrInvalidMFACode,
	ErrMFARateLimited, ErrMFAChallengeExpired, ErrMFANotConfigured, ErrTokenInvalid,
	ErrTokenExpired, ErrTokenReuseDetected, ErrSessionInvalid, ErrSessionRevoked,
	ErrStepUpRequired, ErrEmailExists, ErrWeakPassword, ErrValidation,
	ErrRequestBlocked, ErrRateLimited, ErrNotFound, ErrServiceUnavailable,
}

func unavailable(cause error) *Error {
	return newError(KindServiceUnavailable, cause)
}

func locked(retryAfter time.Duration) *Error {
	e := newError(KindAccountLocked, nil)
	e.RetryAfter = retryAfter
	return e
}

func notActive(reason string) *Error {
	e := newError(KindAccountNotActive, nil)
	e.Reason = reason
	return e
}

func mfaRateLimited(retryAfter time.Duration) *Error {
	e := newError(KindMFARateLimited, nil)
	e.RetryAfter = retryAfter
	return e
}

func withFields(kind ErrorKind, fields map[string]string) *Error {
	e := newError(kind, nil)
	e.Fields = fields
	return e
}
