// Package notify carries one-time codes and account links to users over
// email and SMS. Delivery is best effort: failures are logged and never
// reach the authentication flow that triggered them.
package notify

import (
	"context"
	"errors"
)

// Templates used by the authentication engine.
const (
	TemplateVerifyEmail     = "verify_email"
	TemplatePasswordReset   = "password_reset"
	TemplateMFACode         = "mfa_code"
	TemplatePasswordChanged = "password_changed"
	TemplateSecurityAlert   = "security_alert"
)

// ErrNoSender is returned when a channel has no sender configured.
var ErrNoSender = errors.New("notify: no sender configured")

// Message is a templated notification. Params never contain secrets other
// than the one-time value the template is meant to deliver.
type Message struct {
	To       string
	Template string
	Params   map[string]string
}

// EmailSender delivers email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, msg Message) error
}

// SMSSender delivers text messages.
type SMSSender interface {
	SendSMS(ctx context.Context, msg Message) error
}

// Notifier is the contract the engine depends on.
type Notifier interface {
	Email(ctx context.Context, msg Message)
	SMS(ctx context.Context, msg Message)
}

// Discard drops every message.
type Discard struct{}

func (Discard) Email(context.Context, Message) {}
func (Discard) SMS(context.Context, Message)   {}
