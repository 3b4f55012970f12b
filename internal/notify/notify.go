// Package notify delivers outbound account emails.
package notify

import (
	"context"
	"log/slog"
	"strings"
)

// Email kinds.
const (
	KindVerification   = "verification"
	KindPasswordReset  = "password_reset"
	KindPasswordChange = "password_change"
)

// Email is a templated message to one recipient.
type Email struct {
	To   string `json:"to"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind"`
	Code string `json:"code"`
}

// Subject returns the subject line for the email kind.
func (e Email) Subject() string {
	switch e.Kind {
	case KindVerification:
		return "Verify your email"
	case KindPasswordReset:
		return "Reset your password"
	case KindPasswordChange:
		return "Confirm your password change"
	default:
		return "Attendance notification"
	}
}

// Mailer sends an email.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	Log *slog.Logger
}

// Send logs the email with its code masked. The full code is only written at
// debug level, for local runs without a mail server.
func (m LogMailer) Send(ctx context.Context, e Email) error {
	m.Log.InfoContext(ctx, "email", "to", e.To, "subject", e.Subject(), "kind", e.Kind, "code", MaskCode(e.Code))
	m.Log.DebugContext(ctx, "email code", "to", e.To, "kind", e.Kind, "code", e.Code)
	return nil
}

// MaskCode keeps the last two characters of a code.
func MaskCode(code string) string {
	if len(code) <= 2 {
		return strings.Repeat("*", len(code))
	}
	return strings.Repeat("*", len(code)-2) + code[len(code)-2:]
}
