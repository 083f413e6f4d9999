// Package provider implements the spec §4.1 adapter contract over a closed
// set of channels — email, SMS, push — grounded on the teacher's
// TelegramSender: a plain net/http client, a masked-credential logger, and
// a status-code-to-error-class classifier, generalized from one vendor to
// a primary/backup pair per channel.
package provider

import (
	"context"
	"time"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

// callTimeout is the spec §4.1 ceiling on any outbound provider call.
const callTimeout = 30 * time.Second

// Provider is the uniform contract every channel adapter satisfies. Adding
// a vendor means writing one of these, nothing else.
type Provider interface {
	// Name identifies the provider for breaker naming, logs, and
	// ProviderHealth rows (e.g. "sendgrid", "twilio", "fcm").
	Name() string

	// Channel reports which of email|sms|push this adapter serves.
	Channel() notification.Channel

	// Send attempts delivery. It never panics or returns a bare Go error
	// for an expected provider failure — those are reported in
	// SendResult.ErrorClass/ErrorCode/Err per spec §4.1.
	Send(ctx context.Context, req *notification.Request) notification.SendResult

	// TranslateStatus maps a provider-specific webhook status vocabulary
	// word (e.g. SendGrid's "delivered", Twilio's "failed") onto the
	// canonical AttemptState enum.
	TranslateStatus(raw string) notification.AttemptState

	// HealthProbe performs a cheap, side-effect-free reachability check.
	HealthProbe(ctx context.Context) error
}

// withCallTimeout bounds ctx to the spec §4.1 total timeout. Providers call
// this at the top of Send/HealthProbe rather than trusting the caller's
// context, since a caller context may be unbounded (e.g. a worker loop).
func withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}

// maskSecret returns a safe-to-log prefix of a credential, matching the
// teacher's TelegramSender.maskedBotToken convention.
func maskSecret(secret string) string {
	if len(secret) <= 5 {
		return "***"
	}
	return secret[:5] + "***"
}
