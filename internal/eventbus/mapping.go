package eventbus

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

// target is one (recipient, channel) pair a mapped event fans out to.
type target struct {
	RecipientID string
	Channel     notification.Channel
}

// mapping is one row of the event -> request table.
type mapping struct {
	Type     notification.Type
	Priority notification.Priority
	// Targets derives the fan-out list from the envelope's payload. Most
	// event types address the payload's recipient_id on one or two
	// channels; dispute.created addresses the staff_id recipient, and
	// ticket.transferred addresses both sender_id and recipient_id.
	Targets func(env busEnvelope) []target
	// Body renders the plain-text body from the envelope's payload.
	Body func(env busEnvelope) string
}

type businessPayload struct {
	RecipientID   string  `json:"recipient_id"`
	SenderID      string  `json:"sender_id"`
	StaffID       string  `json:"staff_id"`
	Amount        string  `json:"amount"`
	Currency      string  `json:"currency"`
	EventName     string  `json:"event_name"`
	Reason        string  `json:"reason"`
	TicketRef     string  `json:"ticket_ref"`
	StartsAt      string  `json:"starts_at"`
}

func payloadOf(env busEnvelope) businessPayload {
	var p businessPayload
	_ = json.Unmarshal(env.Payload, &p)
	return p
}

func single(ch ...notification.Channel) func(env busEnvelope) []target {
	return func(env busEnvelope) []target {
		p := payloadOf(env)
		out := make([]target, 0, len(ch))
		for _, c := range ch {
			out = append(out, target{RecipientID: p.RecipientID, Channel: c})
		}
		return out
	}
}

// eventMappings implements the Event to Request mapping table.
var eventMappings = map[string]mapping{
	"payment.completed": {
		Type:     notification.TypeTransactional,
		Priority: notification.PriorityHigh,
		Targets:  single(notification.ChannelEmail, notification.ChannelSMS),
		Body: func(env busEnvelope) string {
			p := payloadOf(env)
			return fmt.Sprintf("Your payment of %s %s was received.", p.Amount, p.Currency)
		},
	},
	"payment.failed": {
		Type:     notification.TypeTransactional,
		Priority: notification.PriorityHigh,
		Targets:  single(notification.ChannelEmail, notification.ChannelSMS),
		Body: func(env busEnvelope) string {
			p := payloadOf(env)
			return fmt.Sprintf("Your payment of %s %s could not be processed.", p.Amount, p.Currency)
		},
	},
	"refund.processed": {
		Type:     notification.TypeTransactional,
		Priority: notification.PriorityHigh,
		Targets:  single(notification.ChannelEmail),
		Body: func(env busEnvelope) string {
			p := payloadOf(env)
			return fmt.Sprintf("Your refund of %s %s has been processed.", p.Amount, p.Currency)
		},
	},
	"dispute.created": {
		Type:     notification.TypeCritical,
		Priority: notification.PriorityCritical,
		Targets: func(env busEnvelope) []target {
			p := payloadOf(env)
			return []target{{RecipientID: p.StaffID, Channel: notification.ChannelEmail}}
		},
		Body: func(env busEnvelope) string {
			p := payloadOf(env)
			return fmt.Sprintf("Dispute opened (reason: %s). Review required.", p.Reason)
		},
	},
	"ticket.transferred": {
		Type:     notification.TypeTransactional,
		Priority: notification.PriorityHigh,
		Targets: func(env busEnvelope) []target {
			p := payloadOf(env)
			return []target{
				{RecipientID: p.SenderID, Channel: notification.ChannelEmail},
				{RecipientID: p.RecipientID, Channel: notification.ChannelEmail},
			}
		},
		Body: func(env busEnvelope) string {
			p := payloadOf(env)
			return fmt.Sprintf("Ticket %s has been transferred.", p.TicketRef)
		},
	},
	"event.reminder": {
		Type:     notification.TypeTransactional,
		Priority: notification.PriorityNormal,
		Targets:  single(notification.ChannelEmail),
		Body: func(env busEnvelope) string {
			p := payloadOf(env)
			return fmt.Sprintf("Reminder: %s starts at %s.", p.EventName, p.StartsAt)
		},
	},
	"event.cancelled": {
		Type:     notification.TypeCritical,
		Priority: notification.PriorityCritical,
		Targets:  single(notification.ChannelEmail, notification.ChannelSMS),
		Body: func(env busEnvelope) string {
			p := payloadOf(env)
			return fmt.Sprintf("%s has been cancelled.", p.EventName)
		},
	},
	"event.updated": {
		Type:     notification.TypeTransactional,
		Priority: notification.PriorityNormal,
		Targets:  single(notification.ChannelEmail),
		Body: func(env busEnvelope) string {
			p := payloadOf(env)
			return fmt.Sprintf("%s has new details. Please review.", p.EventName)
		},
	},
}

// signBody computes the hex HMAC-SHA256 verifyBusSignature checks against;
// exported only within the package for test fixtures.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyBusSignature checks the outbound-to-customers scheme reused for
// bus messages (spec §6): HMAC-SHA256 over the raw body, hex-encoded,
// compared in constant time.
func verifyBusSignature(secret string, body []byte, sigHex string) bool {
	if sigHex == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	exp, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(exp, got) == 1
}
