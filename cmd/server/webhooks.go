package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/meetsmatch/notify-dispatch/internal/webhook"
)

// sendGridEvent is one element of SendGrid's Event Webhook array payload:
// https://www.twilio.com/docs/sendgrid/for-developers/tracking-events/event
// (the vocabulary spec §6's "SendGrid-style" scheme is modeled on).
type sendGridEvent struct {
	SGEventID string `json:"sg_event_id"`
	SGMsgID   string `json:"sg_message_id"`
	Event     string `json:"event"`
}

func extractSendGridEvents(body []byte) ([]webhook.CallbackEvent, error) {
	var raw []sendGridEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode sendgrid payload: %w", err)
	}
	events := make([]webhook.CallbackEvent, 0, len(raw))
	for _, ev := range raw {
		events = append(events, webhook.CallbackEvent{
			ProviderEventID: ev.SGEventID,
			ProviderMsgID:   ev.SGMsgID,
			RawStatus:       ev.Event,
		})
	}
	return events, nil
}

// extractTwilioEvents parses a Twilio Status Callback: a single
// form-encoded event per request, identified by MessageSid/MessageStatus.
func extractTwilioEvents(body []byte) ([]webhook.CallbackEvent, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("decode twilio payload: %w", err)
	}
	sid := values.Get("MessageSid")
	status := values.Get("MessageStatus")
	if sid == "" {
		return nil, fmt.Errorf("twilio payload missing MessageSid")
	}
	return []webhook.CallbackEvent{{
		ProviderEventID: sid + ":" + status,
		ProviderMsgID:   sid,
		RawStatus:       status,
	}}, nil
}
