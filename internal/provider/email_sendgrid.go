package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

// SendGridConfig configures the primary email adapter.
type SendGridConfig struct {
	APIKey  string
	BaseURL string // defaults to https://api.sendgrid.com/v3 when empty
	From    string
}

// SendGrid is the primary email.Provider, grounded on the teacher
// TelegramSender shape: a masked credential, a shared *http.Client, and a
// Send method that never returns a bare Go error.
type SendGrid struct {
	apiKey       string
	maskedAPIKey string
	from         string
	baseURL      string
	httpClient   *http.Client
}

func NewSendGrid(cfg SendGridConfig) *SendGrid {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.sendgrid.com/v3"
	}
	return &SendGrid{
		apiKey:       cfg.APIKey,
		maskedAPIKey: maskSecret(cfg.APIKey),
		from:         cfg.From,
		baseURL:      baseURL,
		httpClient:   newHTTPClient(),
	}
}

func (s *SendGrid) Name() string                     { return "sendgrid" }
func (s *SendGrid) Channel() notification.Channel     { return notification.ChannelEmail }

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridMailBody struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

func (s *SendGrid) Send(ctx context.Context, req *notification.Request) notification.SendResult {
	start := time.Now()
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()

	to := req.Recipient.AddressFor(notification.ChannelEmail)
	subject := ""
	if req.Subject != nil {
		subject = *req.Subject
	}
	contentType, body := "text/plain", ""
	if req.BodyHTML != nil && *req.BodyHTML != "" {
		contentType, body = "text/html", *req.BodyHTML
	} else if req.BodyText != nil {
		body = *req.BodyText
	}

	payload := sendGridMailBody{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: to}}}},
		From:             sendGridAddress{Email: s.from},
		Subject:          subject,
		Content:          []sendGridContent{{Type: contentType, Value: body}},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return notification.SendResult{
			ErrorClass: notification.ErrorClassValidation,
			ErrorCode:  "marshal_failed",
			Err:        err,
			LatencyMs:  int(time.Since(start).Milliseconds()),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/mail/send", bytes.NewReader(raw))
	if err != nil {
		return notification.SendResult{
			ErrorClass: notification.ErrorClassUnknown,
			ErrorCode:  "request_build_failed",
			Err:        err,
			LatencyMs:  int(time.Since(start).Milliseconds()),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(httpReq)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		class := categorizeNetworkError(err)
		errClass := notification.ErrorClassRetryable
		if class == "timeout" {
			errClass = notification.ErrorClassTimeout
		}
		return notification.SendResult{
			ErrorClass: errClass,
			ErrorCode:  class,
			Err:        fmt.Errorf("sendgrid request (key %s): %w", s.maskedAPIKey, err),
			LatencyMs:  latency,
		}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	return s.classifyResponse(resp.StatusCode, respBody, latency)
}

func (s *SendGrid) classifyResponse(status int, body []byte, latencyMs int) notification.SendResult {
	if status >= 200 && status < 300 {
		msgID := ""
		if len(body) > 0 {
			var decoded struct {
				MessageID string `json:"message_id"`
			}
			if json.Unmarshal(body, &decoded) == nil {
				msgID = decoded.MessageID
			}
		}
		return notification.SendResult{Accepted: true, ProviderMsgID: msgID, LatencyMs: latencyMs}
	}

	switch statusClass(status) {
	case "rate_limited":
		retryAfter := 30 * time.Second
		return notification.SendResult{
			ErrorClass: notification.ErrorClassRateLimited,
			ErrorCode:  "rate_limited",
			Err:        fmt.Errorf("sendgrid returned 429: %s", string(body)),
			LatencyMs:  latencyMs,
			RetryAfter: &retryAfter,
		}
	case "retryable":
		return notification.SendResult{
			ErrorClass: notification.ErrorClassRetryable,
			ErrorCode:  fmt.Sprintf("http_%d", status),
			Err:        fmt.Errorf("sendgrid server error %d: %s", status, string(body)),
			LatencyMs:  latencyMs,
		}
	default:
		class := notification.ErrorClassPermanent
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			class = notification.ErrorClassAuth
		}
		return notification.SendResult{
			ErrorClass: class,
			ErrorCode:  fmt.Sprintf("http_%d", status),
			Err:        fmt.Errorf("sendgrid rejected message %d: %s", status, string(body)),
			LatencyMs:  latencyMs,
		}
	}
}

// TranslateStatus maps SendGrid event webhook "event" values onto the
// canonical AttemptState vocabulary (spec §4.8).
func (s *SendGrid) TranslateStatus(raw string) notification.AttemptState {
	switch raw {
	case "processed", "delivered":
		return notification.AttemptDelivered
	case "bounce", "blocked":
		return notification.AttemptBounced
	case "dropped":
		return notification.AttemptDropped
	case "deferred":
		return notification.AttemptSending
	default:
		return notification.AttemptFailed
	}
}

func (s *SendGrid) HealthProbe(ctx context.Context) error {
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/user/account", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("sendgrid health probe returned %d", resp.StatusCode)
	}
	return nil
}
