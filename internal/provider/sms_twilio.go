package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

// TwilioConfig configures the primary SMS adapter.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string // defaults to https://api.twilio.com/2010-04-01 when empty
}

// Twilio is the primary sms.Provider.
type Twilio struct {
	accountSID     string
	authToken      string
	maskedAuthTok  string
	fromNumber     string
	baseURL        string
	httpClient     *http.Client
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com/2010-04-01"
	}
	return &Twilio{
		accountSID:    cfg.AccountSID,
		authToken:     cfg.AuthToken,
		maskedAuthTok: maskSecret(cfg.AuthToken),
		fromNumber:    cfg.FromNumber,
		baseURL:       baseURL,
		httpClient:    newHTTPClient(),
	}
}

func (t *Twilio) Name() string                 { return "twilio" }
func (t *Twilio) Channel() notification.Channel { return notification.ChannelSMS }

func (t *Twilio) Send(ctx context.Context, req *notification.Request) notification.SendResult {
	start := time.Now()
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()

	to := req.Recipient.AddressFor(notification.ChannelSMS)
	body := ""
	if req.BodyText != nil {
		body = *req.BodyText
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.fromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.baseURL, t.accountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return notification.SendResult{
			ErrorClass: notification.ErrorClassUnknown,
			ErrorCode:  "request_build_failed",
			Err:        err,
			LatencyMs:  int(time.Since(start).Milliseconds()),
		}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.httpClient.Do(httpReq)
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
			Err:        fmt.Errorf("twilio request (auth %s): %w", t.maskedAuthTok, err),
			LatencyMs:  latency,
		}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var decoded struct {
		SID         string `json:"sid"`
		Status      string `json:"status"`
		Code        *int   `json:"code"`
		ErrorCode   *int   `json:"error_code"`
		ErrorMessage *string `json:"error_message"`
	}
	_ = json.Unmarshal(respBody, &decoded)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return notification.SendResult{Accepted: true, ProviderMsgID: decoded.SID, LatencyMs: latency}
	}

	twilioCode := decoded.ErrorCode
	if twilioCode == nil {
		twilioCode = decoded.Code
	}
	return t.classifyError(resp.StatusCode, twilioCode, respBody, latency)
}

func (t *Twilio) classifyError(status int, twilioCode *int, body []byte, latencyMs int) notification.SendResult {
	code := "unknown"
	if twilioCode != nil {
		code = fmt.Sprintf("twilio_%d", *twilioCode)
	}

	switch statusClass(status) {
	case "rate_limited":
		retryAfter := 30 * time.Second
		return notification.SendResult{
			ErrorClass: notification.ErrorClassRateLimited,
			ErrorCode:  code,
			Err:        fmt.Errorf("twilio returned 429: %s", string(body)),
			LatencyMs:  latencyMs,
			RetryAfter: &retryAfter,
		}
	case "retryable":
		return notification.SendResult{
			ErrorClass: notification.ErrorClassRetryable,
			ErrorCode:  code,
			Err:        fmt.Errorf("twilio server error %d: %s", status, string(body)),
			LatencyMs:  latencyMs,
		}
	default:
		class := notification.ErrorClassPermanent
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			class = notification.ErrorClassAuth
		}
		// Twilio error 21211/21614 (invalid/unreachable number) comes back
		// with a 4xx status and lands here as permanent; the class is taken
		// from the HTTP status, not from the Twilio code.
		return notification.SendResult{
			ErrorClass: class,
			ErrorCode:  code,
			Err:        fmt.Errorf("twilio rejected message %d: %s", status, string(body)),
			LatencyMs:  latencyMs,
		}
	}
}

// TranslateStatus maps Twilio's MessageStatus webhook values.
func (t *Twilio) TranslateStatus(raw string) notification.AttemptState {
	switch raw {
	case "delivered":
		return notification.AttemptDelivered
	case "sent":
		return notification.AttemptSent
	case "undelivered":
		return notification.AttemptBounced
	case "failed":
		return notification.AttemptFailed
	case "queued", "sending":
		return notification.AttemptSending
	default:
		return notification.AttemptFailed
	}
}

func (t *Twilio) HealthProbe(ctx context.Context) error {
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()
	endpoint := fmt.Sprintf("%s/Accounts/%s.json", t.baseURL, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("twilio health probe returned %d", resp.StatusCode)
	}
	return nil
}
