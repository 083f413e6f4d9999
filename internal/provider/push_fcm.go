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

// FCMConfig configures the primary push adapter. A deployment without FCM
// credentials but with APNS ones gets an APNS instance instead (selected at
// wiring time in cmd/worker, not here — the Provider interface is the same
// either way).
type FCMConfig struct {
	ServerKey string
	BaseURL   string // defaults to https://fcm.googleapis.com/fcm when empty
}

// FCM is the primary push.Provider for Android/web push.
type FCM struct {
	serverKey       string
	maskedServerKey string
	baseURL         string
	httpClient      *http.Client
}

func NewFCM(cfg FCMConfig) *FCM {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://fcm.googleapis.com/fcm"
	}
	return &FCM{
		serverKey:       cfg.ServerKey,
		maskedServerKey: maskSecret(cfg.ServerKey),
		baseURL:         baseURL,
		httpClient:      newHTTPClient(),
	}
}

func (f *FCM) Name() string                 { return "fcm" }
func (f *FCM) Channel() notification.Channel { return notification.ChannelPush }

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type fcmSendBody struct {
	To           string          `json:"to"`
	Notification fcmNotification `json:"notification"`
}

func (f *FCM) Send(ctx context.Context, req *notification.Request) notification.SendResult {
	start := time.Now()
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()

	token := req.Recipient.AddressFor(notification.ChannelPush)
	title := ""
	if req.Subject != nil {
		title = *req.Subject
	}
	body := ""
	if req.BodyText != nil {
		body = *req.BodyText
	}

	payload := fcmSendBody{To: token, Notification: fcmNotification{Title: title, Body: body}}
	raw, err := json.Marshal(payload)
	if err != nil {
		return notification.SendResult{
			ErrorClass: notification.ErrorClassValidation,
			ErrorCode:  "marshal_failed",
			Err:        err,
			LatencyMs:  int(time.Since(start).Milliseconds()),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/send", bytes.NewReader(raw))
	if err != nil {
		return notification.SendResult{
			ErrorClass: notification.ErrorClassUnknown,
			ErrorCode:  "request_build_failed",
			Err:        err,
			LatencyMs:  int(time.Since(start).Milliseconds()),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "key="+f.serverKey)

	resp, err := f.httpClient.Do(httpReq)
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
			Err:        fmt.Errorf("fcm request (key %s): %w", f.maskedServerKey, err),
			LatencyMs:  latency,
		}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	return f.classifyResponse(resp.StatusCode, respBody, latency)
}

func (f *FCM) classifyResponse(status int, body []byte, latencyMs int) notification.SendResult {
	if status >= 200 && status < 300 {
		var decoded struct {
			MulticastID int64 `json:"multicast_id"`
			Failure     int   `json:"failure"`
			Results     []struct {
				MessageID *string `json:"message_id"`
				Error     *string `json:"error"`
			} `json:"results"`
		}
		_ = json.Unmarshal(body, &decoded)

		if decoded.Failure > 0 && len(decoded.Results) > 0 && decoded.Results[0].Error != nil {
			return f.classifyFCMErrorCode(*decoded.Results[0].Error, latencyMs)
		}
		msgID := ""
		if len(decoded.Results) > 0 && decoded.Results[0].MessageID != nil {
			msgID = *decoded.Results[0].MessageID
		}
		return notification.SendResult{Accepted: true, ProviderMsgID: msgID, LatencyMs: latencyMs}
	}

	switch statusClass(status) {
	case "rate_limited":
		retryAfter := 30 * time.Second
		return notification.SendResult{
			ErrorClass: notification.ErrorClassRateLimited,
			ErrorCode:  "rate_limited",
			Err:        fmt.Errorf("fcm returned 429: %s", string(body)),
			LatencyMs:  latencyMs,
			RetryAfter: &retryAfter,
		}
	case "retryable":
		return notification.SendResult{
			ErrorClass: notification.ErrorClassRetryable,
			ErrorCode:  fmt.Sprintf("http_%d", status),
			Err:        fmt.Errorf("fcm server error %d: %s", status, string(body)),
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
			Err:        fmt.Errorf("fcm rejected message %d: %s", status, string(body)),
			LatencyMs:  latencyMs,
		}
	}
}

// classifyFCMErrorCode maps FCM's per-result error vocabulary (distinct from
// HTTP status: FCM returns 200 with a per-recipient error field).
func (f *FCM) classifyFCMErrorCode(code string, latencyMs int) notification.SendResult {
	switch code {
	case "NotRegistered", "InvalidRegistration", "MismatchSenderId":
		return notification.SendResult{
			ErrorClass: notification.ErrorClassPermanent,
			ErrorCode:  code,
			Err:        fmt.Errorf("fcm: %s", code),
			LatencyMs:  latencyMs,
		}
	case "Unavailable", "InternalServerError":
		return notification.SendResult{
			ErrorClass: notification.ErrorClassRetryable,
			ErrorCode:  code,
			Err:        fmt.Errorf("fcm: %s", code),
			LatencyMs:  latencyMs,
		}
	default:
		return notification.SendResult{
			ErrorClass: notification.ErrorClassUnknown,
			ErrorCode:  code,
			Err:        fmt.Errorf("fcm: %s", code),
			LatencyMs:  latencyMs,
		}
	}
}

// TranslateStatus: FCM has no delivery-status webhook in the legacy HTTP
// API, so an accepted push stays in Sent (not a terminal state) unless a
// "delivered" or "failed" status is reported; delivery confirmation relies on
// client-side receipts out of scope for this service.
func (f *FCM) TranslateStatus(raw string) notification.AttemptState {
	switch raw {
	case "delivered":
		return notification.AttemptDelivered
	case "failed":
		return notification.AttemptFailed
	default:
		return notification.AttemptSent
	}
}

func (f *FCM) HealthProbe(ctx context.Context) error {
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()
	// FCM has no dedicated health endpoint; a send to a syntactically
	// invalid token exercises auth + reachability without delivering
	// anything.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/send",
		bytes.NewReader([]byte(`{"to":"health-probe-invalid-token"}`)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.serverKey)
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode >= 500 {
		return fmt.Errorf("fcm health probe returned %d", resp.StatusCode)
	}
	return nil
}
