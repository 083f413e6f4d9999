package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func hmacSignFixture(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSendGridVerifier_AcceptsValidSignature(t *testing.T) {
	secret := "whsec_test"
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"event":"delivered"}`)
	sig := hmacSignFixture(secret, ts, body)

	v := SendGridVerifier{Secret: secret, Now: func() time.Time { return now }}
	err := v.Verify(map[string]string{
		"X-Webhook-Timestamp": ts,
		"X-Webhook-Signature": "sha256=" + sig,
	}, body)
	assert.NoError(t, err)
}

func TestSendGridVerifier_RejectsWrongSignature(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"event":"delivered"}`)

	v := SendGridVerifier{Secret: "whsec_test", Now: func() time.Time { return now }}
	err := v.Verify(map[string]string{
		"X-Webhook-Timestamp": ts,
		"X-Webhook-Signature": "sha256=deadbeef",
	}, body)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestSendGridVerifier_RejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	stale := now.Add(-10 * time.Minute)
	ts := strconv.FormatInt(stale.Unix(), 10)
	body := []byte(`{"event":"delivered"}`)
	sig := hmacSignFixture("whsec_test", ts, body)

	v := SendGridVerifier{Secret: "whsec_test", Now: func() time.Time { return now }}
	err := v.Verify(map[string]string{
		"X-Webhook-Timestamp": ts,
		"X-Webhook-Signature": "sha256=" + sig,
	}, body)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestSendGridVerifier_RejectsMissingHeaders(t *testing.T) {
	v := SendGridVerifier{Secret: "whsec_test"}
	err := v.Verify(map[string]string{}, []byte("{}"))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestTwilioVerifier_AcceptsValidSignature(t *testing.T) {
	authToken := "twilio_token"
	requestURL := "https://notify-dispatch.internal/v1/webhooks/twilio"
	body := []byte("MessageStatus=delivered&MessageSid=SM123")

	form, _ := url.ParseQuery(string(body))
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf strings.Builder
	buf.WriteString(requestURL)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(buf.String()))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	v := TwilioVerifier{AuthToken: authToken}
	err := v.Verify(map[string]string{
		"X-Twilio-Signature": sig,
		"X-Request-URL":      requestURL,
	}, body)
	assert.NoError(t, err)
}

func TestTwilioVerifier_RejectsInvalidSignature(t *testing.T) {
	authToken := "twilio_token"
	requestURL := "https://notify-dispatch.internal/v1/webhooks/twilio"

	v := TwilioVerifier{AuthToken: authToken}
	err := v.Verify(map[string]string{
		"X-Twilio-Signature": "bm90LXZhbGlk",
		"X-Request-URL":      requestURL,
	}, []byte("MessageStatus=delivered&MessageSid=SM123"))
	assert.ErrorIs(t, err, ErrBadSignature)
}
