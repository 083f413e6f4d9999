// Package webhook implements the Webhook Ingress of spec §4.8: verifying
// inbound provider callbacks before parsing their bodies, deduping them, and
// reconciling Attempt state via monotone transitions only. Signature
// verification is grounded on the pack's own
// Nirmitee-tech-headless-ehr-fhir/api/internal/platform/webhook.VerifySignature
// (HMAC-SHA256, hmac.Equal timing-safe compare) generalized to the two
// concrete provider schemes spec §6 names.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxClockSkew is the spec §4.8 step 2 / §6 replay window.
const maxClockSkew = 5 * time.Minute

// ErrBadSignature is returned for any signature mismatch, missing header, or
// stale timestamp. Callers must reject on this before parsing the body
// (spec §4.8 step 1: "no body peek").
var ErrBadSignature = errors.New("webhook: signature verification failed")

// Verifier validates one provider's inbound callback signature scheme.
type Verifier interface {
	// Verify checks headers against body and returns ErrBadSignature (or a
	// wrapped variant) on any failure.
	Verify(headers map[string]string, body []byte) error
}

// SendGridVerifier implements the spec §6 "SendGrid-style" scheme: HMAC-SHA256
// over timestamp||body, timestamp within ±5 minutes of now.
type SendGridVerifier struct {
	Secret string
	Now    func() time.Time
}

func (v SendGridVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v SendGridVerifier) Verify(headers map[string]string, body []byte) error {
	ts := headers["X-Webhook-Timestamp"]
	sig := headers["X-Webhook-Signature"]
	if ts == "" || sig == "" {
		return ErrBadSignature
	}
	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrBadSignature)
	}
	skew := v.now().Sub(time.Unix(tsInt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkew {
		return fmt.Errorf("%w: timestamp outside ±%s window", ErrBadSignature, maxClockSkew)
	}

	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write([]byte(ts))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	sig = strings.TrimPrefix(sig, "sha256=")
	if !hmacEqualHex(expected, sig) {
		return ErrBadSignature
	}
	return nil
}

// TwilioVerifier implements the spec §6 "Twilio-style" scheme: HMAC-SHA1 over
// the reconstructed request URL with sorted form parameters appended.
type TwilioVerifier struct {
	AuthToken string
}

func (v TwilioVerifier) Verify(headers map[string]string, body []byte) error {
	sig := headers["X-Twilio-Signature"]
	requestURL := headers["X-Request-URL"]
	if sig == "" || requestURL == "" {
		return ErrBadSignature
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("%w: malformed form body", ErrBadSignature)
	}
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

	mac := hmac.New(sha1.New, []byte(v.AuthToken))
	mac.Write([]byte(buf.String()))
	expected := mac.Sum(nil)

	decoded, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || subtle.ConstantTimeCompare(expected, decoded) != 1 {
		return ErrBadSignature
	}
	return nil
}

// hmacEqualHex compares two hex-encoded MACs in constant time, rejecting
// malformed hex outright rather than falling through to a length mismatch.
func hmacEqualHex(expectedHex, gotHex string) bool {
	expected, err1 := hex.DecodeString(expectedHex)
	got, err2 := hex.DecodeString(gotHex)
	if err1 != nil || err2 != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, got) == 1
}
