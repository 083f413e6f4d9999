package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

func emailRequest(to string) *notification.Request {
	subject := "hi"
	body := "hello"
	return &notification.Request{
		ID:       uuid.New(),
		Channel:  notification.ChannelEmail,
		Type:     notification.TypeTransactional,
		Subject:  &subject,
		BodyText: &body,
		Recipient: notification.Recipient{
			ID:    "recipient-1",
			Email: &to,
		},
	}
}

func TestSendGrid_Send_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sg-test-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message_id":"abc123"}`))
	}))
	defer srv.Close()

	sg := NewSendGrid(SendGridConfig{APIKey: "sg-test-key", BaseURL: srv.URL, From: "noreply@example.com"})
	result := sg.Send(context.Background(), emailRequest("person@example.com"))

	assert.True(t, result.Accepted)
	assert.Equal(t, "abc123", result.ProviderMsgID)
}

func TestSendGrid_Send_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errors":[{"message":"too many requests"}]}`))
	}))
	defer srv.Close()

	sg := NewSendGrid(SendGridConfig{APIKey: "sg-test-key", BaseURL: srv.URL, From: "noreply@example.com"})
	result := sg.Send(context.Background(), emailRequest("person@example.com"))

	require.False(t, result.Accepted)
	assert.Equal(t, notification.ErrorClassRateLimited, result.ErrorClass)
	require.NotNil(t, result.RetryAfter)
}

func TestSendGrid_Send_PermanentAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sg := NewSendGrid(SendGridConfig{APIKey: "bad-key", BaseURL: srv.URL, From: "noreply@example.com"})
	result := sg.Send(context.Background(), emailRequest("person@example.com"))

	require.False(t, result.Accepted)
	assert.Equal(t, notification.ErrorClassAuth, result.ErrorClass)
}

func TestSendGrid_Send_ServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sg := NewSendGrid(SendGridConfig{APIKey: "sg-test-key", BaseURL: srv.URL, From: "noreply@example.com"})
	result := sg.Send(context.Background(), emailRequest("person@example.com"))

	require.False(t, result.Accepted)
	assert.Equal(t, notification.ErrorClassRetryable, result.ErrorClass)
}

func TestSendGrid_TranslateStatus(t *testing.T) {
	sg := NewSendGrid(SendGridConfig{APIKey: "k", From: "a@b.com"})
	assert.Equal(t, notification.AttemptDelivered, sg.TranslateStatus("delivered"))
	assert.Equal(t, notification.AttemptBounced, sg.TranslateStatus("bounce"))
	assert.Equal(t, notification.AttemptDropped, sg.TranslateStatus("dropped"))
	assert.Equal(t, notification.AttemptFailed, sg.TranslateStatus("whatever"))
}

func TestSendGrid_HealthProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sg := NewSendGrid(SendGridConfig{APIKey: "k", BaseURL: srv.URL, From: "a@b.com"})
	assert.NoError(t, sg.HealthProbe(context.Background()))
}

func TestTwilio_Send_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret-token", pass)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM123","status":"queued"}`))
	}))
	defer srv.Close()

	phone := "+15551234567"
	tw := NewTwilio(TwilioConfig{AccountSID: "AC123", AuthToken: "secret-token", FromNumber: "+15559876543", BaseURL: srv.URL})
	req := &notification.Request{
		Channel:   notification.ChannelSMS,
		Type:      notification.TypeTransactional,
		BodyText:  notification.Ptr("text body"),
		Recipient: notification.Recipient{ID: "r1", Phone: &phone},
	}
	result := tw.Send(context.Background(), req)

	assert.True(t, result.Accepted)
	assert.Equal(t, "SM123", result.ProviderMsgID)
}

func TestTwilio_Send_PermanentInvalidNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"invalid To number"}`))
	}))
	defer srv.Close()

	phone := "+1not-a-number"
	tw := NewTwilio(TwilioConfig{AccountSID: "AC123", AuthToken: "secret-token", FromNumber: "+15559876543", BaseURL: srv.URL})
	req := &notification.Request{
		Channel:   notification.ChannelSMS,
		Type:      notification.TypeTransactional,
		BodyText:  notification.Ptr("text body"),
		Recipient: notification.Recipient{ID: "r1", Phone: &phone},
	}
	result := tw.Send(context.Background(), req)

	require.False(t, result.Accepted)
	assert.Equal(t, notification.ErrorClassPermanent, result.ErrorClass)
	assert.Equal(t, "twilio_21211", result.ErrorCode)
}

func TestTwilio_TranslateStatus(t *testing.T) {
	tw := NewTwilio(TwilioConfig{AccountSID: "a", AuthToken: "b", FromNumber: "c"})
	assert.Equal(t, notification.AttemptDelivered, tw.TranslateStatus("delivered"))
	assert.Equal(t, notification.AttemptBounced, tw.TranslateStatus("undelivered"))
	assert.Equal(t, notification.AttemptSending, tw.TranslateStatus("queued"))
}

func TestFCM_Send_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key=fcm-server-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"multicast_id":1,"failure":0,"results":[{"message_id":"fcm-msg-1"}]}`))
	}))
	defer srv.Close()

	token := "device-token-xyz"
	fcm := NewFCM(FCMConfig{ServerKey: "fcm-server-key", BaseURL: srv.URL})
	req := &notification.Request{
		Channel:   notification.ChannelPush,
		Type:      notification.TypeTransactional,
		BodyText:  notification.Ptr("push body"),
		Recipient: notification.Recipient{ID: "r1", PushToken: &token},
	}
	result := fcm.Send(context.Background(), req)

	assert.True(t, result.Accepted)
	assert.Equal(t, "fcm-msg-1", result.ProviderMsgID)
}

func TestFCM_Send_PerRecipientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"multicast_id":1,"failure":1,"results":[{"error":"NotRegistered"}]}`))
	}))
	defer srv.Close()

	token := "stale-token"
	fcm := NewFCM(FCMConfig{ServerKey: "fcm-server-key", BaseURL: srv.URL})
	req := &notification.Request{
		Channel:   notification.ChannelPush,
		Type:      notification.TypeTransactional,
		BodyText:  notification.Ptr("push body"),
		Recipient: notification.Recipient{ID: "r1", PushToken: &token},
	}
	result := fcm.Send(context.Background(), req)

	require.False(t, result.Accepted)
	assert.Equal(t, notification.ErrorClassPermanent, result.ErrorClass)
	assert.Equal(t, "NotRegistered", result.ErrorCode)
}

func TestAPNS_Send_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	token := "ios-device-token"
	apns := NewAPNS(APNSConfig{KeyID: "key1", TeamID: "team1", AuthKey: "apns-auth-key", BaseURL: srv.URL})
	req := &notification.Request{
		Channel:   notification.ChannelPush,
		Type:      notification.TypeTransactional,
		BodyText:  notification.Ptr("push body"),
		Recipient: notification.Recipient{ID: "r1", PushToken: &token},
	}
	result := apns.Send(context.Background(), req)

	assert.True(t, result.Accepted)
}

func TestAPNS_Send_BadDeviceTokenIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"reason":"BadDeviceToken"}`))
	}))
	defer srv.Close()

	token := "garbage"
	apns := NewAPNS(APNSConfig{KeyID: "key1", TeamID: "team1", AuthKey: "apns-auth-key", BaseURL: srv.URL})
	req := &notification.Request{
		Channel:   notification.ChannelPush,
		Type:      notification.TypeTransactional,
		BodyText:  notification.Ptr("push body"),
		Recipient: notification.Recipient{ID: "r1", PushToken: &token},
	}
	result := apns.Send(context.Background(), req)

	require.False(t, result.Accepted)
	assert.Equal(t, notification.ErrorClassPermanent, result.ErrorClass)
}

func TestCategorizeNetworkError(t *testing.T) {
	assert.Equal(t, "timeout", categorizeNetworkError(errString("context deadline exceeded")))
	assert.Equal(t, "service_down", categorizeNetworkError(errString("dial tcp: connection refused")))
}

type errString string

func (e errString) Error() string { return string(e) }
