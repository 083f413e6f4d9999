package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

type fakeRepo struct {
	suppressed       bool
	suppressedReason string
	suppressedErr    error
	consent          *notification.ConsentRecord
	consentErr       error
}

func (f *fakeRepo) IsSuppressed(ctx context.Context, tenantID string, channel notification.Channel, address string) (bool, string, error) {
	return f.suppressed, f.suppressedReason, f.suppressedErr
}

func (f *fakeRepo) EffectiveConsent(ctx context.Context, tenantID, recipientID string, channel notification.Channel, typ notification.Type, venueID *string) (*notification.ConsentRecord, error) {
	return f.consent, f.consentErr
}

func baseRequest(ch notification.Channel, typ notification.Type) *notification.Request {
	email := "person@example.com"
	return &notification.Request{
		TenantID: "tenant-1",
		Channel:  ch,
		Type:     typ,
		Recipient: notification.Recipient{
			ID:       "recipient-1",
			Email:    &email,
			TimeZone: "UTC",
		},
	}
}

func TestGate_AllowsCleanTransactionalEmail(t *testing.T) {
	g := NewGate(&fakeRepo{})
	d := g.Evaluate(context.Background(), baseRequest(notification.ChannelEmail, notification.TypeTransactional), time.Now())
	assert.True(t, d.Allow)
	assert.Equal(t, "ok", d.ReasonCode)
}

func TestGate_SuppressionIsTerminal(t *testing.T) {
	g := NewGate(&fakeRepo{suppressed: true, suppressedReason: "hard_bounce"})
	d := g.Evaluate(context.Background(), baseRequest(notification.ChannelEmail, notification.TypeTransactional), time.Now())
	assert.False(t, d.Allow)
	assert.Equal(t, notification.AttemptSuppressed, d.TerminalState)
	assert.Equal(t, "suppressed:hard_bounce", d.ReasonCode)
}

func TestGate_MarketingWithoutConsentIsRejected(t *testing.T) {
	g := NewGate(&fakeRepo{consent: nil})
	d := g.Evaluate(context.Background(), baseRequest(notification.ChannelEmail, notification.TypeMarketing), time.Now())
	assert.False(t, d.Allow)
	assert.Equal(t, notification.AttemptRejected, d.TerminalState)
	assert.Equal(t, "no_consent", d.ReasonCode)
}

func TestGate_MarketingWithExpiredConsentIsRejected(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	g := NewGate(&fakeRepo{consent: &notification.ConsentRecord{ExpiresAt: &expired}})
	d := g.Evaluate(context.Background(), baseRequest(notification.ChannelEmail, notification.TypeMarketing), time.Now())
	assert.False(t, d.Allow)
	assert.Equal(t, "no_consent", d.ReasonCode)
}

func TestGate_TransactionalNeedsNoConsent(t *testing.T) {
	g := NewGate(&fakeRepo{consent: nil})
	d := g.Evaluate(context.Background(), baseRequest(notification.ChannelEmail, notification.TypeTransactional), time.Now())
	assert.True(t, d.Allow)
}

func TestGate_VenueMismatchIsRejected(t *testing.T) {
	consentVenue := "venue-a"
	reqVenue := "venue-b"
	g := NewGate(&fakeRepo{consent: &notification.ConsentRecord{VenueID: &consentVenue}})
	req := baseRequest(notification.ChannelEmail, notification.TypeMarketing)
	req.VenueID = &reqVenue
	d := g.Evaluate(context.Background(), req, time.Now())
	assert.False(t, d.Allow)
	assert.Equal(t, "venue_mismatch", d.ReasonCode)
}

func TestGate_SMSOutsideQuietHoursReschedules(t *testing.T) {
	g := NewGate(&fakeRepo{})
	req := baseRequest(notification.ChannelSMS, notification.TypeTransactional)
	late := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)
	d := g.Evaluate(context.Background(), req, late)
	assert.False(t, d.Allow)
	assert.Equal(t, "quiet_hours", d.ReasonCode)
	require.NotNil(t, d.RescheduleAt)
	assert.Equal(t, 8, d.RescheduleAt.Hour())
}

func TestGate_CriticalSMSBypassesQuietHours(t *testing.T) {
	g := NewGate(&fakeRepo{})
	req := baseRequest(notification.ChannelSMS, notification.TypeCritical)
	late := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)
	d := g.Evaluate(context.Background(), req, late)
	assert.True(t, d.Allow)
}

func TestGate_FailsClosedOnRepositoryError(t *testing.T) {
	g := NewGate(&fakeRepo{suppressedErr: errors.New("db down")})
	d := g.Evaluate(context.Background(), baseRequest(notification.ChannelEmail, notification.TypeTransactional), time.Now())
	assert.False(t, d.Allow)
	assert.Equal(t, "compliance_error", d.ReasonCode)
}
