package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

type fakeDedupe struct {
	seen map[string]bool
	err  error
}

func (f *fakeDedupe) MarkSeenIfNew(key string, ttl time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type fakeEnricher struct {
	recipients map[string]*notification.Recipient
	err        error
}

func (f *fakeEnricher) Enrich(ctx context.Context, tenantID, recipientID string) (*notification.Recipient, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.recipients[recipientID]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

type fakeRepo struct {
	created []notification.CreateRequest
	err     error
}

func (f *fakeRepo) CreateRequestWithOutbox(ctx context.Context, req notification.CreateRequest) (*notification.Request, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, req)
	return &notification.Request{TenantID: req.TenantID}, nil
}

func envelopeBody(t *testing.T, eventID, typ, tenantID string, payload map[string]string) []byte {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	env := struct {
		EventID  string          `json:"event_id"`
		Type     string          `json:"type"`
		TenantID string          `json:"tenant_id"`
		Payload  json.RawMessage `json:"payload"`
	}{EventID: eventID, Type: typ, TenantID: tenantID, Payload: b}
	out, err := json.Marshal(env)
	require.NoError(t, err)
	return out
}

func testRecipient(email string) *notification.Recipient {
	return &notification.Recipient{ID: "r1", Email: &email}
}

func newTestConsumer(repo Repository, dedupe Dedupe, enricher Enricher) *Consumer {
	return New(Config{}, repo, dedupe, enricher, zerolog.Nop())
}

func TestProcess_PaymentCompletedFansOutEmailAndSMS(t *testing.T) {
	repo := &fakeRepo{}
	enricher := &fakeEnricher{recipients: map[string]*notification.Recipient{
		"r1": testRecipient("a@example.com"),
	}}
	c := newTestConsumer(repo, &fakeDedupe{}, enricher)

	body := envelopeBody(t, "evt-1", "payment.completed", "tenant-a", map[string]string{
		"recipient_id": "r1", "amount": "10.00", "currency": "USD",
	})

	err := c.process(context.Background(), amqp.Delivery{Body: body})
	require.NoError(t, err)
	require.Len(t, repo.created, 2)
	assert.Equal(t, notification.ChannelEmail, repo.created[0].Channel)
	assert.Equal(t, notification.ChannelSMS, repo.created[1].Channel)
	assert.Equal(t, notification.PriorityHigh, repo.created[0].Priority)
	assert.Equal(t, notification.TypeTransactional, repo.created[0].Type)
}

func TestProcess_DisputeCreatedTargetsStaffAsCritical(t *testing.T) {
	repo := &fakeRepo{}
	enricher := &fakeEnricher{recipients: map[string]*notification.Recipient{
		"staff-1": testRecipient("staff@example.com"),
	}}
	c := newTestConsumer(repo, &fakeDedupe{}, enricher)

	body := envelopeBody(t, "evt-2", "dispute.created", "tenant-a", map[string]string{
		"staff_id": "staff-1", "reason": "chargeback",
	})

	err := c.process(context.Background(), amqp.Delivery{Body: body})
	require.NoError(t, err)
	require.Len(t, repo.created, 1)
	assert.Equal(t, notification.TypeCritical, repo.created[0].Type)
	assert.Equal(t, notification.PriorityCritical, repo.created[0].Priority)
}

func TestProcess_TicketTransferredAddressesBothParties(t *testing.T) {
	repo := &fakeRepo{}
	enricher := &fakeEnricher{recipients: map[string]*notification.Recipient{
		"sender-1":   testRecipient("sender@example.com"),
		"receiver-1": testRecipient("receiver@example.com"),
	}}
	c := newTestConsumer(repo, &fakeDedupe{}, enricher)

	body := envelopeBody(t, "evt-3", "ticket.transferred", "tenant-a", map[string]string{
		"sender_id": "sender-1", "recipient_id": "receiver-1", "ticket_ref": "TCK-1",
	})

	err := c.process(context.Background(), amqp.Delivery{Body: body})
	require.NoError(t, err)
	require.Len(t, repo.created, 2)
}

func TestProcess_UnknownEventTypeFails(t *testing.T) {
	c := newTestConsumer(&fakeRepo{}, &fakeDedupe{}, &fakeEnricher{})
	body := envelopeBody(t, "evt-4", "something.unheard.of", "tenant-a", map[string]string{})

	err := c.process(context.Background(), amqp.Delivery{Body: body})
	require.Error(t, err)
	var rerr *requeueError
	assert.False(t, errors.As(err, &rerr), "unknown event type must not requeue-loop")
}

func TestProcess_DuplicateEventIDIsSkipped(t *testing.T) {
	repo := &fakeRepo{}
	enricher := &fakeEnricher{recipients: map[string]*notification.Recipient{
		"r1": testRecipient("a@example.com"),
	}}
	dedupe := &fakeDedupe{}
	c := newTestConsumer(repo, dedupe, enricher)

	body := envelopeBody(t, "evt-5", "event.reminder", "tenant-a", map[string]string{
		"recipient_id": "r1", "event_name": "Launch Party", "starts_at": "2026-08-01T20:00:00Z",
	})

	require.NoError(t, c.process(context.Background(), amqp.Delivery{Body: body}))
	require.NoError(t, c.process(context.Background(), amqp.Delivery{Body: body}))
	assert.Len(t, repo.created, 1, "second delivery of the same event_id must not create a second request")
}

func TestProcess_MissingRecipientDataRoutesToDLQ(t *testing.T) {
	repo := &fakeRepo{}
	enricher := &fakeEnricher{} // no recipients registered -> Enrich errors
	c := newTestConsumer(repo, &fakeDedupe{}, enricher)

	body := envelopeBody(t, "evt-6", "event.updated", "tenant-a", map[string]string{
		"recipient_id": "ghost", "event_name": "Launch Party",
	})

	err := c.process(context.Background(), amqp.Delivery{Body: body})
	require.Error(t, err)
	var rerr *requeueError
	assert.False(t, errors.As(err, &rerr), "missing critical recipient data must route to the DLQ, not requeue forever")
	assert.Empty(t, repo.created)
}

func TestProcess_RepositoryConflictIsTreatedAsSuccess(t *testing.T) {
	repo := &fakeRepo{err: notification.ErrConflict}
	enricher := &fakeEnricher{recipients: map[string]*notification.Recipient{
		"r1": testRecipient("a@example.com"),
	}}
	c := newTestConsumer(repo, &fakeDedupe{}, enricher)

	body := envelopeBody(t, "evt-7", "event.reminder", "tenant-a", map[string]string{
		"recipient_id": "r1", "event_name": "Launch Party",
	})

	err := c.process(context.Background(), amqp.Delivery{Body: body})
	assert.NoError(t, err, "an idempotent replay conflict must ack, not requeue or DLQ")
}

func TestVerifyBusSignature(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"event_id":"evt-1"}`)
	sig := signBody(secret, body)
	assert.True(t, verifyBusSignature(secret, body, sig))
	assert.False(t, verifyBusSignature(secret, body, "deadbeef"))
	assert.False(t, verifyBusSignature("wrong-secret", body, sig))
}
