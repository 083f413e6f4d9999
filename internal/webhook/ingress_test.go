package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

type noopVerifier struct{ err error }

func (v noopVerifier) Verify(headers map[string]string, body []byte) error { return v.err }

type fakeProvider struct{ state notification.AttemptState }

func (f fakeProvider) Name() string                  { return "fake" }
func (f fakeProvider) Channel() notification.Channel { return notification.ChannelEmail }
func (f fakeProvider) Send(ctx context.Context, req *notification.Request) notification.SendResult {
	return notification.SendResult{}
}
func (f fakeProvider) TranslateStatus(raw string) notification.AttemptState { return f.state }
func (f fakeProvider) HealthProbe(ctx context.Context) error                { return nil }

type fakeRepo struct {
	events       map[string]bool
	attempts     map[string]*notification.Attempt
	updateCalls  int
	updatedState notification.AttemptState
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{events: map[string]bool{}, attempts: map[string]*notification.Attempt{}}
}

func (f *fakeRepo) CreateRequestWithOutbox(ctx context.Context, req notification.CreateRequest) (*notification.Request, error) {
	return nil, nil
}
func (f *fakeRepo) GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*notification.IdempotencyRecord, error) {
	return nil, notification.ErrNotFound
}
func (f *fakeRepo) GetRequest(ctx context.Context, tenantID string, id uuid.UUID) (*notification.Request, error) {
	return nil, notification.ErrNotFound
}
func (f *fakeRepo) LatestAttempt(ctx context.Context, requestID uuid.UUID) (*notification.Attempt, error) {
	return nil, nil
}
func (f *fakeRepo) FindAttemptByProviderMsgID(ctx context.Context, providerName, providerMsgID string) (*notification.Attempt, error) {
	a, ok := f.attempts[providerMsgID]
	if !ok {
		return nil, notification.ErrNotFound
	}
	return a, nil
}
func (f *fakeRepo) RecordAttempt(ctx context.Context, a notification.Attempt) error { return nil }
func (f *fakeRepo) UpdateAttemptState(ctx context.Context, requestID uuid.UUID, attemptNo int, next notification.AttemptState, providerMsgID *string, errClass *notification.ErrorClass, errCode *string) error {
	f.updateCalls++
	f.updatedState = next
	return nil
}
func (f *fakeRepo) IsSuppressed(ctx context.Context, tenantID string, channel notification.Channel, address string) (bool, string, error) {
	return false, "", nil
}
func (f *fakeRepo) EffectiveConsent(ctx context.Context, tenantID, recipientID string, channel notification.Channel, typ notification.Type, venueID *string) (*notification.ConsentRecord, error) {
	return nil, nil
}
func (f *fakeRepo) InsertWebhookEvent(ctx context.Context, ev notification.WebhookEvent) error {
	key := ev.Provider + ":" + ev.ProviderEventID
	if f.events[key] {
		return notification.ErrConflict
	}
	f.events[key] = true
	return nil
}
func (f *fakeRepo) ScanDLQ(ctx context.Context, filter notification.DLQFilter) ([]*notification.Request, error) {
	return nil, nil
}
func (f *fakeRepo) DLQStats(ctx context.Context) (*notification.DLQStats, error) { return nil, nil }
func (f *fakeRepo) ResetForReplay(ctx context.Context, requestID uuid.UUID) error { return nil }
func (f *fakeRepo) CleanupExpired(ctx context.Context) (int64, error)             { return 0, nil }
func (f *fakeRepo) GetRequestByID(ctx context.Context, id uuid.UUID) (*notification.Request, error) {
	return nil, notification.ErrNotFound
}
func (f *fakeRepo) PendingOutbox(ctx context.Context, limit int) ([]notification.OutboxEntry, error) {
	return nil, nil
}
func (f *fakeRepo) MarkOutboxPublished(ctx context.Context, id uuid.UUID) error { return nil }

type fakeQueue struct{}

func (q *fakeQueue) Enqueue(ctx context.Context, job notification.Job) error { return nil }
func (q *fakeQueue) Dequeue(ctx context.Context, limit int) ([]notification.Job, error) {
	return nil, nil
}
func (q *fakeQueue) MoveToDelayed(ctx context.Context, job notification.Job, retryAt time.Time) error {
	return nil
}
func (q *fakeQueue) MoveToDLQ(ctx context.Context, job notification.Job) error { return nil }
func (q *fakeQueue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
func (q *fakeQueue) Remove(ctx context.Context, requestID string, attemptNo int) error { return nil }
func (q *fakeQueue) ReplayFromDLQ(ctx context.Context, requestID string, attemptNo int) (*notification.Job, error) {
	return nil, notification.ErrNotFound
}
func (q *fakeQueue) AcquireLock(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (q *fakeQueue) ReleaseLock(ctx context.Context, key string, holder string) error { return nil }
func (q *fakeQueue) Stats(ctx context.Context) (*notification.QueueStats, error) {
	return &notification.QueueStats{}, nil
}
func (q *fakeQueue) Close() error { return nil }

func TestIngress_RejectsBadSignature(t *testing.T) {
	repo := newFakeRepo()
	in := New(repo, &fakeQueue{}, nil)
	in.Register("sendgrid", noopVerifier{err: ErrBadSignature}, fakeProvider{})

	err := in.Handle(context.Background(), "sendgrid", nil, []byte("{}"), nil)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestIngress_UnknownProvider(t *testing.T) {
	repo := newFakeRepo()
	in := New(repo, &fakeQueue{}, nil)

	err := in.Handle(context.Background(), "nobody", nil, []byte("{}"), nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestIngress_DedupesRepeatedEvent(t *testing.T) {
	repo := newFakeRepo()
	reqID := uuid.New()
	repo.attempts["msg-1"] = &notification.Attempt{RequestID: reqID, AttemptNo: 1, State: notification.AttemptSent}

	in := New(repo, &fakeQueue{}, nil)
	in.Register("sendgrid", noopVerifier{}, fakeProvider{state: notification.AttemptDelivered})

	ev := []CallbackEvent{{ProviderEventID: "evt-1", ProviderMsgID: "msg-1", RawStatus: "delivered"}}

	require.NoError(t, in.Handle(context.Background(), "sendgrid", nil, []byte("{}"), ev))
	assert.Equal(t, 1, repo.updateCalls)

	// Redelivery of the same event: deduped, no second update.
	require.NoError(t, in.Handle(context.Background(), "sendgrid", nil, []byte("{}"), ev))
	assert.Equal(t, 1, repo.updateCalls)
}

func TestIngress_UpdatesAttemptOnValidTransition(t *testing.T) {
	repo := newFakeRepo()
	reqID := uuid.New()
	repo.attempts["msg-2"] = &notification.Attempt{RequestID: reqID, AttemptNo: 1, State: notification.AttemptSent}

	in := New(repo, &fakeQueue{}, nil)
	in.Register("sendgrid", noopVerifier{}, fakeProvider{state: notification.AttemptDelivered})

	ev := []CallbackEvent{{ProviderEventID: "evt-2", ProviderMsgID: "msg-2", RawStatus: "delivered"}}
	require.NoError(t, in.Handle(context.Background(), "sendgrid", nil, []byte("{}"), ev))
	assert.Equal(t, notification.AttemptDelivered, repo.updatedState)
}

func TestIngress_NeverRegressesFromTerminalState(t *testing.T) {
	repo := newFakeRepo()
	reqID := uuid.New()
	repo.attempts["msg-3"] = &notification.Attempt{RequestID: reqID, AttemptNo: 1, State: notification.AttemptDelivered}

	in := New(repo, &fakeQueue{}, nil)
	in.Register("sendgrid", noopVerifier{}, fakeProvider{state: notification.AttemptFailed})

	ev := []CallbackEvent{{ProviderEventID: "evt-3", ProviderMsgID: "msg-3", RawStatus: "bounce"}}
	require.NoError(t, in.Handle(context.Background(), "sendgrid", nil, []byte("{}"), ev))
	assert.Equal(t, 0, repo.updateCalls)
}

func TestIngress_UnknownProviderMessageIDIsAcked(t *testing.T) {
	repo := newFakeRepo()
	in := New(repo, &fakeQueue{}, nil)
	in.Register("sendgrid", noopVerifier{}, fakeProvider{state: notification.AttemptDelivered})

	ev := []CallbackEvent{{ProviderEventID: "evt-4", ProviderMsgID: "does-not-exist", RawStatus: "delivered"}}
	err := in.Handle(context.Background(), "sendgrid", nil, []byte("{}"), ev)
	assert.NoError(t, err)
	assert.Equal(t, 0, repo.updateCalls)
}
