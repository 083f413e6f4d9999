package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetsmatch/notify-dispatch/internal/breaker"
	"github.com/meetsmatch/notify-dispatch/internal/compliance"
	apperrors "github.com/meetsmatch/notify-dispatch/internal/errors"
	"github.com/meetsmatch/notify-dispatch/internal/notification"
	"github.com/meetsmatch/notify-dispatch/internal/ratelimit"
	"github.com/meetsmatch/notify-dispatch/internal/retry"
	"github.com/meetsmatch/notify-dispatch/internal/selector"
)

// --- fakes -----------------------------------------------------------------

type fakeRepo struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]*notification.Request
	latest    map[uuid.UUID]*notification.Attempt
	attempts  []notification.Attempt
	updates   []notification.AttemptState
	suppress  bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{requests: map[uuid.UUID]*notification.Request{}, latest: map[uuid.UUID]*notification.Attempt{}}
}

func (f *fakeRepo) CreateRequestWithOutbox(ctx context.Context, req notification.CreateRequest) (*notification.Request, error) {
	return nil, nil
}
func (f *fakeRepo) GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*notification.IdempotencyRecord, error) {
	return nil, notification.ErrNotFound
}
func (f *fakeRepo) GetRequest(ctx context.Context, tenantID string, id uuid.UUID) (*notification.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	return req, nil
}
func (f *fakeRepo) LatestAttempt(ctx context.Context, requestID uuid.UUID) (*notification.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest[requestID], nil
}
func (f *fakeRepo) FindAttemptByProviderMsgID(ctx context.Context, provider, providerMsgID string) (*notification.Attempt, error) {
	return nil, notification.ErrNotFound
}
func (f *fakeRepo) RecordAttempt(ctx context.Context, a notification.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	f.latest[a.RequestID] = &a
	return nil
}
func (f *fakeRepo) UpdateAttemptState(ctx context.Context, requestID uuid.UUID, attemptNo int, next notification.AttemptState, providerMsgID *string, errClass *notification.ErrorClass, errCode *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, next)
	if a := f.latest[requestID]; a != nil {
		a.State = next
	}
	return nil
}
func (f *fakeRepo) IsSuppressed(ctx context.Context, tenantID string, channel notification.Channel, address string) (bool, string, error) {
	return f.suppress, "blocked", nil
}
func (f *fakeRepo) EffectiveConsent(ctx context.Context, tenantID, recipientID string, channel notification.Channel, typ notification.Type, venueID *string) (*notification.ConsentRecord, error) {
	return &notification.ConsentRecord{GrantedAt: time.Now()}, nil
}
func (f *fakeRepo) InsertWebhookEvent(ctx context.Context, ev notification.WebhookEvent) error { return nil }
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

type fakeQueue struct {
	mu       sync.Mutex
	delayed  []notification.Job
	dlq      []notification.Job
	removed  []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, job notification.Job) error { return nil }
func (q *fakeQueue) Dequeue(ctx context.Context, limit int) ([]notification.Job, error) {
	return nil, nil
}
func (q *fakeQueue) MoveToDelayed(ctx context.Context, job notification.Job, retryAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, job)
	return nil
}
func (q *fakeQueue) MoveToDLQ(ctx context.Context, job notification.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, job)
	return nil
}
func (q *fakeQueue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) { return 0, nil }
func (q *fakeQueue) Remove(ctx context.Context, requestID string, attemptNo int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, requestID)
	return nil
}
func (q *fakeQueue) ReplayFromDLQ(ctx context.Context, requestID string, attemptNo int) (*notification.Job, error) {
	return nil, notification.ErrNotFound
}
func (q *fakeQueue) AcquireLock(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (q *fakeQueue) ReleaseLock(ctx context.Context, key string, holder string) error { return nil }
func (q *fakeQueue) Stats(ctx context.Context) (*notification.QueueStats, error)      { return &notification.QueueStats{}, nil }
func (q *fakeQueue) Close() error                                                     { return nil }

type fakeProvider struct {
	name   string
	result notification.SendResult
}

func (f *fakeProvider) Name() string                 { return f.name }
func (f *fakeProvider) Channel() notification.Channel { return notification.ChannelEmail }
func (f *fakeProvider) Send(ctx context.Context, req *notification.Request) notification.SendResult {
	return f.result
}
func (f *fakeProvider) TranslateStatus(raw string) notification.AttemptState {
	return notification.AttemptDelivered
}
func (f *fakeProvider) HealthProbe(ctx context.Context) error { return nil }

// --- helpers -----------------------------------------------------------------

func newTestDispatcher(t *testing.T, repo *fakeRepo, q *fakeQueue, sel *selector.Selector) *Dispatcher {
	t.Helper()
	gate := compliance.NewGate(repo)
	lim := ratelimit.New(nil, ratelimit.Config{
		Recipient: ratelimit.BucketConfig{Capacity: 1000, RefillPerSecond: 1000},
		User:      ratelimit.BucketConfig{Capacity: 1000, RefillPerSecond: 1000},
		Channel:   ratelimit.BucketConfig{Capacity: 1000, RefillPerSecond: 1000},
		IP:        ratelimit.BucketConfig{Capacity: 1000, RefillPerSecond: 1000},
	}, nil)
	breakers := breaker.NewRegistry(nil)
	retryEngine := retry.NewEngine()
	return New(repo, q, gate, lim, sel, breakers, retryEngine, nil, nil, Config{
		Concurrency:         1,
		BatchSize:           10,
		DelayedPollInterval: time.Second,
	})
}

func baseRequest(id uuid.UUID) *notification.Request {
	email := "person@example.com"
	return &notification.Request{
		ID:       id,
		TenantID: "tenant-1",
		Channel:  notification.ChannelEmail,
		Type:     notification.TypeTransactional,
		Recipient: notification.Recipient{
			ID:    "recipient-1",
			Email: &email,
		},
	}
}

// --- tests -----------------------------------------------------------------

func TestDispatcher_HappyPath_RecordsSent(t *testing.T) {
	repo := newFakeRepo()
	q := &fakeQueue{}
	id := uuid.New()
	repo.requests[id] = baseRequest(id)

	sel := selector.New(breaker.NewRegistry(nil), nil)
	sel.Register(&fakeProvider{name: "sendgrid", result: notification.SendResult{Accepted: true, ProviderMsgID: "msg-1"}}, 0)

	d := newTestDispatcher(t, repo, q, sel)
	job := notification.Job{RequestID: id, TenantID: "tenant-1", AttemptNo: 1}

	err := d.handle(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, repo.updates, 1)
	assert.Equal(t, notification.AttemptSent, repo.updates[0])
}

func TestDispatcher_TerminalAttemptIsSkipped(t *testing.T) {
	repo := newFakeRepo()
	q := &fakeQueue{}
	id := uuid.New()
	repo.requests[id] = baseRequest(id)
	// A redelivered/duplicate queue message for the same attempt_no that
	// already recorded a terminal outcome (e.g. at-least-once redelivery of
	// an already-acked message) is the stale-duplicate case: job.AttemptNo
	// does not exceed latest.AttemptNo.
	repo.latest[id] = &notification.Attempt{RequestID: id, AttemptNo: 1, State: notification.AttemptDelivered}

	sel := selector.New(breaker.NewRegistry(nil), nil)
	d := newTestDispatcher(t, repo, q, sel)
	job := notification.Job{RequestID: id, TenantID: "tenant-1", AttemptNo: 1}

	err := d.handle(context.Background(), job)
	require.NoError(t, err)
	assert.Empty(t, repo.attempts)
}

func TestDispatcher_RescheduledAttemptProceedsPastFailedPredecessor(t *testing.T) {
	repo := newFakeRepo()
	q := &fakeQueue{}
	id := uuid.New()
	repo.requests[id] = baseRequest(id)
	// Attempt 1 already recorded as failed(retryable) and its successor
	// (attempt 2) was enqueued by the Retry Engine; LatestAttempt still
	// returns attempt 1 until this job opens attempt 2 at step 6.
	repo.latest[id] = &notification.Attempt{RequestID: id, AttemptNo: 1, State: notification.AttemptFailed}

	sel := selector.New(breaker.NewRegistry(nil), nil)
	sel.Register(&fakeProvider{name: "sendgrid", result: notification.SendResult{Accepted: true, ProviderMsgID: "msg-2"}}, 0)

	d := newTestDispatcher(t, repo, q, sel)
	job := notification.Job{RequestID: id, TenantID: "tenant-1", AttemptNo: 2}

	err := d.handle(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, repo.attempts, 1)
	assert.Equal(t, 2, repo.attempts[0].AttemptNo)
	require.Len(t, repo.updates, 1)
	assert.Equal(t, notification.AttemptSent, repo.updates[0])
}

func TestDispatcher_SuppressionRecordsTerminalAttempt(t *testing.T) {
	repo := newFakeRepo()
	repo.suppress = true
	q := &fakeQueue{}
	id := uuid.New()
	repo.requests[id] = baseRequest(id)

	sel := selector.New(breaker.NewRegistry(nil), nil)
	d := newTestDispatcher(t, repo, q, sel)
	job := notification.Job{RequestID: id, TenantID: "tenant-1", AttemptNo: 1}

	err := d.handle(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, repo.attempts, 1)
	assert.Equal(t, notification.AttemptSuppressed, repo.attempts[0].State)
	require.NotNil(t, repo.attempts[0].ComplianceReason)
	assert.Contains(t, *repo.attempts[0].ComplianceReason, "suppressed")
	assert.Len(t, q.removed, 1)
}

func TestDispatcher_ProviderFailureReschedulesWithinBudget(t *testing.T) {
	repo := newFakeRepo()
	q := &fakeQueue{}
	id := uuid.New()
	repo.requests[id] = baseRequest(id)

	sel := selector.New(breaker.NewRegistry(nil), nil)
	sel.Register(&fakeProvider{name: "sendgrid", result: notification.SendResult{
		ErrorClass: notification.ErrorClassRetryable,
		ErrorCode:  "http_500",
		Err:        assertErr("boom"),
	}}, 0)

	d := newTestDispatcher(t, repo, q, sel)
	job := notification.Job{RequestID: id, TenantID: "tenant-1", AttemptNo: 1}

	err := d.handle(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, repo.updates, 1)
	assert.Equal(t, notification.AttemptFailed, repo.updates[0])
	require.Len(t, q.delayed, 1)
	assert.Equal(t, 2, q.delayed[0].AttemptNo)
}

func TestDispatcher_ProviderFailureExhaustedGoesToDLQ(t *testing.T) {
	repo := newFakeRepo()
	q := &fakeQueue{}
	id := uuid.New()
	repo.requests[id] = baseRequest(id)

	sel := selector.New(breaker.NewRegistry(nil), nil)
	sel.Register(&fakeProvider{name: "sendgrid", result: notification.SendResult{
		ErrorClass: notification.ErrorClassRetryable,
		ErrorCode:  "http_500",
		Err:        assertErr("boom"),
	}}, 0)

	d := newTestDispatcher(t, repo, q, sel)
	job := notification.Job{RequestID: id, TenantID: "tenant-1", AttemptNo: 5} // at transactional max_attempts

	err := d.handle(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, q.dlq, 1)
	assert.Empty(t, q.delayed)
}

func TestDispatcher_NoProviderAvailableRetriesThenDLQs(t *testing.T) {
	repo := newFakeRepo()
	q := &fakeQueue{}
	id := uuid.New()
	repo.requests[id] = baseRequest(id)

	sel := selector.New(breaker.NewRegistry(nil), nil) // no providers registered at all

	d := newTestDispatcher(t, repo, q, sel)
	job := notification.Job{RequestID: id, TenantID: "tenant-1", AttemptNo: 5}

	err := d.handle(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, q.dlq, 1)
}

func TestDispatcher_CircuitOpenReschedulesRatherThanDLQ(t *testing.T) {
	repo := newFakeRepo()
	q := &fakeQueue{}
	id := uuid.New()
	req := baseRequest(id)
	repo.requests[id] = req

	sel := selector.New(breaker.NewRegistry(nil), nil)
	d := newTestDispatcher(t, repo, q, sel)

	// breakers.Execute never ran fn when the breaker is open, so result is
	// zero-value: only breakerErr carries the circuit_open classification.
	job := notification.Job{RequestID: id, TenantID: "tenant-1", AttemptNo: 1}
	attempt := notification.Attempt{RequestID: id, AttemptNo: 1}
	breakerErr := apperrors.NewCircuitOpenError("sendgrid")

	err := d.recordOutcome(context.Background(), job, req, attempt, notification.SendResult{}, breakerErr)
	require.NoError(t, err)

	require.Len(t, repo.updates, 1)
	assert.Equal(t, notification.AttemptFailed, repo.updates[0])
	assert.Empty(t, q.dlq)
	require.Len(t, q.delayed, 1)
	assert.Equal(t, 2, q.delayed[0].AttemptNo)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
