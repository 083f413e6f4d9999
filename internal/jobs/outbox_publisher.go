package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
	"github.com/meetsmatch/notify-dispatch/internal/telemetry"
)

// outboxBatchSize bounds how many rows one drain tick claims, matching the
// Dispatcher's own bounded-prefetch convention (spec §5).
const outboxBatchSize = 50

// OutboxRepository is the subset of notification.Repository the publisher
// depends on.
type OutboxRepository interface {
	PendingOutbox(ctx context.Context, limit int) ([]notification.OutboxEntry, error)
	MarkOutboxPublished(ctx context.Context, id uuid.UUID) error
	GetRequestByID(ctx context.Context, id uuid.UUID) (*notification.Request, error)
}

// OutboxPublisher drains notification_outbox rows into the Dispatcher's
// queue (spec §4.10 step 6), the other half of CreateRequestWithOutbox's
// transactional write. Grounded on internal/dispatch.Dispatcher's own
// ticker loop (internal/dispatch/dispatch.go's promoteDelayedLoop), reused
// here for the mirror-image job of moving rows the other direction: out of
// Postgres and into the Redis queue.
type OutboxPublisher struct {
	repo     OutboxRepository
	queue    notification.Queue
	interval time.Duration
	logger   *telemetry.ContextualLogger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewOutboxPublisher constructs a publisher that polls every interval.
func NewOutboxPublisher(repo OutboxRepository, queue notification.Queue, interval time.Duration, logger *telemetry.ContextualLogger) *OutboxPublisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &OutboxPublisher{repo: repo, queue: queue, interval: interval, logger: logger, stopCh: make(chan struct{})}
}

// Start runs the drain loop. Blocking; run in a goroutine.
func (p *OutboxPublisher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.drainOnce(ctx); err != nil && p.logger != nil {
				p.logger.Errorf("outbox drain failed: %v", err)
			}
		}
	}
}

// Stop signals the loop to exit and waits for it.
func (p *OutboxPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *OutboxPublisher) drainOnce(ctx context.Context) error {
	entries, err := p.repo.PendingOutbox(ctx, outboxBatchSize)
	if err != nil {
		return fmt.Errorf("list pending outbox: %w", err)
	}
	for _, entry := range entries {
		req, err := p.repo.GetRequestByID(ctx, entry.RequestID)
		if err != nil {
			if p.logger != nil {
				p.logger.Errorf("outbox entry %s: load request %s: %v", entry.ID, entry.RequestID, err)
			}
			continue
		}
		job := notification.Job{
			ID:          uuid.New(),
			RequestID:   req.ID,
			TenantID:    req.TenantID,
			AttemptNo:   1,
			ScheduledAt: time.Now().UTC(),
			Priority:    req.Priority,
		}
		if err := p.queue.Enqueue(ctx, job); err != nil {
			if p.logger != nil {
				p.logger.Errorf("outbox entry %s: enqueue job: %v", entry.ID, err)
			}
			continue
		}
		if err := p.repo.MarkOutboxPublished(ctx, entry.ID); err != nil && p.logger != nil {
			p.logger.Errorf("outbox entry %s: mark published: %v", entry.ID, err)
		}
	}
	return nil
}
