package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
	"github.com/meetsmatch/notify-dispatch/internal/telemetry"
)

// dlqReplayLimit bounds how many dead-lettered requests one scheduled run
// replays, so a backlog spike cannot monopolize the worker pool.
const dlqReplayLimit = 50

// DLQProcessorHandler reconciles the dead letter queue against the
// repository (spec §4.11): requests whose latest Attempt has exhausted its
// retry budget are candidates; every request ScanDLQ returns gets its
// attempt history cleared and a fresh Job re-enqueued. There is no
// exclusion list.
type DLQProcessorHandler struct {
	repo   notification.Repository
	queue  notification.Queue
	logger *telemetry.ContextualLogger
}

// NewDLQProcessorHandler creates a new DLQ processor handler.
func NewDLQProcessorHandler(repo notification.Repository, queue notification.Queue, logger *telemetry.ContextualLogger) *DLQProcessorHandler {
	return &DLQProcessorHandler{repo: repo, queue: queue, logger: logger}
}

// ProcessTask handles the scheduled DLQ processor task.
func (h *DLQProcessorHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	start := time.Now()

	stats, err := h.repo.DLQStats(ctx)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("dlq processor: get stats: %v", err)
		}
		return nil // scheduled tasks don't fail the run; next tick retries
	}
	if stats.TotalCount == 0 {
		return nil
	}

	items, err := h.repo.ScanDLQ(ctx, notification.DLQFilter{Limit: dlqReplayLimit})
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("dlq processor: scan dlq: %v", err)
		}
		return nil
	}

	var replayed, failed int
	for _, req := range items {
		if err := h.replay(ctx, req); err != nil {
			failed++
			if h.logger != nil {
				h.logger.Errorf("dlq processor: replay %s: %v", req.ID, err)
			}
			continue
		}
		replayed++
	}

	if h.logger != nil {
		h.logger.Infof("dlq processor completed in %s - replayed: %d, failed: %d", time.Since(start), replayed, failed)
	}
	return nil
}

// replay clears req's attempt history and enqueues a fresh attempt-1 Job.
func (h *DLQProcessorHandler) replay(ctx context.Context, req *notification.Request) error {
	if err := h.repo.ResetForReplay(ctx, req.ID); err != nil {
		return fmt.Errorf("reset for replay: %w", err)
	}
	job := notification.Job{
		ID:          uuid.New(),
		RequestID:   req.ID,
		TenantID:    req.TenantID,
		AttemptNo:   1,
		ScheduledAt: time.Now().UTC(),
		Priority:    req.Priority,
	}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue replay job: %w", err)
	}
	return nil
}

// CleanupHandler purges expired idempotency records (spec §4.10: a
// (tenant, idempotency_key) pair only needs to dedupe within its TTL).
type CleanupHandler struct {
	repo   notification.Repository
	logger *telemetry.ContextualLogger
}

// NewCleanupHandler creates a new cleanup handler.
func NewCleanupHandler(repo notification.Repository, logger *telemetry.ContextualLogger) *CleanupHandler {
	return &CleanupHandler{repo: repo, logger: logger}
}

// ProcessTask handles the scheduled cleanup task.
func (h *CleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	n, err := h.repo.CleanupExpired(ctx)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("cleanup: %v", err)
		}
		return nil
	}
	if n > 0 && h.logger != nil {
		h.logger.Infof("cleanup: removed %d expired idempotency records", n)
	}
	return nil
}
