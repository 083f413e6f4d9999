// Package jobs provides scheduled background tasks for the worker service.
package jobs

import (
	"log"

	"github.com/hibiken/asynq"
)

// Task type identifiers
const (
	TypeDLQProcessor = "notification:dlq_processor"
	TypeCleanup      = "notification:cleanup_expired"
)

// Scheduler manages periodic job scheduling using asynq.
type Scheduler struct {
	scheduler *asynq.Scheduler
}

// NewScheduler creates a new job scheduler. dlqCron drives the DLQ
// reconciliation task (spec §4.11); cleanupCron drives
// notification.Repository.CleanupExpired, purging idempotency records past
// their TTL.
func NewScheduler(redisURL string, dlqCron, cleanupCron string) (*Scheduler, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}

	scheduler := asynq.NewScheduler(redisOpt, nil)

	if _, err := scheduler.Register(dlqCron, asynq.NewTask(TypeDLQProcessor, nil)); err != nil {
		return nil, err
	}
	log.Printf("Registered DLQ processor job with schedule: %s", dlqCron)

	if _, err := scheduler.Register(cleanupCron, asynq.NewTask(TypeCleanup, nil)); err != nil {
		return nil, err
	}
	log.Printf("Registered idempotency cleanup job with schedule: %s", cleanupCron)

	return &Scheduler{scheduler: scheduler}, nil
}

// Run starts the scheduler. Blocks until shutdown.
func (s *Scheduler) Run() error {
	return s.scheduler.Run()
}

// Shutdown gracefully stops the scheduler.
func (s *Scheduler) Shutdown() {
	s.scheduler.Shutdown()
}
