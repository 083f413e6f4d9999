// Package dispatch implements the Dispatcher worker pool of spec §4.6:
// the 8-step pipeline from a dequeued Job to a recorded delivery outcome.
// Grounded on the teacher's worker.go (adaptive-poll main loop, ticker'd
// background loops, per-goroutine processor) and service.go (the ordered
// orchestration steps, generalized here into named pipeline stages).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetsmatch/notify-dispatch/internal/breaker"
	"github.com/meetsmatch/notify-dispatch/internal/compliance"
	apperrors "github.com/meetsmatch/notify-dispatch/internal/errors"
	"github.com/meetsmatch/notify-dispatch/internal/notification"
	"github.com/meetsmatch/notify-dispatch/internal/provider"
	"github.com/meetsmatch/notify-dispatch/internal/ratelimit"
	"github.com/meetsmatch/notify-dispatch/internal/retry"
	"github.com/meetsmatch/notify-dispatch/internal/selector"
	"github.com/meetsmatch/notify-dispatch/internal/telemetry"
)

// Adaptive polling bounds, carried over from the teacher's worker.go.
const (
	minPollInterval = 50 * time.Millisecond
	maxPollInterval = 2 * time.Second
	pollBackoffRate = 1.5
)

// DegradationAction is the Degradation Controller's admission verdict for
// one job (spec §4.9).
type DegradationAction int

const (
	ActionAdmit DegradationAction = iota
	ActionShed
	ActionFallback
)

// DegradationDecision is what the Dispatcher asks the Degradation
// Controller for at pipeline step 2.
type DegradationDecision struct {
	Action          DegradationAction
	FallbackChannel *notification.Channel
	RetryAfter      time.Duration
}

// DegradationController is the subset of internal/degradation's Controller
// the Dispatcher depends on.
type DegradationController interface {
	Decide(ctx context.Context, req *notification.Request) DegradationDecision
}

// Provider selection uses *selector.Selector directly (its Select and
// RecordOutcome methods); there is no separate interface for it here.

// Config tunes the worker pool.
type Config struct {
	Concurrency         int
	BatchSize           int
	DelayedPollInterval time.Duration
	// ChannelConcurrency caps in-flight provider calls per channel,
	// independent of the overall worker count (spec §5: "capped by
	// per-channel provider concurrency budgets").
	ChannelConcurrency map[notification.Channel]int
}

// Dispatcher runs the job-queue worker pool.
type Dispatcher struct {
	repo        notification.Repository
	queue       notification.Queue
	compliance  *compliance.Gate
	limiter     *ratelimit.Limiter
	selector    *selector.Selector
	breakers    *breaker.Registry
	retryEngine *retry.Engine
	degradation DegradationController
	logger      *telemetry.ContextualLogger
	cfg         Config

	channelSem map[notification.Channel]chan struct{}

	workerID     string
	mu           sync.Mutex
	pollInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
}

func New(
	repo notification.Repository,
	queue notification.Queue,
	gate *compliance.Gate,
	limiter *ratelimit.Limiter,
	sel *selector.Selector,
	breakers *breaker.Registry,
	retryEngine *retry.Engine,
	degradation DegradationController,
	logger *telemetry.ContextualLogger,
	cfg Config,
) *Dispatcher {
	sem := make(map[notification.Channel]chan struct{})
	for ch, n := range cfg.ChannelConcurrency {
		if n > 0 {
			sem[ch] = make(chan struct{}, n)
		}
	}
	return &Dispatcher{
		repo:         repo,
		queue:        queue,
		compliance:   gate,
		limiter:      limiter,
		selector:     sel,
		breakers:     breakers,
		retryEngine:  retryEngine,
		degradation:  degradation,
		logger:       logger,
		cfg:          cfg,
		channelSem:   sem,
		workerID:     fmt.Sprintf("dispatcher-%s", uuid.New().String()[:8]),
		pollInterval: minPollInterval,
		stopCh:       make(chan struct{}),
	}
}

// Start runs the dispatcher's poll loop and worker pool. Blocking; run in a
// goroutine and cancel ctx (or call Stop) to shut down.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("dispatch: already running")
	}
	d.running = true
	d.mu.Unlock()

	jobCh := make(chan notification.Job, d.cfg.BatchSize*2)

	for i := 0; i < d.cfg.Concurrency; i++ {
		d.wg.Add(1)
		go d.processLoop(ctx, jobCh)
	}

	d.wg.Add(1)
	go d.promoteDelayedLoop(ctx)

	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobCh)
			d.Stop()
			return ctx.Err()
		case <-d.stopCh:
			close(jobCh)
			return nil
		case <-timer.C:
			jobs, err := d.queue.Dequeue(ctx, d.cfg.BatchSize)
			if err != nil {
				if d.logger != nil {
					d.logger.Errorf("[%s] dequeue failed: %v", d.workerID, err)
				}
				d.adaptPollInterval(false)
				timer.Reset(d.pollInterval)
				continue
			}
			d.adaptPollInterval(len(jobs) > 0)
			for _, job := range jobs {
				select {
				case jobCh <- job:
				case <-d.stopCh:
					close(jobCh)
					return nil
				}
			}
			timer.Reset(d.pollInterval)
		}
	}
}

func (d *Dispatcher) adaptPollInterval(hasWork bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hasWork {
		d.pollInterval = minPollInterval
		return
	}
	next := time.Duration(float64(d.pollInterval) * pollBackoffRate)
	if next > maxPollInterval {
		next = maxPollInterval
	}
	d.pollInterval = next
}

func (d *Dispatcher) processLoop(ctx context.Context, jobs <-chan notification.Job) {
	defer d.wg.Done()
	for job := range jobs {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}
		if err := d.handle(ctx, job); err != nil && d.logger != nil {
			d.logger.Errorf("[%s] job %s/%d failed: %v", d.workerID, job.RequestID, job.AttemptNo, err)
		}
	}
}

func (d *Dispatcher) promoteDelayedLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := d.cfg.DelayedPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			n, err := d.queue.PromoteDelayed(ctx, time.Now())
			if err != nil && d.logger != nil {
				d.logger.Errorf("[%s] promote delayed failed: %v", d.workerID, err)
			} else if n > 0 && d.logger != nil {
				d.logger.Infof("[%s] promoted %d delayed jobs", d.workerID, n)
			}
		}
	}
}

// Stop gracefully stops the dispatcher, waiting for in-flight jobs.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	d.wg.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// handle runs the spec §4.6 8-step pipeline for a single dequeued job.
func (d *Dispatcher) handle(ctx context.Context, job notification.Job) error {
	// Step 1: load Request + latest Attempt; terminal means already done.
	req, err := d.repo.GetRequest(ctx, job.TenantID, job.RequestID)
	if err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			return nil // ack and drop: nothing to do for a vanished request
		}
		return fmt.Errorf("load request: %w", err)
	}
	latest, err := d.repo.LatestAttempt(ctx, job.RequestID)
	if err != nil {
		return fmt.Errorf("load latest attempt: %w", err)
	}
	// Only a stale duplicate (this job's attempt_no already has a recorded,
	// terminal outcome) is ack-and-dropped here. A `failed` attempt whose
	// retry successor is the job in hand (latest.AttemptNo < job.AttemptNo)
	// must still proceed — failed is itself one of the per-attempt terminal
	// states (spec §3), so gating on Terminal() alone would drop every
	// retry past attempt 1.
	if latest != nil && latest.AttemptNo >= job.AttemptNo && latest.State.Terminal() {
		return nil // ack and drop
	}

	// Step 2: Degradation Controller.
	if d.degradation != nil {
		decision := d.degradation.Decide(ctx, req)
		switch decision.Action {
		case ActionShed:
			return d.requeue(ctx, job, decision.RetryAfter)
		case ActionFallback:
			if decision.FallbackChannel != nil {
				req.Channel = *decision.FallbackChannel
			}
		}
	}

	// Step 3: Compliance Gate.
	cd := d.compliance.Evaluate(ctx, req, time.Now())
	if !cd.Allow {
		if cd.RescheduleAt != nil {
			return d.requeueAt(ctx, job, *cd.RescheduleAt)
		}
		return d.recordTerminal(ctx, job, cd.TerminalState, cd.ReasonCode)
	}

	// Step 4: Rate Limiter.
	decision, err := d.limiter.Allow(ctx, req.TenantID, req.Channel, req.Recipient.ID, req.Recipient.ID, "", req.Type)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if !decision.Allowed {
		return d.requeue(ctx, job, decision.RetryAfter)
	}

	// Step 5: Provider Selector.
	chosen, err := d.selector.Select(ctx, req.Channel)
	if err != nil {
		if !d.retryEngine.ShouldRetry(req.Type, job.AttemptNo, notification.ErrorClassRetryable) {
			return d.moveToDLQ(ctx, job)
		}
		return d.requeue(ctx, job, 5*time.Second)
	}

	// Step 6: open the new Attempt in sending state; unique on
	// (request_id, attempt_no) protects against double-processing.
	attempt := notification.Attempt{
		ID:        uuid.New(),
		RequestID: job.RequestID,
		AttemptNo: job.AttemptNo,
		Provider:  chosen.Name(),
		State:     notification.AttemptSending,
		StartedAt: time.Now(),
	}
	if err := d.repo.RecordAttempt(ctx, attempt); err != nil {
		if errors.Is(err, notification.ErrConflict) {
			return nil // another worker already owns this attempt
		}
		return fmt.Errorf("record attempt: %w", err)
	}

	// Step 7: call the provider under the Circuit Breaker; time the call.
	var result notification.SendResult
	breakerErr := d.breakers.Execute(ctx, chosen.Name(), func(ctx context.Context) error {
		result = d.sendWithChannelBudget(ctx, chosen, req)
		if result.Err != nil {
			return result.Err
		}
		return nil
	})

	d.selector.RecordOutcome(chosen.Name(), breakerErr == nil, errString(breakerErr))

	// Step 8: record outcome; consult Retry Engine on failure.
	return d.recordOutcome(ctx, job, req, attempt, result, breakerErr)
}

func (d *Dispatcher) sendWithChannelBudget(ctx context.Context, p provider.Provider, req *notification.Request) notification.SendResult {
	if sem, ok := d.channelSem[req.Channel]; ok {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			return notification.SendResult{ErrorClass: notification.ErrorClassTimeout, ErrorCode: "channel_budget_timeout", Err: ctx.Err()}
		}
	}
	return p.Send(ctx, req)
}

func (d *Dispatcher) recordOutcome(ctx context.Context, job notification.Job, req *notification.Request, attempt notification.Attempt, result notification.SendResult, breakerErr error) error {
	if result.Accepted {
		msgID := result.ProviderMsgID
		return d.repo.UpdateAttemptState(ctx, job.RequestID, job.AttemptNo, notification.AttemptSent, &msgID, nil, nil)
	}

	errClass := result.ErrorClass
	errCode := result.ErrorCode

	// A CircuitOpen breakerErr means fn never ran: result is zero-value, so
	// errClass must come from breakerErr, not result.ErrorClass, or it falls
	// through to Unknown (no-retry) and the job is dead-lettered instead of
	// rescheduled per spec §7 ("circuit_open | reschedule").
	var appErr *apperrors.AppError
	if breakerErr != nil && errors.As(breakerErr, &appErr) && appErr.Type == apperrors.ErrorTypeCircuitOpen {
		errClass = notification.ErrorClassCircuitOpen
		errCode = appErr.Code
	}

	if errClass == "" {
		errClass = notification.ErrorClassUnknown
	}

	if err := d.repo.UpdateAttemptState(ctx, job.RequestID, job.AttemptNo, notification.AttemptFailed, nil, &errClass, &errCode); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	if !d.retryEngine.ShouldRetry(req.Type, job.AttemptNo, errClass) {
		return d.moveToDLQ(ctx, job)
	}

	delay := d.retryEngine.NextDelay(job.AttemptNo, result.RetryAfter)
	nextJob := job
	nextJob.AttemptNo = job.AttemptNo + 1
	return d.queue.MoveToDelayed(ctx, nextJob, time.Now().Add(delay))
}

// recordTerminal opens the Attempt row directly in its terminal state,
// since a compliance rejection never reaches step 6's normal "sending"
// open — the spec still requires "every decision is recorded on the
// Attempt with a machine-readable reason code" (§4.5) even when no
// provider was ever called.
func (d *Dispatcher) recordTerminal(ctx context.Context, job notification.Job, state notification.AttemptState, reason string) error {
	attempt := notification.Attempt{
		ID:               uuid.New(),
		RequestID:        job.RequestID,
		AttemptNo:        job.AttemptNo,
		Provider:         "compliance-gate",
		State:            state,
		ComplianceReason: &reason,
		StartedAt:        time.Now(),
		FinishedAt:       notification.Ptr(time.Now()),
	}
	if err := d.repo.RecordAttempt(ctx, attempt); err != nil && !errors.Is(err, notification.ErrConflict) {
		return fmt.Errorf("record compliance terminal attempt: %w", err)
	}
	if err := d.queue.Remove(ctx, job.RequestID.String(), job.AttemptNo); err != nil {
		return fmt.Errorf("remove terminal job: %w", err)
	}
	return nil
}

func (d *Dispatcher) requeue(ctx context.Context, job notification.Job, delay time.Duration) error {
	return d.queue.MoveToDelayed(ctx, job, time.Now().Add(delay))
}

func (d *Dispatcher) requeueAt(ctx context.Context, job notification.Job, at time.Time) error {
	return d.queue.MoveToDelayed(ctx, job, at)
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, job notification.Job) error {
	return d.queue.MoveToDLQ(ctx, job)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
