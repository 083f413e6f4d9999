package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
	"github.com/meetsmatch/notify-dispatch/internal/provider"
	"github.com/meetsmatch/notify-dispatch/internal/telemetry"
)

// lockTTL bounds how long the Ingress holds the per-message advisory lock
// while reconciling one callback (spec §5: "serialize concurrent webhook
// updates" on provider_message_id).
const lockTTL = 10 * time.Second

// CallbackEvent is one translated event out of a provider's webhook payload,
// already split from any batch the provider sent.
type CallbackEvent struct {
	ProviderEventID string
	ProviderMsgID   string
	RawStatus       string
}

// Ingress verifies, dedupes, and reconciles inbound provider callbacks.
type Ingress struct {
	verifiers map[string]Verifier
	providers map[string]provider.Provider
	repo      notification.Repository
	locker    notification.Queue
	logger    *telemetry.ContextualLogger
}

func New(repo notification.Repository, locker notification.Queue, logger *telemetry.ContextualLogger) *Ingress {
	return &Ingress{
		verifiers: make(map[string]Verifier),
		providers: make(map[string]provider.Provider),
		repo:      repo,
		locker:    locker,
		logger:    logger,
	}
}

// Register wires a provider's signature verifier and status translator in
// under its name (the path segment of POST /v1/webhooks/:provider).
func (in *Ingress) Register(name string, v Verifier, p provider.Provider) {
	in.verifiers[name] = v
	in.providers[name] = p
}

// ErrUnknownProvider means the :provider path segment has no registered
// verifier; callers should respond 404.
var ErrUnknownProvider = errors.New("webhook: unknown provider")

// Handle runs the spec §4.8 six-step pipeline for one inbound callback. It
// never returns an error for conditions the spec requires a 2xx for
// (dedupe, processing failures after ack) — those are logged and nil is
// returned; only signature/parse failures that must be rejected pre-ack
// return an error.
func (in *Ingress) Handle(ctx context.Context, providerName string, headers map[string]string, body []byte, events []CallbackEvent) error {
	v, ok := in.verifiers[providerName]
	if !ok {
		return ErrUnknownProvider
	}

	// Steps 1-3: verify signature before parsing, timing-safe, reject replays.
	if err := v.Verify(headers, body); err != nil {
		return err
	}

	p := in.providers[providerName]

	for _, ev := range events {
		if err := in.reconcileOne(ctx, providerName, p, ev, body); err != nil {
			// Per spec §4.8 step 6, a processing error after a verified,
			// parsed callback must not surface as a 5xx: log it and move
			// on. The provider will simply redeliver on its own schedule,
			// which the dedupe step makes idempotent.
			if in.logger != nil {
				in.logger.Errorf("webhook reconcile failed for %s/%s: %v", providerName, ev.ProviderEventID, err)
			}
		}
	}
	return nil
}

func (in *Ingress) reconcileOne(ctx context.Context, providerName string, p provider.Provider, ev CallbackEvent, rawBody []byte) error {
	// Step 4: dedupe on (provider, provider_event_id).
	err := in.repo.InsertWebhookEvent(ctx, notification.WebhookEvent{
		Provider:        providerName,
		ProviderEventID: ev.ProviderEventID,
		PayloadRef:      rawBody,
		ReceivedAt:      time.Now(),
	})
	if err != nil {
		if errors.Is(err, notification.ErrConflict) {
			return nil // already processed, ack-and-skip
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}

	// Serialize concurrent callbacks about the same provider message
	// (spec §5 lock ordering: repository → breaker-state → limiter; this
	// lock guards only the attempt-state mutation below).
	lockKey := "webhook:" + providerName + ":" + ev.ProviderMsgID
	holder := ev.ProviderEventID
	if in.locker != nil {
		acquired, lockErr := in.locker.AcquireLock(ctx, lockKey, holder, lockTTL)
		if lockErr == nil && acquired {
			defer in.locker.ReleaseLock(ctx, lockKey, holder)
		}
	}

	// Step 5: locate the Attempt and translate to canonical state.
	attempt, err := in.repo.FindAttemptByProviderMsgID(ctx, providerName, ev.ProviderMsgID)
	if err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			if in.logger != nil {
				in.logger.Warnf("webhook callback for unknown provider_message_id %s/%s", providerName, ev.ProviderMsgID)
			}
			return nil
		}
		return fmt.Errorf("find attempt: %w", err)
	}

	next := notification.AttemptFailed
	if p != nil {
		next = p.TranslateStatus(ev.RawStatus)
	}

	if !attempt.State.CanTransition(next) {
		// Never regress from a terminal state (spec §4.8 step 5).
		return nil
	}

	msgID := ev.ProviderMsgID
	if err := in.repo.UpdateAttemptState(ctx, attempt.RequestID, attempt.AttemptNo, next, &msgID, nil, nil); err != nil {
		if errors.Is(err, notification.ErrStaleTransition) {
			return nil
		}
		return fmt.Errorf("update attempt state: %w", err)
	}
	return nil
}
