// Package eventbus implements the Event Ingress of spec §4.10: a durable
// topic-bus consumer that turns upstream business events into
// NotificationRequests. Grounded on the other_examples RabbitMQ consumer
// (baechuer-real-time-ressys email-service): reconnect-with-backoff
// supervisor loop, one channel for consuming and one for publishing,
// dead-letter-exchange routing for anything that must not requeue-loop,
// bounded prefetch via Qos. Logs with zerolog rather than the rest of the
// tree's logrus-backed telemetry package, matching the reference
// consumer's own choice for this exact component.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

// Config wires the bus connection and topology, grounded on the pack
// consumer's Config shape.
type Config struct {
	URL       string
	Exchange  string
	Queue     string
	DLQ       string
	BindKeys  []string
	Prefetch  int
	Tag       string
	HMACSecret string // empty disables signature verification
}

// Dedupe is the short-TTL "have I seen this event_id" store (spec §4.10
// step 2); internal/cache.RedisService.MarkSeenIfNew satisfies it directly.
type Dedupe interface {
	MarkSeenIfNew(key string, ttl time.Duration) (firstSeen bool, err error)
}

// dedupeTTL bounds how long an event_id is remembered; redeliveries after
// this window are treated as new (acceptable: the idempotency key on
// CreateRequestWithOutbox is the durable backstop).
const dedupeTTL = 10 * time.Minute

// enrichTimeout bounds step 4's upstream lookups (spec §5: "every I/O call
// ... must carry a deadline").
const enrichTimeout = 3 * time.Second

// Enricher resolves recipient contact details and any event metadata the
// mapping table needs beyond what the bus message carries.
type Enricher interface {
	Enrich(ctx context.Context, tenantID, recipientID string) (*notification.Recipient, error)
}

// Repository is the subset of notification.Repository the consumer needs.
type Repository interface {
	CreateRequestWithOutbox(ctx context.Context, req notification.CreateRequest) (*notification.Request, error)
}

// requeueError marks a processing failure that should be retried by
// requeueing on the channel rather than routed to the DLQ.
type requeueError struct{ cause error }

func (e *requeueError) Error() string { return "requeue: " + e.cause.Error() }
func (e *requeueError) Unwrap() error { return e.cause }

func requeueOn(cause error) error { return &requeueError{cause: cause} }

// Consumer runs the bus supervisor loop.
type Consumer struct {
	cfg      Config
	repo     Repository
	dedupe   Dedupe
	enricher Enricher
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	doneCh  chan struct{}

	conn  *amqp.Connection
	ch    *amqp.Channel
	delvs <-chan amqp.Delivery

	inFlight chan struct{} // bounded in-flight counter (spec §4.10: "per partition")
}

func New(cfg Config, repo Repository, dedupe Dedupe, enricher Enricher, logger zerolog.Logger) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 20
	}
	return &Consumer{
		cfg:      cfg,
		repo:     repo,
		dedupe:   dedupe,
		enricher: enricher,
		logger:   logger,
		inFlight: make(chan struct{}, prefetch),
	}
}

// Start runs the reconnect-with-backoff supervisor in a goroutine.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.doneCh = make(chan struct{})
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Stop closes the connection and waits for the supervisor to exit, or ctx
// to expire (spec §5: graceful shutdown with a drain deadline).
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	doneCh := c.doneCh
	c.running = false
	c.mu.Unlock()

	c.closeConn()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		doneCh := c.doneCh
		c.doneCh = nil
		c.running = false
		c.mu.Unlock()
		if doneCh != nil {
			close(doneCh)
		}
	}()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !c.isRunning() {
			return
		}

		if err := c.connectAndDeclare(); err != nil {
			c.logger.Error().Err(err).Dur("backoff", backoff).Msg("eventbus connect failed, retrying")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		backoff = time.Second
		c.consumeLoop(ctx)

		select {
		case <-ctx.Done():
			return
		default:
		}
		c.closeConn()
		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func (c *Consumer) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) connectAndDeclare() error {
	c.closeConn()

	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("channel: %w", err)
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("exchange declare: %w", err)
	}

	dlqArgs := amqp.Table{}
	mainArgs := amqp.Table{}
	if c.cfg.DLQ != "" {
		if _, err := ch.QueueDeclare(c.cfg.DLQ, true, false, false, false, dlqArgs); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("dlq declare: %w", err)
		}
		mainArgs["x-dead-letter-exchange"] = ""
		mainArgs["x-dead-letter-routing-key"] = c.cfg.DLQ
	}

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, mainArgs); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("queue declare: %w", err)
	}
	for _, key := range c.cfg.BindKeys {
		k := strings.TrimSpace(key)
		if k == "" {
			continue
		}
		if err := ch.QueueBind(c.cfg.Queue, k, c.cfg.Exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("queue bind %s: %w", k, err)
		}
	}

	if err := ch.Qos(cap(c.inFlight), 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("qos: %w", err)
	}

	delvs, err := ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("consume: %w", err)
	}

	c.mu.Lock()
	c.conn, c.ch, c.delvs = conn, ch, delvs
	c.mu.Unlock()
	return nil
}

func (c *Consumer) closeConn() {
	c.mu.Lock()
	conn, ch := c.conn, c.ch
	c.conn, c.ch, c.delvs = nil, nil, nil
	c.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-c.delvs:
			if !ok {
				return
			}
			c.handleOne(ctx, d)
		}
	}
}

func (c *Consumer) handleOne(ctx context.Context, d amqp.Delivery) {
	select {
	case c.inFlight <- struct{}{}:
		defer func() { <-c.inFlight }()
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	}

	err := c.process(ctx, d)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	var rerr *requeueError
	if errors.As(err, &rerr) {
		c.logger.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("eventbus: requeueing")
		_ = d.Nack(false, true)
		return
	}

	// Anything else (bad schema, missing critical enrichment data) routes
	// to the DLQ via dead-letter-exchange rather than looping forever.
	c.logger.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("eventbus: routing to DLQ")
	_ = d.Nack(false, false)
}

// process runs spec §4.10 steps 1-6 for one delivery.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) error {
	// Step 1: verify signature if configured.
	if c.cfg.HMACSecret != "" {
		sig := d.Headers["x-signature"]
		sigStr, _ := sig.(string)
		if !verifyBusSignature(c.cfg.HMACSecret, d.Body, sigStr) {
			return fmt.Errorf("signature verification failed")
		}
	}

	var envelope busEnvelope
	if err := json.Unmarshal(d.Body, &envelope); err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}
	if envelope.EventID == "" {
		return fmt.Errorf("missing event_id")
	}

	// Step 2: short-TTL dedupe.
	if c.dedupe != nil {
		firstSeen, err := c.dedupe.MarkSeenIfNew("eventbus:seen:"+envelope.EventID, dedupeTTL)
		if err != nil {
			return requeueOn(fmt.Errorf("dedupe check: %w", err))
		}
		if !firstSeen {
			return nil // ack, already processed
		}
	}

	// Step 3: schema/type validation.
	rule, ok := eventMappings[envelope.Type]
	if !ok {
		return fmt.Errorf("unknown event type %q", envelope.Type)
	}

	// Step 4: enrichment with a timeout.
	enrichCtx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	// Step 5 + 6: map to one or more Requests and persist via outbox.
	for _, target := range rule.Targets(envelope) {
		recipient, err := c.enricher.Enrich(enrichCtx, envelope.TenantID, target.RecipientID)
		if err != nil || recipient == nil {
			return fmt.Errorf("enrich recipient %s: %w", target.RecipientID, err)
		}
		body := rule.Body(envelope)
		create := notification.CreateRequest{
			TenantID:      envelope.TenantID,
			Recipient:     *recipient,
			Channel:       target.Channel,
			Type:          rule.Type,
			Priority:      rule.Priority,
			BodyText:      &body,
			CorrelationID: envelope.EventID,
			Source:        notification.SourceEvent,
		}
		if _, err := c.repo.CreateRequestWithOutbox(ctx, create); err != nil && !errors.Is(err, notification.ErrConflict) {
			return requeueOn(fmt.Errorf("create request: %w", err))
		}
	}
	return nil
}

type busEnvelope struct {
	EventID  string          `json:"event_id"`
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id"`
	Payload  json.RawMessage `json:"payload"`
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
