// Package notification implements the durable core of the dispatch service:
// the data model for accepted requests, their delivery attempts, the
// compliance and idempotency records that gate them, and the Postgres-backed
// append-only repository that persists all of it.
//
// Architecture:
//
//	HTTP / Event Ingress → Repository.CreateRequestWithOutbox (one txn)
//	                              ↓
//	                        Redis job queue
//	                              ↓
//	                         Dispatcher (internal/dispatch)
//	                              ↓
//	                  Provider Selector → Provider (internal/provider)
//	                              ↓
//	                   Repository.RecordAttempt
//	                              ↑
//	                   Webhook Ingress (internal/webhook) reconciles terminal state
package notification

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Channel is the delivery medium for a NotificationRequest.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Valid reports whether c is one of the closed set of channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	default:
		return false
	}
}

// Type is the category of notification, driving compliance-gate and
// retry-budget policy.
type Type string

const (
	TypeTransactional Type = "transactional"
	TypeMarketing     Type = "marketing"
	TypeCritical      Type = "critical"
	TypeOperational   Type = "operational"
)

// RequiresConsent reports whether this type must have an effective
// ConsentRecord before it may be sent (spec §4.5 step 2).
func (t Type) RequiresConsent() bool {
	return t == TypeMarketing || t == TypeOperational
}

// MaxAttempts is the per-type retry budget (spec §4.3).
func (t Type) MaxAttempts() int {
	switch t {
	case TypeCritical:
		return 8
	case TypeMarketing:
		return 3
	default:
		return 5
	}
}

// Priority orders jobs within the dispatcher's queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Source records where a Request originated.
type Source string

const (
	SourceAPI       Source = "api"
	SourceEvent     Source = "event"
	SourceScheduled Source = "scheduled"
)

// AttemptState is the canonical lifecycle state of a NotificationAttempt.
// Terminal states: Delivered, Bounced, Failed, Rejected, Dropped, Suppressed.
type AttemptState string

const (
	AttemptQueued     AttemptState = "queued"
	AttemptSending    AttemptState = "sending"
	AttemptSent       AttemptState = "sent"
	AttemptDelivered  AttemptState = "delivered"
	AttemptBounced    AttemptState = "bounced"
	AttemptFailed     AttemptState = "failed"
	AttemptRejected   AttemptState = "rejected"
	AttemptDropped    AttemptState = "dropped"
	AttemptSuppressed AttemptState = "suppressed"
)

// Terminal reports whether no further transition is expected for this state.
func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptDelivered, AttemptBounced, AttemptFailed, AttemptRejected, AttemptDropped, AttemptSuppressed:
		return true
	default:
		return false
	}
}

// rank gives the monotone ordering used to reject regressive webhook
// transitions (spec §4.8 step 5: "never regress from a terminal state").
var stateRank = map[AttemptState]int{
	AttemptQueued:     0,
	AttemptSending:    1,
	AttemptSent:       2,
	AttemptDelivered:  3,
	AttemptBounced:    3,
	AttemptFailed:     3,
	AttemptRejected:   3,
	AttemptDropped:    3,
	AttemptSuppressed: 3,
}

// CanTransition reports whether moving from s to next is a monotone
// progression (terminal states never regress; later states never replay
// earlier ones).
func (s AttemptState) CanTransition(next AttemptState) bool {
	if s.Terminal() {
		return false
	}
	return stateRank[next] >= stateRank[s]
}

// ErrorClass is the closed taxonomy the Retry Engine switches on (spec §7).
// Every consumer of this type must exhaust the set; there is no default
// "unknown, try anyway" branch in the Retry Engine.
type ErrorClass string

const (
	ErrorClassRetryable   ErrorClass = "retryable"
	ErrorClassPermanent   ErrorClass = "permanent"
	ErrorClassRateLimited ErrorClass = "rate_limited"
	ErrorClassAuth        ErrorClass = "auth"
	ErrorClassTimeout     ErrorClass = "timeout"
	ErrorClassValidation  ErrorClass = "validation"
	ErrorClassCircuitOpen ErrorClass = "circuit_open"
	ErrorClassUnknown     ErrorClass = "unknown"
)

// ShouldRetry reports whether the Retry Engine should schedule another
// attempt for this class (spec §4.3: "only retries error_class ∈
// {retryable, rate_limited, timeout}"; spec §7 additionally requires
// circuit_open to reschedule rather than dead-letter).
func (c ErrorClass) ShouldRetry() bool {
	switch c {
	case ErrorClassRetryable, ErrorClassRateLimited, ErrorClassTimeout, ErrorClassCircuitOpen:
		return true
	case ErrorClassPermanent, ErrorClassAuth, ErrorClassValidation, ErrorClassUnknown:
		return false
	default:
		return false
	}
}

// Recipient is the opaque-id-plus-addresses shape every channel reads from.
type Recipient struct {
	ID        string  `json:"id"`
	Email     *string `json:"email,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	PushToken *string `json:"push_token,omitempty"`
	TimeZone  string  `json:"tz,omitempty"`
}

// AddressFor returns the channel-appropriate recipient address, or "" if
// absent.
func (r Recipient) AddressFor(ch Channel) string {
	switch ch {
	case ChannelEmail:
		if r.Email != nil {
			return *r.Email
		}
	case ChannelSMS:
		if r.Phone != nil {
			return *r.Phone
		}
	case ChannelPush:
		if r.PushToken != nil {
			return *r.PushToken
		}
	}
	return ""
}

// Request is the accepted, immutable intent to notify (spec §3
// NotificationRequest).
type Request struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id"`
	VenueID        *string    `json:"venue_id,omitempty" db:"venue_id"`
	Recipient      Recipient  `json:"recipient" db:"recipient"`
	Channel        Channel    `json:"channel" db:"channel"`
	Type           Type       `json:"type" db:"type"`
	Priority       Priority   `json:"priority" db:"priority"`
	Subject        *string    `json:"subject,omitempty" db:"subject"`
	BodyText       *string    `json:"body_text,omitempty" db:"body_text"`
	BodyHTML       *string    `json:"body_html,omitempty" db:"body_html"`
	TemplateRef    *string    `json:"template_ref,omitempty" db:"template_ref"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CorrelationID  string     `json:"correlation_id" db:"correlation_id"`
	Source         Source     `json:"source" db:"source"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Validate enforces the Request invariants from spec §3: exactly one of
// (template_ref, body_text|body_html), and a channel-appropriate recipient
// address present.
func (r Request) Validate() error {
	hasTemplate := r.TemplateRef != nil && *r.TemplateRef != ""
	hasBody := (r.BodyText != nil && *r.BodyText != "") || (r.BodyHTML != nil && *r.BodyHTML != "")
	if hasTemplate == hasBody {
		return errors.New("request must set exactly one of template_ref or body_text/body_html")
	}
	if !r.Channel.Valid() {
		return errors.New("request channel is not one of email|sms|push")
	}
	if r.Recipient.AddressFor(r.Channel) == "" {
		return errors.New("request recipient is missing the address for its channel")
	}
	return nil
}

// Job is the executable unit enqueued for the Dispatcher (spec §3
// NotificationJob). (RequestID, AttemptNo) is unique. It carries TenantID
// so the Dispatcher's queue-driven reads can stay tenant-scoped without a
// round trip just to discover which tenant owns the request (spec §4.11:
// "the background dispatcher... operates on the queue, where each job
// already carries its tenant").
type Job struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	RequestID     uuid.UUID  `json:"request_id" db:"request_id"`
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	AttemptNo     int        `json:"attempt_no" db:"attempt_no"`
	ScheduledAt   time.Time  `json:"scheduled_at" db:"scheduled_at"`
	Priority      Priority   `json:"priority" db:"priority"`
	NotBefore     *time.Time `json:"not_before,omitempty" db:"not_before"`
	ParentAttempt *int       `json:"parent_attempt,omitempty" db:"parent_attempt"`
}

// Attempt is a single provider-call outcome (spec §3 NotificationAttempt).
type Attempt struct {
	ID               uuid.UUID    `json:"id" db:"id"`
	RequestID        uuid.UUID    `json:"request_id" db:"request_id"`
	AttemptNo        int          `json:"attempt_no" db:"attempt_no"`
	Provider         string       `json:"provider" db:"provider"`
	ProviderMsgID    *string      `json:"provider_message_id,omitempty" db:"provider_message_id"`
	State            AttemptState `json:"state" db:"state"`
	ErrorCode        *string      `json:"error_code,omitempty" db:"error_code"`
	ErrorClass       *ErrorClass  `json:"error_class,omitempty" db:"error_class"`
	ComplianceReason *string      `json:"compliance_reason,omitempty" db:"compliance_reason"`
	LatencyMs        *int         `json:"latency_ms,omitempty" db:"latency_ms"`
	StartedAt        time.Time    `json:"started_at" db:"started_at"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty" db:"finished_at"`
}

// ConsentRecord mirrors a read-only, externally-managed consent grant
// (spec §3 ConsentRecord).
type ConsentRecord struct {
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	RecipientID string     `json:"recipient_id" db:"recipient_id"`
	Channel     Channel    `json:"channel" db:"channel"`
	Type        Type       `json:"type" db:"type"`
	VenueID     *string    `json:"venue_id,omitempty" db:"venue_id"`
	GrantedAt   time.Time  `json:"granted_at" db:"granted_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Effective reports consent validity at time now (spec §3 invariant).
func (c ConsentRecord) Effective(now time.Time) bool {
	if c.RevokedAt != nil {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return false
	}
	return true
}

// SuppressionEntry is an explicit hard block (spec §3 SuppressionEntry).
type SuppressionEntry struct {
	TenantID            string    `json:"tenant_id" db:"tenant_id"`
	Channel             Channel   `json:"channel" db:"channel"`
	RecipientAddrHash   string    `json:"recipient_address_hash" db:"recipient_address_hash"`
	Reason              string    `json:"reason" db:"reason"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// IdempotencyRecord guards against replayed POST /v1/notifications bodies
// (spec §3 IdempotencyRecord).
type IdempotencyRecord struct {
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	RequestID      uuid.UUID `json:"request_id" db:"request_id"`
	BodyHash       string    `json:"body_hash" db:"body_hash"`
	ResponseCode   int       `json:"response_code" db:"response_code"`
	ResponseBody   []byte    `json:"response_body_ref" db:"response_body_ref"`
	Status         string    `json:"status" db:"status"` // processing|completed|failed
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
}

// WebhookEvent dedupes inbound provider callbacks (spec §3 WebhookEvent).
type WebhookEvent struct {
	Provider        string    `json:"provider" db:"provider"`
	ProviderEventID string    `json:"provider_event_id" db:"provider_event_id"`
	PayloadRef      []byte    `json:"payload_ref" db:"payload_ref"`
	ReceivedAt      time.Time `json:"received_at" db:"received_at"`
}

// ProviderHealth is process-local derived state (spec §3 ProviderHealth)
// held by internal/selector: each provider starts healthy when registered
// and is updated by dispatch outcomes and health probes. It is not rebuilt
// from attempt history on startup.
type ProviderHealth struct {
	Provider            string    `json:"provider"`
	Healthy             bool      `json:"healthy"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitState        string    `json:"circuit_state"`
	LastStateChangeAt   time.Time `json:"last_state_change_at"`
}

// CreateRequest is the input to Repository.CreateRequestWithOutbox / the HTTP ingress.
type CreateRequest struct {
	TenantID       string    `json:"tenant_id"`
	VenueID        *string   `json:"venue_id,omitempty"`
	Recipient      Recipient `json:"recipient"`
	Channel        Channel   `json:"channel"`
	Type           Type      `json:"type"`
	Priority       Priority  `json:"priority,omitempty"`
	Subject        *string   `json:"subject,omitempty"`
	BodyText       *string   `json:"body_text,omitempty"`
	BodyHTML       *string   `json:"body_html,omitempty"`
	TemplateRef    *string   `json:"template_ref,omitempty"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Source         Source    `json:"source,omitempty"`
}

// SendResult is returned by provider adapters after attempting delivery
// (spec §4.1).
type SendResult struct {
	Accepted      bool
	ProviderMsgID string
	ErrorClass    ErrorClass
	ErrorCode     string
	Err           error
	LatencyMs     int
	RetryAfter    *time.Duration
}

// DLQFilter filters Repository.ScanDLQ results.
type DLQFilter struct {
	Type      *Type
	Channel   *Channel
	Limit     int
	Since     *time.Time
}

// DLQStats summarizes the dead-letter backlog.
type DLQStats struct {
	TotalCount   int64            `json:"total_count"`
	CountByType  map[string]int64 `json:"count_by_type"`
	CountByError map[string]int64 `json:"count_by_error"`
	OldestItem   *time.Time       `json:"oldest_item,omitempty"`
}

// payloadJSON is a small helper type implementing driver.Valuer/sql.Scanner
// for the json.RawMessage columns the repository stores (recipient,
// response bodies). Grounded on the teacher's Payload Value/Scan pair.
type payloadJSON struct {
	v interface{}
}

func (p payloadJSON) Value() (driver.Value, error) {
	return json.Marshal(p.v)
}

func (p *payloadJSON) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("payloadJSON.Scan: type assertion to []byte failed")
	}
	return json.Unmarshal(b, p.v)
}

// Ptr is a helper to create a pointer to a value.
func Ptr[T any](v T) *T {
	return &v
}
