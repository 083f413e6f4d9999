package notification

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/meetsmatch/notify-dispatch/internal/database"
)

// Repository is the durable, append-only store for requests, attempts, and
// the compliance/idempotency/webhook-dedupe records the dispatch pipeline
// consults (spec §4.11). All tenant-scoped queries enforce a tenant
// predicate; the one exception is GetRequestByID, used by the outbox
// publisher.
type Repository interface {
	// CreateRequestWithOutbox inserts a Request and its outbox row in one
	// transaction (spec §4.10 step 6's outbox pattern), returning the
	// persisted Request. If idempotencyKey is set and a record already
	// exists for (tenant, idempotency_key), returns ErrConflict alongside
	// the original Request (spec §8 invariant 4).
	CreateRequestWithOutbox(ctx context.Context, req CreateRequest) (*Request, error)

	// GetIdempotencyRecord looks up a prior result for (tenant, key).
	GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error)

	// GetRequest loads a Request by id, tenant-scoped.
	GetRequest(ctx context.Context, tenantID string, id uuid.UUID) (*Request, error)

	// GetRequestByID loads a Request by id without a tenant predicate, for
	// background/system callers that already trust the id (the outbox
	// publisher) rather than user-facing reads.
	GetRequestByID(ctx context.Context, id uuid.UUID) (*Request, error)

	// LatestAttempt returns the most recent Attempt for a Request, or nil
	// if none exists yet.
	LatestAttempt(ctx context.Context, requestID uuid.UUID) (*Attempt, error)

	// FindAttemptByProviderMsgID locates the Attempt a webhook callback
	// refers to (spec §4.8 step 5).
	FindAttemptByProviderMsgID(ctx context.Context, provider, providerMsgID string) (*Attempt, error)

	// RecordAttempt inserts a new Attempt row, unique on
	// (request_id, attempt_no); ErrConflict means another worker already
	// owns this attempt (spec §4.6 step 6).
	RecordAttempt(ctx context.Context, a Attempt) error

	// UpdateAttemptState applies a monotone state transition to an
	// existing Attempt (spec §4.8 step 5 / §8 invariant 2). Returns
	// ErrStaleTransition if next regresses the current state.
	UpdateAttemptState(ctx context.Context, requestID uuid.UUID, attemptNo int, next AttemptState, providerMsgID *string, errClass *ErrorClass, errCode *string) error

	// IsSuppressed checks the suppression list for (tenant, channel, hash(address)).
	IsSuppressed(ctx context.Context, tenantID string, channel Channel, address string) (bool, string, error)

	// EffectiveConsent loads the matching ConsentRecord, if any.
	EffectiveConsent(ctx context.Context, tenantID, recipientID string, channel Channel, typ Type, venueID *string) (*ConsentRecord, error)

	// InsertWebhookEvent dedupes a provider callback; returns ErrConflict
	// if (provider, provider_event_id) already exists (spec §8 invariant 3).
	InsertWebhookEvent(ctx context.Context, ev WebhookEvent) error

	// ScanDLQ lists dead-lettered requests (those whose latest Attempt has
	// exhausted retries) matching filter.
	ScanDLQ(ctx context.Context, filter DLQFilter) ([]*Request, error)

	// DLQStats summarizes the dead-letter backlog.
	DLQStats(ctx context.Context) (*DLQStats, error)

	// ResetForReplay clears a request's attempt history so the dispatcher
	// will retry it from attempt 1.
	ResetForReplay(ctx context.Context, requestID uuid.UUID) error

	// CleanupExpired deletes idempotency records past their TTL.
	CleanupExpired(ctx context.Context) (int64, error)

	// PendingOutbox returns up to limit outbox rows not yet published,
	// oldest first, for the outbox-draining publisher (spec §4.10 step 6).
	PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)

	// MarkOutboxPublished stamps an outbox row's published_at once its Job
	// has been handed to the Dispatcher's queue.
	MarkOutboxPublished(ctx context.Context, id uuid.UUID) error
}

// OutboxEntry is one row of the transactional outbox: a Request already
// durably persisted, waiting for its first Job to be enqueued.
type OutboxEntry struct {
	ID          uuid.UUID `json:"id" db:"id"`
	RequestID   uuid.UUID `json:"request_id" db:"request_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty" db:"published_at"`
}

// ErrConflict is returned for any unique-constraint collision: idempotency
// replay, duplicate webhook event, or a second worker racing an attempt.
var ErrConflict = errors.New("notification: conflict")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("notification: not found")

// ErrStaleTransition is returned when UpdateAttemptState is asked to
// regress a terminal or out-of-order state.
var ErrStaleTransition = errors.New("notification: stale attempt transition")

// IsConflictError reports whether err is (or wraps) ErrConflict.
func IsConflictError(err error) bool { return errors.Is(err, ErrConflict) }

// PostgresRepository implements Repository over database/sql + lib/pq,
// grounded on the teacher's raw-SQL, pq.Error-23505 idiom.
type PostgresRepository struct {
	db     *database.DB
	config Config
}

// NewPostgresRepository constructs a PostgresRepository.
func NewPostgresRepository(db *database.DB, config Config) *PostgresRepository {
	return &PostgresRepository{db: db, config: config}
}

func hashAddress(address string) string {
	sum := sha256.Sum256([]byte(address))
	return hex.EncodeToString(sum[:])
}

func (r *PostgresRepository) CreateRequestWithOutbox(ctx context.Context, req CreateRequest) (*Request, error) {
	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		if existing, err := r.GetIdempotencyRecord(ctx, req.TenantID, *req.IdempotencyKey); err == nil {
			full, gerr := r.getRequestByID(ctx, existing.RequestID)
			if gerr != nil {
				return nil, gerr
			}
			return full, ErrConflict
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	id := uuid.New()
	now := time.Now().UTC()
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	source := req.Source
	if source == "" {
		source = SourceAPI
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var out Request
	err := r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		recipientJSON, err := json.Marshal(req.Recipient)
		if err != nil {
			return fmt.Errorf("marshal recipient: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO notification_requests (
				id, tenant_id, venue_id, recipient, channel, type, priority,
				subject, body_text, body_html, template_ref, idempotency_key,
				correlation_id, source, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			RETURNING id, tenant_id, venue_id, recipient, channel, type, priority,
				subject, body_text, body_html, template_ref, idempotency_key,
				correlation_id, source, created_at
		`, id, req.TenantID, req.VenueID, recipientJSON, req.Channel, req.Type, priority,
			req.Subject, req.BodyText, req.BodyHTML, req.TemplateRef, req.IdempotencyKey,
			correlationID, source, now)

		var recipientBytes []byte
		if err := row.Scan(
			&out.ID, &out.TenantID, &out.VenueID, &recipientBytes, &out.Channel, &out.Type, &out.Priority,
			&out.Subject, &out.BodyText, &out.BodyHTML, &out.TemplateRef, &out.IdempotencyKey,
			&out.CorrelationID, &out.Source, &out.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert request: %w", err)
		}
		if err := json.Unmarshal(recipientBytes, &out.Recipient); err != nil {
			return fmt.Errorf("unmarshal recipient: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notification_outbox (id, request_id, created_at, published_at)
			VALUES ($1, $2, $3, NULL)
		`, uuid.New(), out.ID, now); err != nil {
			return fmt.Errorf("insert outbox row: %w", err)
		}

		if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
			body, _ := json.Marshal(req)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO notification_idempotency (
					tenant_id, idempotency_key, request_id, body_hash,
					response_code, response_body_ref, status, expires_at
				) VALUES ($1,$2,$3,$4,$5,$6,'completed',$7)
			`, req.TenantID, *req.IdempotencyKey, out.ID, hashAddress(string(body)),
				202, []byte(`{}`), now.Add(r.config.IdempotencyTTL)); err != nil {
				if isUniqueViolation(err) {
					return ErrConflict
				}
				return fmt.Errorf("insert idempotency record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *PostgresRepository) GetRequestByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	return r.getRequestByID(ctx, id)
}

func (r *PostgresRepository) getRequestByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, venue_id, recipient, channel, type, priority,
			subject, body_text, body_html, template_ref, idempotency_key,
			correlation_id, source, created_at
		FROM notification_requests WHERE id = $1
	`, id)
	return scanRequest(row)
}

func (r *PostgresRepository) GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, idempotency_key, request_id, body_hash,
			response_code, response_body_ref, status, expires_at
		FROM notification_idempotency
		WHERE tenant_id = $1 AND idempotency_key = $2 AND expires_at > NOW()
	`, tenantID, key).Scan(
		&rec.TenantID, &rec.IdempotencyKey, &rec.RequestID, &rec.BodyHash,
		&rec.ResponseCode, &rec.ResponseBody, &rec.Status, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

func (r *PostgresRepository) GetRequest(ctx context.Context, tenantID string, id uuid.UUID) (*Request, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, venue_id, recipient, channel, type, priority,
			subject, body_text, body_html, template_ref, idempotency_key,
			correlation_id, source, created_at
		FROM notification_requests WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return scanRequest(row)
}

func scanRequest(row *sql.Row) (*Request, error) {
	var n Request
	var recipientBytes []byte
	err := row.Scan(
		&n.ID, &n.TenantID, &n.VenueID, &recipientBytes, &n.Channel, &n.Type, &n.Priority,
		&n.Subject, &n.BodyText, &n.BodyHTML, &n.TemplateRef, &n.IdempotencyKey,
		&n.CorrelationID, &n.Source, &n.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan request: %w", err)
	}
	if err := json.Unmarshal(recipientBytes, &n.Recipient); err != nil {
		return nil, fmt.Errorf("unmarshal recipient: %w", err)
	}
	return &n, nil
}

func (r *PostgresRepository) LatestAttempt(ctx context.Context, requestID uuid.UUID) (*Attempt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, request_id, attempt_no, provider, provider_message_id, state,
			error_code, error_class, compliance_reason, latency_ms, started_at, finished_at
		FROM notification_attempts
		WHERE request_id = $1
		ORDER BY attempt_no DESC
		LIMIT 1
	`, requestID)
	a, err := scanAttempt(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (r *PostgresRepository) FindAttemptByProviderMsgID(ctx context.Context, provider, providerMsgID string) (*Attempt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, request_id, attempt_no, provider, provider_message_id, state,
			error_code, error_class, compliance_reason, latency_ms, started_at, finished_at
		FROM notification_attempts
		WHERE provider = $1 AND provider_message_id = $2
	`, provider, providerMsgID)
	return scanAttempt(row)
}

func scanAttempt(row *sql.Row) (*Attempt, error) {
	var a Attempt
	var errClass sql.NullString
	err := row.Scan(
		&a.ID, &a.RequestID, &a.AttemptNo, &a.Provider, &a.ProviderMsgID, &a.State,
		&a.ErrorCode, &errClass, &a.ComplianceReason, &a.LatencyMs, &a.StartedAt, &a.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	if errClass.Valid {
		ec := ErrorClass(errClass.String)
		a.ErrorClass = &ec
	}
	return &a, nil
}

func (r *PostgresRepository) RecordAttempt(ctx context.Context, a Attempt) error {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	var errClassStr *string
	if a.ErrorClass != nil {
		s := string(*a.ErrorClass)
		errClassStr = &s
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_attempts (
			id, request_id, attempt_no, provider, provider_message_id, state,
			error_code, error_class, compliance_reason, latency_ms, started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, id, a.RequestID, a.AttemptNo, a.Provider, a.ProviderMsgID, a.State,
		a.ErrorCode, errClassStr, a.ComplianceReason, a.LatencyMs, a.StartedAt, a.FinishedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateAttemptState(ctx context.Context, requestID uuid.UUID, attemptNo int, next AttemptState, providerMsgID *string, errClass *ErrorClass, errCode *string) error {
	var errClassStr *string
	if errClass != nil {
		s := string(*errClass)
		errClassStr = &s
	}
	var finishedAt *time.Time
	if next.Terminal() {
		now := time.Now().UTC()
		finishedAt = &now
	}

	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var current AttemptState
		err := tx.QueryRowContext(ctx, `
			SELECT state FROM notification_attempts
			WHERE request_id = $1 AND attempt_no = $2
			FOR UPDATE
		`, requestID, attemptNo).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock attempt row: %w", err)
		}
		if !current.CanTransition(next) {
			return ErrStaleTransition
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE notification_attempts
			SET state = $3,
				provider_message_id = COALESCE($4, provider_message_id),
				error_class = COALESCE($5, error_class),
				error_code = COALESCE($6, error_code),
				finished_at = COALESCE($7, finished_at)
			WHERE request_id = $1 AND attempt_no = $2
		`, requestID, attemptNo, next, providerMsgID, errClassStr, errCode, finishedAt)
		if err != nil {
			return fmt.Errorf("update attempt state: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) IsSuppressed(ctx context.Context, tenantID string, channel Channel, address string) (bool, string, error) {
	var reason string
	err := r.db.QueryRowContext(ctx, `
		SELECT reason FROM notification_suppressions
		WHERE tenant_id = $1 AND channel = $2 AND recipient_address_hash = $3
	`, tenantID, channel, hashAddress(address)).Scan(&reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("check suppression: %w", err)
	}
	return true, reason, nil
}

func (r *PostgresRepository) EffectiveConsent(ctx context.Context, tenantID, recipientID string, channel Channel, typ Type, venueID *string) (*ConsentRecord, error) {
	var c ConsentRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, recipient_id, channel, type, venue_id, granted_at, expires_at, revoked_at
		FROM notification_consents
		WHERE tenant_id = $1 AND recipient_id = $2 AND channel = $3 AND type = $4
			AND venue_id IS NOT DISTINCT FROM $5
			AND revoked_at IS NULL
			AND (expires_at IS NULL OR expires_at > NOW())
	`, tenantID, recipientID, channel, typ, venueID).Scan(
		&c.TenantID, &c.RecipientID, &c.Channel, &c.Type, &c.VenueID, &c.GrantedAt, &c.ExpiresAt, &c.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load consent: %w", err)
	}
	return &c, nil
}

func (r *PostgresRepository) InsertWebhookEvent(ctx context.Context, ev WebhookEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_webhook_events (provider, provider_event_id, payload_ref, received_at)
		VALUES ($1,$2,$3,$4)
	`, ev.Provider, ev.ProviderEventID, ev.PayloadRef, ev.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ScanDLQ(ctx context.Context, filter DLQFilter) ([]*Request, error) {
	query := `
		SELECT r.id, r.tenant_id, r.venue_id, r.recipient, r.channel, r.type, r.priority,
			r.subject, r.body_text, r.body_html, r.template_ref, r.idempotency_key,
			r.correlation_id, r.source, r.created_at
		FROM notification_requests r
		JOIN notification_attempts a ON a.request_id = r.id
		WHERE a.state = 'failed' AND a.attempt_no = (
			SELECT MAX(attempt_no) FROM notification_attempts WHERE request_id = r.id
		)
	`
	args := []interface{}{}
	idx := 1
	if filter.Type != nil {
		query += fmt.Sprintf(" AND r.type = $%d", idx)
		args = append(args, *filter.Type)
		idx++
	}
	if filter.Channel != nil {
		query += fmt.Sprintf(" AND r.channel = $%d", idx)
		args = append(args, *filter.Channel)
		idx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND a.finished_at >= $%d", idx)
		args = append(args, *filter.Since)
		idx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY a.finished_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan dlq: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Request
	for rows.Next() {
		var n Request
		var recipientBytes []byte
		if err := rows.Scan(
			&n.ID, &n.TenantID, &n.VenueID, &recipientBytes, &n.Channel, &n.Type, &n.Priority,
			&n.Subject, &n.BodyText, &n.BodyHTML, &n.TemplateRef, &n.IdempotencyKey,
			&n.CorrelationID, &n.Source, &n.CreatedAt,
		); err != nil {
			continue
		}
		if err := json.Unmarshal(recipientBytes, &n.Recipient); err != nil {
			continue
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DLQStats(ctx context.Context) (*DLQStats, error) {
	stats := &DLQStats{CountByType: map[string]int64{}, CountByError: map[string]int64{}}

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notification_requests r
		JOIN notification_attempts a ON a.request_id = r.id
		WHERE a.state = 'failed' AND a.attempt_no = (
			SELECT MAX(attempt_no) FROM notification_attempts WHERE request_id = r.id
		)
	`).Scan(&stats.TotalCount)
	if err != nil {
		return nil, fmt.Errorf("dlq total: %w", err)
	}

	typeRows, err := r.db.QueryContext(ctx, `
		SELECT r.type, COUNT(*) FROM notification_requests r
		JOIN notification_attempts a ON a.request_id = r.id
		WHERE a.state = 'failed' AND a.attempt_no = (
			SELECT MAX(attempt_no) FROM notification_attempts WHERE request_id = r.id
		)
		GROUP BY r.type
	`)
	if err == nil {
		defer func() { _ = typeRows.Close() }()
		for typeRows.Next() {
			var t string
			var c int64
			if typeRows.Scan(&t, &c) == nil {
				stats.CountByType[t] = c
			}
		}
	}

	errRows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(a.error_code, 'unknown'), COUNT(*) FROM notification_requests r
		JOIN notification_attempts a ON a.request_id = r.id
		WHERE a.state = 'failed' AND a.attempt_no = (
			SELECT MAX(attempt_no) FROM notification_attempts WHERE request_id = r.id
		)
		GROUP BY a.error_code
	`)
	if err == nil {
		defer func() { _ = errRows.Close() }()
		for errRows.Next() {
			var e string
			var c int64
			if errRows.Scan(&e, &c) == nil {
				stats.CountByError[e] = c
			}
		}
	}

	var oldest sql.NullTime
	_ = r.db.QueryRowContext(ctx, `
		SELECT MIN(a.finished_at) FROM notification_requests r
		JOIN notification_attempts a ON a.request_id = r.id
		WHERE a.state = 'failed' AND a.attempt_no = (
			SELECT MAX(attempt_no) FROM notification_attempts WHERE request_id = r.id
		)
	`).Scan(&oldest)
	if oldest.Valid {
		stats.OldestItem = &oldest.Time
	}
	return stats, nil
}

func (r *PostgresRepository) ResetForReplay(ctx context.Context, requestID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM notification_attempts WHERE request_id = $1
	`, requestID)
	if err != nil {
		return fmt.Errorf("reset for replay: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM notification_idempotency WHERE expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	return result.RowsAffected()
}

func (r *PostgresRepository) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, request_id, created_at, published_at
		FROM notification_outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("scan pending outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var publishedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.RequestID, &e.CreatedAt, &publishedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if publishedAt.Valid {
			e.PublishedAt = &publishedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_outbox SET published_at = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// isUniqueViolation checks for Postgres error code 23505 (unique_violation).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
