package eventbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

// RecipientEnricher resolves a recipient's channel addresses from the
// tenant's own contact store (spec §4.10 step 4: "recipient contacts ...
// via upstream services with timeouts"). Grounded on
// internal/database.DB's plain database/sql embedding - this is a direct
// SQL lookup rather than a network call because contact data lives in the
// same datastore as the rest of notification state.
type RecipientEnricher struct {
	db *sql.DB
}

func NewRecipientEnricher(db *sql.DB) *RecipientEnricher {
	return &RecipientEnricher{db: db}
}

// Enrich loads the recipient's channel addresses. A missing row is a hard
// failure (spec §4.10 step 4: "missing critical data routes to the DLQ,
// not a silent drop").
func (e *RecipientEnricher) Enrich(ctx context.Context, tenantID, recipientID string) (*notification.Recipient, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT recipient_id, email, phone, push_token, timezone
		FROM recipient_contacts
		WHERE tenant_id = $1 AND recipient_id = $2
	`, tenantID, recipientID)

	var r notification.Recipient
	var email, phone, pushToken, tz sql.NullString
	if err := row.Scan(&r.ID, &email, &phone, &pushToken, &tz); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no contact record for recipient %s", recipientID)
		}
		return nil, fmt.Errorf("query recipient contact: %w", err)
	}
	if email.Valid {
		r.Email = &email.String
	}
	if phone.Valid {
		r.Phone = &phone.String
	}
	if pushToken.Valid {
		r.PushToken = &pushToken.String
	}
	r.TimeZone = tz.String
	return &r, nil
}
