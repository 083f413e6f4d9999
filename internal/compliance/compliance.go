// Package compliance implements the ordered Compliance Gate of spec §4.5:
// suppression, then consent, then SMS quiet hours, then venue scope. It is
// grounded structurally on the teacher's own ordered early-return checks in
// service.go's handleFailure, applied to a new rule set — no pack repo
// implements consent/suppression logic itself.
package compliance

import (
	"context"
	"time"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

// quietHoursStart and quietHoursEnd bound the SMS delivery window in the
// recipient's local time (spec §4.5 step 3).
const (
	quietHoursStart = 8  // 08:00
	quietHoursEnd   = 21 // 21:00
)

// Decision is the Gate's verdict for one job, recorded verbatim onto the
// Attempt's ComplianceReason field.
type Decision struct {
	// Allow is true only when every check passed.
	Allow bool

	// TerminalState is set when Allow is false and no retry should be
	// scheduled (suppressed or rejected).
	TerminalState notification.AttemptState

	// ReasonCode is the machine-readable code spec §4.5 requires on every
	// decision, allowed or not (e.g. "ok", "suppressed", "no_consent",
	// "quiet_hours", "venue_mismatch", "compliance_error").
	ReasonCode string

	// RescheduleAt is set for the quiet-hours case: the next allowed
	// delivery time, rather than a terminal rejection.
	RescheduleAt *time.Time
}

// Repository is the subset of notification.Repository the Gate reads from.
type Repository interface {
	IsSuppressed(ctx context.Context, tenantID string, channel notification.Channel, address string) (bool, string, error)
	EffectiveConsent(ctx context.Context, tenantID, recipientID string, channel notification.Channel, typ notification.Type, venueID *string) (*notification.ConsentRecord, error)
}

// Gate evaluates the ordered compliance checks for a Request.
type Gate struct {
	repo Repository
}

func NewGate(repo Repository) *Gate {
	return &Gate{repo: repo}
}

// Evaluate runs the four ordered checks against req as of now (the caller's
// wall clock, injected for testability). Any repository error is treated as
// an internal failure and fails closed per spec §4.5: "the Gate is
// fail-closed".
func (g *Gate) Evaluate(ctx context.Context, req *notification.Request, now time.Time) Decision {
	address := req.Recipient.AddressFor(req.Channel)

	suppressed, reason, err := g.repo.IsSuppressed(ctx, req.TenantID, req.Channel, address)
	if err != nil {
		return Decision{TerminalState: notification.AttemptRejected, ReasonCode: "compliance_error"}
	}
	if suppressed {
		return Decision{TerminalState: notification.AttemptSuppressed, ReasonCode: "suppressed:" + reason}
	}

	var consent *notification.ConsentRecord
	if req.Type.RequiresConsent() {
		consent, err = g.repo.EffectiveConsent(ctx, req.TenantID, req.Recipient.ID, req.Channel, req.Type, req.VenueID)
		if err != nil {
			return Decision{TerminalState: notification.AttemptRejected, ReasonCode: "compliance_error"}
		}
		if consent == nil || !consent.Effective(now) {
			return Decision{TerminalState: notification.AttemptRejected, ReasonCode: "no_consent"}
		}
	}

	if req.Channel == notification.ChannelSMS && req.Type != notification.TypeCritical {
		if !withinQuietHours(now, req.Recipient.TimeZone) {
			next := nextQuietHoursStart(now, req.Recipient.TimeZone)
			return Decision{ReasonCode: "quiet_hours", RescheduleAt: &next}
		}
	}

	// Venue scope: a venue-scoped consent must not be honored for a
	// different venue (spec §4.5 step 4).
	if consent != nil && consent.VenueID != nil {
		if req.VenueID == nil || *req.VenueID != *consent.VenueID {
			return Decision{TerminalState: notification.AttemptRejected, ReasonCode: "venue_mismatch"}
		}
	}

	return Decision{Allow: true, ReasonCode: "ok"}
}

// withinQuietHours reports whether now, interpreted in the recipient's
// local time zone, falls in [08:00, 21:00). An unparseable or empty time
// zone is treated as UTC.
func withinQuietHours(now time.Time, tz string) bool {
	local := localize(now, tz)
	h := local.Hour()
	return h >= quietHoursStart && h < quietHoursEnd
}

// nextQuietHoursStart returns the next 08:00 local time strictly after now.
func nextQuietHoursStart(now time.Time, tz string) time.Time {
	local := localize(now, tz)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), quietHoursStart, 0, 0, 0, local.Location())
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.In(now.Location())
}

func localize(now time.Time, tz string) time.Time {
	if tz == "" {
		return now.UTC()
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return now.UTC()
	}
	return now.In(loc)
}
