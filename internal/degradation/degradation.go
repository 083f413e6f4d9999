// Package degradation implements the Degradation Controller of spec §4.9:
// a global mode derived from dependency health, damped against flapping,
// that the Dispatcher consults before every job (pipeline step 2).
// Grounded on internal/monitoring/health.go's aggregate-health pattern
// (named checks folded into one overall HealthStatus) and on
// notification/worker.go's multi-ticker background-loop style.
package degradation

import (
	"context"
	"sync"
	"time"

	"github.com/meetsmatch/notify-dispatch/internal/dispatch"
	"github.com/meetsmatch/notify-dispatch/internal/notification"
	"github.com/meetsmatch/notify-dispatch/internal/selector"
	"github.com/meetsmatch/notify-dispatch/internal/telemetry"
)

// Mode is the global operating mode (spec §4.9).
type Mode int

const (
	ModeNormal Mode = iota
	ModePartial
	ModeDegraded
	ModeCritical
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModePartial:
		return "partial"
	case ModeDegraded:
		return "degraded"
	case ModeCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// modeProbeInterval is the cadence at which dependency health is sampled.
// Mode only actually changes once the same new mode is observed on 2 of
// the last 3 samples (spec §4.9: "damp flapping").
const modeProbeInterval = 10 * time.Second

// historyLen is the window the two-of-three majority vote is taken over.
const historyLen = 3

// DependencyProbe checks one external dependency; a non-nil error means
// unhealthy. DB/cache/queue probes are supplied by the caller (cmd/worker)
// so this package stays decoupled from internal/database and internal/cache.
type DependencyProbe func(ctx context.Context) error

var channels = []notification.Channel{notification.ChannelEmail, notification.ChannelSMS, notification.ChannelPush}

// Controller maintains the global mode and answers per-job admission
// decisions for the Dispatcher.
type Controller struct {
	mu      sync.RWMutex
	mode    Mode
	history []Mode

	sel        *selector.Selector
	dbProbe    DependencyProbe
	cacheProbe DependencyProbe
	queueProbe DependencyProbe
	logger     *telemetry.ContextualLogger
}

func New(sel *selector.Selector, dbProbe, cacheProbe, queueProbe DependencyProbe, logger *telemetry.ContextualLogger) *Controller {
	return &Controller{
		sel:        sel,
		dbProbe:    dbProbe,
		cacheProbe: cacheProbe,
		queueProbe: queueProbe,
		logger:     logger,
	}
}

// CurrentMode returns the controller's last-settled mode.
func (c *Controller) CurrentMode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// RunProbes blocks, sampling dependency health every modeProbeInterval
// until ctx is cancelled.
func (c *Controller) RunProbes(ctx context.Context) {
	ticker := time.NewTicker(modeProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick samples dependency health once and applies the majority-vote damper.
func (c *Controller) tick(ctx context.Context) {
	observed := c.observe(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, observed)
	if len(c.history) > historyLen {
		c.history = c.history[len(c.history)-historyLen:]
	}

	votes := 0
	for _, m := range c.history {
		if m == observed {
			votes++
		}
	}
	if votes < 2 { // two-of-three sustained probes required to change mode
		return
	}
	if observed == c.mode {
		return
	}

	old := c.mode
	c.mode = observed
	if c.logger != nil {
		c.logger.Warnf("degradation controller mode change: %s -> %s", old, observed)
	}
}

// observe derives the instantaneous (undamped) mode from current
// dependency and provider health (spec §4.9 mode table).
func (c *Controller) observe(ctx context.Context) Mode {
	if c.dbProbe != nil && c.dbProbe(ctx) != nil {
		return ModeCritical
	}

	cacheDown := c.cacheProbe != nil && c.cacheProbe(ctx) != nil
	queueDown := c.queueProbe != nil && c.queueProbe(ctx) != nil

	anyChannelFullyDown := false
	anyChannelPartiallyDown := false
	if c.sel != nil {
		for _, ch := range channels {
			total, healthy := c.sel.ChannelHealth(ch)
			if total == 0 {
				continue
			}
			if healthy == 0 {
				anyChannelFullyDown = true
			} else if healthy < total {
				anyChannelPartiallyDown = true
			}
		}
	}

	if cacheDown || queueDown || anyChannelFullyDown {
		return ModeDegraded
	}
	if anyChannelPartiallyDown {
		return ModePartial
	}
	return ModeNormal
}

// Decide implements dispatch.DegradationController: the Dispatcher's
// pipeline step 2 admission/fallback/shedding check (spec §4.9 rules).
func (c *Controller) Decide(ctx context.Context, req *notification.Request) dispatch.DegradationDecision {
	switch c.CurrentMode() {
	case ModeCritical:
		if req.Type != notification.TypeCritical {
			return dispatch.DegradationDecision{Action: dispatch.ActionShed, RetryAfter: 30 * time.Second}
		}
		return dispatch.DegradationDecision{Action: dispatch.ActionAdmit}

	case ModeDegraded:
		if req.Channel == notification.ChannelEmail && c.sel != nil {
			if total, healthy := c.sel.ChannelHealth(notification.ChannelEmail); total > 0 && healthy == 0 {
				if req.Recipient.Phone != nil {
					sms := notification.ChannelSMS
					return dispatch.DegradationDecision{Action: dispatch.ActionFallback, FallbackChannel: &sms}
				}
				return dispatch.DegradationDecision{Action: dispatch.ActionShed, RetryAfter: 60 * time.Second}
			}
		}
		if req.Type == notification.TypeMarketing || req.Priority == notification.PriorityLow {
			return dispatch.DegradationDecision{Action: dispatch.ActionShed, RetryAfter: 2 * time.Minute}
		}
		return dispatch.DegradationDecision{Action: dispatch.ActionAdmit}

	default:
		return dispatch.DegradationDecision{Action: dispatch.ActionAdmit}
	}
}
