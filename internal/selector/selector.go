// Package selector implements the Provider Selector of spec §4.7: choosing
// one healthy provider per (tenant, channel) call, and running the periodic
// health probes that feed both it and the Degradation Controller. Grounded
// structurally on the "manager collapses to map + pure functions" design
// note, itself mirrored in the teacher's flat registration style in
// service.go's RegisterSender.
package selector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/meetsmatch/notify-dispatch/internal/breaker"
	"github.com/meetsmatch/notify-dispatch/internal/notification"
	"github.com/meetsmatch/notify-dispatch/internal/provider"
	"github.com/meetsmatch/notify-dispatch/internal/telemetry"
)

// ErrNoProviderAvailable is returned when no candidate survives the
// breaker/health filters (spec §4.7 step 5).
var ErrNoProviderAvailable = errors.New("selector: no_provider_available")

// hardFailLimit is the consecutive-failure ceiling past which a provider is
// excluded even if its breaker has not yet tripped (spec §4.7 step 3).
const hardFailLimit = 10

// healthProbeInterval is the spec §4.7 cadence for background health probes.
const healthProbeInterval = 30 * time.Second

// candidate pairs a configured provider with its tenant-facing priority;
// lower Priority values are tried first.
type candidate struct {
	Provider provider.Provider
	Priority int
}

// Selector holds, per channel, the ordered candidate list and the shared
// circuit breaker registry and health table both the selector and the
// Degradation Controller read.
type Selector struct {
	mu         sync.RWMutex
	candidates map[notification.Channel][]candidate
	health     map[string]*notification.ProviderHealth
	breakers   *breaker.Registry
	logger     *telemetry.ContextualLogger
}

func New(breakers *breaker.Registry, logger *telemetry.ContextualLogger) *Selector {
	return &Selector{
		candidates: make(map[notification.Channel][]candidate),
		health:     make(map[string]*notification.ProviderHealth),
		breakers:   breakers,
		logger:     logger,
	}
}

// Register adds a provider as a candidate for its channel at the given
// priority (lower tries first; the primary is conventionally 0).
func (s *Selector) Register(p provider.Provider, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[p.Channel()] = append(s.candidates[p.Channel()], candidate{Provider: p, Priority: priority})
	sort.SliceStable(s.candidates[p.Channel()], func(i, j int) bool {
		return s.candidates[p.Channel()][i].Priority < s.candidates[p.Channel()][j].Priority
	})
	s.health[p.Name()] = &notification.ProviderHealth{Provider: p.Name(), Healthy: true, CircuitState: "closed"}
}

// Select runs the spec §4.7 algorithm for ch and returns the chosen
// provider, or ErrNoProviderAvailable.
func (s *Selector) Select(ctx context.Context, ch notification.Channel) (provider.Provider, error) {
	s.mu.RLock()
	cands := append([]candidate(nil), s.candidates[ch]...)
	s.mu.RUnlock()

	for i, c := range cands {
		state := s.breakers.State(c.Provider.Name())
		if state == gobreaker.StateOpen {
			continue
		}

		s.mu.RLock()
		h := s.health[c.Provider.Name()]
		s.mu.RUnlock()
		if h != nil && (!h.Healthy || h.ConsecutiveFailures >= hardFailLimit) {
			continue
		}

		if i > 0 && s.logger != nil {
			s.logger.Warnf("provider selector failing over to %s for channel %s (priority %d)", c.Provider.Name(), ch, c.Priority)
		}
		return c.Provider, nil
	}

	return nil, ErrNoProviderAvailable
}

// RecordOutcome updates ProviderHealth after a dispatch attempt, feeding
// both this selector's own filter and the Degradation Controller's
// snapshot reads.
func (s *Selector) RecordOutcome(providerName string, success bool, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[providerName]
	if !ok {
		h = &notification.ProviderHealth{Provider: providerName}
		s.health[providerName] = h
	}
	if success {
		h.ConsecutiveFailures = 0
		h.Healthy = true
		h.LastError = ""
	} else {
		h.ConsecutiveFailures++
		h.LastError = errMsg
		if h.ConsecutiveFailures >= hardFailLimit {
			h.Healthy = false
		}
	}
	h.CircuitState = s.breakers.State(providerName).String()
	h.LastStateChangeAt = time.Now()
}

// Snapshots returns the current ProviderHealth for every registered
// provider, for the Degradation Controller and health endpoints.
func (s *Selector) Snapshots() []notification.ProviderHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]notification.ProviderHealth, 0, len(s.health))
	for _, h := range s.health {
		out = append(out, *h)
	}
	return out
}

// ChannelHealth reports how many providers are registered for ch and how
// many of those currently survive the same breaker+health filter Select
// applies, for the Degradation Controller's per-channel mode derivation
// (spec §4.9: "one provider per channel unavailable" vs. "all providers of
// a channel down").
func (s *Selector) ChannelHealth(ch notification.Channel) (total, healthy int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cands := s.candidates[ch]
	total = len(cands)
	for _, c := range cands {
		if s.breakers.State(c.Provider.Name()) == gobreaker.StateOpen {
			continue
		}
		h := s.health[c.Provider.Name()]
		if h != nil && (!h.Healthy || h.ConsecutiveFailures >= hardFailLimit) {
			continue
		}
		healthy++
	}
	return total, healthy
}

// RunHealthProbes blocks, running each registered provider's HealthProbe
// every healthProbeInterval until ctx is cancelled (spec §4.7: "periodic
// health probes run every 30s per provider, cheap endpoints only").
func (s *Selector) RunHealthProbes(ctx context.Context) {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeOnce(ctx)
		}
	}
}

func (s *Selector) probeOnce(ctx context.Context) {
	s.mu.RLock()
	providers := make([]provider.Provider, 0)
	for _, list := range s.candidates {
		for _, c := range list {
			providers = append(providers, c.Provider)
		}
	}
	s.mu.RUnlock()

	for _, p := range providers {
		err := p.HealthProbe(ctx)
		if err != nil {
			s.RecordOutcome(p.Name(), false, err.Error())
			if s.logger != nil {
				s.logger.Warnf("health probe failed for provider %s: %v", p.Name(), err)
			}
			continue
		}
		s.RecordOutcome(p.Name(), true, "")
	}
}
