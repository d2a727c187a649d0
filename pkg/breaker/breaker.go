package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/events"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/types"
)

// Config holds circuit breaker thresholds
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker
	FailureThreshold int

	// Cooldown is how long an open breaker waits before admitting a probe
	Cooldown time.Duration

	// HalfOpenProbeLimit caps concurrent probes while half-open
	HalfOpenProbeLimit int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		Cooldown:           30 * time.Second,
		HalfOpenProbeLimit: 1,
	}
}

// instanceBreaker is the state machine for a single instance.
// Transitions for one instance are linearizable: every transition happens
// under the instance mutex, so an Allow after OnFailure observes the
// resulting state.
type instanceBreaker struct {
	mu sync.Mutex

	state               types.BreakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
}

// Set manages one circuit breaker per instance
type Set struct {
	config Config
	clock  clock.Clock
	broker *events.Broker

	mu       sync.RWMutex
	breakers map[string]*instanceBreaker
}

// NewSet creates a new breaker set
func NewSet(cfg Config, clk clock.Clock, broker *events.Broker) *Set {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.HalfOpenProbeLimit == 0 {
		cfg.HalfOpenProbeLimit = DefaultConfig().HalfOpenProbeLimit
	}
	return &Set{
		config:   cfg,
		clock:    clk,
		broker:   broker,
		breakers: make(map[string]*instanceBreaker),
	}
}

// get returns the breaker for an instance, creating a CLOSED one on first use
func (s *Set) get(instanceID string) *instanceBreaker {
	s.mu.RLock()
	b, ok := s.breakers[instanceID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[instanceID]; ok {
		return b
	}
	b = &instanceBreaker{state: types.BreakerClosed}
	s.breakers[instanceID] = b
	return b
}

// Allow reports whether the instance may receive a request. An open
// breaker past its cooldown transitions to half-open and admits up to
// HalfOpenProbeLimit concurrent probes; other callers are rejected.
func (s *Set) Allow(instanceID string) bool {
	b := s.get(instanceID)
	now := s.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.BreakerClosed:
		return true

	case types.BreakerOpen:
		if now.Sub(b.openedAt) < s.config.Cooldown {
			return false
		}
		b.state = types.BreakerHalfOpen
		b.halfOpenInFlight = 1
		return true

	case types.BreakerHalfOpen:
		if b.halfOpenInFlight >= s.config.HalfOpenProbeLimit {
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

// Admits reports whether the instance would currently receive traffic
// without consuming a half-open probe slot. Listing paths use this;
// selection paths use Allow.
func (s *Set) Admits(instanceID string) bool {
	b := s.get(instanceID)
	now := s.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.BreakerClosed:
		return true
	case types.BreakerOpen:
		return now.Sub(b.openedAt) >= s.config.Cooldown
	case types.BreakerHalfOpen:
		return b.halfOpenInFlight < s.config.HalfOpenProbeLimit
	}
	return false
}

// OnSuccess records a successful request outcome
func (s *Set) OnSuccess(instanceID string) {
	b := s.get(instanceID)

	b.mu.Lock()
	prev := b.state
	switch b.state {
	case types.BreakerClosed:
		b.consecutiveFailures = 0
	case types.BreakerHalfOpen:
		b.state = types.BreakerClosed
		b.consecutiveFailures = 0
		b.halfOpenInFlight = 0
	case types.BreakerOpen:
		// A stale in-flight success does not close an open breaker and
		// never decrements the failure count.
	}
	curr := b.state
	b.mu.Unlock()

	if prev != curr {
		s.emit(instanceID, prev, curr)
	}
}

// OnFailure records a failed request outcome
func (s *Set) OnFailure(instanceID string) {
	b := s.get(instanceID)
	now := s.clock.Now()

	b.mu.Lock()
	prev := b.state
	switch b.state {
	case types.BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= s.config.FailureThreshold {
			b.state = types.BreakerOpen
			b.openedAt = now
		}
	case types.BreakerHalfOpen:
		// Any half-open failure immediately re-opens
		b.consecutiveFailures++
		b.state = types.BreakerOpen
		b.openedAt = now
		b.halfOpenInFlight = 0
	case types.BreakerOpen:
		b.consecutiveFailures++
	}
	curr := b.state
	b.mu.Unlock()

	if prev != curr {
		s.emit(instanceID, prev, curr)
	}
}

// Status returns the current breaker state for one instance
func (s *Set) Status(instanceID string) types.BreakerStatus {
	b := s.get(instanceID)

	b.mu.Lock()
	defer b.mu.Unlock()

	status := types.BreakerStatus{
		InstanceID:          instanceID,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
	if b.state == types.BreakerOpen {
		status.NextProbeAt = b.openedAt.Add(s.config.Cooldown)
	}
	return status
}

// All returns the status of every tracked breaker, ordered by instance ID
func (s *Set) All() []types.BreakerStatus {
	s.mu.RLock()
	ids := make([]string, 0, len(s.breakers))
	for id := range s.breakers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	out := make([]types.BreakerStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Status(id))
	}
	return out
}

// Reset forces an instance's breaker to CLOSED, clearing its history.
// Used by the administrative reset endpoint.
func (s *Set) Reset(instanceID string) {
	b := s.get(instanceID)

	b.mu.Lock()
	prev := b.state
	b.state = types.BreakerClosed
	b.consecutiveFailures = 0
	b.halfOpenInFlight = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()

	if prev != types.BreakerClosed {
		s.emit(instanceID, prev, types.BreakerClosed)
	}
}

// Remove releases the breaker for a deregistered instance
func (s *Set) Remove(instanceID string) {
	s.mu.Lock()
	delete(s.breakers, instanceID)
	s.mu.Unlock()
}

func (s *Set) emit(instanceID string, from, to types.BreakerState) {
	log.WithComponent("breaker").Info().
		Str("instance_id", instanceID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("breaker state change")

	if s.broker == nil {
		return
	}

	eventType := events.EventBreakerClosed
	if to == types.BreakerOpen {
		eventType = events.EventBreakerOpened
	}
	s.broker.Publish(&events.Event{
		ID:      clock.NewID(),
		Type:    eventType,
		Message: "breaker " + string(to) + ": " + instanceID,
		Metadata: map[string]string{
			"instance": instanceID,
			"from":     string(from),
			"to":       string(to),
		},
	})
}
