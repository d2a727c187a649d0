package balancer

import (
	"sort"
	"time"

	"github.com/dsrlabs/bastion/pkg/breaker"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/metrics"
	"github.com/dsrlabs/bastion/pkg/registry"
	"github.com/dsrlabs/bastion/pkg/types"
)

// Dispatcher selects instances for requests and feeds observed outcomes
// back into metrics and breakers. It performs selection only; retries
// across instances are the caller's choice.
type Dispatcher struct {
	registry *registry.Registry
	tracker  *metrics.Tracker
	breakers *breaker.Set

	strategies map[types.Strategy]Strategy
}

// NewDispatcher creates a dispatcher with all built-in strategies
// registered
func NewDispatcher(reg *registry.Registry, tracker *metrics.Tracker, breakers *breaker.Set) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		tracker:  tracker,
		breakers: breakers,
		strategies: map[types.Strategy]Strategy{
			types.StrategyRoundRobin:         newRoundRobin(),
			types.StrategyWeightedRoundRobin: newWeightedRoundRobin(),
			types.StrategyLeastConnections:   &leastConnections{source: tracker},
			types.StrategyWeightedResponse:   newWeightedResponseTime(tracker),
			types.StrategyRandom:             &random{},
			types.StrategyConsistentHash:     &consistentHash{},
		},
	}
}

// Route picks an instance of the service using the named strategy. The
// key is required only for consistent hashing. Returns an unavailable
// error when no healthy instance's breaker admits the request.
func (d *Dispatcher) Route(serviceName string, strategy types.Strategy, key string) (*types.ServiceInstance, error) {
	strat, ok := d.strategies[strategy]
	if !ok {
		return nil, types.E(types.KindValidation, "unknown strategy: %s", strategy)
	}

	req := Request{ServiceName: serviceName, Key: key}
	candidates := d.registry.ListHealthy(serviceName)

	for len(candidates) > 0 {
		inst, err := strat.Select(candidates, req)
		if err != nil {
			metrics.RouteRequestsTotal.WithLabelValues(serviceName, string(strategy), "error").Inc()
			return nil, err
		}

		// Allow is the mutating admission check: it consumes the
		// half-open probe slot the listing check only peeked at.
		if d.breakers.Allow(inst.ID) {
			d.tracker.IncrementActive(inst.ID)
			metrics.RouteRequestsTotal.WithLabelValues(serviceName, string(strategy), "selected").Inc()
			return inst, nil
		}

		// Rejected between listing and admission; drop it and re-select
		candidates = without(candidates, inst.ID)
	}

	metrics.RouteRequestsTotal.WithLabelValues(serviceName, string(strategy), "unavailable").Inc()
	log.WithComponent("dispatcher").Warn().
		Str("service", serviceName).
		Str("strategy", string(strategy)).
		Msg("no instance available")
	return nil, types.E(types.KindUnavailable, "no instance available for service %s", serviceName)
}

func without(instances []*types.ServiceInstance, id string) []*types.ServiceInstance {
	out := instances[:0]
	for _, inst := range instances {
		if inst.ID != id {
			out = append(out, inst)
		}
	}
	return out
}

// RecordOutcome reports the result of a request previously routed to an
// instance. Callers that observe a transport failure must report it here
// so the breaker reflects reality.
func (d *Dispatcher) RecordOutcome(serviceName, instanceID string, latencyMs int64, success bool) {
	d.tracker.DecrementActive(instanceID)
	d.tracker.RecordRequest(instanceID, latencyMs, success)

	result := "success"
	if success {
		d.breakers.OnSuccess(instanceID)
	} else {
		d.breakers.OnFailure(instanceID)
		result = "failure"
	}

	metrics.OutcomesTotal.WithLabelValues(serviceName, result).Inc()
	metrics.ResponseTime.WithLabelValues(serviceName).Observe(float64(latencyMs) / float64(time.Second/time.Millisecond))
}

// Strategies returns the capability descriptor of every registered
// strategy, ordered by name
func (d *Dispatcher) Strategies() []types.StrategyInfo {
	out := make([]types.StrategyInfo, 0, len(d.strategies))
	for _, s := range d.strategies {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
