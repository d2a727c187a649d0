package metrics

import (
	"time"

	"github.com/dsrlabs/bastion/pkg/types"
)

// FleetSource is the view of the registry the collector samples.
// Declared here so the collector does not import the registry package.
type FleetSource interface {
	Services() []string
	List(serviceName string) []*types.ServiceInstance
}

// BreakerSource is the view of the breaker set the collector samples
type BreakerSource interface {
	All() []types.BreakerStatus
}

// Collector periodically exports fleet state to Prometheus gauges
type Collector struct {
	fleet    FleetSource
	breakers BreakerSource
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(fleet FleetSource, breakers BreakerSource) *Collector {
	return &Collector{
		fleet:    fleet,
		breakers: breakers,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectInstanceMetrics()
	c.collectBreakerMetrics()
}

func (c *Collector) collectInstanceMetrics() {
	if c.fleet == nil {
		return
	}

	InstancesTotal.Reset()
	for _, service := range c.fleet.Services() {
		counts := make(map[types.HealthState]int)
		for _, instance := range c.fleet.List(service) {
			counts[instance.HealthStatus]++
		}
		for health, count := range counts {
			InstancesTotal.WithLabelValues(service, string(health)).Set(float64(count))
		}
	}
}

func (c *Collector) collectBreakerMetrics() {
	if c.breakers == nil {
		return
	}

	counts := make(map[types.BreakerState]int)
	for _, status := range c.breakers.All() {
		counts[status.State]++
	}

	BreakersByState.Reset()
	for state, count := range counts {
		BreakersByState.WithLabelValues(string(state)).Set(float64(count))
	}
}
