package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/dsrlabs/bastion/pkg/breaker"
	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/events"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/metrics"
	"github.com/dsrlabs/bastion/pkg/storage"
	"github.com/dsrlabs/bastion/pkg/types"
)

// serviceBucket holds the instances of one service behind its own lock,
// so churn on one service never blocks lookups on another
type serviceBucket struct {
	mu        sync.RWMutex
	instances map[string]*types.ServiceInstance
}

// Registry owns the fleet of service instances. Each instance's metrics
// and breaker live exactly as long as the instance.
type Registry struct {
	clock    clock.Clock
	tracker  *metrics.Tracker
	breakers *breaker.Set
	store    storage.Store // optional persistence for rehydration
	broker   *events.Broker

	mu       sync.RWMutex
	services map[string]*serviceBucket

	// index from instance ID to service name, for health updates keyed
	// by instance
	index map[string]string
}

// New creates a new registry
func New(clk clock.Clock, tracker *metrics.Tracker, breakers *breaker.Set, store storage.Store, broker *events.Broker) *Registry {
	return &Registry{
		clock:    clk,
		tracker:  tracker,
		breakers: breakers,
		store:    store,
		broker:   broker,
		services: make(map[string]*serviceBucket),
		index:    make(map[string]string),
	}
}

// Rehydrate loads persisted instances from the store. Health state comes
// back UNKNOWN: the prober re-establishes it.
func (r *Registry) Rehydrate() error {
	if r.store == nil {
		return nil
	}
	instances, err := r.store.ListInstances()
	if err != nil {
		return err
	}
	for _, inst := range instances {
		inst.HealthStatus = types.HealthUnknown
		r.put(inst)
	}
	if len(instances) > 0 {
		log.WithComponent("registry").Info().
			Int("instances", len(instances)).
			Msg("rehydrated registry from store")
	}
	return nil
}

func (r *Registry) bucket(serviceName string, create bool) *serviceBucket {
	r.mu.RLock()
	b, ok := r.services[serviceName]
	r.mu.RUnlock()
	if ok || !create {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.services[serviceName]; ok {
		return b
	}
	b = &serviceBucket{instances: make(map[string]*types.ServiceInstance)}
	r.services[serviceName] = b
	return b
}

func (r *Registry) put(inst *types.ServiceInstance) {
	b := r.bucket(inst.ServiceName, true)
	b.mu.Lock()
	b.instances[inst.ID] = inst
	b.mu.Unlock()

	r.mu.Lock()
	r.index[inst.ID] = inst.ServiceName
	r.mu.Unlock()
}

// Register adds an instance to the fleet. Registration is idempotent on
// (serviceName, id): re-registering updates host, port, weight and labels
// but preserves the instance's metrics and breaker state.
func (r *Registry) Register(inst *types.ServiceInstance) error {
	if inst == nil || inst.ID == "" || inst.ServiceName == "" {
		return types.E(types.KindValidation, "instance id and service name are required")
	}
	if inst.Host == "" {
		return types.E(types.KindValidation, "instance host is required")
	}
	if inst.Port <= 0 || inst.Port > 65535 {
		return types.E(types.KindValidation, "instance port must be 1-65535, got %d", inst.Port)
	}
	if inst.Weight < 0 {
		return types.E(types.KindValidation, "instance weight must be >= 0, got %d", inst.Weight)
	}

	b := r.bucket(inst.ServiceName, true)

	b.mu.Lock()
	existing, ok := b.instances[inst.ID]
	if ok {
		// Metadata update: metrics and breaker survive
		existing.Host = inst.Host
		existing.Port = inst.Port
		existing.Weight = inst.Weight
		existing.Labels = inst.Labels
		stored := *existing
		b.mu.Unlock()
		return r.persist(&stored)
	}

	record := *inst
	record.RegisteredAt = r.clock.WallNow()
	if record.HealthStatus == "" {
		record.HealthStatus = types.HealthUnknown
	}
	b.instances[record.ID] = &record
	b.mu.Unlock()

	r.mu.Lock()
	r.index[record.ID] = record.ServiceName
	r.mu.Unlock()

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			ID:      clock.NewID(),
			Type:    events.EventInstanceRegistered,
			Message: "instance registered: " + record.ServiceName + "/" + record.ID,
			Metadata: map[string]string{
				"service":  record.ServiceName,
				"instance": record.ID,
				"address":  record.Address(),
			},
		})
	}

	return r.persist(&record)
}

func (r *Registry) persist(inst *types.ServiceInstance) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveInstance(inst); err != nil {
		return types.Wrap(types.KindAdapter, err, "failed to persist instance %s", inst.ID)
	}
	return nil
}

// Deregister removes an instance and releases its metrics and breaker
func (r *Registry) Deregister(serviceName, id string) error {
	b := r.bucket(serviceName, false)
	if b == nil {
		return types.E(types.KindNotFound, "service not found: %s", serviceName)
	}

	b.mu.Lock()
	_, ok := b.instances[id]
	if !ok {
		b.mu.Unlock()
		return types.E(types.KindNotFound, "instance not found: %s/%s", serviceName, id)
	}
	delete(b.instances, id)
	b.mu.Unlock()

	r.mu.Lock()
	delete(r.index, id)
	r.mu.Unlock()

	// Instance-scoped state dies with the instance
	r.tracker.Remove(id)
	r.breakers.Remove(id)

	if r.store != nil {
		if err := r.store.DeleteInstance(serviceName, id); err != nil {
			log.WithComponent("registry").Warn().Err(err).
				Str("instance_id", id).
				Msg("failed to delete persisted instance")
		}
	}

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			ID:      clock.NewID(),
			Type:    events.EventInstanceDeregistered,
			Message: "instance deregistered: " + serviceName + "/" + id,
			Metadata: map[string]string{"service": serviceName, "instance": id},
		})
	}
	return nil
}

// Get returns one instance by service and id
func (r *Registry) Get(serviceName, id string) (*types.ServiceInstance, error) {
	b := r.bucket(serviceName, false)
	if b == nil {
		return nil, types.E(types.KindNotFound, "service not found: %s", serviceName)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	inst, ok := b.instances[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "instance not found: %s/%s", serviceName, id)
	}
	c := *inst
	return &c, nil
}

// List returns all instances of a service, ordered by id
func (r *Registry) List(serviceName string) []*types.ServiceInstance {
	b := r.bucket(serviceName, false)
	if b == nil {
		return nil
	}

	b.mu.RLock()
	out := make([]*types.ServiceInstance, 0, len(b.instances))
	for _, inst := range b.instances {
		c := *inst
		out = append(out, &c)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListHealthy returns the instances that may receive traffic: last health
// result HEALTHY or DEGRADED, and a breaker that currently admits.
func (r *Registry) ListHealthy(serviceName string) []*types.ServiceInstance {
	all := r.List(serviceName)
	healthy := make([]*types.ServiceInstance, 0, len(all))
	for _, inst := range all {
		if inst.HealthStatus != types.HealthHealthy && inst.HealthStatus != types.HealthDegraded {
			continue
		}
		if !r.breakers.Admits(inst.ID) {
			continue
		}
		healthy = append(healthy, inst)
	}
	return healthy
}

// Services returns the names of all services with at least one instance
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name, b := range r.services {
		b.mu.RLock()
		n := len(b.instances)
		b.mu.RUnlock()
		if n > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SetHealth updates an instance's health from a probe result. Keyed by
// instance ID because probe targets are instance-scoped.
func (r *Registry) SetHealth(instanceID string, status types.HealthState, checkedAt time.Time) {
	r.mu.RLock()
	serviceName, ok := r.index[instanceID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	b := r.bucket(serviceName, false)
	if b == nil {
		return
	}

	b.mu.Lock()
	if inst, ok := b.instances[instanceID]; ok {
		inst.HealthStatus = status
		inst.LastHealthCheck = checkedAt
	}
	b.mu.Unlock()
}
