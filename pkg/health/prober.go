package health

import (
	"context"
	"sync"
	"time"

	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/events"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/types"
)

// Prober periodically checks watched targets and tracks consecutive
// failures per target. Status transitions are published to the event
// broker and handed to the optional OnTransition callback. The prober
// never propagates check errors upward.
type Prober struct {
	config Config
	clock  clock.Clock
	broker *events.Broker

	// OnTransition, when set, is called after a target's status changes.
	// Must be set before Start.
	OnTransition func(TargetStatus)

	mu      sync.RWMutex
	targets map[string]*TargetStatus

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProber creates a new prober
func NewProber(cfg Config, clk clock.Clock, broker *events.Broker) *Prober {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Prober{
		config:  cfg,
		clock:   clk,
		broker:  broker,
		targets: make(map[string]*TargetStatus),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Watch adds a target to the probe set. Re-watching an existing ID
// replaces its checker but preserves the failure history.
func (p *Prober) Watch(target Target) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.targets[target.ID]; ok {
		existing.Target = target
		return
	}
	p.targets[target.ID] = &TargetStatus{
		Target: target,
		Status: types.HealthUnknown,
	}
}

// Unwatch removes a target from the probe set
func (p *Prober) Unwatch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.targets, id)
}

// Start begins the probe loop
func (p *Prober) Start() {
	go p.run()
}

// Stop terminates the probe loop within one interval
func (p *Prober) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Prober) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	// Probe immediately on start
	p.ProbeAll(context.Background())

	for {
		select {
		case <-ticker.C:
			p.ProbeAll(context.Background())
		case <-p.stopCh:
			return
		}
	}
}

// ProbeAll runs one probe pass over every watched target. Exposed so the
// admin endpoint can trigger a pass on demand.
func (p *Prober) ProbeAll(ctx context.Context) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.targets))
	for id := range p.targets {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		p.CheckComponent(ctx, id)
	}
}

// CheckComponent checks a single watched target and updates its tracked
// state. Unknown IDs return an UNKNOWN result with a failure reason.
func (p *Prober) CheckComponent(ctx context.Context, id string) Result {
	p.mu.RLock()
	ts, ok := p.targets[id]
	p.mu.RUnlock()
	if !ok {
		return Result{
			Status:        types.HealthUnknown,
			FailureReason: "target not watched: " + id,
			CheckedAt:     p.clock.WallNow(),
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	result := ts.Target.Checker.Check(checkCtx)
	p.record(id, result)
	return result
}

// record updates the target state and emits a transition event on change
func (p *Prober) record(id string, result Result) {
	p.mu.Lock()
	ts, ok := p.targets[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	previous := ts.Status
	ts.LastResult = result
	ts.LastCheck = p.clock.WallNow()

	if result.Healthy() {
		ts.ConsecutiveFailures = 0
		ts.Status = result.Status
	} else {
		ts.ConsecutiveFailures++
		if ts.ConsecutiveFailures >= p.config.FailureThreshold {
			ts.Status = types.HealthUnhealthy
		} else if previous == types.HealthUnknown {
			ts.Status = types.HealthUnknown
		}
	}

	changed := ts.Status != previous
	snapshot := *ts
	p.mu.Unlock()

	if !changed {
		return
	}

	log.WithComponent("prober").Info().
		Str("target", id).
		Str("from", string(previous)).
		Str("to", string(snapshot.Status)).
		Str("reason", result.FailureReason).
		Msg("health transition")

	if p.broker != nil {
		p.broker.Publish(&events.Event{
			ID:   clock.NewID(),
			Type: events.EventHealthTransition,
			Metadata: map[string]string{
				"target": id,
				"kind":   string(snapshot.Target.Kind),
				"site":   snapshot.Target.SiteID,
				"from":   string(previous),
				"to":     string(snapshot.Status),
				"reason": result.FailureReason,
			},
			Message: "health transition: " + id,
		})
	}

	if p.OnTransition != nil {
		p.OnTransition(snapshot)
	}
}

// CheckSite aggregates all targets of a site into one result: any
// unhealthy target makes the site unhealthy, any degraded target makes it
// degraded, no targets means unknown.
func (p *Prober) CheckSite(ctx context.Context, siteID string) Result {
	return p.checkKind(ctx, siteID, "")
}

// CheckServices aggregates the service targets of a site
func (p *Prober) CheckServices(ctx context.Context, siteID string) Result {
	return p.checkKind(ctx, siteID, TargetService)
}

// CheckDatabase aggregates the database targets of a site
func (p *Prober) CheckDatabase(ctx context.Context, siteID string) Result {
	return p.checkKind(ctx, siteID, TargetDatabase)
}

func (p *Prober) checkKind(ctx context.Context, siteID string, kind TargetKind) Result {
	p.mu.RLock()
	var ids []string
	for id, ts := range p.targets {
		if ts.Target.SiteID != siteID {
			continue
		}
		if kind != "" && ts.Target.Kind != kind {
			continue
		}
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	start := p.clock.WallNow()
	if len(ids) == 0 {
		return Result{
			Status:        types.HealthUnknown,
			FailureReason: "no targets watched for site " + siteID,
			CheckedAt:     start,
		}
	}

	aggregate := types.HealthHealthy
	reason := ""
	for _, id := range ids {
		result := p.CheckComponent(ctx, id)
		switch result.Status {
		case types.HealthUnhealthy, types.HealthUnknown:
			aggregate = types.HealthUnhealthy
			if reason == "" {
				reason = id + ": " + result.FailureReason
			}
		case types.HealthDegraded:
			if aggregate == types.HealthHealthy {
				aggregate = types.HealthDegraded
				reason = id + ": " + result.FailureReason
			}
		}
	}

	return Result{
		Status:        aggregate,
		FailureReason: reason,
		CheckedAt:     start,
		Duration:      p.clock.WallNow().Sub(start),
	}
}

// Snapshot returns a copy of the tracked state for every watched target
func (p *Prober) Snapshot() map[string]TargetStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]TargetStatus, len(p.targets))
	for id, ts := range p.targets {
		out[id] = *ts
	}
	return out
}
