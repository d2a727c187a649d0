package dr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dsrlabs/bastion/pkg/backup"
	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/config"
	"github.com/dsrlabs/bastion/pkg/events"
	"github.com/dsrlabs/bastion/pkg/failover"
	"github.com/dsrlabs/bastion/pkg/health"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/metrics"
	"github.com/dsrlabs/bastion/pkg/notify"
	"github.com/dsrlabs/bastion/pkg/storage"
	"github.com/dsrlabs/bastion/pkg/types"
)

const (
	// disasterSiteOutage is the disaster type recorded for automatic
	// site-failure detection
	disasterSiteOutage = "site_outage"

	recentDisastersLimit = 10
)

// Deps bundles the collaborators the orchestrator drives
type Deps struct {
	Clock    clock.Clock
	Prober   *health.Prober
	Failover *failover.Engine
	Backup   *backup.Engine
	Store    storage.Store
	Broker   *events.Broker
	Notifier notify.Notifier
}

// Request describes a manually initiated disaster recovery
type Request struct {
	Type               string                 `json:"type"`
	Severity           types.DisasterSeverity `json:"severity"`
	AffectedComponents []string               `json:"affectedComponents"`
	TargetSite         string                 `json:"targetSite"`
	Reason             string                 `json:"reason"`
}

// Status is the operator-facing view of the DR posture
type Status struct {
	Sites           map[string]types.SiteStatus `json:"sites"`
	ActiveDisaster  *types.DisasterEvent        `json:"activeDisaster,omitempty"`
	RecentDisasters []*types.DisasterEvent      `json:"recentDisasters"`
	LastBackup      *types.BackupMetadata       `json:"lastBackup,omitempty"`
	AutoFailover    bool                        `json:"autoFailover"`
	RTOMinutes      int                         `json:"rtoMinutes"`
	RPOMinutes      int                         `json:"rpoMinutes"`
}

// Orchestrator watches site health, detects disasters, drives automatic
// failover and runs the nightly backup cycle. It owns the site role
// table; the failover engine executes sequences but never mutates roles.
type Orchestrator struct {
	config   config.DRConfig
	backups  config.BackupConfig
	clock    clock.Clock
	prober   *health.Prober
	failover *failover.Engine
	backup   *backup.Engine
	store    storage.Store
	broker   *events.Broker
	notifier notify.Notifier

	mu             sync.Mutex
	sites          map[string]*types.SiteStatus
	activeDisaster *types.DisasterEvent
	lastBackupDay  string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a DR orchestrator
func New(cfg config.DRConfig, backupCfg config.BackupConfig, deps Deps) *Orchestrator {
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = time.Minute
	}
	if cfg.SiteFailureThreshold == 0 {
		cfg.SiteFailureThreshold = 3
	}
	return &Orchestrator{
		config:   cfg,
		backups:  backupCfg,
		clock:    deps.Clock,
		prober:   deps.Prober,
		failover: deps.Failover,
		backup:   deps.Backup,
		store:    deps.Store,
		broker:   deps.Broker,
		notifier: deps.Notifier,
		sites:    make(map[string]*types.SiteStatus),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// RegisterSite adds a site to the role table. Re-registering an existing
// site updates its endpoint and replication lag but preserves role and
// failure history.
func (o *Orchestrator) RegisterSite(site types.SiteStatus) error {
	if site.SiteID == "" {
		return types.E(types.KindValidation, "site requires an ID")
	}
	if site.Role == "" {
		return types.E(types.KindValidation, "site %s requires a role", site.SiteID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.sites[site.SiteID]; ok {
		existing.Endpoint = site.Endpoint
		existing.DatabaseAddr = site.DatabaseAddr
		existing.ReplicationLag = site.ReplicationLag
	} else {
		c := site
		o.sites[site.SiteID] = &c
	}

	metrics.ReplicationLagSeconds.WithLabelValues(site.SiteID).Set(site.ReplicationLag.Seconds())
	log.WithSiteID(site.SiteID).Info().
		Str("role", string(site.Role)).
		Msg("site registered")
	return nil
}

// SetReplicationLag records the observed replication lag for a site
func (o *Orchestrator) SetReplicationLag(siteID string, lag time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	site, ok := o.sites[siteID]
	if !ok {
		return types.E(types.KindNotFound, "site not registered: %s", siteID)
	}
	site.ReplicationLag = lag
	metrics.ReplicationLagSeconds.WithLabelValues(siteID).Set(lag.Seconds())
	return nil
}

// Start begins the monitoring loop
func (o *Orchestrator) Start() {
	go o.run()
}

// Stop terminates the monitoring loop within one interval
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

func (o *Orchestrator) run() {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.MonitorPass(context.Background())
			o.maybeNightlyBackup(context.Background())
		case <-o.stopCh:
			return
		}
	}
}

// MonitorPass runs one monitoring cycle: probe every site, track
// consecutive failures, flag replication objective breaches, and when
// the primary crosses the failure threshold with auto-failover enabled,
// detect a disaster and fail over. Exposed so the admin surface can
// trigger a cycle on demand.
func (o *Orchestrator) MonitorPass(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sites))
	for id := range o.sites {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		result := o.prober.CheckSite(ctx, id)

		o.mu.Lock()
		site, ok := o.sites[id]
		if !ok {
			o.mu.Unlock()
			continue
		}
		switch result.Status {
		case types.HealthHealthy, types.HealthDegraded:
			site.LastHealthCheck = o.clock.WallNow()
			site.ConsecutiveHealthFailures = 0
		case types.HealthUnhealthy:
			site.LastHealthCheck = o.clock.WallNow()
			site.ConsecutiveHealthFailures++
		}
		// UNKNOWN means no targets are watched for the site; neither
		// the counter nor the check timestamp moves, so the site is
		// not treated as an outage and never qualifies for promotion
		snapshot := *site
		o.mu.Unlock()

		if snapshot.Role == types.SiteSecondary {
			o.checkReplicationObjective(snapshot)
		}
	}

	o.mu.Lock()
	primary := o.primaryLocked()
	var primarySnapshot types.SiteStatus
	triggered := false
	if primary != nil && o.activeDisaster == nil &&
		primary.ConsecutiveHealthFailures >= o.config.SiteFailureThreshold {
		primarySnapshot = *primary
		triggered = true
	}
	o.mu.Unlock()

	if !triggered {
		return
	}
	if !o.config.AutoFailover {
		log.WithSiteID(primarySnapshot.SiteID).Warn().
			Int("failures", primarySnapshot.ConsecutiveHealthFailures).
			Msg("primary site unhealthy, auto failover disabled")
		o.notify(ctx, "disaster.detected",
			fmt.Sprintf("primary site %s unhealthy after %d checks, auto failover disabled",
				primarySnapshot.SiteID, primarySnapshot.ConsecutiveHealthFailures),
			map[string]string{"site": primarySnapshot.SiteID})
		return
	}
	o.handleSiteOutage(ctx, primarySnapshot)
}

// checkReplicationObjective flags secondaries whose replication lag
// exceeds the recovery point objective
func (o *Orchestrator) checkReplicationObjective(site types.SiteStatus) {
	objective := time.Duration(o.config.RPOMinutes) * time.Minute
	if objective <= 0 || site.ReplicationLag <= objective {
		return
	}

	log.WithSiteID(site.SiteID).Warn().
		Dur("lag", site.ReplicationLag).
		Dur("objective", objective).
		Msg("replication lag exceeds recovery point objective")

	o.publish(events.EventObjectiveBreach,
		fmt.Sprintf("replication lag on %s is %s, objective %s", site.SiteID, site.ReplicationLag, objective),
		map[string]string{
			"site":      site.SiteID,
			"objective": "rpo",
			"lag":       site.ReplicationLag.String(),
		})
}

// handleSiteOutage records the disaster and drives the automatic
// failover to the best available secondary
func (o *Orchestrator) handleSiteOutage(ctx context.Context, primary types.SiteStatus) {
	disaster := &types.DisasterEvent{
		ID:                 clock.NewID(),
		Type:               disasterSiteOutage,
		Severity:           types.SeverityCritical,
		AffectedComponents: []string{primary.SiteID},
		DetectedAt:         o.clock.WallNow(),
		Status:             types.DisasterDetected,
		Detail: fmt.Sprintf("primary site %s failed %d consecutive health checks",
			primary.SiteID, primary.ConsecutiveHealthFailures),
	}

	o.mu.Lock()
	o.activeDisaster = disaster
	o.mu.Unlock()

	o.saveDisaster(disaster)
	log.WithSiteID(primary.SiteID).Error().
		Str("disaster_id", disaster.ID).
		Msg("disaster detected")
	o.publish(events.EventDisasterDetected, disaster.Detail, map[string]string{
		"disaster_id": disaster.ID,
		"site":        primary.SiteID,
	})
	o.notify(ctx, "disaster.detected", disaster.Detail, map[string]string{"site": primary.SiteID})

	target := o.bestSecondary()
	if target == "" {
		log.WithComponent("dr").Error().
			Str("disaster_id", disaster.ID).
			Msg("no healthy secondary available for failover")
		o.notify(ctx, "failover.failed",
			"no healthy secondary available for failover from "+primary.SiteID,
			map[string]string{"disaster_id": disaster.ID})
		return
	}

	disaster.Status = types.DisasterMitigating
	o.saveDisaster(disaster)

	// The automatic path swallows its own failures: they were already
	// logged and notified, and the scheduler must keep ticking
	_, _ = o.executeFailover(ctx, disaster, primary.SiteID, target, true)
}

// Initiate starts a manually requested failover. The target must be a
// registered secondary; health is the operator's call, not ours.
func (o *Orchestrator) Initiate(ctx context.Context, req Request) (*types.FailoverExecution, error) {
	if req.TargetSite == "" {
		return nil, types.E(types.KindValidation, "disaster recovery request requires a target site")
	}

	o.mu.Lock()
	target, ok := o.sites[req.TargetSite]
	if !ok {
		o.mu.Unlock()
		return nil, types.E(types.KindNotFound, "target site not registered: %s", req.TargetSite)
	}
	if target.Role != types.SiteSecondary {
		role := target.Role
		o.mu.Unlock()
		return nil, types.E(types.KindValidation, "target site %s has role %s, expected secondary", req.TargetSite, role)
	}
	primary := o.primaryLocked()
	if primary == nil {
		o.mu.Unlock()
		return nil, types.E(types.KindUnavailable, "no primary site registered")
	}
	source := primary.SiteID
	o.mu.Unlock()

	severity := req.Severity
	if severity == "" {
		severity = types.SeverityMajor
	}
	disasterType := req.Type
	if disasterType == "" {
		disasterType = "manual"
	}
	disaster := &types.DisasterEvent{
		ID:                 clock.NewID(),
		Type:               disasterType,
		Severity:           severity,
		AffectedComponents: req.AffectedComponents,
		DetectedAt:         o.clock.WallNow(),
		Status:             types.DisasterMitigating,
		Detail:             req.Reason,
	}

	o.mu.Lock()
	o.activeDisaster = disaster
	o.mu.Unlock()
	o.saveDisaster(disaster)

	log.WithComponent("dr").Info().
		Str("disaster_id", disaster.ID).
		Str("target", req.TargetSite).
		Str("reason", req.Reason).
		Msg("manual failover initiated")

	return o.executeFailover(ctx, disaster, source, req.TargetSite, false)
}

// executeFailover runs the standard sequence and applies the role flip
// on success. A non-nil execution is returned whatever its outcome.
func (o *Orchestrator) executeFailover(ctx context.Context, disaster *types.DisasterEvent, source, target string, automatic bool) (*types.FailoverExecution, error) {
	sequence := failover.StandardSequence(source, target, automatic)
	exec, err := o.failover.Execute(ctx, sequence)
	if err != nil {
		log.WithComponent("dr").Error().Err(err).
			Str("disaster_id", disaster.ID).
			Msg("failover could not be started")
		o.notify(ctx, "failover.failed", "failover could not be started: "+err.Error(),
			map[string]string{"disaster_id": disaster.ID})
		return nil, err
	}

	if exec.Status != types.FailoverCompleted {
		log.WithComponent("dr").Error().
			Str("disaster_id", disaster.ID).
			Str("execution_id", exec.ID).
			Str("status", string(exec.Status)).
			Msg("failover did not complete, site roles unchanged")
		o.notify(ctx, "failover.failed",
			fmt.Sprintf("failover %s -> %s finished %s", source, target, exec.Status),
			map[string]string{"disaster_id": disaster.ID, "execution_id": exec.ID})
		return exec, nil
	}

	o.applyRoleFlip(source, target, exec)

	disaster.Status = types.DisasterRecovered
	o.saveDisaster(disaster)
	o.mu.Lock()
	if o.activeDisaster != nil && o.activeDisaster.ID == disaster.ID {
		o.activeDisaster = nil
	}
	o.mu.Unlock()

	o.checkRecoveryObjective(exec)
	o.notify(ctx, "failover.completed",
		fmt.Sprintf("site %s promoted to primary, %s marked failed", target, source),
		map[string]string{"disaster_id": disaster.ID, "execution_id": exec.ID})
	return exec, nil
}

// applyRoleFlip demotes the source and promotes the target after a
// completed failover
func (o *Orchestrator) applyRoleFlip(source, target string, exec *types.FailoverExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.WallNow()
	if site, ok := o.sites[source]; ok {
		site.Role = types.SiteFailed
		site.LastFailoverTime = now
	}
	if site, ok := o.sites[target]; ok {
		site.Role = types.SitePrimary
		site.ConsecutiveHealthFailures = 0
		site.LastFailoverTime = now
	}

	log.WithComponent("dr").Info().
		Str("execution_id", exec.ID).
		Str("demoted", source).
		Str("promoted", target).
		Msg("site roles updated")
}

// checkRecoveryObjective flags failovers that overran the recovery time
// objective
func (o *Orchestrator) checkRecoveryObjective(exec *types.FailoverExecution) {
	objective := time.Duration(o.config.RTOMinutes) * time.Minute
	if objective <= 0 {
		return
	}
	elapsed := exec.EndTime.Sub(exec.StartTime)
	if elapsed <= objective {
		return
	}

	log.WithComponent("dr").Warn().
		Str("execution_id", exec.ID).
		Dur("elapsed", elapsed).
		Dur("objective", objective).
		Msg("failover exceeded recovery time objective")

	o.publish(events.EventObjectiveBreach,
		fmt.Sprintf("failover took %s, objective %s", elapsed, objective),
		map[string]string{
			"execution_id": exec.ID,
			"objective":    "rto",
			"elapsed":      elapsed.String(),
		})
}

// bestSecondary picks the failover target: a secondary with at least
// one recorded health check, no pending failures and the lowest
// replication lag, ties broken by site ID. A site that has never been
// probed is not promotable.
func (o *Orchestrator) bestSecondary() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var best *types.SiteStatus
	for _, site := range o.sites {
		if site.Role != types.SiteSecondary ||
			site.ConsecutiveHealthFailures > 0 ||
			site.LastHealthCheck.IsZero() {
			continue
		}
		if best == nil ||
			site.ReplicationLag < best.ReplicationLag ||
			(site.ReplicationLag == best.ReplicationLag && site.SiteID < best.SiteID) {
			best = site
		}
	}
	if best == nil {
		return ""
	}
	return best.SiteID
}

// maybeNightlyBackup runs the scheduled full backup once per day during
// the configured hour, then prunes expired backups
func (o *Orchestrator) maybeNightlyBackup(ctx context.Context) {
	if o.backup == nil {
		return
	}
	now := o.clock.WallNow()
	day := now.Format("2006-01-02")

	o.mu.Lock()
	due := now.Hour() == o.config.NightlyBackupHour && o.lastBackupDay != day
	if due {
		o.lastBackupDay = day
	}
	o.mu.Unlock()
	if !due {
		return
	}

	// The nightly run always verifies: an unverified scheduled backup
	// is not a recovery point
	plan := &types.BackupPlan{
		ID:            "nightly-" + day,
		Type:          types.BackupFull,
		Components:    backup.AllComponents(),
		Compression:   o.backups.Compression,
		Encryption:    o.backups.Encryption,
		Verification:  true,
		RemoteUpload:  o.backups.RemoteUpload,
		RetentionDays: o.config.RetentionDays,
		ScheduledAt:   now,
	}

	log.WithComponent("dr").Info().Str("plan_id", plan.ID).Msg("nightly backup starting")
	meta, err := o.backup.Execute(ctx, plan)
	if err != nil {
		log.WithComponent("dr").Error().Err(err).Str("plan_id", plan.ID).Msg("nightly backup failed")
		o.notify(ctx, "backup.failed", "nightly backup failed: "+err.Error(),
			map[string]string{"plan_id": plan.ID})
		return
	}

	removed, err := o.backup.Prune(o.config.RetentionDays)
	if err != nil {
		log.WithComponent("dr").Warn().Err(err).Msg("backup pruning failed")
	}
	log.WithBackupID(meta.BackupID).Info().
		Int("pruned", removed).
		Msg("nightly backup completed")
}

// Status returns the current DR posture
func (o *Orchestrator) Status() (*Status, error) {
	o.mu.Lock()
	sites := make(map[string]types.SiteStatus, len(o.sites))
	for id, site := range o.sites {
		sites[id] = *site
	}
	var active *types.DisasterEvent
	if o.activeDisaster != nil {
		c := *o.activeDisaster
		active = &c
	}
	o.mu.Unlock()

	status := &Status{
		Sites:          sites,
		ActiveDisaster: active,
		AutoFailover:   o.config.AutoFailover,
		RTOMinutes:     o.config.RTOMinutes,
		RPOMinutes:     o.config.RPOMinutes,
	}

	if o.store != nil {
		disasters, err := o.store.ListDisasters()
		if err != nil {
			return nil, types.Wrap(types.KindAdapter, err, "failed to list disasters")
		}
		sort.Slice(disasters, func(i, j int) bool {
			return disasters[i].DetectedAt.After(disasters[j].DetectedAt)
		})
		if len(disasters) > recentDisastersLimit {
			disasters = disasters[:recentDisastersLimit]
		}
		status.RecentDisasters = disasters
	}

	if o.backup != nil {
		backups, err := o.backup.List()
		if err == nil {
			for _, meta := range backups {
				if status.LastBackup == nil || meta.CreatedAt.After(status.LastBackup.CreatedAt) {
					status.LastBackup = meta
				}
			}
		}
	}
	return status, nil
}

// Sites returns a copy of the site role table
func (o *Orchestrator) Sites() map[string]types.SiteStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]types.SiteStatus, len(o.sites))
	for id, site := range o.sites {
		out[id] = *site
	}
	return out
}

// primaryLocked returns the current primary site. Caller holds the lock.
func (o *Orchestrator) primaryLocked() *types.SiteStatus {
	for _, site := range o.sites {
		if site.Role == types.SitePrimary {
			return site
		}
	}
	return nil
}

func (o *Orchestrator) saveDisaster(disaster *types.DisasterEvent) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveDisaster(disaster); err != nil {
		log.WithComponent("dr").Warn().Err(err).
			Str("disaster_id", disaster.ID).
			Msg("failed to persist disaster event")
	}
}

func (o *Orchestrator) publish(eventType events.EventType, message string, metadata map[string]string) {
	if o.broker == nil {
		return
	}
	o.broker.Publish(&events.Event{
		ID:       clock.NewID(),
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}

func (o *Orchestrator) notify(ctx context.Context, subject, message string, metadata map[string]string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, subject, message, metadata)
}
