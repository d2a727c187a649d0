package dr

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsrlabs/bastion/pkg/backup"
	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/config"
	"github.com/dsrlabs/bastion/pkg/events"
	"github.com/dsrlabs/bastion/pkg/failover"
	"github.com/dsrlabs/bastion/pkg/health"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/storage"
	"github.com/dsrlabs/bastion/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// scriptedChecker reports whatever health the test sets
type scriptedChecker struct {
	mu      sync.Mutex
	healthy bool
}

func (c *scriptedChecker) set(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
}

func (c *scriptedChecker) Check(ctx context.Context) health.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthy {
		return health.Result{Status: types.HealthHealthy}
	}
	return health.Result{Status: types.HealthUnhealthy, FailureReason: "probe refused"}
}

func (c *scriptedChecker) Type() health.CheckType { return health.CheckTypeTCP }

// stubBackupAdapter writes one file so executions produce real artifacts
type stubBackupAdapter struct{}

func (a *stubBackupAdapter) Backup(ctx context.Context, dir string) error {
	return os.WriteFile(filepath.Join(dir, "dump.bin"), []byte("state"), 0o644)
}

func (a *stubBackupAdapter) Restore(ctx context.Context, dir string) error { return nil }

func (a *stubBackupAdapter) Critical() bool { return false }

// alertRecorder captures notifications
type alertRecorder struct {
	mu       sync.Mutex
	subjects []string
}

func (r *alertRecorder) Notify(ctx context.Context, subject, message string, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
}

func (r *alertRecorder) has(subject string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

type fixture struct {
	orch     *Orchestrator
	clk      *clock.Fake
	broker   *events.Broker
	store    storage.Store
	fail     *failover.Engine
	backups  *backup.Engine
	alerts   *alertRecorder
	checkers map[string]*scriptedChecker
	prober   *health.Prober
}

func newFixture(t *testing.T, autoFailover bool) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	prober := health.NewProber(health.Config{
		Interval:         time.Hour,
		Timeout:          time.Second,
		FailureThreshold: 1,
	}, clk, broker)

	failEngine := failover.NewEngine(failover.DefaultConfig(), clk, store, broker)
	for _, stepType := range []types.FailoverStepType{
		types.StepDatabaseFailover,
		types.StepLoadBalancerUpdate,
		types.StepDNSUpdate,
		types.StepConfigurationUpdate,
		types.StepServiceRestart,
		types.StepHealthCheck,
		types.StepNotification,
	} {
		failEngine.RegisterAdapter(stepType, &failover.FuncAdapter{})
	}

	backupCfg := config.BackupConfig{BasePath: t.TempDir()}
	backupEngine := backup.NewEngine(backupCfg, clk, store, broker)
	for _, component := range backup.AllComponents() {
		backupEngine.RegisterAdapter(component, &stubBackupAdapter{})
	}

	alerts := &alertRecorder{}
	orch := New(config.DRConfig{
		Enabled:              true,
		AutoFailover:         autoFailover,
		RTOMinutes:           240,
		RPOMinutes:           60,
		RetentionDays:        30,
		MonitorInterval:      time.Minute,
		SiteFailureThreshold: 3,
		NightlyBackupHour:    2,
	}, backupCfg, Deps{
		Clock:    clk,
		Prober:   prober,
		Failover: failEngine,
		Backup:   backupEngine,
		Store:    store,
		Broker:   broker,
		Notifier: alerts,
	})

	return &fixture{
		orch:     orch,
		clk:      clk,
		broker:   broker,
		store:    store,
		fail:     failEngine,
		backups:  backupEngine,
		alerts:   alerts,
		checkers: make(map[string]*scriptedChecker),
		prober:   prober,
	}
}

func (f *fixture) addSite(t *testing.T, siteID string, role types.SiteRole, lag time.Duration, healthy bool) {
	t.Helper()

	checker := &scriptedChecker{healthy: healthy}
	f.checkers[siteID] = checker
	f.prober.Watch(health.Target{
		ID:      siteID + "-api",
		Kind:    health.TargetService,
		SiteID:  siteID,
		Checker: checker,
	})
	require.NoError(t, f.orch.RegisterSite(types.SiteStatus{
		SiteID:         siteID,
		Role:           role,
		Endpoint:       siteID + ".dsr.internal:8600",
		ReplicationLag: lag,
	}))
}

func TestAutoFailoverOnPrimaryOutage(t *testing.T) {
	f := newFixture(t, true)
	f.addSite(t, "site-a", types.SitePrimary, 0, false)
	f.addSite(t, "site-b", types.SiteSecondary, 20*time.Second, true)
	f.addSite(t, "site-c", types.SiteSecondary, 50*time.Second, true)

	ctx := context.Background()

	// Two failures stay below the threshold
	f.orch.MonitorPass(ctx)
	f.orch.MonitorPass(ctx)
	sites := f.orch.Sites()
	assert.Equal(t, types.SitePrimary, sites["site-a"].Role)
	assert.Equal(t, 2, sites["site-a"].ConsecutiveHealthFailures)
	assert.Empty(t, f.fail.History())

	// Third failure crosses it: failover to the lowest-lag secondary
	f.orch.MonitorPass(ctx)

	sites = f.orch.Sites()
	assert.Equal(t, types.SiteFailed, sites["site-a"].Role)
	assert.Equal(t, types.SitePrimary, sites["site-b"].Role)
	assert.Equal(t, types.SiteSecondary, sites["site-c"].Role)
	assert.False(t, sites["site-b"].LastFailoverTime.IsZero())

	history := f.fail.History()
	require.Len(t, history, 1)
	assert.Equal(t, types.FailoverCompleted, history[0].Status)
	assert.Equal(t, "site-a", history[0].SourceSite)
	assert.Equal(t, "site-b", history[0].TargetSite)

	status, err := f.orch.Status()
	require.NoError(t, err)
	assert.Nil(t, status.ActiveDisaster)
	require.Len(t, status.RecentDisasters, 1)
	assert.Equal(t, types.DisasterRecovered, status.RecentDisasters[0].Status)
	assert.True(t, f.alerts.has("disaster.detected"))
	assert.True(t, f.alerts.has("failover.completed"))
}

func TestHealthyPassResetsFailureCount(t *testing.T) {
	f := newFixture(t, true)
	f.addSite(t, "site-a", types.SitePrimary, 0, false)
	f.addSite(t, "site-b", types.SiteSecondary, 20*time.Second, true)

	ctx := context.Background()
	f.orch.MonitorPass(ctx)
	f.orch.MonitorPass(ctx)

	f.checkers["site-a"].set(true)
	f.orch.MonitorPass(ctx)

	sites := f.orch.Sites()
	assert.Equal(t, 0, sites["site-a"].ConsecutiveHealthFailures)
	assert.Equal(t, types.SitePrimary, sites["site-a"].Role)
	assert.Empty(t, f.fail.History())
}

func TestAutoFailoverDisabledOnlyAlerts(t *testing.T) {
	f := newFixture(t, false)
	f.addSite(t, "site-a", types.SitePrimary, 0, false)
	f.addSite(t, "site-b", types.SiteSecondary, 20*time.Second, true)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.orch.MonitorPass(ctx)
	}

	sites := f.orch.Sites()
	assert.Equal(t, types.SitePrimary, sites["site-a"].Role)
	assert.Empty(t, f.fail.History())
	assert.True(t, f.alerts.has("disaster.detected"))
}

func TestBestSecondarySkipsFailingSites(t *testing.T) {
	f := newFixture(t, true)
	f.addSite(t, "site-a", types.SitePrimary, 0, false)
	f.addSite(t, "site-b", types.SiteSecondary, 20*time.Second, false)
	f.addSite(t, "site-c", types.SiteSecondary, 50*time.Second, true)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.orch.MonitorPass(ctx)
	}

	// site-b has the lower lag but is failing its own checks
	sites := f.orch.Sites()
	assert.Equal(t, types.SitePrimary, sites["site-c"].Role)
	assert.Equal(t, types.SiteSecondary, sites["site-b"].Role)
}

func TestBestSecondaryRequiresRecordedCheck(t *testing.T) {
	f := newFixture(t, true)
	f.addSite(t, "site-a", types.SitePrimary, 0, false)
	f.addSite(t, "site-c", types.SiteSecondary, 50*time.Second, true)

	// site-b is registered but nothing is watched for it, so it has no
	// recorded health check
	require.NoError(t, f.orch.RegisterSite(types.SiteStatus{
		SiteID:         "site-b",
		Role:           types.SiteSecondary,
		Endpoint:       "site-b.dsr.internal:8600",
		ReplicationLag: 5 * time.Second,
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.orch.MonitorPass(ctx)
	}

	// site-b has the lower lag but was never probed
	sites := f.orch.Sites()
	assert.Equal(t, types.SitePrimary, sites["site-c"].Role)
	assert.Equal(t, types.SiteSecondary, sites["site-b"].Role)
	assert.True(t, sites["site-b"].LastHealthCheck.IsZero())
}

func TestNoSecondaryLeavesDisasterActive(t *testing.T) {
	f := newFixture(t, true)
	f.addSite(t, "site-a", types.SitePrimary, 0, false)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.orch.MonitorPass(ctx)
	}

	sites := f.orch.Sites()
	assert.Equal(t, types.SitePrimary, sites["site-a"].Role)
	assert.Empty(t, f.fail.History())
	assert.True(t, f.alerts.has("failover.failed"))

	// The disaster stays active and is not re-detected every pass
	status, err := f.orch.Status()
	require.NoError(t, err)
	require.NotNil(t, status.ActiveDisaster)
	assert.Equal(t, types.DisasterDetected, status.ActiveDisaster.Status)
	assert.Len(t, status.RecentDisasters, 1)
}

func TestInitiateManualFailover(t *testing.T) {
	f := newFixture(t, false)
	f.addSite(t, "site-a", types.SitePrimary, 0, true)
	f.addSite(t, "site-b", types.SiteSecondary, 20*time.Second, true)

	exec, err := f.orch.Initiate(context.Background(), Request{
		Type:       "planned_maintenance",
		Severity:   types.SeverityMinor,
		TargetSite: "site-b",
		Reason:     "quarterly DR drill",
	})
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, types.FailoverCompleted, exec.Status)

	sites := f.orch.Sites()
	assert.Equal(t, types.SiteFailed, sites["site-a"].Role)
	assert.Equal(t, types.SitePrimary, sites["site-b"].Role)

	status, err := f.orch.Status()
	require.NoError(t, err)
	assert.Nil(t, status.ActiveDisaster)
	require.Len(t, status.RecentDisasters, 1)
	assert.Equal(t, "planned_maintenance", status.RecentDisasters[0].Type)
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t, false)
	f.addSite(t, "site-a", types.SitePrimary, 0, true)
	f.addSite(t, "site-b", types.SiteSecondary, 20*time.Second, true)

	ctx := context.Background()

	_, err := f.orch.Initiate(ctx, Request{})
	assert.True(t, types.IsKind(err, types.KindValidation))

	_, err = f.orch.Initiate(ctx, Request{TargetSite: "site-x"})
	assert.True(t, types.IsKind(err, types.KindNotFound))

	_, err = f.orch.Initiate(ctx, Request{TargetSite: "site-a"})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestReplicationObjectiveBreach(t *testing.T) {
	f := newFixture(t, false)
	f.addSite(t, "site-a", types.SitePrimary, 0, true)
	f.addSite(t, "site-b", types.SiteSecondary, 90*time.Minute, true)

	sub := f.broker.Subscribe()
	defer f.broker.Unsubscribe(sub)

	f.orch.MonitorPass(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-sub:
			if event.Type != events.EventObjectiveBreach {
				continue
			}
			assert.Equal(t, "site-b", event.Metadata["site"])
			assert.Equal(t, "rpo", event.Metadata["objective"])
			return
		case <-deadline:
			t.Fatal("no objective breach event observed")
		}
	}
}

func TestSetReplicationLag(t *testing.T) {
	f := newFixture(t, false)
	f.addSite(t, "site-b", types.SiteSecondary, 20*time.Second, true)

	require.NoError(t, f.orch.SetReplicationLag("site-b", 45*time.Second))
	assert.Equal(t, 45*time.Second, f.orch.Sites()["site-b"].ReplicationLag)

	err := f.orch.SetReplicationLag("site-x", time.Second)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestRegisterSiteValidation(t *testing.T) {
	f := newFixture(t, false)

	err := f.orch.RegisterSite(types.SiteStatus{Role: types.SitePrimary})
	assert.True(t, types.IsKind(err, types.KindValidation))

	err = f.orch.RegisterSite(types.SiteStatus{SiteID: "site-a"})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestReRegisterPreservesRoleAndFailures(t *testing.T) {
	f := newFixture(t, true)
	f.addSite(t, "site-a", types.SitePrimary, 0, false)
	f.addSite(t, "site-b", types.SiteSecondary, 20*time.Second, true)

	f.orch.MonitorPass(context.Background())

	require.NoError(t, f.orch.RegisterSite(types.SiteStatus{
		SiteID:         "site-a",
		Role:           types.SiteSecondary, // ignored on re-register
		Endpoint:       "site-a.dsr.internal:9600",
		ReplicationLag: time.Second,
	}))

	site := f.orch.Sites()["site-a"]
	assert.Equal(t, types.SitePrimary, site.Role)
	assert.Equal(t, 1, site.ConsecutiveHealthFailures)
	assert.Equal(t, "site-a.dsr.internal:9600", site.Endpoint)
}

func TestNightlyBackupRunsOncePerDay(t *testing.T) {
	f := newFixture(t, false)

	// Noon: not the backup hour
	f.orch.maybeNightlyBackup(context.Background())
	backups, err := f.backups.List()
	require.NoError(t, err)
	assert.Empty(t, backups)

	// Advance to 02:30 the next day
	f.clk.Advance(14*time.Hour + 30*time.Minute)
	f.orch.maybeNightlyBackup(context.Background())
	backups, err = f.backups.List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "nightly-2026-03-02", backups[0].Manifest.PlanID)

	// Same hour again: already done today
	f.clk.Advance(10 * time.Minute)
	f.orch.maybeNightlyBackup(context.Background())
	backups, err = f.backups.List()
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	// Next day runs again
	f.clk.Advance(24 * time.Hour)
	f.orch.maybeNightlyBackup(context.Background())
	backups, err = f.backups.List()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestNightlyBackupAlwaysVerifies(t *testing.T) {
	// The fixture's backup config leaves verification off
	f := newFixture(t, false)

	f.clk.Advance(14*time.Hour + 30*time.Minute)
	f.orch.maybeNightlyBackup(context.Background())

	backups, err := f.backups.List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.True(t, backups[0].IntegrityVerified)
	assert.True(t, backups[0].Manifest.Verified)
}

func TestStatusReportsObjectives(t *testing.T) {
	f := newFixture(t, true)
	f.addSite(t, "site-a", types.SitePrimary, 0, true)

	status, err := f.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, 240, status.RTOMinutes)
	assert.Equal(t, 60, status.RPOMinutes)
	assert.True(t, status.AutoFailover)
	assert.Contains(t, status.Sites, "site-a")
}

func TestStartStopLoop(t *testing.T) {
	f := newFixture(t, false)
	f.addSite(t, "site-a", types.SitePrimary, 0, true)

	f.orch.Start()
	time.Sleep(20 * time.Millisecond)
	f.orch.Stop()
}
