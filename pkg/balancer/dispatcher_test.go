package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsrlabs/bastion/pkg/breaker"
	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/metrics"
	"github.com/dsrlabs/bastion/pkg/registry"
	"github.com/dsrlabs/bastion/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	breakers   *breaker.Set
	tracker    *metrics.Tracker
	clk        *clock.Fake
}

func newFixture(t *testing.T, threshold int, cooldown time.Duration) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	tracker := metrics.NewTracker(clk)
	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold:   threshold,
		Cooldown:           cooldown,
		HalfOpenProbeLimit: 1,
	}, clk, nil)
	reg := registry.New(clk, tracker, breakers, nil, nil)
	return &fixture{
		dispatcher: NewDispatcher(reg, tracker, breakers),
		registry:   reg,
		breakers:   breakers,
		tracker:    tracker,
		clk:        clk,
	}
}

func (f *fixture) addHealthy(t *testing.T, service, id string, weight int) {
	t.Helper()
	require.NoError(t, f.registry.Register(&types.ServiceInstance{
		ID:          id,
		ServiceName: service,
		Host:        "10.0.0.1",
		Port:        8080,
		Weight:      weight,
	}))
	f.registry.SetHealth(id, types.HealthHealthy, f.clk.WallNow())
}

func (f *fixture) route(t *testing.T, service string, strategy types.Strategy) string {
	t.Helper()
	inst, err := f.dispatcher.Route(service, strategy, "")
	require.NoError(t, err)
	return inst.ID
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	f := newFixture(t, 3, 10*time.Second)
	f.addHealthy(t, "S", "A", 1)
	f.addHealthy(t, "S", "B", 1)

	for i := 0; i < 3; i++ {
		f.dispatcher.RecordOutcome("S", "A", 50, false)
	}
	assert.Equal(t, types.BreakerOpen, f.breakers.Status("A").State)

	// With A open, only B is eligible
	for i := 0; i < 10; i++ {
		assert.Equal(t, "B", f.route(t, "S", types.StrategyRoundRobin))
	}

	// Past the cooldown the next route admits A as the half-open probe
	f.clk.Advance(11 * time.Second)
	assert.Equal(t, "A", f.route(t, "S", types.StrategyRoundRobin))
	assert.Equal(t, types.BreakerHalfOpen, f.breakers.Status("A").State)

	f.dispatcher.RecordOutcome("S", "A", 50, true)
	assert.Equal(t, types.BreakerClosed, f.breakers.Status("A").State)

	assert.Equal(t, "B", f.route(t, "S", types.StrategyRoundRobin))
	assert.Equal(t, "A", f.route(t, "S", types.StrategyRoundRobin))
	assert.Equal(t, "B", f.route(t, "S", types.StrategyRoundRobin))
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	f.addHealthy(t, "S", "X", 3)
	f.addHealthy(t, "S", "Y", 1)

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		counts[f.route(t, "S", types.StrategyWeightedRoundRobin)]++
	}
	assert.Equal(t, 6, counts["X"])
	assert.Equal(t, 2, counts["Y"])
}

func TestWeightedRoundRobinSkipsZeroWeight(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	f.addHealthy(t, "S", "X", 2)
	f.addHealthy(t, "S", "Z", 0)

	for i := 0; i < 6; i++ {
		assert.Equal(t, "X", f.route(t, "S", types.StrategyWeightedRoundRobin))
	}
}

func TestWeightedRoundRobinAllZeroWeights(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	f.addHealthy(t, "S", "X", 0)

	_, err := f.dispatcher.Route("S", types.StrategyWeightedRoundRobin, "")
	assert.True(t, types.IsKind(err, types.KindUnavailable))
}

func TestRoundRobinFairness(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	for _, id := range []string{"a", "b", "c"} {
		f.addHealthy(t, "S", id, 1)
	}

	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		id := f.route(t, "S", types.StrategyRoundRobin)
		counts[id]++
		f.dispatcher.RecordOutcome("S", id, 10, true)
	}
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 10, counts[id])
	}
}

func TestLeastConnections(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	f.addHealthy(t, "S", "a", 1)
	f.addHealthy(t, "S", "b", 1)

	// Pile connections on a; b should win
	f.tracker.IncrementActive("a")
	f.tracker.IncrementActive("a")
	assert.Equal(t, "b", f.route(t, "S", types.StrategyLeastConnections))
}

func TestLeastConnectionsTieBreaksOnScore(t *testing.T) {
	f := newFixture(t, 10, 30*time.Second)
	f.addHealthy(t, "S", "a", 1)
	f.addHealthy(t, "S", "b", 1)

	// Equal connections; a's error history lowers its score
	f.tracker.RecordRequest("a", 50, false)
	f.tracker.RecordRequest("b", 50, true)
	assert.Equal(t, "b", f.route(t, "S", types.StrategyLeastConnections))
}

func TestWeightedResponseTime(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	f.addHealthy(t, "S", "fast", 1)
	f.addHealthy(t, "S", "slow", 1)

	f.tracker.RecordRequest("fast", 20, true)
	f.tracker.RecordRequest("slow", 200, true)
	assert.Equal(t, "fast", f.route(t, "S", types.StrategyWeightedResponse))
	f.dispatcher.RecordOutcome("S", "fast", 20, true)

	// A higher weight absorbs higher latency
	f2 := newFixture(t, 5, 30*time.Second)
	f2.addHealthy(t, "S", "heavy", 10)
	f2.addHealthy(t, "S", "light", 1)
	f2.tracker.RecordRequest("heavy", 200, true)
	f2.tracker.RecordRequest("light", 100, true)
	// 200/10 = 20 beats 100/1 = 100
	assert.Equal(t, "heavy", f2.route(t, "S", types.StrategyWeightedResponse))
}

func TestWeightedResponseTimePrefersUnsampled(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	f.addHealthy(t, "S", "sampled", 1)
	f.addHealthy(t, "S", "fresh", 1)

	f.tracker.RecordRequest("sampled", 5, true)
	assert.Equal(t, "fresh", f.route(t, "S", types.StrategyWeightedResponse))
}

func TestRandomPicksAdmittedInstance(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	f.addHealthy(t, "S", "a", 1)
	f.addHealthy(t, "S", "b", 1)

	for i := 0; i < 20; i++ {
		id := f.route(t, "S", types.StrategyRandom)
		assert.Contains(t, []string{"a", "b"}, id)
		f.dispatcher.RecordOutcome("S", id, 10, true)
	}
}

func TestConsistentHashStability(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	for _, id := range []string{"a", "b", "c"} {
		f.addHealthy(t, "S", id, 1)
	}

	first, err := f.dispatcher.Route("S", types.StrategyConsistentHash, "session-42")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		inst, err := f.dispatcher.Route("S", types.StrategyConsistentHash, "session-42")
		require.NoError(t, err)
		assert.Equal(t, first.ID, inst.ID)
	}
}

func TestConsistentHashMovesOffUnhealthyOwner(t *testing.T) {
	f := newFixture(t, 1, time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		f.addHealthy(t, "S", id, 1)
	}

	owner, err := f.dispatcher.Route("S", types.StrategyConsistentHash, "session-42")
	require.NoError(t, err)
	f.dispatcher.RecordOutcome("S", owner.ID, 10, false)

	// The key now lands on a different, stable owner
	next, err := f.dispatcher.Route("S", types.StrategyConsistentHash, "session-42")
	require.NoError(t, err)
	assert.NotEqual(t, owner.ID, next.ID)

	again, err := f.dispatcher.Route("S", types.StrategyConsistentHash, "session-42")
	require.NoError(t, err)
	assert.Equal(t, next.ID, again.ID)
}

func TestConsistentHashRequiresKey(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	f.addHealthy(t, "S", "a", 1)

	_, err := f.dispatcher.Route("S", types.StrategyConsistentHash, "")
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestUnknownStrategy(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	_, err := f.dispatcher.Route("S", types.Strategy("bogus"), "")
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestNoInstanceAvailable(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)

	// No instances at all
	_, err := f.dispatcher.Route("S", types.StrategyRoundRobin, "")
	assert.True(t, types.IsKind(err, types.KindUnavailable))

	// Registered but unhealthy
	require.NoError(t, f.registry.Register(&types.ServiceInstance{
		ID: "a", ServiceName: "S", Host: "h", Port: 80, Weight: 1,
	}))
	f.registry.SetHealth("a", types.HealthUnhealthy, f.clk.WallNow())
	_, err = f.dispatcher.Route("S", types.StrategyRoundRobin, "")
	assert.True(t, types.IsKind(err, types.KindUnavailable))
}

func TestRouteIncrementsActiveAndOutcomeReleases(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)
	f.addHealthy(t, "S", "a", 1)

	_, err := f.dispatcher.Route("S", types.StrategyRoundRobin, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.tracker.Snapshot("a").ActiveConnections)

	f.dispatcher.RecordOutcome("S", "a", 42, true)
	snap := f.tracker.Snapshot("a")
	assert.Zero(t, snap.ActiveConnections)
	assert.Equal(t, int64(1), snap.TotalRequests)
}

func TestStrategiesCapabilities(t *testing.T) {
	f := newFixture(t, 5, 30*time.Second)

	infos := f.dispatcher.Strategies()
	require.Len(t, infos, 6)

	byName := map[types.Strategy]types.StrategyInfo{}
	for _, info := range infos {
		byName[info.Name] = info
	}
	assert.True(t, byName[types.StrategyConsistentHash].NeedsKey)
	assert.True(t, byName[types.StrategyWeightedRoundRobin].UsesWeights)
	assert.True(t, byName[types.StrategyLeastConnections].UsesMetrics)
	assert.False(t, byName[types.StrategyRoundRobin].NeedsKey)
}
