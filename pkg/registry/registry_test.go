package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsrlabs/bastion/pkg/breaker"
	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/metrics"
	"github.com/dsrlabs/bastion/pkg/storage"
	"github.com/dsrlabs/bastion/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func newTestRegistry() (*Registry, *clock.Fake, *breaker.Set) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	tracker := metrics.NewTracker(clk)
	breakers := breaker.NewSet(breaker.Config{FailureThreshold: 1, Cooldown: time.Minute}, clk, nil)
	return New(clk, tracker, breakers, nil, nil), clk, breakers
}

func instance(service, id string, weight int) *types.ServiceInstance {
	return &types.ServiceInstance{
		ID:          id,
		ServiceName: service,
		Host:        "10.0.0.1",
		Port:        8080,
		Weight:      weight,
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _, _ := newTestRegistry()

	tests := []struct {
		name string
		inst *types.ServiceInstance
	}{
		{"nil instance", nil},
		{"missing id", &types.ServiceInstance{ServiceName: "users", Host: "h", Port: 80}},
		{"missing service", &types.ServiceInstance{ID: "a", Host: "h", Port: 80}},
		{"missing host", &types.ServiceInstance{ID: "a", ServiceName: "users", Port: 80}},
		{"port zero", &types.ServiceInstance{ID: "a", ServiceName: "users", Host: "h", Port: 0}},
		{"port too large", &types.ServiceInstance{ID: "a", ServiceName: "users", Host: "h", Port: 70000}},
		{"negative weight", &types.ServiceInstance{ID: "a", ServiceName: "users", Host: "h", Port: 80, Weight: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.inst)
			assert.True(t, types.IsKind(err, types.KindValidation))
		})
	}
}

func TestRegisterAndGet(t *testing.T) {
	r, clk, _ := newTestRegistry()

	require.NoError(t, r.Register(instance("users", "u1", 1)))

	got, err := r.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	assert.Equal(t, types.HealthUnknown, got.HealthStatus)
	assert.Equal(t, clk.WallNow(), got.RegisteredAt)

	_, err = r.Get("users", "nope")
	assert.True(t, types.IsKind(err, types.KindNotFound))
	_, err = r.Get("ghosts", "u1")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestReRegisterPreservesMetricsAndBreaker(t *testing.T) {
	r, _, breakers := newTestRegistry()

	require.NoError(t, r.Register(instance("users", "u1", 1)))
	r.tracker.RecordRequest("u1", 40, true)
	r.tracker.RecordRequest("u1", 60, true)
	breakers.OnFailure("u1")
	require.Equal(t, types.BreakerOpen, breakers.Status("u1").State)

	updated := instance("users", "u1", 5)
	updated.Host = "10.0.0.2"
	require.NoError(t, r.Register(updated))

	got, err := r.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", got.Host)
	assert.Equal(t, 5, got.Weight)

	snap := r.tracker.Snapshot("u1")
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, types.BreakerOpen, breakers.Status("u1").State)

	assert.Len(t, r.List("users"), 1)
}

func TestDeregisterReleasesInstanceState(t *testing.T) {
	r, _, breakers := newTestRegistry()

	require.NoError(t, r.Register(instance("users", "u1", 1)))
	r.tracker.RecordRequest("u1", 25, false)
	breakers.OnFailure("u1")

	require.NoError(t, r.Deregister("users", "u1"))

	_, err := r.Get("users", "u1")
	assert.True(t, types.IsKind(err, types.KindNotFound))
	assert.True(t, types.IsKind(r.Deregister("users", "u1"), types.KindNotFound))
	assert.True(t, types.IsKind(r.Deregister("ghosts", "u1"), types.KindNotFound))

	// State starts fresh if the same ID comes back
	assert.Zero(t, r.tracker.Snapshot("u1").TotalRequests)
	assert.Equal(t, types.BreakerClosed, breakers.Status("u1").State)
}

func TestListSortedByID(t *testing.T) {
	r, _, _ := newTestRegistry()

	require.NoError(t, r.Register(instance("users", "c", 1)))
	require.NoError(t, r.Register(instance("users", "a", 1)))
	require.NoError(t, r.Register(instance("users", "b", 1)))

	list := r.List("users")
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[2].ID)

	assert.Nil(t, r.List("ghosts"))
}

func TestListHealthyFilters(t *testing.T) {
	r, clk, breakers := newTestRegistry()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Register(instance("users", id, 1)))
	}
	now := clk.WallNow()
	r.SetHealth("a", types.HealthHealthy, now)
	r.SetHealth("b", types.HealthDegraded, now)
	r.SetHealth("c", types.HealthUnhealthy, now)
	// d stays UNKNOWN

	healthy := r.ListHealthy("users")
	require.Len(t, healthy, 2)
	assert.Equal(t, "a", healthy[0].ID)
	assert.Equal(t, "b", healthy[1].ID)

	// An open breaker removes an otherwise healthy instance
	breakers.OnFailure("a")
	healthy = r.ListHealthy("users")
	require.Len(t, healthy, 1)
	assert.Equal(t, "b", healthy[0].ID)
}

func TestSetHealthUnknownInstanceIsNoop(t *testing.T) {
	r, clk, _ := newTestRegistry()
	r.SetHealth("ghost", types.HealthHealthy, clk.WallNow())
	assert.Empty(t, r.Services())
}

func TestServices(t *testing.T) {
	r, _, _ := newTestRegistry()

	require.NoError(t, r.Register(instance("users", "u1", 1)))
	require.NoError(t, r.Register(instance("households", "h1", 1)))
	require.NoError(t, r.Deregister("households", "h1"))

	assert.Equal(t, []string{"users"}, r.Services())
}

func TestRehydrateFromStore(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	clk := clock.NewFake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	tracker := metrics.NewTracker(clk)
	breakers := breaker.NewSet(breaker.DefaultConfig(), clk, nil)

	first := New(clk, tracker, breakers, store, nil)
	inst := instance("users", "u1", 2)
	require.NoError(t, first.Register(inst))
	first.SetHealth("u1", types.HealthHealthy, clk.WallNow())

	second := New(clk, tracker, breakers, store, nil)
	require.NoError(t, second.Rehydrate())

	got, err := second.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Weight)
	// Persisted health is stale by definition, so it comes back UNKNOWN
	assert.Equal(t, types.HealthUnknown, got.HealthStatus)
}
