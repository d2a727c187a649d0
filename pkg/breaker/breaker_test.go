package breaker

import (
	"testing"
	"time"

	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/types"
	"github.com/stretchr/testify/assert"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func newTestSet(threshold int, cooldown time.Duration) (*Set, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	s := NewSet(Config{
		FailureThreshold:   threshold,
		Cooldown:           cooldown,
		HalfOpenProbeLimit: 1,
	}, clk, nil)
	return s, clk
}

func TestOpensAtExactThreshold(t *testing.T) {
	s, _ := newTestSet(3, 10*time.Second)

	assert.True(t, s.Allow("a"))
	s.OnFailure("a")
	s.OnFailure("a")
	assert.Equal(t, types.BreakerClosed, s.Status("a").State)
	assert.True(t, s.Allow("a"))

	s.OnFailure("a")
	assert.Equal(t, types.BreakerOpen, s.Status("a").State)
	assert.False(t, s.Allow("a"))
}

func TestSuccessResetsClosedCounter(t *testing.T) {
	s, _ := newTestSet(3, 10*time.Second)

	s.OnFailure("a")
	s.OnFailure("a")
	s.OnSuccess("a")
	s.OnFailure("a")
	s.OnFailure("a")
	// Interleaved success means the threshold was never reached
	assert.Equal(t, types.BreakerClosed, s.Status("a").State)
}

func TestNoHalfOpenBeforeCooldown(t *testing.T) {
	s, clk := newTestSet(1, 10*time.Second)

	s.OnFailure("a")
	assert.Equal(t, types.BreakerOpen, s.Status("a").State)

	clk.Advance(9 * time.Second)
	assert.False(t, s.Allow("a"))
	assert.Equal(t, types.BreakerOpen, s.Status("a").State)

	clk.Advance(2 * time.Second)
	assert.True(t, s.Allow("a"))
	assert.Equal(t, types.BreakerHalfOpen, s.Status("a").State)
}

func TestHalfOpenProbeLimit(t *testing.T) {
	s, clk := newTestSet(1, 10*time.Second)

	s.OnFailure("a")
	clk.Advance(11 * time.Second)

	// First caller gets the probe, second is rejected
	assert.True(t, s.Allow("a"))
	assert.False(t, s.Allow("a"))
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	s, clk := newTestSet(1, 10*time.Second)

	s.OnFailure("a")
	clk.Advance(11 * time.Second)
	assert.True(t, s.Allow("a"))

	s.OnSuccess("a")
	st := s.Status("a")
	assert.Equal(t, types.BreakerClosed, st.State)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.True(t, s.Allow("a"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	s, clk := newTestSet(1, 10*time.Second)

	s.OnFailure("a")
	opened := s.Status("a").OpenedAt

	clk.Advance(11 * time.Second)
	assert.True(t, s.Allow("a"))
	s.OnFailure("a")

	st := s.Status("a")
	assert.Equal(t, types.BreakerOpen, st.State)
	// openedAt restarts the cooldown
	assert.True(t, st.OpenedAt.After(opened))
	assert.False(t, s.Allow("a"))
}

func TestMonotoneWhileOpen(t *testing.T) {
	s, _ := newTestSet(2, time.Minute)

	s.OnFailure("a")
	s.OnFailure("a")
	assert.Equal(t, 2, s.Status("a").ConsecutiveFailures)

	// A stale success while open neither closes nor decrements
	s.OnSuccess("a")
	st := s.Status("a")
	assert.Equal(t, types.BreakerOpen, st.State)
	assert.Equal(t, 2, st.ConsecutiveFailures)

	s.OnFailure("a")
	assert.Equal(t, 3, s.Status("a").ConsecutiveFailures)
}

func TestForceReset(t *testing.T) {
	s, _ := newTestSet(1, time.Hour)

	s.OnFailure("a")
	assert.False(t, s.Allow("a"))

	s.Reset("a")
	st := s.Status("a")
	assert.Equal(t, types.BreakerClosed, st.State)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.True(t, s.Allow("a"))
}

func TestBreakersAreIndependent(t *testing.T) {
	s, _ := newTestSet(1, time.Minute)

	s.OnFailure("a")
	assert.False(t, s.Allow("a"))
	assert.True(t, s.Allow("b"))
}

func TestAllSortedByID(t *testing.T) {
	s, _ := newTestSet(1, time.Minute)

	s.OnFailure("c")
	s.OnSuccess("a")
	s.OnSuccess("b")

	all := s.All()
	assert.Len(t, all, 3)
	assert.Equal(t, "a", all[0].InstanceID)
	assert.Equal(t, "c", all[2].InstanceID)
	assert.Equal(t, types.BreakerOpen, all[2].State)
}

func TestNextProbeAt(t *testing.T) {
	s, clk := newTestSet(1, 30*time.Second)

	start := clk.Now()
	s.OnFailure("a")

	st := s.Status("a")
	assert.Equal(t, start.Add(30*time.Second), st.NextProbeAt)
}
