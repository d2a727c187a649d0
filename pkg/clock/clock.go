package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time so breaker cooldowns, probe cadences and DR
// schedules stay correct across wall-clock jumps and stay deterministic
// in tests.
type Clock interface {
	// Now returns a monotonic reading, used for all in-core comparisons
	Now() time.Time

	// WallNow returns the wall-clock time, used for persisted timestamps
	WallNow() time.Time

	// Since returns the elapsed monotonic time since t
	Since(t time.Time) time.Duration
}

// System is the real clock
type System struct{}

// NewSystem creates the real clock
func NewSystem() *System {
	return &System{}
}

// Now returns the current time. Go's time.Now carries a monotonic reading,
// so Sub/Since on these values are immune to wall-clock adjustment.
func (s *System) Now() time.Time {
	return time.Now()
}

// WallNow returns the current wall-clock time with the monotonic reading
// stripped, suitable for persistence
func (s *System) WallNow() time.Time {
	return time.Now().Round(0)
}

// Since returns the elapsed time since t
func (s *System) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Fake is a manually advanced clock for tests
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at the given time
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// WallNow returns the fake current time
func (f *Fake) WallNow() time.Time {
	return f.Now()
}

// Since returns elapsed fake time since t
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// NewID returns an opaque, collision-resistant identifier
func NewID() string {
	return uuid.New().String()
}
