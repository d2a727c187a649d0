package poolmon

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/events"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/metrics"
)

// PoolSample is one observation of a connection pool's state
type PoolSample struct {
	Active    int       `json:"active"`
	Idle      int       `json:"idle"`
	Total     int       `json:"total"`
	Waiting   int       `json:"waiting"`
	Max       int       `json:"max"`
	Min       int       `json:"min"`
	Timeouts  int64     `json:"timeouts"`
	Leaks     int64     `json:"leaks"`
	SampledAt time.Time `json:"sampledAt"`
}

// Utilization returns active/max, or 0 for an unbounded pool
func (s PoolSample) Utilization() float64 {
	if s.Max == 0 {
		return 0
	}
	return float64(s.Active) / float64(s.Max)
}

// TelemetrySource exposes a pool's current state. The monitor only
// reads; it never mutates the pool.
type TelemetrySource interface {
	Sample() (PoolSample, error)
}

// Recommendation is one piece of tuning advice derived from observed
// pool behavior
type Recommendation struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

const (
	ActionRaisePoolSize       = "raise_pool_size"
	ActionLowerPoolSize       = "lower_pool_size"
	ActionRaiseConnTimeout    = "raise_connection_timeout"
	ActionEnableLeakDetection = "enable_leak_detection"
)

// Config holds monitor tuning
type Config struct {
	// Interval between samples
	Interval time.Duration

	// WindowSize is how many samples the rolling window keeps
	WindowSize int

	// UtilizationWarning is the utilization above which a warning fires
	UtilizationWarning float64

	// WaitingPersistSamples is how many consecutive samples must show
	// waiters before the persistent-waiting warning fires
	WaitingPersistSamples int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:              30 * time.Second,
		WindowSize:            100,
		UtilizationWarning:    0.9,
		WaitingPersistSamples: 3,
	}
}

// Monitor samples a connection pool on a fixed cadence, keeps a rolling
// window of observations and emits warnings when the pool is under
// pressure
type Monitor struct {
	config Config
	source TelemetrySource
	clock  clock.Clock
	broker *events.Broker

	mu            sync.RWMutex
	window        []PoolSample // ring buffer
	next          int
	count         int
	waitingStreak int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a new pool monitor
func NewMonitor(cfg Config, source TelemetrySource, clk clock.Clock, broker *events.Broker) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.UtilizationWarning == 0 {
		cfg.UtilizationWarning = DefaultConfig().UtilizationWarning
	}
	if cfg.WaitingPersistSamples == 0 {
		cfg.WaitingPersistSamples = DefaultConfig().WaitingPersistSamples
	}
	return &Monitor{
		config: cfg,
		source: source,
		clock:  clk,
		broker: broker,
		window: make([]PoolSample, cfg.WindowSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the sampling loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the sampling loop within one interval
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Sample immediately on start
	m.SampleOnce()

	for {
		select {
		case <-ticker.C:
			m.SampleOnce()
		case <-m.stopCh:
			return
		}
	}
}

// SampleOnce takes one sample, records it and evaluates warnings.
// Exposed so the admin endpoint can force a sample on demand.
func (m *Monitor) SampleOnce() {
	sample, err := m.source.Sample()
	if err != nil {
		log.WithComponent("poolmon").Warn().Err(err).Msg("pool sample failed")
		return
	}
	sample.SampledAt = m.clock.WallNow()

	m.mu.Lock()
	m.window[m.next] = sample
	m.next = (m.next + 1) % len(m.window)
	if m.count < len(m.window) {
		m.count++
	}
	if sample.Waiting > 0 {
		m.waitingStreak++
	} else {
		m.waitingStreak = 0
	}
	streak := m.waitingStreak
	m.mu.Unlock()

	metrics.PoolUtilization.Set(sample.Utilization())
	metrics.PoolWaiting.Set(float64(sample.Waiting))

	m.evaluate(sample, streak)
}

func (m *Monitor) evaluate(sample PoolSample, waitingStreak int) {
	if u := sample.Utilization(); u > m.config.UtilizationWarning {
		m.warn(sample, "high_utilization",
			fmt.Sprintf("pool utilization %.0f%% exceeds %.0f%%", u*100, m.config.UtilizationWarning*100))
	}
	if waitingStreak >= m.config.WaitingPersistSamples {
		m.warn(sample, "persistent_waiting",
			fmt.Sprintf("%d threads waiting on the pool for %d consecutive samples", sample.Waiting, waitingStreak))
	}
	if sample.Idle == 0 && sample.Active > 0 {
		m.warn(sample, "exhausted",
			fmt.Sprintf("pool exhausted: %d active, no idle connections", sample.Active))
	}
}

func (m *Monitor) warn(sample PoolSample, reason, message string) {
	log.WithComponent("poolmon").Warn().
		Str("reason", reason).
		Int("active", sample.Active).
		Int("idle", sample.Idle).
		Int("waiting", sample.Waiting).
		Msg(message)

	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:      clock.NewID(),
		Type:    events.EventPoolWarning,
		Message: message,
		Metadata: map[string]string{
			"reason": reason,
		},
	})
}

// Current returns the most recent sample, if any
func (m *Monitor) Current() (PoolSample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.count == 0 {
		return PoolSample{}, false
	}
	idx := (m.next - 1 + len(m.window)) % len(m.window)
	return m.window[idx], true
}

// Window returns the rolling window, oldest first
func (m *Monitor) Window() []PoolSample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PoolSample, 0, m.count)
	start := (m.next - m.count + len(m.window)) % len(m.window)
	for i := 0; i < m.count; i++ {
		out = append(out, m.window[(start+i)%len(m.window)])
	}
	return out
}

// averages computes mean utilization and waiting over the window
func (m *Monitor) averages() (utilization, waiting float64) {
	window := m.Window()
	if len(window) == 0 {
		return 0, 0
	}
	for _, s := range window {
		utilization += s.Utilization()
		waiting += float64(s.Waiting)
	}
	n := float64(len(window))
	return utilization / n, waiting / n
}

// Recommendations derives tuning advice from the current sample and the
// window averages. Ordered by action name for a stable admin response.
func (m *Monitor) Recommendations() []Recommendation {
	current, ok := m.Current()
	if !ok {
		return nil
	}
	avgUtil, avgWaiting := m.averages()

	var out []Recommendation
	if avgUtil > 0.8 || current.Utilization() > m.config.UtilizationWarning {
		out = append(out, Recommendation{
			Action: ActionRaisePoolSize,
			Reason: fmt.Sprintf("average utilization %.0f%% leaves little headroom", avgUtil*100),
		})
	}
	if avgUtil < 0.2 && current.Max > current.Min {
		out = append(out, Recommendation{
			Action: ActionLowerPoolSize,
			Reason: fmt.Sprintf("average utilization %.0f%%, pool is oversized", avgUtil*100),
		})
	}
	if avgWaiting > 0 || current.Timeouts > 0 {
		out = append(out, Recommendation{
			Action: ActionRaiseConnTimeout,
			Reason: "callers are waiting on or timing out acquiring connections",
		})
	}
	if current.Leaks > 0 {
		out = append(out, Recommendation{
			Action: ActionEnableLeakDetection,
			Reason: fmt.Sprintf("%d suspected connection leaks observed", current.Leaks),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}
