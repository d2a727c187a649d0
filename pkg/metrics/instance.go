package metrics

import (
	"sync"
	"time"

	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/types"
)

// instanceMetrics holds the raw counters for one instance. Each instance
// has its own mutex so updates to one instance never contend with another.
type instanceMetrics struct {
	mu sync.Mutex

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	activeConnections  int64
	totalResponseMs    int64
	minResponseMs      int64
	maxResponseMs      int64
	firstRequestTime   time.Time
	lastRequestTime    time.Time
}

// Tracker maintains per-instance request metrics. All methods are safe
// under concurrent callers; updates for a single instance appear in
// program order to subsequent readers.
type Tracker struct {
	clock clock.Clock

	mu        sync.RWMutex
	instances map[string]*instanceMetrics
}

// NewTracker creates a new per-instance metrics tracker
func NewTracker(clk clock.Clock) *Tracker {
	return &Tracker{
		clock:     clk,
		instances: make(map[string]*instanceMetrics),
	}
}

// get returns the metrics record for an instance, creating it on first use
func (t *Tracker) get(instanceID string) *instanceMetrics {
	t.mu.RLock()
	m, ok := t.instances[instanceID]
	t.mu.RUnlock()
	if ok {
		return m
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok = t.instances[instanceID]; ok {
		return m
	}
	m = &instanceMetrics{}
	t.instances[instanceID] = m
	return m
}

// RecordRequest records one completed request against an instance
func (t *Tracker) RecordRequest(instanceID string, latencyMs int64, success bool) {
	m := t.get(instanceID)
	now := t.clock.WallNow()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	if success {
		m.successfulRequests++
	} else {
		m.failedRequests++
	}
	m.totalResponseMs += latencyMs
	if m.totalRequests == 1 || latencyMs < m.minResponseMs {
		m.minResponseMs = latencyMs
	}
	if latencyMs > m.maxResponseMs {
		m.maxResponseMs = latencyMs
	}
	if m.firstRequestTime.IsZero() {
		m.firstRequestTime = now
	}
	m.lastRequestTime = now
}

// IncrementActive increments the instance's in-flight connection count
func (t *Tracker) IncrementActive(instanceID string) {
	m := t.get(instanceID)
	m.mu.Lock()
	m.activeConnections++
	m.mu.Unlock()
}

// DecrementActive decrements the instance's in-flight connection count
func (t *Tracker) DecrementActive(instanceID string) {
	m := t.get(instanceID)
	m.mu.Lock()
	if m.activeConnections > 0 {
		m.activeConnections--
	}
	m.mu.Unlock()
}

// Snapshot returns a consistent point-in-time view of one instance's
// metrics with all derived values computed
func (t *Tracker) Snapshot(instanceID string) types.MetricsSnapshot {
	m := t.get(instanceID)

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := types.MetricsSnapshot{
		InstanceID:         instanceID,
		TotalRequests:      m.totalRequests,
		SuccessfulRequests: m.successfulRequests,
		FailedRequests:     m.failedRequests,
		ActiveConnections:  m.activeConnections,
		TotalResponseMs:    m.totalResponseMs,
		MinResponseMs:      m.minResponseMs,
		MaxResponseMs:      m.maxResponseMs,
		FirstRequestTime:   m.firstRequestTime,
		LastRequestTime:    m.lastRequestTime,
	}

	if m.totalRequests > 0 {
		snap.AvgResponseMs = float64(m.totalResponseMs) / float64(m.totalRequests)
		snap.ErrorRate = float64(m.failedRequests) / float64(m.totalRequests)
		snap.SuccessRate = float64(m.successfulRequests) / float64(m.totalRequests)
		elapsed := m.lastRequestTime.Sub(m.firstRequestTime).Seconds()
		if elapsed > 0 {
			snap.Throughput = float64(m.totalRequests) / elapsed
		} else {
			snap.Throughput = float64(m.totalRequests)
		}
	}
	snap.PerformanceScore = performanceScore(snap)
	snap.Grade = types.GradeForScore(snap.PerformanceScore)
	return snap
}

// performanceScore computes the 0..100 instance score:
// 100 minus penalties for error rate, average latency and load.
func performanceScore(s types.MetricsSnapshot) float64 {
	score := 100.0
	score -= 2 * (s.ErrorRate * 100)

	latencyPenalty := s.AvgResponseMs / 20
	if latencyPenalty > 50 {
		latencyPenalty = 50
	}
	score -= latencyPenalty

	loadPenalty := float64(s.ActiveConnections) / 5
	if loadPenalty > 20 {
		loadPenalty = 20
	}
	score -= loadPenalty

	if score < 0 {
		score = 0
	}
	return score
}

// Reset atomically clears all counters for one instance
func (t *Tracker) Reset(instanceID string) {
	m := t.get(instanceID)
	m.mu.Lock()
	m.totalRequests = 0
	m.successfulRequests = 0
	m.failedRequests = 0
	m.activeConnections = 0
	m.totalResponseMs = 0
	m.minResponseMs = 0
	m.maxResponseMs = 0
	m.firstRequestTime = time.Time{}
	m.lastRequestTime = time.Time{}
	m.mu.Unlock()
}

// Remove releases the metrics record for a deregistered instance
func (t *Tracker) Remove(instanceID string) {
	t.mu.Lock()
	delete(t.instances, instanceID)
	t.mu.Unlock()
}

// InstanceIDs returns the IDs of all tracked instances
func (t *Tracker) InstanceIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.instances))
	for id := range t.instances {
		ids = append(ids, id)
	}
	return ids
}
