package balancer

import (
	"hash/crc32"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dsrlabs/bastion/pkg/types"
)

// Request carries the selection inputs for one route call
type Request struct {
	ServiceName string

	// Key is the affinity key for consistent hashing. Other strategies
	// ignore it.
	Key string
}

// MetricsSource provides per-instance snapshots to metric-aware
// strategies. Implemented by metrics.Tracker.
type MetricsSource interface {
	Snapshot(instanceID string) types.MetricsSnapshot
}

// Strategy selects one instance from a non-empty candidate set. The
// dispatcher guarantees candidates are sorted by instance ID and already
// filtered to instances whose health and breaker admit traffic.
type Strategy interface {
	Info() types.StrategyInfo
	Select(candidates []*types.ServiceInstance, req Request) (*types.ServiceInstance, error)
}

// roundRobin cycles through candidates with one atomic counter per
// service
type roundRobin struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

func newRoundRobin() *roundRobin {
	return &roundRobin{counters: make(map[string]*atomic.Uint64)}
}

func (s *roundRobin) counter(serviceName string) *atomic.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[serviceName]
	if !ok {
		c = &atomic.Uint64{}
		s.counters[serviceName] = c
	}
	return c
}

func (s *roundRobin) Info() types.StrategyInfo {
	return types.StrategyInfo{Name: types.StrategyRoundRobin}
}

func (s *roundRobin) Select(candidates []*types.ServiceInstance, req Request) (*types.ServiceInstance, error) {
	n := s.counter(req.ServiceName).Add(1) - 1
	return candidates[n%uint64(len(candidates))], nil
}

// weightedRoundRobin implements smooth weighted round robin: each pick
// raises every candidate's current weight by its configured weight,
// selects the highest, then lowers the winner by the weight total.
// Deterministic for a stable membership; zero-weight instances are
// never chosen.
type weightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]map[string]int
}

func newWeightedRoundRobin() *weightedRoundRobin {
	return &weightedRoundRobin{current: make(map[string]map[string]int)}
}

func (s *weightedRoundRobin) Info() types.StrategyInfo {
	return types.StrategyInfo{Name: types.StrategyWeightedRoundRobin, UsesWeights: true}
}

func (s *weightedRoundRobin) Select(candidates []*types.ServiceInstance, req Request) (*types.ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.current[req.ServiceName]
	if !ok {
		cur = make(map[string]int)
		s.current[req.ServiceName] = cur
	}

	total := 0
	seen := make(map[string]bool, len(candidates))
	var best *types.ServiceInstance
	for _, inst := range candidates {
		if inst.Weight <= 0 {
			continue
		}
		seen[inst.ID] = true
		total += inst.Weight
		cur[inst.ID] += inst.Weight
		if best == nil || cur[inst.ID] > cur[best.ID] {
			best = inst
		}
	}
	if best == nil {
		return nil, types.E(types.KindUnavailable, "service %s has no instance with positive weight", req.ServiceName)
	}
	cur[best.ID] -= total

	// Departed instances drop out of the smoothing state
	for id := range cur {
		if !seen[id] {
			delete(cur, id)
		}
	}
	return best, nil
}

// leastConnections picks the instance with the fewest in-flight
// connections, breaking ties by higher performance score then lower ID
type leastConnections struct {
	source MetricsSource
}

func (s *leastConnections) Info() types.StrategyInfo {
	return types.StrategyInfo{Name: types.StrategyLeastConnections, UsesMetrics: true}
}

func (s *leastConnections) Select(candidates []*types.ServiceInstance, req Request) (*types.ServiceInstance, error) {
	var best *types.ServiceInstance
	var bestSnap types.MetricsSnapshot
	for _, inst := range candidates {
		snap := s.source.Snapshot(inst.ID)
		switch {
		case best == nil:
		case snap.ActiveConnections < bestSnap.ActiveConnections:
		case snap.ActiveConnections == bestSnap.ActiveConnections &&
			snap.PerformanceScore > bestSnap.PerformanceScore:
		default:
			continue
		}
		best = inst
		bestSnap = snap
	}
	return best, nil
}

// weightedResponseTime picks the instance with the lowest average
// response time per unit of weight. Instances with no samples yet are
// served round-robin ahead of sampled ones so they earn a baseline.
type weightedResponseTime struct {
	source MetricsSource
	rr     *roundRobin
}

func newWeightedResponseTime(source MetricsSource) *weightedResponseTime {
	return &weightedResponseTime{source: source, rr: newRoundRobin()}
}

func (s *weightedResponseTime) Info() types.StrategyInfo {
	return types.StrategyInfo{Name: types.StrategyWeightedResponse, UsesWeights: true, UsesMetrics: true}
}

func (s *weightedResponseTime) Select(candidates []*types.ServiceInstance, req Request) (*types.ServiceInstance, error) {
	var unsampled []*types.ServiceInstance
	var best *types.ServiceInstance
	bestRatio := 0.0
	for _, inst := range candidates {
		snap := s.source.Snapshot(inst.ID)
		if snap.TotalRequests == 0 {
			unsampled = append(unsampled, inst)
			continue
		}
		weight := inst.Weight
		if weight <= 0 {
			weight = 1
		}
		ratio := snap.AvgResponseMs / float64(weight)
		if best == nil || ratio < bestRatio {
			best = inst
			bestRatio = ratio
		}
	}
	if len(unsampled) > 0 {
		return s.rr.Select(unsampled, req)
	}
	return best, nil
}

// random picks uniformly over the candidates
type random struct{}

func (s *random) Info() types.StrategyInfo {
	return types.StrategyInfo{Name: types.StrategyRandom}
}

func (s *random) Select(candidates []*types.ServiceInstance, req Request) (*types.ServiceInstance, error) {
	return candidates[rand.Intn(len(candidates))], nil
}

// consistentHash assigns keys to instances via a crc32 hash ring with
// virtual nodes. The same key maps to the same instance as long as the
// membership is stable; when the dispatcher drops a rejected instance
// from the candidates, re-selection lands on the next owner clockwise.
type consistentHash struct{}

const virtualNodesPerInstance = 100

func (s *consistentHash) Info() types.StrategyInfo {
	return types.StrategyInfo{Name: types.StrategyConsistentHash, NeedsKey: true}
}

func (s *consistentHash) Select(candidates []*types.ServiceInstance, req Request) (*types.ServiceInstance, error) {
	if req.Key == "" {
		return nil, types.E(types.KindValidation, "strategy %s requires a key", types.StrategyConsistentHash)
	}

	type point struct {
		hash uint32
		idx  int
	}
	ring := make([]point, 0, len(candidates)*virtualNodesPerInstance)
	for i, inst := range candidates {
		for v := 0; v < virtualNodesPerInstance; v++ {
			h := crc32.ChecksumIEEE([]byte(inst.ID + "#" + strconv.Itoa(v)))
			ring = append(ring, point{hash: h, idx: i})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	keyHash := crc32.ChecksumIEEE([]byte(req.Key))
	pos := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= keyHash })
	if pos == len(ring) {
		pos = 0
	}
	return candidates[ring[pos].idx], nil
}
