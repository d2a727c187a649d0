package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dsrlabs/bastion/pkg/config"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/metrics"
	"github.com/dsrlabs/bastion/pkg/poolmon"
	"github.com/dsrlabs/bastion/pkg/types"
)

const (
	keyPrefix   = "dsr"
	sentinelKey = keyPrefix + ":internal:healthcheck"

	// warmupWorkers bounds the fan-out of a warmup pass
	warmupWorkers = 8

	// clearBatchSize is how many keys one Clear DEL round removes
	clearBatchSize = 500
)

// namespaceTable is the fixed partition configuration. TTL is enforced by
// the store itself; eviction policy is recorded for the admin surface and
// must match the cluster's maxmemory policy for the namespace's shard.
func namespaceTable() map[string]types.CacheNamespace {
	return map[string]types.CacheNamespace{
		"users":         {Name: "users", TTL: 30 * time.Minute, MaxEntries: 50000, Eviction: types.EvictLRU},
		"households":    {Name: "households", TTL: 2 * time.Hour, MaxEntries: 20000, Eviction: types.EvictLRU},
		"philsys":       {Name: "philsys", TTL: 24 * time.Hour, MaxEntries: 100000, Eviction: types.EvictLFU},
		"sessions":      {Name: "sessions", TTL: 15 * time.Minute, MaxEntries: 100000, Eviction: types.EvictTTL},
		"analytics":     {Name: "analytics", TTL: 10 * time.Minute, MaxEntries: 5000, Eviction: types.EvictLRU},
		"api-responses": {Name: "api-responses", TTL: 5 * time.Minute, MaxEntries: 10000, Eviction: types.EvictLRU},
	}
}

// Coordinator fronts the clustered key/value store with fixed namespaces,
// per-namespace TTLs and transparent compression
type Coordinator struct {
	client      redis.UniversalClient
	namespaces  map[string]types.CacheNamespace
	compression bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	// nsCounters is keyed by namespace name; the key set is fixed at
	// construction so reads need no lock
	nsCounters map[string]*hitMissCounter
}

type hitMissCounter struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// New connects a coordinator to the nodes in the configuration
func New(cfg config.CacheConfig) *Coordinator {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Nodes,
		Password: cfg.Password,
		PoolSize: cfg.PoolSize,
	})
	return NewWithClient(client, cfg.Compression)
}

// NewWithClient wraps an existing client. Used by tests and by callers
// that manage the client lifecycle themselves.
func NewWithClient(client redis.UniversalClient, compression bool) *Coordinator {
	namespaces := namespaceTable()
	if compression {
		for name, ns := range namespaces {
			ns.Compression = true
			namespaces[name] = ns
		}
	}
	counters := make(map[string]*hitMissCounter, len(namespaces))
	for name := range namespaces {
		counters[name] = &hitMissCounter{}
	}
	return &Coordinator{
		client:      client,
		namespaces:  namespaces,
		compression: compression,
		nsCounters:  counters,
	}
}

// Close releases the underlying client
func (c *Coordinator) Close() error {
	return c.client.Close()
}

// Namespaces returns the fixed namespace configurations, ordered by name
func (c *Coordinator) Namespaces() []types.CacheNamespace {
	out := make([]types.CacheNamespace, 0, len(c.namespaces))
	for _, ns := range c.namespaces {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Coordinator) namespace(name string) (types.CacheNamespace, error) {
	ns, ok := c.namespaces[name]
	if !ok {
		return types.CacheNamespace{}, types.E(types.KindValidation, "unknown cache namespace: %s", name)
	}
	return ns, nil
}

func storageKey(namespace, key string) string {
	return keyPrefix + ":" + namespace + ":" + key
}

func (c *Coordinator) recordHit(namespace string) {
	c.hits.Add(1)
	c.nsCounters[namespace].hits.Add(1)
	metrics.CacheHits.WithLabelValues(namespace).Inc()
}

func (c *Coordinator) recordMiss(namespace string) {
	c.misses.Add(1)
	c.nsCounters[namespace].misses.Add(1)
	metrics.CacheMisses.WithLabelValues(namespace).Inc()
}

// Get fetches one value. The second return is false on a miss.
func (c *Coordinator) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	ns, err := c.namespace(namespace)
	if err != nil {
		return "", false, err
	}

	raw, err := c.client.Get(ctx, storageKey(ns.Name, key)).Bytes()
	if err == redis.Nil {
		c.recordMiss(ns.Name)
		return "", false, nil
	}
	if err != nil {
		return "", false, types.Wrap(types.KindAdapter, err, "cache get %s/%s", ns.Name, key)
	}

	value, err := maybeDecompress(raw)
	if err != nil {
		return "", false, types.Wrap(types.KindAdapter, err, "cache decompress %s/%s", ns.Name, key)
	}
	c.recordHit(ns.Name)
	return value, true, nil
}

// Put stores one value with the namespace's TTL
func (c *Coordinator) Put(ctx context.Context, namespace, key, value string) error {
	ns, err := c.namespace(namespace)
	if err != nil {
		return err
	}
	payload, err := c.encode(ns, value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, storageKey(ns.Name, key), payload, ns.TTL).Err(); err != nil {
		return types.Wrap(types.KindAdapter, err, "cache put %s/%s", ns.Name, key)
	}
	return nil
}

// GetBulk fetches many keys in one round trip; absent keys are simply
// missing from the result
func (c *Coordinator) GetBulk(ctx context.Context, namespace string, keys []string) (map[string]string, error) {
	ns, err := c.namespace(namespace)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	storageKeys := make([]string, len(keys))
	for i, k := range keys {
		storageKeys[i] = storageKey(ns.Name, k)
	}
	values, err := c.client.MGet(ctx, storageKeys...).Result()
	if err != nil {
		return nil, types.Wrap(types.KindAdapter, err, "cache mget %s", ns.Name)
	}

	out := make(map[string]string, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			c.recordMiss(ns.Name)
			continue
		}
		value, err := maybeDecompress([]byte(s))
		if err != nil {
			return nil, types.Wrap(types.KindAdapter, err, "cache decompress %s/%s", ns.Name, keys[i])
		}
		out[keys[i]] = value
		c.recordHit(ns.Name)
	}
	return out, nil
}

// PutBulk stores many entries in one pipelined round trip, all with the
// namespace's TTL
func (c *Coordinator) PutBulk(ctx context.Context, namespace string, entries map[string]string) error {
	ns, err := c.namespace(namespace)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for key, value := range entries {
		payload, err := c.encode(ns, value)
		if err != nil {
			return err
		}
		pipe.Set(ctx, storageKey(ns.Name, key), payload, ns.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return types.Wrap(types.KindAdapter, err, "cache pipeline put %s", ns.Name)
	}
	return nil
}

// Evict removes one key
func (c *Coordinator) Evict(ctx context.Context, namespace, key string) error {
	ns, err := c.namespace(namespace)
	if err != nil {
		return err
	}
	removed, err := c.client.Del(ctx, storageKey(ns.Name, key)).Result()
	if err != nil {
		return types.Wrap(types.KindAdapter, err, "cache evict %s/%s", ns.Name, key)
	}
	c.evictions.Add(removed)
	return nil
}

// Clear removes every key in the namespace by scanning its prefix
func (c *Coordinator) Clear(ctx context.Context, namespace string) (int64, error) {
	ns, err := c.namespace(namespace)
	if err != nil {
		return 0, err
	}

	var removed int64
	var cursor uint64
	pattern := storageKey(ns.Name, "*")
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, clearBatchSize).Result()
		if err != nil {
			return removed, types.Wrap(types.KindAdapter, err, "cache scan %s", ns.Name)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, types.Wrap(types.KindAdapter, err, "cache clear %s", ns.Name)
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.evictions.Add(removed)
	log.WithComponent("cache").Info().
		Str("namespace", ns.Name).
		Int64("removed", removed).
		Msg("namespace cleared")
	return removed, nil
}

// Warmup preloads entries concurrently. Cancelling the context stops the
// fan-out; entries already written stay cached.
func (c *Coordinator) Warmup(ctx context.Context, namespace string, entries map[string]string) error {
	if _, err := c.namespace(namespace); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmupWorkers)
	for key, value := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return types.Wrap(types.KindCancelled, err, "warmup cancelled")
			}
			return c.Put(ctx, namespace, key, value)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.WithComponent("cache").Info().
		Str("namespace", namespace).
		Int("entries", len(entries)).
		Msg("warmup complete")
	return nil
}

// Stats merges store-reported usage with the coordinator's own hit/miss
// accounting. INFO fields the store does not report stay zero.
func (c *Coordinator) Stats(ctx context.Context) (types.CacheStats, error) {
	stats := types.CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	stats.Evictions = c.evictions.Load()

	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	info, err := c.client.Info(ctx, "memory", "stats").Result()
	if err != nil {
		// Local counters are still meaningful without INFO
		log.WithComponent("cache").Warn().Err(err).Msg("cache INFO unavailable")
		return stats, nil
	}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "used_memory:"):
			stats.UsedBytes = parseInfoInt(line)
		case strings.HasPrefix(line, "maxmemory:"):
			stats.MaxBytes = parseInfoInt(line)
		case strings.HasPrefix(line, "evicted_keys:"):
			stats.Evictions += parseInfoInt(line)
		}
	}
	return stats, nil
}

func parseInfoInt(line string) int64 {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// HitRate reports the namespace's hit ratio since process start. Zero
// traffic reports zero.
func (c *Coordinator) HitRate(namespace string) (float64, error) {
	ns, err := c.namespace(namespace)
	if err != nil {
		return 0, err
	}
	counter := c.nsCounters[ns.Name]
	hits := counter.hits.Load()
	total := hits + counter.misses.Load()
	if total == 0 {
		return 0, nil
	}
	return float64(hits) / float64(total), nil
}

// ClusterInfo reports the backing cluster topology. Against a standalone
// node it reports a single-master topology.
func (c *Coordinator) ClusterInfo(ctx context.Context) (types.ClusterInfo, error) {
	info, err := c.client.ClusterInfo(ctx).Result()
	if err != nil {
		// Standalone deployments have no cluster subsystem
		return types.ClusterInfo{TotalNodes: 1, Masters: 1, State: "ok"}, nil
	}

	out := types.ClusterInfo{}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "cluster_state:"):
			out.State = strings.TrimPrefix(line, "cluster_state:")
		case strings.HasPrefix(line, "cluster_known_nodes:"):
			out.TotalNodes = int(parseInfoInt(line))
		case strings.HasPrefix(line, "cluster_size:"):
			out.Masters = int(parseInfoInt(line))
		case strings.HasPrefix(line, "cluster_slots_assigned:"):
			out.SlotsAssigned = int(parseInfoInt(line))
		}
	}
	if out.TotalNodes >= out.Masters {
		out.Replicas = out.TotalNodes - out.Masters
	}
	return out, nil
}

// Healthy writes then reads a sentinel key; success means both paths
// work. The sentinel is removed afterwards so it never shows up in key
// counts; the TTL covers a crash between the round-trip and the delete.
func (c *Coordinator) Healthy(ctx context.Context) bool {
	token := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := c.client.Set(ctx, sentinelKey, token, 10*time.Second).Err(); err != nil {
		return false
	}
	got, err := c.client.Get(ctx, sentinelKey).Result()
	c.client.Del(ctx, sentinelKey)
	return err == nil && got == token
}

// PoolTelemetry adapts the client's connection pool counters to the
// pool monitor's sample shape. The client does not report its
// configured ceiling, so the caller supplies it.
type PoolTelemetry struct {
	client redis.UniversalClient
	max    int
}

// Telemetry exposes the coordinator's connection pool for monitoring
func (c *Coordinator) Telemetry(maxConns int) *PoolTelemetry {
	return &PoolTelemetry{client: c.client, max: maxConns}
}

// Sample reads the pool counters. It never fails: the counters are
// process-local and available even when the store is down.
func (t *PoolTelemetry) Sample() (poolmon.PoolSample, error) {
	s := t.client.PoolStats()
	idle := int(s.IdleConns)
	total := int(s.TotalConns)
	return poolmon.PoolSample{
		Active:   total - idle,
		Idle:     idle,
		Total:    total,
		Max:      t.max,
		Timeouts: int64(s.Timeouts),
	}, nil
}

// encode applies namespace compression to the value bytes
func (c *Coordinator) encode(ns types.CacheNamespace, value string) (string, error) {
	if !ns.Compression {
		return value, nil
	}
	if value == "" {
		return "", types.E(types.KindValidation, "empty values are not cached in compressed namespace %s", ns.Name)
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(value)); err != nil {
		return "", types.Wrap(types.KindAdapter, err, "compress value")
	}
	if err := w.Close(); err != nil {
		return "", types.Wrap(types.KindAdapter, err, "compress value")
	}
	return buf.String(), nil
}

// maybeDecompress reverses encode, detecting the gzip magic so mixed
// compressed and plain values coexist during a rollout
func maybeDecompress(raw []byte) (string, error) {
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return string(raw), nil
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
