/*
Package metrics tracks per-instance request metrics and exports fleet
state to Prometheus.

The Tracker keeps raw counters per instance (requests, errors, latency
sums and extrema, in-flight connections) behind a per-instance mutex, so
heavy traffic against one instance never contends with another. Snapshot
computes the derived values: average/error rate/throughput and the
performance score

	score = max(0, 100 - 2*errorRatePct - min(50, avgMs/20) - min(20, active/5))

graded excellent (>=80), good (>=60), fair (>=40), poor (>=20) or
critical. The dispatcher's least-connections and weighted-response-time
strategies rank instances by these snapshots.

The package-level Prometheus collectors mirror the domain counters
(routing outcomes, cache hit/miss, pool pressure, backup and failover
executions, replication lag); the Collector samples registry and breaker
state every 15 seconds through narrow source interfaces. Handler serves
the /metrics endpoint.
*/
package metrics
