/*
Package cache coordinates the platform's distributed cache over a
clustered key/value store.

Namespaces are fixed at startup: users (30m), households (2h), philsys
(24h), sessions (15m), analytics (10m) and api-responses (5m), each with
its own TTL and eviction policy. Keys are stored as
dsr:<namespace>:<key>. TTLs are enforced by the store itself through
SET-with-expiry; the coordinator never double-expires locally.

Single and bulk reads and writes map to GET/SET, MGET and a pipelined
SET batch. Clear scans the namespace prefix and deletes in batches so a
large namespace never blocks the store. Warmup fans out over a bounded
worker group and honors cancellation; entries already written stay
cached.

When compression is on, values are gzipped before they reach the store
and detected by magic bytes on the way out, so compressed and plain
values coexist during a rollout. Stats merges the store's INFO output
with the coordinator's own atomic hit/miss counters; Healthy writes and
reads back a sentinel to prove both paths work.
*/
package cache
