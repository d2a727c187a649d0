/*
Package api is the administrative HTTP surface of the resilience core.

One ServeMux serves four endpoint groups: the load balancer (instance
CRUD, debug routing, breaker inspection and reset, probe triggering),
the cache cluster (health, topology, statistics, warmup, clearing), the
connection pool monitor, and disaster recovery (backup submission and
verification, failover initiation, history). Liveness, readiness and
the Prometheus scrape endpoint ride on the same listener.

Failed requests carry a structured body {kind, message, retryable}
mapped from the core's error kinds; UNAVAILABLE maps to 503 so probes
and debug route calls degrade the way callers of the real dispatcher
would see it. Authorization is deliberately absent: the listener is
expected to sit behind the platform's admin gateway.
*/
package api
