/*
Package registry maintains the fleet of service instances.

Instances are grouped per service, each service behind its own lock so
churn on one service never blocks lookups on another. The registry owns
the lifecycle of instance-scoped state: registering an instance creates
its metrics record and breaker lazily, deregistering releases both.

Registration is idempotent on (serviceName, id). Re-registering an
existing instance updates host, port, weight and labels while preserving
its accumulated metrics and breaker state, so a rolling restart of a
control-plane client does not zero out routing history.

ListHealthy is the dispatcher's candidate pool: instances whose last
probe was HEALTHY or DEGRADED and whose breaker currently admits
traffic. The check is non-mutating; half-open probe slots are consumed
only when the dispatcher actually selects an instance.

When a store is configured the registry persists instances and
rehydrates them on startup with health reset to UNKNOWN; the prober
re-establishes real state on its first pass.
*/
package registry
