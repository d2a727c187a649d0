/*
Package types defines the shared data model for the Bastion resilience core.

All entities that cross package boundaries live here: service instances and
their health state, metrics snapshots, circuit-breaker status, sites, cache
namespaces, backup plans/executions/manifests, failover sequences and
executions, and disaster events. Keeping the model in one dependency-free
package lets every subsystem (registry, balancer, cache, backup, failover,
DR orchestrator) share it without import cycles.

# Ownership

  - The registry exclusively owns ServiceInstance records; each instance's
    metrics and breaker live exactly as long as the instance.
  - The DR orchestrator exclusively owns SiteStatus and active executions.
  - Backup and failover engines own their execution records; a completed
    execution is moved to read-only history and never mutated again.

# Errors

Errors crossing component boundaries carry a Kind (validation, not_found,
conflict, unavailable, timeout, integrity_failure, adapter_failure,
cancelled) so callers branch on classification instead of string matching:

	if types.IsKind(err, types.KindUnavailable) {
		// return 503 to the caller
	}

Only invariant violations panic; everything else is a returned value.
*/
package types
