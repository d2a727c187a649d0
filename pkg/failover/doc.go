/*
Package failover executes site failover sequences with rollback.

A sequence is an ordered list of typed steps (database failover, load
balancer update, DNS update, service restart, configuration update,
health check, notification), each performed by a registered StepAdapter
under a two-minute step timeout inside a sequence-wide deadline. After
the last step an optional Verifier confirms the target site actually
serves.

A critical-step failure or a verification failure turns the execution
FAILED and triggers rollback: completed reversible steps are reverted in
reverse order on fresh timeouts, since the original deadline may already
be spent. Steps without an inverse (notification, health check, and any
adapter that declares itself irreversible) are marked skipped. A fully
successful rollback moves the execution to ROLLED_BACK; terminal states
are never mutated afterward.

Every execution, whatever its outcome, lands in the capped in-memory
history and the append-only bbolt log.
*/
package failover
