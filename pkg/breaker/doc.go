/*
Package breaker implements per-instance circuit breaking.

Each instance gets a three-state gate: CLOSED admits everything and counts
consecutive failures; at the failure threshold it OPENs and rejects until
the cooldown elapses; the first Allow after the cooldown moves it to
HALF_OPEN and admits a bounded number of probes. A probe success closes
the breaker, a probe failure re-opens it and restarts the cooldown.

Transitions for one instance are linearizable (a single mutex per
instance), and the failure count is monotone while open: a stale success
arriving after the breaker opened neither closes it nor decrements the
count. Failure classification is the caller's job; the dispatcher reports
timeouts and 5xx responses as failures.

Reset forces an instance back to CLOSED for the administrative endpoint.
State changes are logged and published as breaker.opened/breaker.closed
events.
*/
package breaker
