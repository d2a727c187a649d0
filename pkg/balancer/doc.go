/*
Package balancer routes requests across the healthy instances of a
service.

The Dispatcher holds one Strategy per algorithm: round robin (atomic
per-service counter), smooth weighted round robin, least connections
(ties broken by performance score then ID), weighted response time
(average latency per unit of weight, unsampled instances served first),
uniform random and consistent hashing (crc32 ring with virtual nodes,
affinity key required).

Every route respects the circuit breaker twice: candidates come from the
registry's healthy list, and the selected instance must still pass the
mutating admission check that consumes half-open probe slots. If the
admission check rejects, the instance is dropped from the candidates and
selection runs again; with consistent hashing that lands the key on the
next ring owner clockwise. When nothing is admitted the caller gets an
unavailable error and may retry or fail as it sees fit; the dispatcher
itself never retries.

RecordOutcome closes the loop: it releases the in-flight slot, feeds the
metrics tracker and tells the breaker whether the instance actually
served the request.
*/
package balancer
