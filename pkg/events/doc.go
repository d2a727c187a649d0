/*
Package events provides in-process pub/sub for resilience-core events.

The broker fans out health transitions, breaker state changes, pool
warnings, backup/failover outcomes, disaster detections and RPO/RTO
breaches to any number of subscribers. Delivery is best-effort: a
subscriber whose buffer is full misses the event rather than blocking
publishers, so the hot paths (breaker, prober) never stall on a slow
consumer. The notifier and admin surface are the primary subscribers.
*/
package events
