/*
Package clock provides the time source and ID minting for the core.

Every component takes a Clock instead of calling time.Now directly, so
circuit-breaker cooldowns, probe intervals and DR schedules can be driven
deterministically in tests with a Fake clock, and all in-core comparisons
use monotonic readings. NewID mints UUID strings for executions, events
and backups.
*/
package clock
