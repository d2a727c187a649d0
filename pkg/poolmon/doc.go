/*
Package poolmon observes a database connection pool without ever
touching it.

A TelemetrySource adapter exposes the pool's current state; the Monitor
samples it every 30 seconds into a rolling window of the last 100
observations. Three conditions raise pool.warning events: utilization
above 90%, waiters present across consecutive samples, and exhaustion
(no idle connections while work is active).

Recommendations turns the current sample plus window averages into
tuning advice: raise or lower the pool size, raise the acquisition
timeout, enable leak detection. The advice is for operators; the monitor
never applies it.
*/
package poolmon
