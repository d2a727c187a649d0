/*
Package dr is the disaster recovery orchestrator, the composition root
of the resilience core's site-level story.

The orchestrator holds the site role table (one primary, any number of
secondaries) and runs a monitoring loop: every tick it probes each
site's watched targets, counts consecutive failures, and flags
secondaries whose replication lag breaches the recovery point
objective. When the primary crosses the failure threshold and automatic
failover is enabled, it records a disaster event, picks the secondary
with the lowest replication lag, and drives the standard failover
sequence. Roles flip only after the failover engine reports a completed
execution; a failed or rolled-back execution leaves the role table
untouched for the operator to sort out.

The same loop schedules the nightly full backup during the configured
hour and prunes backups past retention afterwards.

Operators can bypass detection with Initiate, which runs the same
failover path against a chosen secondary regardless of health.
*/
package dr
