/*
Package health provides health checking for sites, service instances and
components.

The package has two layers. Checkers perform one check against one
endpoint (HTTP status-range checks and TCP connect checks); they never
return errors, only a Result whose Status is healthy, degraded, unhealthy
or unknown with FailureReason set on failure. The Prober owns a set of
watched targets, probes them on a fixed cadence (default 30s), tracks
consecutive failures per target, and publishes a health.transition event
whenever a target's status changes.

A target becomes unhealthy only after FailureThreshold consecutive
failures; a single success resets the counter. Site-level aggregation
(CheckSite, CheckServices, CheckDatabase) folds a site's targets into one
result: any unhealthy target wins, then degraded, then healthy.

The prober drives two consumers: the circuit breaker path (instance
targets, via the registry's transition hook) and the DR orchestrator
(site targets). Stop terminates the loop within one interval.

# Usage

	prober := health.NewProber(health.Config{
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 3,
	}, clk, broker)

	prober.Watch(health.Target{
		ID:      instance.ID,
		Kind:    health.TargetService,
		SiteID:  "site-a",
		Checker: health.NewHTTPChecker("http://10.0.0.5:8080/health"),
	})

	prober.Start()
	defer prober.Stop()
*/
package health
