/*
Package log provides structured logging for Bastion using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Usage

Initializing the logger:

	import "github.com/dsrlabs/bastion/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("registry initialized")
	log.Warn("replication lag above RPO")

Structured logging:

	log.Logger.Info().
		Str("service", "payment").
		Int("instances", 3).
		Msg("service registered")

Context loggers:

	probeLog := log.WithComponent("prober")
	probeLog.Debug().Str("site_id", "site-b").Msg("checking site")

	bkLog := log.WithBackupID("bk-20260301-020000")
	bkLog.Error().Err(err).Msg("component backup failed")

# Integration Points

This package integrates with:

  - pkg/health: probe results and transitions
  - pkg/breaker: state changes
  - pkg/balancer: routing decisions (debug level)
  - pkg/backup: execution progress
  - pkg/failover: step results and rollback
  - pkg/dr: monitoring decisions and alerts
  - pkg/api: request errors

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Log errors with .Err() so they carry the error chain
  - Include context (instance ID, site ID, backup ID)

Don't:
  - Log secrets or encryption keys
  - Log in the routing hot path above debug level
  - Concatenate strings (use .Str, .Int)
*/
package log
