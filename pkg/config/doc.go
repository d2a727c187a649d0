/*
Package config loads and validates the resilience-core configuration.

Configuration layers, later wins:

 1. Compiled-in defaults (Default)
 2. YAML file passed to Load
 3. DSR_* environment variables

Recognized environment variables:

	DSR_DR_ENABLED, DSR_DR_AUTO_FAILOVER
	DSR_DR_RTO_MINUTES, DSR_DR_RPO_MINUTES, DSR_DR_RETENTION_DAYS
	DSR_BACKUP_BASE_PATH, DSR_BACKUP_COMPRESSION, DSR_BACKUP_ENCRYPTION,
	DSR_BACKUP_VERIFICATION, DSR_BACKUP_REMOTE
	DSR_CACHE_NODES, DSR_CACHE_DEFAULT_TTL_SECONDS, DSR_CACHE_COMPRESSION
	DSR_LB_HEALTHCHECK_INTERVAL, DSR_LB_FAILURE_THRESHOLD,
	DSR_LB_BREAKER_COOLDOWN

Interval variables accept Go duration syntax ("30s") or bare seconds.
*/
package config
