package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_instances_total",
			Help: "Total number of registered instances by service and health",
		},
		[]string{"service", "health"},
	)

	BreakersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_breakers_total",
			Help: "Circuit breakers by state",
		},
		[]string{"state"},
	)

	// Dispatcher metrics
	RouteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_route_requests_total",
			Help: "Total number of route selections by service, strategy and outcome",
		},
		[]string{"service", "strategy", "outcome"},
	)

	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_request_outcomes_total",
			Help: "Request outcomes reported to the dispatcher by service and result",
		},
		[]string{"service", "result"},
	)

	ResponseTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_response_time_seconds",
			Help:    "Reported backend response time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// Cache metrics
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_cache_hits_total",
			Help: "Cache hits by namespace",
		},
		[]string{"namespace"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_cache_misses_total",
			Help: "Cache misses by namespace",
		},
		[]string{"namespace"},
	)

	// Pool metrics
	PoolUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_pool_utilization",
			Help: "Connection pool utilization (active/max)",
		},
	)

	PoolWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_pool_waiting",
			Help: "Threads waiting on the connection pool",
		},
	)

	// DR metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_backups_total",
			Help: "Backup executions by status",
		},
		[]string{"status"},
	)

	BackupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_backup_duration_seconds",
			Help:    "Backup execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_failovers_total",
			Help: "Failover executions by status",
		},
		[]string{"status"},
	)

	ReplicationLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_replication_lag_seconds",
			Help: "Observed replication lag per secondary site",
		},
		[]string{"site"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(BreakersByState)
	prometheus.MustRegister(RouteRequestsTotal)
	prometheus.MustRegister(OutcomesTotal)
	prometheus.MustRegister(ResponseTime)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(PoolUtilization)
	prometheus.MustRegister(PoolWaiting)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(BackupDuration)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(ReplicationLagSeconds)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
