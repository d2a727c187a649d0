package types

import (
	"fmt"
	"time"
)

// HealthState represents the observed health of a site, instance or component
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ServiceInstance represents a single addressable endpoint of a service
type ServiceInstance struct {
	ID              string
	ServiceName     string
	Host            string
	Port            int
	Weight          int // >= 0; zero-weight instances are never picked by WRR
	Labels          map[string]string
	RegisteredAt    time.Time
	LastHealthCheck time.Time
	HealthStatus    HealthState
}

// Address returns the host:port endpoint of the instance
func (si *ServiceInstance) Address() string {
	if si.Port == 0 {
		return si.Host
	}
	return fmt.Sprintf("%s:%d", si.Host, si.Port)
}

// PerformanceGrade buckets a performance score into an operator-facing label
type PerformanceGrade string

const (
	GradeExcellent PerformanceGrade = "excellent" // score >= 80
	GradeGood      PerformanceGrade = "good"      // score >= 60
	GradeFair      PerformanceGrade = "fair"      // score >= 40
	GradePoor      PerformanceGrade = "poor"      // score >= 20
	GradeCritical  PerformanceGrade = "critical"
)

// GradeForScore maps a performance score to its grade
func GradeForScore(score float64) PerformanceGrade {
	switch {
	case score >= 80:
		return GradeExcellent
	case score >= 60:
		return GradeGood
	case score >= 40:
		return GradeFair
	case score >= 20:
		return GradePoor
	default:
		return GradeCritical
	}
}

// MetricsSnapshot is a point-in-time view of a single instance's metrics
type MetricsSnapshot struct {
	InstanceID         string
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	ActiveConnections  int64
	TotalResponseMs    int64
	MinResponseMs      int64
	MaxResponseMs      int64
	FirstRequestTime   time.Time
	LastRequestTime    time.Time

	// Derived values, computed at snapshot time
	AvgResponseMs    float64
	ErrorRate        float64 // 0..1
	SuccessRate      float64 // 0..1
	Throughput       float64 // requests per second since first request
	PerformanceScore float64 // 0..100
	Grade            PerformanceGrade
}

// BreakerState represents the circuit breaker state for one instance
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerStatus is a point-in-time view of one instance's breaker
type BreakerStatus struct {
	InstanceID          string
	State               BreakerState
	ConsecutiveFailures int
	OpenedAt            time.Time
	NextProbeAt         time.Time
}

// Strategy identifies a load-balancing strategy
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyWeightedResponse   Strategy = "weighted_response_time"
	StrategyRandom             Strategy = "random"
	StrategyConsistentHash     Strategy = "consistent_hash"
)

// StrategyInfo describes a strategy's capabilities for the admin surface
type StrategyInfo struct {
	Name        Strategy `json:"name"`
	NeedsKey    bool     `json:"needsKey"`
	UsesWeights bool     `json:"usesWeights"`
	UsesMetrics bool     `json:"usesMetrics"`
}

// SiteRole defines the disaster-recovery role of a site
type SiteRole string

const (
	SitePrimary   SiteRole = "primary"
	SiteSecondary SiteRole = "secondary"
	SiteFailed    SiteRole = "failed"
)

// SiteStatus tracks one site's role and health history.
// Roles are mutated only by the failover engine.
type SiteStatus struct {
	SiteID                    string
	Role                      SiteRole
	Endpoint                  string // admin endpoint probed for site health
	DatabaseAddr              string
	ConsecutiveHealthFailures int
	ReplicationLag            time.Duration
	LastHealthCheck           time.Time
	LastFailoverTime          time.Time
}

// EvictionPolicy defines how a cache namespace evicts entries
type EvictionPolicy string

const (
	EvictLRU EvictionPolicy = "lru"
	EvictLFU EvictionPolicy = "lfu"
	EvictTTL EvictionPolicy = "ttl"
)

// CacheNamespace is the immutable configuration of one cache partition
type CacheNamespace struct {
	Name        string
	TTL         time.Duration
	MaxEntries  int
	Eviction    EvictionPolicy
	Compression bool
}

// CacheStats aggregates cache-wide statistics
type CacheStats struct {
	UsedBytes int64   `json:"usedBytes"`
	MaxBytes  int64   `json:"maxBytes"`
	TotalKeys int64   `json:"totalKeys"`
	HitRate   float64 `json:"hitRate"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
}

// ClusterInfo describes the backing key/value cluster topology
type ClusterInfo struct {
	TotalNodes    int    `json:"totalNodes"`
	Masters       int    `json:"masters"`
	Replicas      int    `json:"replicas"`
	State         string `json:"state"`
	SlotsAssigned int    `json:"slotsAssigned"`
}

// BackupType defines the scope of a backup plan
type BackupType string

const (
	BackupFull BackupType = "full"
	// BackupIncremental is accepted for forward compatibility but executes
	// through the full-backup path.
	BackupIncremental BackupType = "incremental"
)

// BackupPlan is the declarative description of a backup
type BackupPlan struct {
	ID            string     `json:"id"`
	Type          BackupType `json:"type"`
	Components    []string   `json:"components"` // ordered
	Compression   bool       `json:"compression"`
	Encryption    bool       `json:"encryption"`
	Verification  bool       `json:"verification"`
	RemoteUpload  bool       `json:"remoteUpload"`
	RetentionDays int        `json:"retentionDays"`
	ScheduledAt   time.Time  `json:"scheduledAt"`
}

// BackupStatus represents the state of a backup execution
type BackupStatus string

const (
	BackupInProgress BackupStatus = "in_progress"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
)

// BackupExecution is one concrete run of a backup plan
type BackupExecution struct {
	ID         string       `json:"id"`
	PlanID     string       `json:"planId"`
	StartTime  time.Time    `json:"startTime"`
	EndTime    time.Time    `json:"endTime"`
	Status     BackupStatus `json:"status"`
	BackupPath string       `json:"backupPath"`
	Reason     string       `json:"reason,omitempty"`
}

// ComponentResult records the outcome of one component's backup or restore
type ComponentResult struct {
	Component string        `json:"component"`
	Success   bool          `json:"success"`
	Critical  bool          `json:"critical"`
	SizeBytes int64         `json:"sizeBytes"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// BackupManifest is the self-describing record produced by a backup,
// sufficient to verify and restore it
type BackupManifest struct {
	BackupID   string            `json:"backupId"`
	PlanID     string            `json:"planId"`
	Type       BackupType        `json:"type"`
	Components []ComponentResult `json:"components"`
	Checksum   string            `json:"checksum"`
	Compressed bool              `json:"compressed"`
	Encrypted  bool              `json:"encrypted"`
	Verified   bool              `json:"verified"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// BackupMetadata is the registry entry for a completed backup
type BackupMetadata struct {
	BackupID              string         `json:"backupId"`
	BackupPath            string         `json:"backupPath"`
	Manifest              BackupManifest `json:"manifest"`
	SizeBytes             int64          `json:"sizeBytes"`
	Compressed            bool           `json:"compressed"`
	Encrypted             bool           `json:"encrypted"`
	IntegrityVerified     bool           `json:"integrityVerified"`
	RemoteStorageLocation string         `json:"remoteStorageLocation,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
}

// FailoverStepType enumerates the failover step kinds
type FailoverStepType string

const (
	StepDatabaseFailover    FailoverStepType = "database_failover"
	StepLoadBalancerUpdate  FailoverStepType = "load_balancer_update"
	StepDNSUpdate           FailoverStepType = "dns_update"
	StepServiceRestart      FailoverStepType = "service_restart"
	StepConfigurationUpdate FailoverStepType = "configuration_update"
	StepHealthCheck         FailoverStepType = "health_check"
	StepNotification        FailoverStepType = "notification"
)

// FailoverStep is one ordered action in a failover sequence
type FailoverStep struct {
	Name     string           `json:"name"`
	Type     FailoverStepType `json:"type"`
	Critical bool             `json:"critical"`
}

// FailoverSequence is the declarative description of a site failover
type FailoverSequence struct {
	ID         string         `json:"id"`
	SourceSite string         `json:"sourceSite"`
	TargetSite string         `json:"targetSite"`
	Steps      []FailoverStep `json:"steps"`
	Automatic  bool           `json:"automatic"`
}

// FailoverStatus represents the state of a failover execution
type FailoverStatus string

const (
	FailoverInProgress FailoverStatus = "in_progress"
	FailoverCompleted  FailoverStatus = "completed"
	FailoverFailed     FailoverStatus = "failed"
	FailoverRolledBack FailoverStatus = "rolled_back"
)

// StepResult records the outcome of one failover step
type StepResult struct {
	Step       FailoverStep  `json:"step"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	RolledBack bool          `json:"rolledBack"`
	// RollbackSkipped is set when the step has no inverse adapter
	RollbackSkipped bool `json:"rollbackSkipped,omitempty"`
}

// FailoverExecution is one concrete run of a failover sequence
type FailoverExecution struct {
	ID         string         `json:"id"`
	SequenceID string         `json:"sequenceId"`
	SourceSite string         `json:"sourceSite"`
	TargetSite string         `json:"targetSite"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    time.Time      `json:"endTime"`
	Status     FailoverStatus `json:"status"`
	Steps      []StepResult   `json:"steps"`
	Reason     string         `json:"reason,omitempty"`
}

// Terminal reports whether the execution reached an immutable state
func (fe *FailoverExecution) Terminal() bool {
	return fe.Status == FailoverCompleted || fe.Status == FailoverRolledBack
}

// DisasterStatus represents the lifecycle of a disaster event
type DisasterStatus string

const (
	DisasterDetected   DisasterStatus = "detected"
	DisasterMitigating DisasterStatus = "mitigating"
	DisasterRecovered  DisasterStatus = "recovered"
)

// DisasterSeverity grades a disaster event
type DisasterSeverity string

const (
	SeverityCritical DisasterSeverity = "critical"
	SeverityMajor    DisasterSeverity = "major"
	SeverityMinor    DisasterSeverity = "minor"
)

// DisasterEvent records a detected disaster and its recovery lifecycle
type DisasterEvent struct {
	ID                 string           `json:"id"`
	Type               string           `json:"type"`
	Severity           DisasterSeverity `json:"severity"`
	AffectedComponents []string         `json:"affectedComponents"`
	DetectedAt         time.Time        `json:"detectedAt"`
	Status             DisasterStatus   `json:"status"`
	Detail             string           `json:"detail,omitempty"`
}
