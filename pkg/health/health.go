package health

import (
	"context"
	"time"

	"github.com/dsrlabs/bastion/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Status        types.HealthState
	FailureReason string
	CheckedAt     time.Time
	Duration      time.Duration
}

// Healthy reports whether the result admits traffic
func (r Result) Healthy() bool {
	return r.Status == types.HealthHealthy || r.Status == types.HealthDegraded
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result.
	// Checkers never return errors: failures become an UNHEALTHY result
	// with FailureReason set.
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains common configuration for probing
type Config struct {
	// Interval is the time between probe passes
	Interval time.Duration

	// Timeout is the maximum time to wait for a single check
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failures before a
	// target is marked unhealthy
	FailureThreshold int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 3,
	}
}

// TargetKind classifies what a probe target represents
type TargetKind string

const (
	TargetSite      TargetKind = "site"
	TargetService   TargetKind = "service"
	TargetDatabase  TargetKind = "database"
	TargetComponent TargetKind = "component"
)

// Target is one watched endpoint
type Target struct {
	ID      string
	Kind    TargetKind
	SiteID  string
	Checker Checker
}

// TargetStatus is the tracked state of one target
type TargetStatus struct {
	Target              Target
	Status              types.HealthState
	ConsecutiveFailures int
	LastResult          Result
	LastCheck           time.Time
}
