package storage

import (
	"github.com/dsrlabs/bastion/pkg/types"
)

// Store defines the interface for resilience-core state storage.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Instances (registry snapshot for rehydration)
	SaveInstance(instance *types.ServiceInstance) error
	GetInstance(serviceName, id string) (*types.ServiceInstance, error)
	ListInstances() ([]*types.ServiceInstance, error)
	DeleteInstance(serviceName, id string) error

	// Backup metadata registry
	SaveBackup(meta *types.BackupMetadata) error
	GetBackup(backupID string) (*types.BackupMetadata, error)
	ListBackups() ([]*types.BackupMetadata, error)
	DeleteBackup(backupID string) error

	// Failover history (append-only log)
	AppendFailover(exec *types.FailoverExecution) error
	GetFailover(id string) (*types.FailoverExecution, error)
	ListFailovers() ([]*types.FailoverExecution, error)

	// Disaster events
	SaveDisaster(event *types.DisasterEvent) error
	ListDisasters() ([]*types.DisasterEvent, error)

	// Utility
	Close() error
}
