package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/dsrlabs/bastion/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketInstances = []byte("instances")
	bucketBackups   = []byte("backups")
	bucketFailovers = []byte("failovers")
	bucketDisasters = []byte("disasters")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bastion.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketInstances,
			bucketBackups,
			bucketFailovers,
			bucketDisasters,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// instanceKey builds the composite (serviceName, id) key
func instanceKey(serviceName, id string) []byte {
	return []byte(serviceName + "/" + id)
}

// Instance operations
func (s *BoltStore) SaveInstance(instance *types.ServiceInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(instance)
		if err != nil {
			return err
		}
		return b.Put(instanceKey(instance.ServiceName, instance.ID), data)
	})
}

func (s *BoltStore) GetInstance(serviceName, id string) (*types.ServiceInstance, error) {
	var instance types.ServiceInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get(instanceKey(serviceName, id))
		if data == nil {
			return types.E(types.KindNotFound, "instance not found: %s/%s", serviceName, id)
		}
		return json.Unmarshal(data, &instance)
	})
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (s *BoltStore) ListInstances() ([]*types.ServiceInstance, error) {
	var instances []*types.ServiceInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var instance types.ServiceInstance
			if err := json.Unmarshal(v, &instance); err != nil {
				return err
			}
			instances = append(instances, &instance)
			return nil
		})
	})
	return instances, err
}

func (s *BoltStore) DeleteInstance(serviceName, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Delete(instanceKey(serviceName, id))
	})
}

// Backup metadata operations
func (s *BoltStore) SaveBackup(meta *types.BackupMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(meta.BackupID), data)
	})
}

func (s *BoltStore) GetBackup(backupID string) (*types.BackupMetadata, error) {
	var meta types.BackupMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		data := b.Get([]byte(backupID))
		if data == nil {
			return types.E(types.KindNotFound, "backup not found: %s", backupID)
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *BoltStore) ListBackups() ([]*types.BackupMetadata, error) {
	var backups []*types.BackupMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		return b.ForEach(func(k, v []byte) error {
			var meta types.BackupMetadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			backups = append(backups, &meta)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Newest first
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

func (s *BoltStore) DeleteBackup(backupID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		return b.Delete([]byte(backupID))
	})
}

// Failover history operations. Executions are terminal when appended and
// never mutated again.
func (s *BoltStore) AppendFailover(exec *types.FailoverExecution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFailovers)
		// Prefix with start time so bbolt's key order is chronological
		key := []byte(exec.StartTime.UTC().Format("20060102T150405.000000000") + "/" + exec.ID)
		data, err := json.Marshal(exec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetFailover(id string) (*types.FailoverExecution, error) {
	var found *types.FailoverExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFailovers)
		return b.ForEach(func(k, v []byte) error {
			var exec types.FailoverExecution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if exec.ID == id {
				found = &exec
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.E(types.KindNotFound, "failover execution not found: %s", id)
	}
	return found, nil
}

func (s *BoltStore) ListFailovers() ([]*types.FailoverExecution, error) {
	var execs []*types.FailoverExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFailovers)
		return b.ForEach(func(k, v []byte) error {
			var exec types.FailoverExecution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			execs = append(execs, &exec)
			return nil
		})
	})
	return execs, err
}

// Disaster event operations
func (s *BoltStore) SaveDisaster(event *types.DisasterEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDisasters)
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put([]byte(event.ID), data)
	})
}

func (s *BoltStore) ListDisasters() ([]*types.DisasterEvent, error) {
	var disasters []*types.DisasterEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDisasters)
		return b.ForEach(func(k, v []byte) error {
			var event types.DisasterEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			disasters = append(disasters, &event)
			return nil
		})
	})
	return disasters, err
}
