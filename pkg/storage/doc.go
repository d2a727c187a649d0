/*
Package storage provides persistent state storage for the resilience core.

The Store interface abstracts persistence for four entity families:

  - instances: a snapshot of the service registry, so a restarted admin
    process can rehydrate the fleet without re-registration
  - backups: the backup metadata registry keyed by backup ID
  - failovers: an append-only history of failover executions, keyed by
    start time so iteration order is chronological
  - disasters: disaster events and their recovery lifecycle

BoltStore implements Store on BoltDB (bbolt): one bucket per entity
family, JSON-encoded values, upsert-style writes. bbolt gives the
single-writer/concurrent-reader semantics the backup registry needs
without additional locking.

# Usage

	store, err := storage.NewBoltStore("/var/lib/bastion")
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.SaveBackup(meta)
	backups, err := store.ListBackups() // newest first
*/
package storage
