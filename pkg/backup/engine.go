package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/config"
	"github.com/dsrlabs/bastion/pkg/events"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/metrics"
	"github.com/dsrlabs/bastion/pkg/storage"
	"github.com/dsrlabs/bastion/pkg/types"
)

const (
	manifestFile = "manifest.json"

	// executionHistoryCap bounds the in-memory execution log
	executionHistoryCap = 100
)

// Engine executes backup plans against registered component adapters,
// produces verifiable artifacts and registers their metadata
type Engine struct {
	config config.BackupConfig
	clock  clock.Clock
	store  storage.Store
	broker *events.Broker
	remote RemoteStore

	mu         sync.Mutex
	adapters   map[string]ComponentAdapter
	active     map[string]bool // plan IDs with an execution in flight
	executions []types.BackupExecution
}

// NewEngine creates a backup engine
func NewEngine(cfg config.BackupConfig, clk clock.Clock, store storage.Store, broker *events.Broker) *Engine {
	return &Engine{
		config:   cfg,
		clock:    clk,
		store:    store,
		broker:   broker,
		adapters: make(map[string]ComponentAdapter),
		active:   make(map[string]bool),
	}
}

// RegisterAdapter binds a component name to its adapter. Must happen
// before Execute references the component.
func (e *Engine) RegisterAdapter(component string, adapter ComponentAdapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[component] = adapter
}

// SetRemote installs the off-site upload target
func (e *Engine) SetRemote(remote RemoteStore) {
	e.remote = remote
}

// Execute runs one backup plan. Only one execution per plan ID may be in
// flight; a second concurrent call gets a conflict error.
func (e *Engine) Execute(ctx context.Context, plan *types.BackupPlan) (*types.BackupMetadata, error) {
	if plan == nil || plan.ID == "" {
		return nil, types.E(types.KindValidation, "backup plan id is required")
	}
	if len(plan.Components) == 0 {
		return nil, types.E(types.KindValidation, "backup plan %s has no components", plan.ID)
	}
	if plan.Encryption && e.config.EncryptionKey == "" {
		return nil, types.E(types.KindValidation, "backup plan %s requires encryption but no key is configured", plan.ID)
	}

	e.mu.Lock()
	for _, component := range plan.Components {
		if _, ok := e.adapters[component]; !ok {
			e.mu.Unlock()
			return nil, types.E(types.KindValidation, "unknown backup component: %s", component)
		}
	}
	if e.active[plan.ID] {
		e.mu.Unlock()
		return nil, types.E(types.KindConflict, "backup plan %s already has an execution in flight", plan.ID)
	}
	e.active[plan.ID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, plan.ID)
		e.mu.Unlock()
	}()

	exec := types.BackupExecution{
		ID:        clock.NewID(),
		PlanID:    plan.ID,
		StartTime: e.clock.WallNow(),
		Status:    types.BackupInProgress,
	}
	startMono := e.clock.Now()

	dir := filepath.Join(e.config.BasePath, string(plan.Type), exec.StartTime.Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, e.fail(&exec, dir, types.Wrap(types.KindAdapter, err, "failed to create backup directory"))
	}

	log.WithComponent("backup").Info().
		Str("plan_id", plan.ID).
		Str("execution_id", exec.ID).
		Str("dir", dir).
		Msg("backup started")

	results, err := e.runComponents(ctx, plan, dir)
	if err != nil {
		return nil, e.fail(&exec, dir, err)
	}

	manifest := types.BackupManifest{
		BackupID:   exec.ID,
		PlanID:     plan.ID,
		Type:       plan.Type,
		Components: results,
		Compressed: plan.Compression,
		Encrypted:  plan.Encryption,
		CreatedAt:  exec.StartTime,
	}
	if err := writeManifest(filepath.Join(dir, manifestFile), &manifest); err != nil {
		return nil, e.fail(&exec, dir, types.Wrap(types.KindAdapter, err, "failed to write manifest"))
	}

	artifact, err := e.seal(ctx, plan, dir)
	if err != nil {
		return nil, e.fail(&exec, dir, err)
	}

	// The checksum covers the final artifact, so it lives in the
	// metadata rather than inside the archive it describes
	manifest.Checksum, err = checksumPath(artifact)
	if err != nil {
		return nil, e.fail(&exec, artifact, types.Wrap(types.KindAdapter, err, "failed to checksum artifact"))
	}

	meta := &types.BackupMetadata{
		BackupID:   exec.ID,
		BackupPath: artifact,
		Manifest:   manifest,
		SizeBytes:  dirSize(artifact),
		Compressed: plan.Compression,
		Encrypted:  plan.Encryption,
		CreatedAt:  exec.StartTime,
	}

	if plan.Verification {
		if err := e.verifyMetadata(meta); err != nil {
			return nil, e.fail(&exec, artifact, err)
		}
		meta.IntegrityVerified = true
		meta.Manifest.Verified = true
	}

	// The sibling manifest carries the artifact checksum and the final
	// verified flag; the copy sealed inside the archive cannot
	if err := writeManifest(manifestPath(artifact), &meta.Manifest); err != nil {
		return nil, e.fail(&exec, artifact, types.Wrap(types.KindAdapter, err, "failed to write manifest"))
	}

	if plan.RemoteUpload && e.remote != nil {
		location, err := e.remote.Upload(ctx, artifact)
		if err != nil {
			// Off-site copy is best effort; the local artifact stands
			log.WithComponent("backup").Warn().Err(err).
				Str("execution_id", exec.ID).
				Msg("remote upload failed")
		} else {
			meta.RemoteStorageLocation = location
		}
	}

	if err := e.store.SaveBackup(meta); err != nil {
		return nil, e.fail(&exec, artifact, types.Wrap(types.KindAdapter, err, "failed to register backup metadata"))
	}

	exec.Status = types.BackupCompleted
	exec.EndTime = e.clock.WallNow()
	exec.BackupPath = artifact
	e.record(exec)

	duration := e.clock.Now().Sub(startMono)
	metrics.BackupsTotal.WithLabelValues(string(types.BackupCompleted)).Inc()
	metrics.BackupDuration.Observe(duration.Seconds())

	log.WithComponent("backup").Info().
		Str("execution_id", exec.ID).
		Str("artifact", artifact).
		Int64("size_bytes", meta.SizeBytes).
		Dur("duration", duration).
		Msg("backup completed")

	if e.broker != nil {
		e.broker.Publish(&events.Event{
			ID:      clock.NewID(),
			Type:    events.EventBackupCompleted,
			Message: "backup completed: " + exec.ID,
			Metadata: map[string]string{
				"backup_id": exec.ID,
				"plan_id":   plan.ID,
				"artifact":  artifact,
			},
		})
	}
	return meta, nil
}

// runComponents executes the adapters in plan order. A critical failure
// aborts; non-critical failures are annotated in the results.
func (e *Engine) runComponents(ctx context.Context, plan *types.BackupPlan, dir string) ([]types.ComponentResult, error) {
	results := make([]types.ComponentResult, 0, len(plan.Components))
	for _, component := range plan.Components {
		if err := ctx.Err(); err != nil {
			return nil, types.Wrap(types.KindCancelled, err, "backup cancelled at component %s", component)
		}

		e.mu.Lock()
		adapter := e.adapters[component]
		e.mu.Unlock()

		componentDir := filepath.Join(dir, component)
		if err := os.MkdirAll(componentDir, 0o755); err != nil {
			return nil, types.Wrap(types.KindAdapter, err, "failed to create component directory %s", component)
		}

		start := e.clock.Now()
		err := adapter.Backup(ctx, componentDir)
		result := types.ComponentResult{
			Component: component,
			Success:   err == nil,
			Critical:  adapter.Critical(),
			Duration:  e.clock.Now().Sub(start),
			SizeBytes: dirSize(componentDir),
		}
		if err != nil {
			result.Error = err.Error()
			if adapter.Critical() {
				return nil, types.Wrap(types.KindAdapter, err, "critical component %s failed", component)
			}
			log.WithComponent("backup").Warn().Err(err).
				Str("component", component).
				Msg("non-critical component failed, continuing")
		}
		results = append(results, result)
	}
	return results, nil
}

// seal turns the backup directory into its final artifact: tar (gzipped
// when compression is on) and optionally encrypted. Encryption always
// operates on an archive, so it implies one even without compression.
func (e *Engine) seal(ctx context.Context, plan *types.BackupPlan, dir string) (string, error) {
	artifact := dir
	if plan.Compression || plan.Encryption {
		if err := ctx.Err(); err != nil {
			return "", types.Wrap(types.KindCancelled, err, "backup cancelled before archiving")
		}
		archivePath := dir + ".tar"
		if plan.Compression {
			archivePath += ".gz"
		}
		if err := archiveDir(dir, archivePath, plan.Compression); err != nil {
			return "", types.Wrap(types.KindAdapter, err, "failed to archive backup")
		}
		if err := os.RemoveAll(dir); err != nil {
			return "", types.Wrap(types.KindAdapter, err, "failed to remove backup directory")
		}
		artifact = archivePath
	}

	if plan.Encryption {
		encrypted := artifact + ".enc"
		if err := encryptFile(artifact, encrypted, e.config.EncryptionKey); err != nil {
			return "", types.Wrap(types.KindAdapter, err, "failed to encrypt backup")
		}
		if err := os.Remove(artifact); err != nil {
			return "", types.Wrap(types.KindAdapter, err, "failed to remove plaintext archive")
		}
		artifact = encrypted
	}
	return artifact, nil
}

// fail cleans up partial artifacts and records a FAILED execution
func (e *Engine) fail(exec *types.BackupExecution, path string, err error) error {
	if path != "" {
		os.RemoveAll(path)
		os.Remove(manifestPath(path))
	}
	exec.Status = types.BackupFailed
	exec.EndTime = e.clock.WallNow()
	exec.Reason = err.Error()
	e.record(*exec)

	metrics.BackupsTotal.WithLabelValues(string(types.BackupFailed)).Inc()
	log.WithComponent("backup").Error().Err(err).
		Str("execution_id", exec.ID).
		Msg("backup failed")

	if e.broker != nil {
		e.broker.Publish(&events.Event{
			ID:      clock.NewID(),
			Type:    events.EventBackupFailed,
			Message: "backup failed: " + exec.ID,
			Metadata: map[string]string{
				"backup_id": exec.ID,
				"plan_id":   exec.PlanID,
				"reason":    exec.Reason,
			},
		})
	}
	return err
}

func (e *Engine) record(exec types.BackupExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executions = append(e.executions, exec)
	if len(e.executions) > executionHistoryCap {
		e.executions = e.executions[len(e.executions)-executionHistoryCap:]
	}
}

// Executions returns the recent execution history, oldest first
func (e *Engine) Executions() []types.BackupExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.BackupExecution, len(e.executions))
	copy(out, e.executions)
	return out
}

// Verify re-checks a registered backup's integrity: the artifact exists,
// is non-empty, is readable and matches the manifest checksum
func (e *Engine) Verify(backupID string) error {
	meta, err := e.store.GetBackup(backupID)
	if err != nil {
		return err
	}
	return e.verifyMetadata(meta)
}

func (e *Engine) verifyMetadata(meta *types.BackupMetadata) error {
	info, err := os.Stat(meta.BackupPath)
	if err != nil {
		return types.Wrap(types.KindIntegrity, err, "backup artifact missing: %s", meta.BackupPath)
	}
	if !info.IsDir() && info.Size() == 0 {
		return types.E(types.KindIntegrity, "backup artifact is empty: %s", meta.BackupPath)
	}

	checksum, err := checksumPath(meta.BackupPath)
	if err != nil {
		return types.Wrap(types.KindIntegrity, err, "backup artifact unreadable: %s", meta.BackupPath)
	}
	if meta.Manifest.Checksum != "" && checksum != meta.Manifest.Checksum {
		return types.E(types.KindIntegrity, "backup %s checksum mismatch", meta.BackupID)
	}
	return nil
}

// Restore rebuilds component state from a registered backup. It refuses
// to touch anything if integrity verification fails.
func (e *Engine) Restore(ctx context.Context, backupID string) error {
	meta, err := e.store.GetBackup(backupID)
	if err != nil {
		return err
	}
	if err := e.verifyMetadata(meta); err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "bastion-restore-")
	if err != nil {
		return types.Wrap(types.KindAdapter, err, "failed to create restore workspace")
	}
	defer os.RemoveAll(workDir)

	artifact := meta.BackupPath
	if meta.Encrypted {
		decrypted := filepath.Join(workDir, "archive.tar")
		if meta.Compressed {
			decrypted += ".gz"
		}
		if err := decryptFile(artifact, decrypted, e.config.EncryptionKey); err != nil {
			return types.Wrap(types.KindIntegrity, err, "failed to decrypt backup %s", backupID)
		}
		artifact = decrypted
	}

	contentDir := artifact
	if info, err := os.Stat(artifact); err == nil && !info.IsDir() {
		contentDir = filepath.Join(workDir, "content")
		if err := extractArchive(artifact, contentDir); err != nil {
			return types.Wrap(types.KindIntegrity, err, "failed to extract backup %s", backupID)
		}
	}

	for _, result := range meta.Manifest.Components {
		if !result.Success {
			continue
		}
		if err := ctx.Err(); err != nil {
			return types.Wrap(types.KindCancelled, err, "restore cancelled at component %s", result.Component)
		}

		e.mu.Lock()
		adapter, ok := e.adapters[result.Component]
		e.mu.Unlock()
		if !ok {
			return types.E(types.KindValidation, "no adapter registered for component %s", result.Component)
		}
		if err := adapter.Restore(ctx, filepath.Join(contentDir, result.Component)); err != nil {
			return types.Wrap(types.KindAdapter, err, "restore of component %s failed", result.Component)
		}
	}

	log.WithComponent("backup").Info().
		Str("backup_id", backupID).
		Msg("restore completed")
	return nil
}

// Prune removes backups older than retentionDays, artifacts included.
// Returns how many were removed.
func (e *Engine) Prune(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, types.E(types.KindValidation, "retention days must be positive, got %d", retentionDays)
	}
	cutoff := e.clock.WallNow().AddDate(0, 0, -retentionDays)

	backups, err := e.store.ListBackups()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, meta := range backups {
		if !meta.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(meta.BackupPath); err != nil {
			log.WithComponent("backup").Warn().Err(err).
				Str("backup_id", meta.BackupID).
				Msg("failed to remove expired artifact")
		}
		os.Remove(manifestPath(meta.BackupPath))
		if err := e.store.DeleteBackup(meta.BackupID); err != nil {
			log.WithComponent("backup").Warn().Err(err).
				Str("backup_id", meta.BackupID).
				Msg("failed to remove expired metadata")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.WithComponent("backup").Info().
			Int("removed", removed).
			Int("retention_days", retentionDays).
			Msg("pruned expired backups")
	}
	return removed, nil
}

// List returns registered backup metadata, newest first
func (e *Engine) List() ([]*types.BackupMetadata, error) {
	return e.store.ListBackups()
}

// manifestPath names the sibling manifest file next to a sealed artifact
func manifestPath(artifact string) string {
	return artifact + ".manifest.json"
}

func writeManifest(path string, manifest *types.BackupManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
