package backup

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/config"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/storage"
	"github.com/dsrlabs/bastion/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeAdapter writes a known payload on backup and records restores
type fakeAdapter struct {
	mu         sync.Mutex
	critical   bool
	failBackup bool
	content    string
	restored   bool

	started chan struct{}
	release chan struct{}
}

func (a *fakeAdapter) Critical() bool { return a.critical }

func (a *fakeAdapter) Backup(ctx context.Context, dir string) error {
	a.mu.Lock()
	started := a.started
	a.started = nil
	a.mu.Unlock()
	if started != nil {
		close(started)
	}
	if a.release != nil {
		<-a.release
	}
	if a.failBackup {
		return errors.New("component backup failed")
	}
	return os.WriteFile(filepath.Join(dir, "data.txt"), []byte(a.content), 0o644)
}

func (a *fakeAdapter) Restore(ctx context.Context, dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "data.txt"))
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.restored = true
	a.content = string(data)
	a.mu.Unlock()
	return nil
}

type testEngine struct {
	engine *Engine
	store  storage.Store
	clk    *clock.Fake
	base   string
}

func newTestEngine(t *testing.T, cfg config.BackupConfig) *testEngine {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if cfg.BasePath == "" {
		cfg.BasePath = t.TempDir()
	}
	clk := clock.NewFake(time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC))
	return &testEngine{
		engine: NewEngine(cfg, clk, store, nil),
		store:  store,
		clk:    clk,
		base:   cfg.BasePath,
	}
}

func plainPlan(components ...string) *types.BackupPlan {
	return &types.BackupPlan{
		ID:         "plan-1",
		Type:       types.BackupFull,
		Components: components,
	}
}

func TestExecutePlainDirectory(t *testing.T) {
	te := newTestEngine(t, config.BackupConfig{})
	db := &fakeAdapter{critical: true, content: "dump"}
	te.engine.RegisterAdapter(ComponentDatabase, db)

	meta, err := te.engine.Execute(context.Background(), plainPlan(ComponentDatabase))
	require.NoError(t, err)

	// Artifact is the timestamped directory itself
	assert.Contains(t, meta.BackupPath, filepath.Join("full", "20260301_020000"))
	assert.FileExists(t, filepath.Join(meta.BackupPath, manifestFile))
	assert.FileExists(t, filepath.Join(meta.BackupPath, ComponentDatabase, "data.txt"))
	assert.False(t, meta.Compressed)
	assert.False(t, meta.Encrypted)
	assert.NotEmpty(t, meta.Manifest.Checksum)

	stored, err := te.store.GetBackup(meta.BackupID)
	require.NoError(t, err)
	assert.Equal(t, meta.BackupPath, stored.BackupPath)

	execs := te.engine.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, types.BackupCompleted, execs[0].Status)
}

func TestSiblingManifestNextToArtifact(t *testing.T) {
	te := newTestEngine(t, config.BackupConfig{})
	te.engine.RegisterAdapter(ComponentDatabase, &fakeAdapter{critical: true, content: "dump"})

	plan := plainPlan(ComponentDatabase)
	plan.Compression = true
	plan.Verification = true
	meta, err := te.engine.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(meta.BackupPath, ".tar.gz"))

	sibling := meta.BackupPath + ".manifest.json"
	require.FileExists(t, sibling)

	data, err := os.ReadFile(sibling)
	require.NoError(t, err)
	var manifest types.BackupManifest
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, meta.BackupID, manifest.BackupID)
	assert.Equal(t, plan.ID, manifest.PlanID)
	assert.NotEmpty(t, manifest.Checksum)
	assert.Equal(t, meta.Manifest.Checksum, manifest.Checksum)
	assert.True(t, manifest.Compressed)
	assert.True(t, manifest.Verified)
	require.Len(t, manifest.Components, 1)
	assert.Equal(t, ComponentDatabase, manifest.Components[0].Component)

	// The plain-directory artifact gets one too
	dirMeta, err := te.engine.Execute(context.Background(), &types.BackupPlan{
		ID:         "plan-2",
		Type:       types.BackupFull,
		Components: []string{ComponentDatabase},
	})
	require.NoError(t, err)
	assert.FileExists(t, dirMeta.BackupPath+".manifest.json")
}

func TestPruneRemovesSiblingManifest(t *testing.T) {
	te := newTestEngine(t, config.BackupConfig{})
	te.engine.RegisterAdapter(ComponentDatabase, &fakeAdapter{critical: true, content: "dump"})

	old, err := te.engine.Execute(context.Background(), plainPlan(ComponentDatabase))
	require.NoError(t, err)
	require.FileExists(t, old.BackupPath+".manifest.json")

	te.clk.Advance(40 * 24 * time.Hour)
	removed, err := te.engine.Prune(30)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	assert.NoFileExists(t, old.BackupPath+".manifest.json")
}

func TestValidation(t *testing.T) {
	te := newTestEngine(t, config.BackupConfig{})

	_, err := te.engine.Execute(context.Background(), nil)
	assert.True(t, types.IsKind(err, types.KindValidation))

	_, err = te.engine.Execute(context.Background(), plainPlan())
	assert.True(t, types.IsKind(err, types.KindValidation))

	_, err = te.engine.Execute(context.Background(), plainPlan("unregistered"))
	assert.True(t, types.IsKind(err, types.KindValidation))

	plan := plainPlan(ComponentDatabase)
	plan.Encryption = true
	te.engine.RegisterAdapter(ComponentDatabase, &fakeAdapter{})
	_, err = te.engine.Execute(context.Background(), plan)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestNonCriticalFailureStillCompletes(t *testing.T) {
	te := newTestEngine(t, config.BackupConfig{})
	te.engine.RegisterAdapter(ComponentDatabase, &fakeAdapter{critical: true, content: "dump"})
	te.engine.RegisterAdapter(ComponentLogs, &fakeAdapter{failBackup: true})

	meta, err := te.engine.Execute(context.Background(), plainPlan(ComponentDatabase, ComponentLogs))
	require.NoError(t, err)

	require.Len(t, meta.Manifest.Components, 2)
	assert.True(t, meta.Manifest.Components[0].Success)
	assert.False(t, meta.Manifest.Components[1].Success)
	assert.NotEmpty(t, meta.Manifest.Components[1].Error)
}

func TestCriticalFailureFailsExecution(t *testing.T) {
	te := newTestEngine(t, config.BackupConfig{})
	te.engine.RegisterAdapter(ComponentDatabase, &fakeAdapter{critical: true, failBackup: true})

	_, err := te.engine.Execute(context.Background(), plainPlan(ComponentDatabase))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindAdapter))

	// Partial directory is removed and the failure recorded
	entries, _ := os.ReadDir(filepath.Join(te.base, "full"))
	assert.Empty(t, entries)
	execs := te.engine.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, types.BackupFailed, execs[0].Status)
	assert.NotEmpty(t, execs[0].Reason)

	backups, err := te.store.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestConflictOnConcurrentExecution(t *testing.T) {
	te := newTestEngine(t, config.BackupConfig{})
	adapter := &fakeAdapter{
		critical: true,
		content:  "dump",
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	te.engine.RegisterAdapter(ComponentDatabase, adapter)

	done := make(chan error, 1)
	go func() {
		_, err := te.engine.Execute(context.Background(), plainPlan(ComponentDatabase))
		done <- err
	}()

	<-adapter.started
	_, err := te.engine.Execute(context.Background(), plainPlan(ComponentDatabase))
	assert.True(t, types.IsKind(err, types.KindConflict))

	close(adapter.release)
	require.NoError(t, <-done)
}

func TestBackupIntegrityDetectsTampering(t *testing.T) {
	te := newTestEngine(t, config.BackupConfig{EncryptionKey: "correct horse battery staple"})
	db := &fakeAdapter{critical: true, content: "database dump"}
	cfgAdapter := &fakeAdapter{content: "settings"}
	te.engine.RegisterAdapter(ComponentDatabase, db)
	te.engine.RegisterAdapter(ComponentConfigurations, cfgAdapter)

	plan := &types.BackupPlan{
		ID:           "plan-1",
		Type:         types.BackupFull,
		Components:   []string{ComponentDatabase, ComponentConfigurations},
		Compression:  true,
		Encryption:   true,
		Verification: true,
	}
	meta, err := te.engine.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, meta.IntegrityVerified)
	assert.True(t, strings.HasSuffix(meta.BackupPath, ".tar.gz.enc"))
	require.NoError(t, te.engine.Verify(meta.BackupID))

	// Flip one byte in the middle of the artifact
	data, err := os.ReadFile(meta.BackupPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(meta.BackupPath, data, 0o600))

	err = te.engine.Verify(meta.BackupID)
	assert.True(t, types.IsKind(err, types.KindIntegrity))

	// Restore refuses to touch a corrupted backup
	err = te.engine.Restore(context.Background(), meta.BackupID)
	assert.True(t, types.IsKind(err, types.KindIntegrity))
	assert.False(t, db.restored)
}

func TestRestoreRoundTrip(t *testing.T) {
	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "app.yaml"), []byte("retention: 30"), 0o644))

	te := newTestEngine(t, config.BackupConfig{EncryptionKey: "k3y material"})
	te.engine.RegisterAdapter(ComponentConfigurations, &DirAdapter{Source: source, Required: true})

	plan := &types.BackupPlan{
		ID:           "plan-1",
		Type:         types.BackupFull,
		Components:   []string{ComponentConfigurations},
		Compression:  true,
		Encryption:   true,
		Verification: true,
	}
	meta, err := te.engine.Execute(context.Background(), plan)
	require.NoError(t, err)

	// Lose the live state, then restore it from the backup
	require.NoError(t, os.Remove(filepath.Join(source, "app.yaml")))
	require.NoError(t, te.engine.Restore(context.Background(), meta.BackupID))

	data, err := os.ReadFile(filepath.Join(source, "app.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "retention: 30", string(data))
}

func TestCancellationRemovesPartialDirectory(t *testing.T) {
	te := newTestEngine(t, config.BackupConfig{})
	te.engine.RegisterAdapter(ComponentDatabase, &fakeAdapter{critical: true, content: "dump"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := te.engine.Execute(ctx, plainPlan(ComponentDatabase))
	assert.True(t, types.IsKind(err, types.KindCancelled))

	entries, _ := os.ReadDir(filepath.Join(te.base, "full"))
	assert.Empty(t, entries)
	execs := te.engine.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, types.BackupFailed, execs[0].Status)
	assert.Contains(t, execs[0].Reason, "cancelled")
}

func TestPruneRemovesExpiredBackups(t *testing.T) {
	te := newTestEngine(t, config.BackupConfig{})
	te.engine.RegisterAdapter(ComponentDatabase, &fakeAdapter{critical: true, content: "dump"})

	old, err := te.engine.Execute(context.Background(), plainPlan(ComponentDatabase))
	require.NoError(t, err)

	te.clk.Advance(40 * 24 * time.Hour)
	fresh, err := te.engine.Execute(context.Background(), plainPlan(ComponentDatabase))
	require.NoError(t, err)

	removed, err := te.engine.Prune(30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoDirExists(t, old.BackupPath)
	assert.DirExists(t, fresh.BackupPath)

	remaining, err := te.engine.List()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.BackupID, remaining[0].BackupID)

	_, err = te.engine.Prune(0)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestVerifyUnknownBackup(t *testing.T) {
	te := newTestEngine(t, config.BackupConfig{})
	err := te.engine.Verify("nope")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}
