package backup

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// Component names recognized by the standard plan
const (
	ComponentDatabase       = "database"
	ComponentRedis          = "redis"
	ComponentConfigurations = "configurations"
	ComponentLogs           = "logs"
	ComponentDocuments      = "documents"
)

// AllComponents lists the recognized components in standard backup order
func AllComponents() []string {
	return []string{
		ComponentDatabase,
		ComponentRedis,
		ComponentConfigurations,
		ComponentLogs,
		ComponentDocuments,
	}
}

// ComponentAdapter performs the backup and restore of one component.
// Backup writes the component's state into dir; Restore reads it back
// from dir. Critical components fail the whole execution when they fail.
type ComponentAdapter interface {
	Backup(ctx context.Context, dir string) error
	Restore(ctx context.Context, dir string) error
	Critical() bool
}

// RemoteStore uploads finished backup artifacts to off-site storage
type RemoteStore interface {
	Upload(ctx context.Context, path string) (location string, err error)
}

// DirAdapter backs up a component by copying a source directory. It
// serves filesystem-backed components (configurations, logs, documents)
// and local database dumps.
type DirAdapter struct {
	// Source is the directory holding the component's live state
	Source string

	// Required marks the component critical
	Required bool
}

func (a *DirAdapter) Critical() bool { return a.Required }

func (a *DirAdapter) Backup(ctx context.Context, dir string) error {
	return copyTree(ctx, a.Source, dir)
}

func (a *DirAdapter) Restore(ctx context.Context, dir string) error {
	return copyTree(ctx, dir, a.Source)
}

func copyTree(ctx context.Context, src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// DirRemoteStore "uploads" by copying the artifact into a destination
// directory. Stands in for object storage in single-site deployments.
type DirRemoteStore struct {
	Dir string
}

func (r *DirRemoteStore) Upload(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	target := filepath.Join(r.Dir, filepath.Base(path))
	if info.IsDir() {
		err = copyTree(ctx, path, target)
	} else {
		err = copyFile(path, target)
	}
	if err != nil {
		return "", err
	}
	return target, nil
}
