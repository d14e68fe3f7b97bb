package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hatemosphere/agentic-gateway/internal/gziputil"
)

// BackupInfo describes a single backup stored by a Provider.
type BackupInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Provider is a backup destination.
type Provider interface {
	// Upload stores a local snapshot and returns its key.
	Upload(ctx context.Context, localPath string) (remoteKey string, err error)

	// List returns all backups, newest first.
	List(ctx context.Context) ([]BackupInfo, error)

	Delete(ctx context.Context, key string) error

	Name() string
}

// Prune deletes backups beyond the retention count. List must return
// newest first. Returns the number deleted.
func Prune(ctx context.Context, p Provider, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	backups, err := p.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list backups for pruning: %w", err)
	}
	if len(backups) <= keep {
		return 0, nil
	}

	deleted := 0
	for _, b := range backups[keep:] {
		if err := p.Delete(ctx, b.Key); err != nil {
			return deleted, fmt.Errorf("delete backup %s: %w", b.Key, err)
		}
		deleted++
	}
	return deleted, nil
}

// LocalProvider keeps gzip-compressed snapshots in a directory.
type LocalProvider struct {
	dir string
}

// NewLocalProvider creates dir if needed.
func NewLocalProvider(dir string) (*LocalProvider, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &LocalProvider{dir: dir}, nil
}

func (p *LocalProvider) Name() string { return "local" }

// Upload compresses localPath into the backup directory as <name>.gz.
func (p *LocalProvider) Upload(_ context.Context, localPath string) (string, error) {
	key := filepath.Base(localPath) + ".gz"
	if _, err := gziputil.CompressFile(localPath, filepath.Join(p.dir, key)); err != nil {
		return "", err
	}
	return key, nil
}

func (p *LocalProvider) List(_ context.Context) ([]BackupInfo, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}
	var backups []BackupInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		backups = append(backups, BackupInfo{Key: e.Name(), Size: info.Size(), LastModified: info.ModTime()})
	}
	// Snapshot names embed a sortable timestamp; fall back to it when mtimes tie.
	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].LastModified.Equal(backups[j].LastModified) {
			return backups[i].LastModified.After(backups[j].LastModified)
		}
		return backups[i].Key > backups[j].Key
	})
	return backups, nil
}

func (p *LocalProvider) Delete(_ context.Context, key string) error {
	if key != filepath.Base(key) {
		return fmt.Errorf("invalid backup key %q", key)
	}
	return os.Remove(filepath.Join(p.dir, key))
}

// Snapshotter writes a consistent copy of the database to a path.
type Snapshotter interface {
	Backup(ctx context.Context, destPath string) error
}

// Runner takes a snapshot, hands it to the provider, and prunes old copies.
type Runner struct {
	store     Snapshotter
	provider  Provider
	retention int
	now       func() time.Time
}

// NewRunner returns a Runner keeping at most retention backups (0 keeps all).
func NewRunner(store Snapshotter, provider Provider, retention int) *Runner {
	return &Runner{store: store, provider: provider, retention: retention, now: time.Now}
}

// Run performs one backup and returns the provider key.
func (r *Runner) Run(ctx context.Context) (string, error) {
	tmpDir, err := os.MkdirTemp("", "agentic-gateway-backup-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "gateway-"+r.now().UTC().Format("20060102-150405.000")+".db")
	if err := r.store.Backup(ctx, snapshot); err != nil {
		return "", fmt.Errorf("snapshot database: %w", err)
	}
	key, err := r.provider.Upload(ctx, snapshot)
	if err != nil {
		return "", fmt.Errorf("upload backup to %s: %w", r.provider.Name(), err)
	}
	if _, err := Prune(ctx, r.provider, r.retention); err != nil {
		return key, err
	}
	return key, nil
}
