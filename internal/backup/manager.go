package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/ltm/internal/storage"
)

// Manager takes snapshots of a store into a directory and applies the
// retention policy after each one.
type Manager struct {
	src    storage.Snapshotter
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	mu   sync.Mutex // one snapshot at a time
	last time.Time
}

// NewManager creates a snapshot manager for src, creating cfg.Dir if needed.
func NewManager(src storage.Snapshotter, cfg Config, logger *log.Logger) (*Manager, error) {
	if src == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 5
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &Manager{
		src:    src,
		cfg:    cfg,
		logger: logger.WithPrefix("backup"),
		now:    time.Now,
	}, nil
}

// Snapshot writes a new snapshot, verifies it when configured, and prunes
// old snapshots. A failed verification removes the new file.
func (m *Manager) Snapshot(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.now()
	path := filepath.Join(m.cfg.Dir, snapshotName(start))
	if err := m.src.Snapshot(ctx, path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	result := &Result{Path: path, Size: info.Size()}

	if m.cfg.Verify {
		if err := verifySnapshot(path); err != nil {
			_ = os.Remove(path)
			return nil, err
		}
		result.Verified = true
	}

	pruned, err := applyRetention(m.cfg.Dir, m.cfg.Keep, m.cfg.MaxAge, m.now())
	if err != nil {
		// A pruning problem does not invalidate the snapshot.
		m.logger.Warn("retention failed", "err", err)
	}
	result.Pruned = pruned
	result.Duration = m.now().Sub(start)
	m.last = start

	m.logger.Info("snapshot taken", "path", path, "size", result.Size, "verified", result.Verified, "pruned", pruned, "duration", result.Duration)
	return result, nil
}

// Hook adapts Snapshot to the engine's pre-curation hook.
func (m *Manager) Hook() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := m.Snapshot(ctx)
		return err
	}
}

// List returns the retained snapshots, newest first.
func (m *Manager) List() ([]Info, error) {
	return listSnapshots(m.cfg.Dir)
}

// ListSnapshots lists the snapshots in dir, newest first, without a manager.
func ListSnapshots(dir string) ([]Info, error) {
	return listSnapshots(dir)
}

// Status summarises the snapshot directory.
type Status struct {
	Dir           string    `json:"dir"`
	Count         int       `json:"count"`
	DiskSpaceUsed int64     `json:"disk_space_used"`
	LastSnapshot  time.Time `json:"last_snapshot,omitempty"`
}

// Status reports the snapshot count, disk usage and the time of the last
// snapshot taken by this manager.
func (m *Manager) Status() (*Status, error) {
	snaps, err := m.List()
	if err != nil {
		return nil, err
	}
	used, err := diskUsage(m.cfg.Dir)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	return &Status{Dir: m.cfg.Dir, Count: len(snaps), DiskSpaceUsed: used, LastSnapshot: last}, nil
}
