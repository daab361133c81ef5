package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix = "ltm-snapshot-"
	fileSuffix = ".db"
	timeLayout = "20060102T150405.000000000Z"
)

// snapshotName returns the file name of a snapshot taken at t. Names sort
// lexically in time order.
func snapshotName(t time.Time) string {
	return filePrefix + t.UTC().Format(timeLayout) + fileSuffix
}

// parseSnapshotName extracts the timestamp from a snapshot file name.
func parseSnapshotName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// listSnapshots lists the snapshot files in dir, newest first. Files that do
// not follow the snapshot naming scheme are ignored.
func listSnapshots(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var snaps []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := parseSnapshotName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // Skip files we can't stat
		}
		snaps = append(snaps, Info{
			Path:      filepath.Join(dir, entry.Name()),
			Timestamp: ts,
			Size:      info.Size(),
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.After(snaps[j].Timestamp)
	})
	return snaps, nil
}

// applyRetention keeps the newest keep snapshots and removes the rest, plus
// any snapshot older than maxAge when maxAge > 0. It returns the number of
// files removed.
func applyRetention(dir string, keep int, maxAge time.Duration, now time.Time) (int, error) {
	snaps, err := listSnapshots(dir)
	if err != nil {
		return 0, err
	}

	var toDelete []string
	for i, s := range snaps {
		switch {
		case i >= keep:
			toDelete = append(toDelete, s.Path)
		case maxAge > 0 && now.Sub(s.Timestamp) > maxAge:
			toDelete = append(toDelete, s.Path)
		}
	}

	removed := 0
	var lastErr error
	for _, path := range toDelete {
		if err := os.Remove(path); err != nil {
			lastErr = err
			continue
		}
		removed++
	}
	if lastErr != nil {
		return removed, fmt.Errorf("failed to delete some snapshots: %w", lastErr)
	}
	return removed, nil
}

// diskUsage totals the bytes used by all snapshots.
func diskUsage(dir string) (int64, error) {
	snaps, err := listSnapshots(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range snaps {
		total += s.Size
	}
	return total, nil
}
