package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// writeSnapshot creates a fake snapshot file taken at t.
func writeSnapshot(t *testing.T, dir string, at time.Time, size int) string {
	t.Helper()
	path := filepath.Join(dir, snapshotName(at))
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("failed to create snapshot file: %v", err)
	}
	return path
}

func TestSnapshotNameRoundTrip(t *testing.T) {
	at := time.Date(2026, 10, 17, 8, 30, 15, 123456789, time.UTC)
	got, ok := parseSnapshotName(snapshotName(at))
	if !ok {
		t.Fatal("expected name to parse")
	}
	if !got.Equal(at) {
		t.Errorf("expected %v, got %v", at, got)
	}

	for _, bad := range []string{"readme.txt", "ltm-snapshot-yesterday.db", "backup.db", "ltm-snapshot-20260101T000000.000000000Z.json"} {
		if _, ok := parseSnapshotName(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestSnapshotNamesSortInTimeOrder(t *testing.T) {
	earlier := snapshotName(baseTime)
	later := snapshotName(baseTime.Add(time.Millisecond))
	if earlier >= later {
		t.Errorf("expected %q < %q", earlier, later)
	}
}

func TestListSnapshotsEmpty(t *testing.T) {
	snaps, err := listSnapshots(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("expected 0 snapshots, got %d", len(snaps))
	}
}

func TestListSnapshotsNonexistentDirectory(t *testing.T) {
	if _, err := listSnapshots("/nonexistent/snapshot/dir"); err == nil {
		t.Fatal("expected error for non-existent directory")
	}
}

func TestListSnapshotsIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"readme.txt", "other.db"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, snapshotName(baseTime)), 0o755); err != nil {
		t.Fatal(err)
	}
	want := writeSnapshot(t, dir, baseTime.Add(time.Hour), 10)

	snaps, err := listSnapshots(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if snaps[0].Path != want {
		t.Errorf("expected path %s, got %s", want, snaps[0].Path)
	}
	if snaps[0].Size != 10 {
		t.Errorf("expected size 10, got %d", snaps[0].Size)
	}
}

func TestListSnapshotsSortNewestFirst(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, baseTime.Add(-2*time.Hour), 1)
	writeSnapshot(t, dir, baseTime, 1)
	writeSnapshot(t, dir, baseTime.Add(-time.Hour), 1)

	snaps, err := listSnapshots(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if !snaps[i-1].Timestamp.After(snaps[i].Timestamp) {
			t.Errorf("snapshots not sorted newest first at %d", i)
		}
	}
	if !snaps[0].Timestamp.Equal(baseTime) {
		t.Errorf("expected newest %v, got %v", baseTime, snaps[0].Timestamp)
	}
}

func TestApplyRetentionKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 6; i++ {
		paths = append(paths, writeSnapshot(t, dir, baseTime.Add(time.Duration(i)*time.Minute), 1))
	}

	removed, err := applyRetention(dir, 3, 0, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}

	for i, p := range paths {
		_, statErr := os.Stat(p)
		kept := statErr == nil
		if want := i >= 3; kept != want {
			t.Errorf("snapshot %d: kept=%v, want %v", i, kept, want)
		}
	}
}

func TestApplyRetentionMaxAge(t *testing.T) {
	dir := t.TempDir()
	now := baseTime
	fresh := writeSnapshot(t, dir, now.Add(-time.Hour), 1)
	stale := writeSnapshot(t, dir, now.Add(-72*time.Hour), 1)

	removed, err := applyRetention(dir, 10, 48*time.Hour, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh snapshot should be kept")
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale snapshot should be removed")
	}
}

func TestApplyRetentionUnderLimit(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, baseTime, 1)
	writeSnapshot(t, dir, baseTime.Add(time.Minute), 1)

	removed, err := applyRetention(dir, 2, 0, baseTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected nothing removed, got %d", removed)
	}
}

func TestApplyRetentionNonexistentDirectory(t *testing.T) {
	if _, err := applyRetention("/nonexistent/snapshot/dir", 1, 0, baseTime); err == nil {
		t.Fatal("expected error for non-existent directory")
	}
}

func TestDiskUsage(t *testing.T) {
	dir := t.TempDir()
	if used, err := diskUsage(dir); err != nil || used != 0 {
		t.Fatalf("empty dir: used=%d err=%v", used, err)
	}

	writeSnapshot(t, dir, baseTime, 100)
	writeSnapshot(t, dir, baseTime.Add(time.Minute), 250)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), make([]byte, 999), 0o644); err != nil {
		t.Fatal(err)
	}

	used, err := diskUsage(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != 350 {
		t.Errorf("expected 350 bytes, got %d", used)
	}
}
