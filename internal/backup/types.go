// Package backup takes point-in-time snapshots of the SQLite memory store
// before destructive maintenance, verifies them and prunes old ones.
package backup

import (
	"time"
)

// Config holds snapshot manager configuration.
type Config struct {
	// Dir is the directory where snapshots are stored.
	Dir string

	// Keep is the number of snapshots retained after each new one (default: 5).
	Keep int

	// MaxAge removes snapshots older than this regardless of Keep. Zero
	// disables the age limit.
	MaxAge time.Duration

	// Verify runs an integrity check on every new snapshot.
	Verify bool
}

// Info contains metadata about a snapshot file.
type Info struct {
	// Path is the full path to the snapshot file
	Path string

	// Timestamp is when the snapshot was taken
	Timestamp time.Time

	// Size is the file size in bytes
	Size int64
}

// Result describes one snapshot operation.
type Result struct {
	Path     string
	Duration time.Duration
	Size     int64
	Verified bool
	Pruned   int
}
