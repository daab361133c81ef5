// Package notify carries memory change events between processes that share
// a data directory. Each event is one small JSON file that every watcher
// reads through fsnotify; files expire after a TTL.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Event is the payload written to an event file.
type Event struct {
	Kind     string `json:"kind"`
	UserID   string `json:"user_id"`
	Scope    string `json:"scope"`
	MemoryID string `json:"memory_id,omitempty"`
	Origin   string `json:"origin"`
	Time     int64  `json:"time"`
}

// EventWriter writes notification event files to a shared directory.
type EventWriter struct {
	dir    string
	origin string
}

// NewEventWriter creates a writer that emits events to {dataPath}/events/.
// origin identifies the writing process so its own watcher can skip them.
func NewEventWriter(dataPath, origin string) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, "events"), origin: origin}
}

// Notify writes an event file. Safe to call concurrently.
func (w *EventWriter) Notify(ev Event) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	ev.Origin = w.origin
	if ev.Time == 0 {
		ev.Time = time.Now().UnixNano()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	// Write then rename so the watcher never reads a partial file.
	name := fmt.Sprintf("%d-%s-%s", ev.Time, sanitizeID(w.origin), sanitizeID(ev.MemoryID))
	tmp := filepath.Join(w.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write event: %w", err)
	}
	return os.Rename(tmp, filepath.Join(w.dir, name+".event"))
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, id)
}
