package notify

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultTTL is how long an event file stays in the directory. Every
	// watcher sharing the directory sees each file within that window.
	DefaultTTL = 2 * time.Minute

	seenCacheSize = 4096
)

// EventWatcher delivers events written by other processes. Files are never
// consumed on read; each watcher remembers the names it has handled and
// sweeps files older than the TTL.
type EventWatcher struct {
	dir      string
	origin   string
	callback func(Event)
	ttl      time.Duration
	logger   *log.Logger

	seen *lru.Cache[string, struct{}]

	fsw  *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewEventWatcher creates a watcher for {dataPath}/events/. Events whose
// origin equals origin are ignored.
func NewEventWatcher(dataPath, origin string, callback func(Event), logger *log.Logger) *EventWatcher {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	seen, _ := lru.New[string, struct{}](seenCacheSize)
	return &EventWatcher{
		dir:      filepath.Join(dataPath, "events"),
		origin:   origin,
		callback: callback,
		ttl:      DefaultTTL,
		logger:   logger.WithPrefix("notify"),
		seen:     seen,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start delivers the unexpired files already present, then watches for new
// ones until Stop.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(ew.dir); err != nil {
		_ = fsw.Close()
		return err
	}
	ew.fsw = fsw

	// Scan after Add so nothing written in between is missed; the seen
	// cache absorbs files reported by both paths.
	ew.scan(time.Now())

	go ew.loop()
	ew.logger.Info("watching for change events", "dir", ew.dir, "ttl", ew.ttl)
	return nil
}

// Stop shuts the watcher down. Safe to call more than once or before Start.
func (ew *EventWatcher) Stop() {
	if ew.fsw == nil {
		return
	}
	ew.once.Do(func() {
		close(ew.stop)
		_ = ew.fsw.Close()
		<-ew.done
	})
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)

	sweep := time.NewTicker(ew.ttl / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ew.stop:
			return
		case evt, ok := <-ew.fsw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, ".event") {
				ew.deliver(evt.Name)
			}
		case err, ok := <-ew.fsw.Errors:
			if !ok {
				return
			}
			ew.logger.Warn("watcher error", "err", err)
		case now := <-sweep.C:
			ew.scan(now)
		}
	}
}

// scan removes expired files and delivers any live file not yet seen.
func (ew *EventWatcher) scan(now time.Time) {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		ew.logger.Warn("failed to scan events", "err", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".event") || strings.HasSuffix(name, ".tmp")) {
			continue
		}
		path := filepath.Join(ew.dir, name)
		info, err := entry.Info()
		if err != nil {
			continue // removed by another watcher
		}
		if now.Sub(info.ModTime()) > ew.ttl {
			_ = os.Remove(path)
			ew.seen.Remove(name)
			continue
		}
		if strings.HasSuffix(name, ".event") {
			ew.deliver(path)
		}
	}
}

func (ew *EventWatcher) deliver(path string) {
	name := filepath.Base(path)
	if ew.seen.Contains(name) {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return // swept by another watcher
	}
	ew.seen.Add(name, struct{}{})

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		_ = os.Remove(path)
		ew.logger.Warn("invalid event file", "file", name, "err", err)
		return
	}
	if event.Origin == ew.origin {
		return
	}
	if ew.callback != nil {
		ew.callback(event)
	}
}
