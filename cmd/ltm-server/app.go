package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/scrypster/ltm/internal/backup"
	"github.com/scrypster/ltm/internal/config"
	"github.com/scrypster/ltm/internal/embedding"
	"github.com/scrypster/ltm/internal/engine"
	"github.com/scrypster/ltm/internal/llm"
	"github.com/scrypster/ltm/internal/notify"
	"github.com/scrypster/ltm/internal/scheduler"
	"github.com/scrypster/ltm/internal/server"
	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/internal/storage/postgres"
	"github.com/scrypster/ltm/internal/storage/sqlite"
	"github.com/scrypster/ltm/pkg/types"
)

// app holds every long-lived component of the server process.
type app struct {
	cfg    *config.Config
	logger *log.Logger

	store     storage.Store
	index     *embedding.Index
	engine    *engine.MemoryEngine
	scheduler *scheduler.Scheduler
	hub       *server.EventHub
	server    *server.Server
	watcher   *notify.EventWatcher
}

// newApp wires the components described by cfg. Nothing runs in the
// background until Start.
func newApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (_ *app, err error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	embedder, err := newEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.index, err = embedding.New(embedder, embedding.Config{
		Dimension:   cfg.Embedding.Dimension,
		CacheSize:   cfg.Embedding.CacheSize,
		BatchWindow: cfg.Embedding.BatchWindow,
		MaxBatch:    cfg.Embedding.MaxBatch,
		CallTimeout: cfg.Embedding.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	judge, err := newJudge(cfg, logger)
	if err != nil {
		return nil, err
	}

	a.engine, err = engine.NewMemoryEngine(a.store, a.index, judge, cfg.EngineConfig(), logger)
	if err != nil {
		return nil, err
	}

	var snapshots server.SnapshotStatus
	if cfg.Backup.Dir != "" {
		mgr, err := newBackupManager(a.store, cfg.Backup, logger)
		if err != nil {
			return nil, err
		}
		a.engine.SetSnapshotHook(mgr.Hook())
		snapshots = mgr
	}

	a.hub = server.NewEventHub(logger)
	publish := a.hub.Publish
	if cfg.Notify.Enabled {
		origin := uuid.NewString()
		writer := notify.NewEventWriter(cfg.Notify.DataDir, origin)
		publish = func(ev engine.Event) {
			a.hub.Publish(ev)
			if err := writer.Notify(toNotifyEvent(ev)); err != nil {
				logger.Warn("failed to write change notification", "err", err)
			}
		}
		a.watcher = notify.NewEventWatcher(cfg.Notify.DataDir, origin, func(ev notify.Event) {
			a.hub.Publish(fromNotifyEvent(ev))
		}, logger)
	}
	a.engine.SetOnChange(publish)

	a.scheduler = scheduler.New(a.engine, scheduler.Config{
		Interval:   cfg.Maintenance.Interval,
		Timeout:    cfg.Maintenance.Timeout,
		RunOnStart: cfg.Maintenance.RunOnStart,
	}, logger)

	a.server, err = server.New(server.Options{
		Config:      cfg.Server,
		Engine:      a.engine,
		Maintenance: a.scheduler,
		Hub:         a.hub,
		Snapshots:   snapshots,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Start begins background maintenance, the notification watcher and the
// HTTP listener. It returns the address the server is bound to.
func (a *app) Start(ctx context.Context) (string, error) {
	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			return "", fmt.Errorf("failed to start notification watcher: %w", err)
		}
	}
	if a.cfg.Maintenance.Enabled {
		a.scheduler.Start()
	}
	return a.server.Start(ctx)
}

// Close stops background work and releases the store. Safe on a partially
// built app.
func (a *app) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.index != nil {
		a.index.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close store", "err", err)
		}
	}
}

// openStore opens the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Embedding.Dimension)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite", "":
		if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		store, err := sqlite.Open(ctx, cfg.Storage.Path, cfg.Embedding.Dimension, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage engine: %q", cfg.Storage.Engine)
	}
}

func newBackupManager(store storage.Store, cfg config.BackupConfig, logger *log.Logger) (*backup.Manager, error) {
	src, ok := store.(storage.Snapshotter)
	if !ok {
		return nil, errors.New("snapshots require the sqlite storage engine")
	}
	return backup.NewManager(src, backup.Config{
		Dir:    cfg.Dir,
		Keep:   cfg.Keep,
		MaxAge: cfg.MaxAge,
		Verify: cfg.Verify,
	}, logger)
}

// newEmbedder builds the embedding oracle behind its own guard so a failing
// judge cannot trip the embedding circuit.
func newEmbedder(cfg *config.Config, logger *log.Logger) (llm.Embedder, error) {
	e, err := llm.NewEmbedder(llm.ProviderConfig{
		Provider:  cfg.Embedding.Provider,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
	})
	if err != nil {
		return nil, err
	}
	guard := llm.NewGuard("embedding", llm.GuardConfig{
		MaxConcurrent: cfg.Oracle.MaxConcurrent,
		MaxFailures:   cfg.Oracle.MaxFailures,
		OpenTimeout:   cfg.Oracle.OpenTimeout,
	}, logger)
	return llm.NewGuardedEmbedder(e, guard), nil
}

// newJudge returns nil when the judge oracle is disabled.
func newJudge(cfg *config.Config, logger *log.Logger) (llm.Judge, error) {
	if !cfg.Oracle.Enabled {
		return nil, nil
	}
	gen, err := llm.NewTextGenerator(llm.ProviderConfig{
		Provider: cfg.Oracle.Provider,
		BaseURL:  cfg.Oracle.BaseURL,
		APIKey:   cfg.Oracle.APIKey,
		Model:    cfg.Oracle.Model,
		Timeout:  cfg.Oracle.Timeout,
	})
	if err != nil {
		return nil, err
	}
	guard := llm.NewGuard("judge", llm.GuardConfig{
		MaxConcurrent: cfg.Oracle.MaxConcurrent,
		RatePerSecond: cfg.Oracle.RatePerSecond,
		MaxFailures:   cfg.Oracle.MaxFailures,
		OpenTimeout:   cfg.Oracle.OpenTimeout,
	}, logger)
	return llm.NewGuardedJudge(llm.NewPromptJudge(gen), guard), nil
}

func toNotifyEvent(ev engine.Event) notify.Event {
	return notify.Event{
		Kind:     string(ev.Kind),
		UserID:   ev.Owner.UserID,
		Scope:    ev.Owner.Scope,
		MemoryID: ev.MemoryID,
		Time:     ev.At.UnixNano(),
	}
}

func fromNotifyEvent(ev notify.Event) engine.Event {
	return engine.Event{
		Kind:     engine.EventKind(ev.Kind),
		Owner:    types.NewOwner(ev.UserID, ev.Scope),
		MemoryID: ev.MemoryID,
		At:       time.Unix(0, ev.Time),
	}
}
