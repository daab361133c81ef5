// Command ltm-server serves the long-term memory engine over HTTP and runs
// scheduled maintenance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/scrypster/ltm/internal/backup"
	"github.com/scrypster/ltm/internal/config"
	"github.com/scrypster/ltm/internal/logging"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (default: $LTM_CONFIG, then env vars only)")
	restore    = flag.String("restore", "", "Restore the SQLite database from a snapshot file and exit")
	snapshot   = flag.Bool("snapshot", false, "Take a single snapshot and exit")
	listCmd    = flag.Bool("list-snapshots", false, "List available snapshots and exit")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *restore != "":
		err = runRestore(cfg, *restore, logger)
	case *snapshot:
		err = runSnapshot(ctx, cfg, logger)
	case *listCmd:
		err = runList(cfg)
	default:
		err = serve(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// serve runs until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	addr, err := app.Start(ctx)
	if err != nil {
		return err
	}
	logger.Info("ltm server running", "url", "http://"+addr)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func runRestore(cfg *config.Config, snapshotPath string, logger *log.Logger) error {
	if cfg.Storage.Engine != "sqlite" {
		return fmt.Errorf("restore requires the sqlite storage engine, got %q", cfg.Storage.Engine)
	}
	if err := backup.Restore(snapshotPath, cfg.Storage.Path); err != nil {
		return err
	}
	logger.Info("database restored", "from", snapshotPath, "to", cfg.Storage.Path)
	return nil
}

func runSnapshot(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	if cfg.Backup.Dir == "" {
		return fmt.Errorf("backup.dir is not configured")
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr, err := newBackupManager(store, cfg.Backup, logger)
	if err != nil {
		return err
	}
	res, err := mgr.Snapshot(ctx)
	if err != nil {
		return err
	}
	logger.Info("snapshot written", "path", res.Path, "size", res.Size, "verified", res.Verified, "pruned", res.Pruned)
	return nil
}

func runList(cfg *config.Config) error {
	if cfg.Backup.Dir == "" {
		return fmt.Errorf("backup.dir is not configured")
	}
	infos, err := backup.ListSnapshots(cfg.Backup.Dir)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No snapshots found")
		return nil
	}
	for _, info := range infos {
		fmt.Printf("%s\t%s\t%d bytes\n", info.Timestamp.Format("2006-01-02 15:04:05"), info.Path, info.Size)
	}
	return nil
}
