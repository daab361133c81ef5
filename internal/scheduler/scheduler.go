// Package scheduler runs the memory engine's maintenance pass on a fixed
// interval and on demand, never more than one pass at a time.
package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/ltm/internal/engine"
)

// ErrBusy is returned by RunNow while a pass is already running.
var ErrBusy = errors.New("maintenance already running")

// Runner is the part of the engine the scheduler drives.
type Runner interface {
	RunMaintenance(ctx context.Context) (*engine.MaintenanceReport, error)
}

// Config controls a Scheduler.
type Config struct {
	// Interval between scheduled passes (default: 6h).
	Interval time.Duration

	// Timeout bounds one scheduled pass (default: 1h).
	Timeout time.Duration

	// RunOnStart triggers a pass as soon as Start is called.
	RunOnStart bool
}

// Scheduler is a ticker-driven maintenance worker.
type Scheduler struct {
	runner Runner
	cfg    Config
	logger *log.Logger

	running sync.Mutex // held for the duration of a pass

	mu   sync.Mutex
	last *engine.MaintenanceReport
	err  error

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a scheduler. Start must be called to begin ticking.
func New(runner Runner, cfg Config, logger *log.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		logger: logger.WithPrefix("scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the background worker.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.logger.Info("maintenance worker started", "interval", s.cfg.Interval)
		if s.cfg.RunOnStart {
			s.scheduled()
		}

		for {
			select {
			case <-ticker.C:
				s.scheduled()
			case <-s.stopCh:
				s.logger.Info("maintenance worker stopped")
				return
			}
		}
	}()
}

// Stop halts the worker, cancelling a scheduled pass in progress between
// stages, and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := s.RunNow(ctx); err != nil && !errors.Is(err, ErrBusy) {
		s.logger.Error("scheduled maintenance failed", "err", err)
	}
}

// RunNow runs one pass immediately. It returns ErrBusy instead of waiting
// when another pass is in progress.
func (s *Scheduler) RunNow(ctx context.Context) (*engine.MaintenanceReport, error) {
	if !s.running.TryLock() {
		return nil, ErrBusy
	}
	defer s.running.Unlock()

	report, err := s.runner.RunMaintenance(ctx)

	s.mu.Lock()
	s.last, s.err = report, err
	s.mu.Unlock()

	if report != nil {
		s.logger.Info("maintenance finished",
			"owners", report.Owners,
			"stages", len(report.Stages),
			"cancelled", report.Cancelled,
			"duration", report.FinishedAt.Sub(report.StartedAt))
	}
	return report, err
}

// Last returns the most recent report and error, if any pass has run.
func (s *Scheduler) Last() (*engine.MaintenanceReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.err
}
