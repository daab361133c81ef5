package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/scrypster/ltm/pkg/types"
)

// ErrCircuitOpen is returned when the circuit breaker is in open state
// and rejects requests to prevent cascading failures.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// GuardConfig bounds and protects calls to one oracle.
type GuardConfig struct {
	// MaxConcurrent caps in-flight calls. Default: 4
	MaxConcurrent int64

	// RatePerSecond paces calls; zero disables pacing.
	RatePerSecond float64

	// Burst is the limiter burst. Default: MaxConcurrent
	Burst int

	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 3
	MaxFailures uint32

	// OpenTimeout is how long the circuit stays open before half-opening.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required in
	// half-open state to close the circuit again.
	// Default: 2
	HalfOpenMaxSuccesses uint32
}

func (c *GuardConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.Burst <= 0 {
		c.Burst = int(c.MaxConcurrent)
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxSuccesses == 0 {
		c.HalfOpenMaxSuccesses = 2
	}
}

// GuardMetrics holds counters about guarded calls.
type GuardMetrics struct {
	TotalRequests  uint64
	TotalSuccesses uint64
	TotalFailures  uint64
	Rejected       uint64 // refused by an open circuit
}

// Guard runs oracle calls through a weighted semaphore, a rate limiter and
// a circuit breaker, in that order. Every failure it returns wraps
// types.ErrOracleUnavailable.
//
// When closed (normal operation), requests pass through normally.
// After MaxFailures consecutive failures, the circuit opens and rejects all requests.
// After OpenTimeout, the circuit transitions to half-open and allows test requests.
type Guard struct {
	name    string
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	metrics GuardMetrics
}

// NewGuard creates a guard for the named oracle.
func NewGuard(name string, cfg GuardConfig, logger *log.Logger) *Guard {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.New(io.Discard)
	}

	g := &Guard{
		name: name,
		sem:  semaphore.NewWeighted(cfg.MaxConcurrent),
	}
	if cfg.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// A caller that gave up says nothing about the oracle's health.
		// Deadlines still count: a hung oracle must trip the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("oracle circuit state changed", "oracle", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Do runs fn under the guard.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return g.fail(err)
	}
	defer g.sem.Release(1)

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return g.fail(err)
		}
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.record(func(m *GuardMetrics) { m.Rejected++ })
			err = ErrCircuitOpen
		}
		return g.fail(err)
	}

	g.record(func(m *GuardMetrics) {
		m.TotalRequests++
		m.TotalSuccesses++
	})
	return nil
}

func (g *Guard) fail(err error) error {
	g.record(func(m *GuardMetrics) {
		m.TotalRequests++
		m.TotalFailures++
	})
	if errors.Is(err, types.ErrOracleUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", types.ErrOracleUnavailable, g.name, err)
}

func (g *Guard) record(update func(*GuardMetrics)) {
	g.mu.Lock()
	update(&g.metrics)
	g.mu.Unlock()
}

// State returns the current state of the circuit breaker.
// Possible values: "closed", "open", "half-open"
func (g *Guard) State() string {
	return g.breaker.State().String()
}

// Metrics returns a snapshot of the guard counters.
func (g *Guard) Metrics() GuardMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metrics
}

// GuardedEmbedder routes every call of an Embedder through a Guard.
type GuardedEmbedder struct {
	inner Embedder
	guard *Guard
}

// NewGuardedEmbedder wraps e.
func NewGuardedEmbedder(e Embedder, g *Guard) *GuardedEmbedder {
	return &GuardedEmbedder{inner: e, guard: g}
}

// Embed implements Embedder.
func (e *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := e.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.inner.Embed(ctx, text)
		return err
	})
	return out, err
}

// EmbedBatch implements Embedder.
func (e *GuardedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := e.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.inner.EmbedBatch(ctx, texts)
		return err
	})
	return out, err
}

// Dimension implements Embedder.
func (e *GuardedEmbedder) Dimension() int {
	return e.inner.Dimension()
}

// GuardedJudge routes every call of a Judge through a Guard.
type GuardedJudge struct {
	inner Judge
	guard *Guard
}

// NewGuardedJudge wraps j.
func NewGuardedJudge(j Judge, g *Guard) *GuardedJudge {
	return &GuardedJudge{inner: j, guard: g}
}

// ClassifyTemporal implements Judge.
func (j *GuardedJudge) ClassifyTemporal(ctx context.Context, text string) (*types.TemporalAnnotation, error) {
	var out *types.TemporalAnnotation
	err := j.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = j.inner.ClassifyTemporal(ctx, text)
		return err
	})
	return out, err
}

// Curate implements Judge.
func (j *GuardedJudge) Curate(ctx context.Context, category types.Category, items []CurationItem) (*CurationDecision, error) {
	var out *CurationDecision
	err := j.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = j.inner.Curate(ctx, category, items)
		return err
	})
	return out, err
}

// Rewrite implements Judge.
func (j *GuardedJudge) Rewrite(ctx context.Context, text string) (string, error) {
	var out string
	err := j.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = j.inner.Rewrite(ctx, text)
		return err
	})
	return out, err
}

var (
	_ Embedder = (*GuardedEmbedder)(nil)
	_ Judge    = (*GuardedJudge)(nil)
)
