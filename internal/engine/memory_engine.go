package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/ltm/internal/embedding"
	"github.com/scrypster/ltm/internal/llm"
	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

// MemoryEngine is the caller-facing API of the memory subsystem. It owns
// the per-owner locks and wires the store, the embedding index and the
// judge oracle into the temporal, verification and curation components.
type MemoryEngine struct {
	cfg Config

	// Storage layer
	store storage.Store

	// Oracles
	index *embedding.Index
	judge llm.Judge

	// Components
	temporal       *TemporalAnalyzer
	contradictions *ContradictionDetector
	decay          *DecayManager
	categorizer    *Categorizer

	locks  *ownerLocks
	logger *log.Logger
	now    func() time.Time

	// Callbacks
	mu       sync.RWMutex
	onChange func(Event)
	snapshot func(ctx context.Context) error
}

// NewMemoryEngine creates a memory engine. judge may be nil; temporal
// analysis then stays local and the oracle curation stages are skipped.
// The index dimension must match the store's.
func NewMemoryEngine(store storage.Store, index *embedding.Index, judge llm.Judge, cfg Config, logger *log.Logger) (*MemoryEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if index == nil {
		return nil, fmt.Errorf("embedding index is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if index.Dimension() != store.Dimension() {
		return nil, fmt.Errorf("%w: index produces %d, store holds %d",
			types.ErrDimensionMismatch, index.Dimension(), store.Dimension())
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	logger = logger.WithPrefix("engine")

	locks := newOwnerLocks()
	e := &MemoryEngine{
		cfg:            cfg,
		store:          store,
		index:          index,
		judge:          judge,
		temporal:       NewTemporalAnalyzer(judge, cfg.ComplexityThreshold, logger),
		contradictions: NewContradictionDetector(store, locks, cfg, logger),
		decay:          NewDecayManager(cfg.DecayHalfLife, cfg.DecayFloor),
		categorizer:    NewCategorizer(),
		locks:          locks,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}

	logger.Info("memory engine ready", "backend", store.Backend(), "dimension", store.Dimension(), "judge", judge != nil)
	return e, nil
}

// SetOnChange sets a callback fired after every committed change. The
// callback runs on the mutating goroutine and must not block.
func (e *MemoryEngine) SetOnChange(callback func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = callback
}

// SetSnapshotHook sets a function run before oracle-assisted curation,
// typically a database snapshot. A hook error skips that stage.
func (e *MemoryEngine) SetSnapshotHook(hook func(ctx context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshot = hook
}

func (e *MemoryEngine) snapshotHook() func(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// emit publishes an event to the change callback, if any.
func (e *MemoryEngine) emit(kind EventKind, owner types.Owner, memoryID string) {
	e.mu.RLock()
	cb := e.onChange
	e.mu.RUnlock()
	if cb != nil {
		cb(Event{Kind: kind, Owner: owner, MemoryID: memoryID, At: e.now()})
	}
}

// withOwner runs fn while holding owner's lock.
func (e *MemoryEngine) withOwner(owner types.Owner, fn func() error) error {
	unlock := e.locks.lock(owner)
	defer unlock()
	return fn()
}

// Config returns the engine configuration.
func (e *MemoryEngine) Config() Config {
	return e.cfg
}

// IndexStats returns the embedding index counters.
func (e *MemoryEngine) IndexStats() embedding.Stats {
	return e.index.Stats()
}

// Backend names the storage backend.
func (e *MemoryEngine) Backend() string {
	return e.store.Backend()
}

// CreateMemory stores a memory, returning the existing record with
// created=false when an exact duplicate is already active.
func (e *MemoryEngine) CreateMemory(ctx context.Context, in NewMemory) (*types.Memory, bool, error) {
	return e.Create(ctx, in)
}

// QueryMemories returns the k memories of owner closest to text.
func (e *MemoryEngine) QueryMemories(ctx context.Context, owner types.Owner, text string, k int, category types.Category) ([]ScoredMemory, error) {
	return e.RetrieveBySimilarity(ctx, owner, text, k, category)
}

// RunMaintenance runs one curation pass over every owner.
func (e *MemoryEngine) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	return e.RunMaintenanceOnce(ctx)
}

// ConfidenceHistory returns the audit trail of a memory, oldest first.
func (e *MemoryEngine) ConfidenceHistory(ctx context.Context, id string) ([]storage.ConfidenceChange, error) {
	if _, err := e.GetMemory(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ConfidenceHistory(ctx, id)
}

// ListMemories returns the active memories of an owner, newest first.
func (e *MemoryEngine) ListMemories(ctx context.Context, owner types.Owner, opts storage.ListOptions) ([]*types.Memory, error) {
	owner = types.NewOwner(owner.UserID, owner.Scope)
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	return e.store.ListActive(ctx, owner, opts)
}

// Owners lists every owner with active memories.
func (e *MemoryEngine) Owners(ctx context.Context) ([]types.Owner, error) {
	return e.store.Owners(ctx)
}
