package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/ltm/internal/embedding"
	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

// Create stores a new memory. When an active memory with the same normalized
// text already exists for the owner and category, that record is returned
// with created=false and no oracle is called.
//
// The embedding is computed before anything is written; an unavailable
// oracle aborts the call with ErrOracleUnavailable.
func (e *MemoryEngine) Create(ctx context.Context, in NewMemory) (*types.Memory, bool, error) {
	owner := types.NewOwner(in.Owner.UserID, in.Owner.Scope)
	content := strings.TrimSpace(in.Content)

	mem := &types.Memory{
		ID:                newMemoryID(),
		Owner:             owner,
		Content:           content,
		Category:          in.Category,
		Type:              in.Type,
		Source:            in.Source,
		Details:           in.Details,
		VerificationState: types.StateUnverified,
		Active:            true,
	}
	if mem.Category == "" {
		mem.Category = types.CategoryOther
	}
	if mem.Type == "" {
		mem.Type = types.TypeIntuited
	}
	if in.Confidence == 0 {
		mem.Confidence = types.DefaultConfidence(mem.Type)
	} else {
		mem.Confidence = types.ClampConfidence(in.Confidence)
	}
	if err := mem.Validate(); err != nil {
		return nil, false, err
	}

	normalized := mem.NormalizedContent()
	if existing, err := e.store.FindActiveDuplicate(ctx, owner, mem.Category, normalized); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to check for duplicate: %w", err)
	}

	vec, err := e.index.Embed(ctx, content)
	if err != nil {
		return nil, false, fmt.Errorf("failed to embed memory: %w", err)
	}
	mem.Embedding = vec
	mem.Temporal = e.temporal.Analyze(ctx, content)

	unlock := e.locks.lock(owner)
	defer unlock()

	// Another writer may have stored the same text while we were embedding.
	if existing, err := e.store.FindActiveDuplicate(ctx, owner, mem.Category, normalized); err == nil {
		return existing, false, nil
	}

	now := e.now()
	mem.CreatedAt = now
	mem.UpdatedAt = now
	if err := e.store.Insert(ctx, mem); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			if existing, ferr := e.store.FindActiveDuplicate(ctx, owner, mem.Category, normalized); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to store memory: %w", err)
	}

	e.logger.Debug("memory created", "id", mem.ID, "owner", owner, "category", mem.Category, "type", mem.Type)
	e.emit(EventCreated, owner, mem.ID)
	return mem, true, nil
}

// GetMemory returns a memory by id, active or retired.
func (e *MemoryEngine) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: memory id is required", types.ErrValidation)
	}
	return e.store.Get(ctx, id)
}

// RetrieveBySimilarity ranks the owner's active memories by cosine
// similarity to queryText, descending. Ties break by confidence, then by
// recency. The access statistics of every returned memory are updated.
func (e *MemoryEngine) RetrieveBySimilarity(ctx context.Context, owner types.Owner, queryText string, k int, category types.Category) ([]ScoredMemory, error) {
	owner = types.NewOwner(owner.UserID, owner.Scope)
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(queryText) == "" {
		return nil, fmt.Errorf("%w: query text is required", types.ErrValidation)
	}
	if category != "" && !category.IsValid() {
		return nil, fmt.Errorf("%w: unknown category %q", types.ErrValidation, category)
	}
	if k <= 0 {
		k = e.cfg.DefaultK
	}
	if k > e.cfg.MaxK {
		k = e.cfg.MaxK
	}

	trace := traceFromContext(ctx)
	trace.Emit(TraceEvent{Kind: KindSearchStarted, At: e.now(), Query: queryText, Category: string(category)})

	query, err := e.index.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	candidates, source, err := e.candidates(ctx, owner, query, category)
	if err != nil {
		return nil, err
	}
	trace.Emit(TraceEvent{Kind: KindCandidatesFound, At: e.now(), Source: source, Count: len(candidates)})

	scored := make([]ScoredMemory, 0, len(candidates))
	for _, m := range candidates {
		sim := embedding.Similarity(query, m.Embedding)
		scored = append(scored, ScoredMemory{Memory: m, Similarity: sim})
		trace.Emit(TraceEvent{Kind: KindScoredCandidate, At: e.now(), MemoryID: m.ID, Similarity: sim})
	}
	rankScored(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	if len(scored) == 0 {
		trace.Emit(TraceEvent{Kind: KindResultsReturned, At: e.now()})
		return scored, nil
	}

	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.Memory.ID
	}
	now := e.now()
	unlock := e.locks.lock(owner)
	err = e.store.Touch(ctx, ids, now)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to record access: %w", err)
	}
	for _, s := range scored {
		s.Memory.AccessCount++
		s.Memory.LastAccessedAt = &now
	}

	trace.Emit(TraceEvent{Kind: KindResultsReturned, At: now, Count: len(ids), MemoryIDs: ids})
	return scored, nil
}

// candidates loads the memories a query is ranked over. Backends with native
// vector search preselect the nearest neighbours; the rest list everything.
func (e *MemoryEngine) candidates(ctx context.Context, owner types.Owner, query []float32, category types.Category) ([]*types.Memory, string, error) {
	if vs, ok := e.store.(storage.VectorSearcher); ok {
		mems, err := vs.NearestActive(ctx, owner, query, category, e.cfg.CandidatePool)
		if err != nil {
			return nil, "", fmt.Errorf("failed to search vectors: %w", err)
		}
		return mems, "vector", nil
	}
	mems, err := e.store.ListActive(ctx, owner, storage.ListOptions{Category: category})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list memories: %w", err)
	}
	return mems, "list", nil
}

// rankScored orders by similarity, then confidence, then recency, all
// descending. The id is a final tiebreak so the order is total.
func rankScored(s []ScoredMemory) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Memory.Confidence != b.Memory.Confidence {
			return a.Memory.Confidence > b.Memory.Confidence
		}
		ra, rb := a.Memory.Recency(), b.Memory.Recency()
		if !ra.Equal(rb) {
			return ra.After(rb)
		}
		return a.Memory.ID < b.Memory.ID
	})
}

// UpdateConfidence stores a new confidence for a memory. The value is
// clamped to [0,1] and verified memories are held at the verified floor.
// Every call appends an audit row carrying reason.
func (e *MemoryEngine) UpdateConfidence(ctx context.Context, id string, value float64, reason string) (*types.Memory, error) {
	mem, err := e.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}

	unlock := e.locks.lock(mem.Owner)
	defer unlock()

	mem, err = e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := types.ClampConfidence(value)
	if mem.Verified && next < types.VerifiedFloor {
		next = types.VerifiedFloor
	}
	if err := e.store.SetConfidence(ctx, id, next, reason, e.now()); err != nil {
		return nil, fmt.Errorf("failed to update confidence: %w", err)
	}
	mem.Confidence = next

	e.emit(EventUpdated, mem.Owner, id)
	return mem, nil
}

// Deactivate retires a memory. The record stays readable by id.
func (e *MemoryEngine) Deactivate(ctx context.Context, id string) error {
	return e.setActive(ctx, id, false)
}

// Reactivate brings a retired memory back. It fails with ErrConflict when an
// active memory of the same owner and category now holds the same text.
func (e *MemoryEngine) Reactivate(ctx context.Context, id string) error {
	return e.setActive(ctx, id, true)
}

func (e *MemoryEngine) setActive(ctx context.Context, id string, active bool) error {
	mem, err := e.GetMemory(ctx, id)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(mem.Owner)
	defer unlock()

	if err := e.store.SetActive(ctx, id, active, e.now()); err != nil {
		return fmt.Errorf("failed to set active=%t: %w", active, err)
	}

	kind := EventRetired
	if active {
		kind = EventReactivated
	}
	e.emit(kind, mem.Owner, id)
	return nil
}

// HardDelete permanently removes a memory and its incident edges. Verified
// and explicit memories are refused with ErrConflict.
func (e *MemoryEngine) HardDelete(ctx context.Context, id string) error {
	mem, err := e.GetMemory(ctx, id)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(mem.Owner)
	defer unlock()

	if err := e.hardDeleteLocked(ctx, e.store, id); err != nil {
		return err
	}
	e.emit(EventDeleted, mem.Owner, id)
	return nil
}

// hardDeleteLocked re-reads the memory inside repo and deletes it when it
// is not protected. The caller holds the owner lock.
func (e *MemoryEngine) hardDeleteLocked(ctx context.Context, repo storage.Repository, id string) error {
	mem, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if mem.Protected() {
		return fmt.Errorf("%w: memory %s is verified or explicit and cannot be deleted", types.ErrConflict, id)
	}
	if err := repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return nil
}
