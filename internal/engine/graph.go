package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

// AddEdge records a directed relation between two memories of the same
// owner. Adding an existing (source, target, type) triple again keeps the
// higher confidence.
func (e *MemoryEngine) AddEdge(ctx context.Context, sourceID, targetID string, edgeType types.EdgeType, confidence float64) (*types.Edge, error) {
	now := e.now()
	edge := types.Edge{
		SourceID:   sourceID,
		TargetID:   targetID,
		Type:       edgeType,
		Confidence: types.ClampConfidence(confidence),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := edge.Validate(); err != nil {
		return nil, err
	}

	src, err := e.store.Get(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("edge source: %w", err)
	}
	dst, err := e.store.Get(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("edge target: %w", err)
	}
	if src.Owner != dst.Owner {
		return nil, fmt.Errorf("%w: edge endpoints belong to different owners", types.ErrValidation)
	}

	unlock := e.locks.lock(src.Owner)
	defer unlock()

	if err := e.store.UpsertEdge(ctx, edge); err != nil {
		return nil, fmt.Errorf("failed to store edge: %w", err)
	}

	e.emit(EventEdge, src.Owner, sourceID)
	return &edge, nil
}

// EdgesOf returns every edge incident to id, in either direction.
func (e *MemoryEngine) EdgesOf(ctx context.Context, id string) ([]types.Edge, error) {
	if _, err := e.GetMemory(ctx, id); err != nil {
		return nil, err
	}
	return e.store.EdgesOf(ctx, id)
}

// MigrateEdges re-points every edge incident to any of oldIDs at newID.
// Edges that collapse onto the same (source, target, type) keep the highest
// confidence, and edges that would become self-loops are dropped. It runs
// against the caller's transaction and returns the number of edges written.
func MigrateEdges(ctx context.Context, tx storage.Repository, oldIDs []string, newID string, at time.Time) (int, error) {
	old := make(map[string]bool, len(oldIDs))
	for _, id := range oldIDs {
		if id == newID {
			return 0, fmt.Errorf("%w: cannot migrate edges of %s onto itself", types.ErrValidation, id)
		}
		old[id] = true
	}

	remap := func(id string) string {
		if old[id] {
			return newID
		}
		return id
	}

	seen := make(map[types.EdgeKey]bool)
	merged := make(map[types.EdgeKey]types.Edge)
	var order []types.EdgeKey

	for _, id := range oldIDs {
		edges, err := tx.EdgesOf(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to load edges of %s: %w", id, err)
		}
		for _, edge := range edges {
			if seen[edge.Key()] {
				continue
			}
			seen[edge.Key()] = true

			if err := tx.DeleteEdge(ctx, edge.Key()); err != nil {
				return 0, fmt.Errorf("failed to detach edge: %w", err)
			}

			moved := edge
			moved.SourceID = remap(edge.SourceID)
			moved.TargetID = remap(edge.TargetID)
			moved.UpdatedAt = at
			if moved.SourceID == moved.TargetID {
				continue
			}

			key := moved.Key()
			if prev, ok := merged[key]; ok {
				if moved.Confidence > prev.Confidence {
					prev.Confidence = moved.Confidence
				}
				if moved.CreatedAt.Before(prev.CreatedAt) {
					prev.CreatedAt = moved.CreatedAt
				}
				merged[key] = prev
				continue
			}
			merged[key] = moved
			order = append(order, key)
		}
	}

	for _, key := range order {
		if err := tx.UpsertEdge(ctx, merged[key]); err != nil {
			return 0, fmt.Errorf("failed to re-point edge: %w", err)
		}
	}
	return len(order), nil
}
