package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

// UpsertEdge inserts an edge or raises the confidence of the existing one.
func (r *repo) UpsertEdge(ctx context.Context, e types.Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	e.Confidence = types.ClampConfidence(e.Confidence)

	_, err := r.exec(ctx, `
		INSERT INTO edges (source_id, target_id, edge_type, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, target_id, edge_type) DO UPDATE SET
			confidence = `+r.d.Greatest()+`(edges.confidence, excluded.confidence),
			updated_at = excluded.updated_at`,
		e.SourceID, e.TargetID, string(e.Type), e.Confidence, e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	return r.mapError(err, "upsert edge")
}

// EdgesOf returns every edge incident to id.
func (r *repo) EdgesOf(ctx context.Context, id string) ([]types.Edge, error) {
	rows, err := r.q.QueryContext(ctx, r.d.Rebind(`
		SELECT source_id, target_id, edge_type, confidence, created_at, updated_at
		FROM edges WHERE source_id = ? OR target_id = ?
		ORDER BY created_at, source_id, target_id, edge_type`), id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var out []types.Edge
	for rows.Next() {
		var (
			e        types.Edge
			edgeType string
		)
		if err := rows.Scan(&e.SourceID, &e.TargetID, &edgeType, &e.Confidence, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Type = types.EdgeType(edgeType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEdge removes one edge.
func (r *repo) DeleteEdge(ctx context.Context, key types.EdgeKey) error {
	_, err := r.exec(ctx, "DELETE FROM edges WHERE source_id = ? AND target_id = ? AND edge_type = ?",
		key.SourceID, key.TargetID, string(key.Type))
	return r.mapError(err, "delete edge")
}

var _ storage.EdgeStore = (*repo)(nil)
