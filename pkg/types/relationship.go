package types

import (
	"fmt"
	"time"
)

// EdgeType names the relation an edge expresses.
type EdgeType string

// Edge types.
const (
	EdgeSupports    EdgeType = "supports"
	EdgeContradicts EdgeType = "contradicts"
	EdgeElaborates  EdgeType = "elaborates"
	EdgeSupersedes  EdgeType = "supersedes"
	EdgeCauses      EdgeType = "causes"
	EdgeRelatedTo   EdgeType = "related_to"
)

// IsValid reports whether t is a known edge type.
func (t EdgeType) IsValid() bool {
	switch t {
	case EdgeSupports, EdgeContradicts, EdgeElaborates, EdgeSupersedes, EdgeCauses, EdgeRelatedTo:
		return true
	}
	return false
}

// Edge is a directed, typed relation between two memories. An edge is
// logically unique per (SourceID, TargetID, Type).
type Edge struct {
	SourceID   string    `json:"source_id"`
	TargetID   string    `json:"target_id"`
	Type       EdgeType  `json:"type"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Key identifies the logical edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{SourceID: e.SourceID, TargetID: e.TargetID, Type: e.Type}
}

// Touches reports whether id is either endpoint.
func (e Edge) Touches(id string) bool {
	return e.SourceID == id || e.TargetID == id
}

// Validate checks endpoint and type sanity.
func (e Edge) Validate() error {
	if e.SourceID == "" || e.TargetID == "" {
		return fmt.Errorf("%w: edge endpoints are required", ErrValidation)
	}
	if e.SourceID == e.TargetID {
		return fmt.Errorf("%w: edge %s cannot point at itself", ErrValidation, e.SourceID)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: unknown edge type %q", ErrValidation, e.Type)
	}
	return nil
}

// EdgeKey is the uniqueness key of an edge.
type EdgeKey struct {
	SourceID string
	TargetID string
	Type     EdgeType
}
