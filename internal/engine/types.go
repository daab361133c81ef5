// Package engine implements the long-term memory subsystem: the memory
// store invariants, the relationship graph, temporal analysis and
// contradiction detection, the verification protocol, confidence decay and
// the multi-stage curation pipeline. Every mutation is serialized per owner.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/ltm/pkg/types"
)

// Config holds configuration for the memory engine.
type Config struct {
	// DefaultK is the result count of a query that asks for none (default: 5).
	DefaultK int

	// MaxK caps the result count of a query (default: 100).
	MaxK int

	// CandidatePool is how many nearest neighbours a vector-capable backend
	// preselects before the engine ranks them (default: 200).
	CandidatePool int

	// ComplexityThreshold is the local temporal complexity above which the
	// classifier oracle is consulted (default: 3).
	ComplexityThreshold int

	// ContradictionMinJaccard and ContradictionMinShared gate which pairs of
	// memories are compared by the contradiction rules (defaults: 0.3, 2).
	ContradictionMinJaccard float64
	ContradictionMinShared  int

	// MaxContradictionPairs bounds the pairs evaluated per owner (default: 500).
	MaxContradictionPairs int

	// VerificationBatch caps the questions handed out per request (default: 3).
	VerificationBatch int

	// VerificationMinConfidence and VerificationMaxConfidence bound the
	// confidence of verification candidates (defaults: 0.4, 0.8).
	VerificationMinConfidence float64
	VerificationMaxConfidence float64

	// VerificationReaskAfter is how long an unanswered question waits before
	// the memory becomes a candidate again (default: 24h). Zero never
	// re-asks.
	VerificationReaskAfter time.Duration

	// ConfirmThreshold and DenyThreshold classify a free-form answer by its
	// similarity to the memory (defaults: 0.82, 0.35).
	ConfirmThreshold float64
	DenyThreshold    float64

	// DecayHalfLife is the confidence half-life of unverified, non-explicit
	// memories (default: 90 days).
	DecayHalfLife time.Duration

	// DecayFloor is the lowest confidence decay produces (default: 0.05).
	DecayFloor float64

	// MergeThreshold is the token Jaccard at or above which two memories are
	// duplicates (default: 0.9).
	MergeThreshold float64

	// RewriteMinSimilarity is the cosine a hedge rewrite must keep to the
	// original (default: 0.85).
	RewriteMinSimilarity float64

	// OracleOwners and OracleMinMemories select the owners that get
	// oracle-assisted curation (defaults: 5, 20).
	OracleOwners      int
	OracleMinMemories int

	// OracleBatchSize caps the items sent to the judge at once (default: 40).
	OracleBatchSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultK:                  5,
		MaxK:                      100,
		CandidatePool:             200,
		ComplexityThreshold:       3,
		ContradictionMinJaccard:   0.3,
		ContradictionMinShared:    2,
		MaxContradictionPairs:     500,
		VerificationBatch:         3,
		VerificationMinConfidence: 0.4,
		VerificationMaxConfidence: 0.8,
		VerificationReaskAfter:    24 * time.Hour,
		ConfirmThreshold:          0.82,
		DenyThreshold:             0.35,
		DecayHalfLife:             90 * 24 * time.Hour,
		DecayFloor:                0.05,
		MergeThreshold:            0.9,
		RewriteMinSimilarity:      0.85,
		OracleOwners:              5,
		OracleMinMemories:         20,
		OracleBatchSize:           40,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.DefaultK < 1 {
		return fmt.Errorf("DefaultK must be >= 1, got %d", c.DefaultK)
	}

	if c.MaxK < c.DefaultK {
		return fmt.Errorf("MaxK must be >= DefaultK, got %d", c.MaxK)
	}

	if c.CandidatePool < c.MaxK {
		return fmt.Errorf("CandidatePool must be >= MaxK, got %d", c.CandidatePool)
	}

	if c.ComplexityThreshold < 0 {
		return fmt.Errorf("ComplexityThreshold must be >= 0, got %d", c.ComplexityThreshold)
	}

	if c.ContradictionMinJaccard <= 0 || c.ContradictionMinJaccard > 1 {
		return fmt.Errorf("ContradictionMinJaccard must be in (0,1], got %v", c.ContradictionMinJaccard)
	}

	if c.MaxContradictionPairs < 1 {
		return fmt.Errorf("MaxContradictionPairs must be >= 1, got %d", c.MaxContradictionPairs)
	}

	if c.VerificationBatch < 1 {
		return fmt.Errorf("VerificationBatch must be >= 1, got %d", c.VerificationBatch)
	}

	if c.VerificationMinConfidence > c.VerificationMaxConfidence {
		return fmt.Errorf("VerificationMinConfidence must be <= VerificationMaxConfidence")
	}

	if c.VerificationReaskAfter < 0 {
		return fmt.Errorf("VerificationReaskAfter must be >= 0, got %s", c.VerificationReaskAfter)
	}

	if c.DenyThreshold >= c.ConfirmThreshold {
		return fmt.Errorf("DenyThreshold must be below ConfirmThreshold, got %v >= %v", c.DenyThreshold, c.ConfirmThreshold)
	}

	if c.DecayHalfLife <= 0 {
		return fmt.Errorf("DecayHalfLife must be > 0, got %v", c.DecayHalfLife)
	}

	if c.DecayFloor < 0 || c.DecayFloor >= types.VerifiedFloor {
		return fmt.Errorf("DecayFloor must be in [0,%v), got %v", types.VerifiedFloor, c.DecayFloor)
	}

	if c.MergeThreshold <= 0 || c.MergeThreshold > 1 {
		return fmt.Errorf("MergeThreshold must be in (0,1], got %v", c.MergeThreshold)
	}

	if c.RewriteMinSimilarity <= 0 || c.RewriteMinSimilarity > 1 {
		return fmt.Errorf("RewriteMinSimilarity must be in (0,1], got %v", c.RewriteMinSimilarity)
	}

	if c.OracleOwners < 0 || c.OracleMinMemories < 0 {
		return fmt.Errorf("OracleOwners and OracleMinMemories must be >= 0")
	}

	if c.OracleBatchSize < 2 {
		return fmt.Errorf("OracleBatchSize must be >= 2, got %d", c.OracleBatchSize)
	}

	return nil
}

// EventKind names a change to the store.
type EventKind string

// Event kinds published through the change callback.
const (
	EventCreated      EventKind = "memory.created"
	EventUpdated      EventKind = "memory.updated"
	EventRetired      EventKind = "memory.retired"
	EventReactivated  EventKind = "memory.reactivated"
	EventDeleted      EventKind = "memory.deleted"
	EventMerged       EventKind = "memory.merged"
	EventVerified     EventKind = "memory.verified"
	EventContradicted EventKind = "memory.contradicted"
	EventEdge         EventKind = "edge.upserted"
	EventMaintenance  EventKind = "maintenance.completed"
)

// Event describes one committed change.
type Event struct {
	Kind     EventKind   `json:"kind"`
	Owner    types.Owner `json:"owner"`
	MemoryID string      `json:"memory_id,omitempty"`
	At       time.Time   `json:"at"`
}

// NewMemory is the input of Create.
type NewMemory struct {
	Owner    types.Owner
	Content  string
	Category types.Category
	Type     types.MemoryType

	// Confidence is the initial confidence. Zero selects the default for Type.
	Confidence float64

	Source  string
	Details types.Details
}

// ScoredMemory is a query result.
type ScoredMemory struct {
	Memory     *types.Memory `json:"memory"`
	Similarity float64       `json:"similarity"`
}

// newMemoryID returns a fresh random memory id.
func newMemoryID() string {
	return uuid.NewString()
}
