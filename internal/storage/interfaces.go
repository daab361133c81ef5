// Package storage defines the persistence interfaces of the memory subsystem.
//
// The interfaces are small and composable. A Repository is what every
// mutation path works against; a Store is a Repository that can also open a
// transaction and hand a transaction-scoped Repository to a callback, which
// is how merges, corrections and hard deletes stay all-or-nothing.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/ltm/pkg/types"
)

// MemoryStore provides row-level operations on memories.
type MemoryStore interface {
	// Insert persists a new memory. The embedding must already be set.
	// Returns ErrConflict when an active memory with the same normalized
	// text exists for the same owner and category.
	Insert(ctx context.Context, m *types.Memory) error

	// Get retrieves a memory by ID, active or not.
	// Returns ErrNotFound if the memory doesn't exist.
	Get(ctx context.Context, id string) (*types.Memory, error)

	// FindActiveDuplicate returns the active memory of owner/category whose
	// normalized text equals normalized, or ErrNotFound.
	FindActiveDuplicate(ctx context.Context, owner types.Owner, category types.Category, normalized string) (*types.Memory, error)

	// ListActive returns active memories of an owner, newest first.
	ListActive(ctx context.Context, owner types.Owner, opts ListOptions) ([]*types.Memory, error)

	// Update rewrites the mutable columns of an existing memory (content,
	// category, embedding, verification fields, temporal annotation, usage).
	// Returns ErrNotFound if the memory doesn't exist and ErrConflict when the
	// new text or category collides with another active memory.
	Update(ctx context.Context, m *types.Memory) error

	// SetConfidence stores a new confidence value and appends an audit row.
	SetConfidence(ctx context.Context, id string, value float64, reason string, at time.Time) error

	// SetActive flips the active flag. Reactivation returns ErrConflict when
	// it would collide with another active memory.
	SetActive(ctx context.Context, id string, active bool, at time.Time) error

	// Delete permanently removes a memory together with its incident edges
	// and audit rows. Returns ErrNotFound if the memory doesn't exist.
	Delete(ctx context.Context, id string) error

	// Touch records an access on every listed memory.
	Touch(ctx context.Context, ids []string, at time.Time) error

	// ConfidenceHistory returns the audit rows of a memory, oldest first.
	ConfidenceHistory(ctx context.Context, id string) ([]ConfidenceChange, error)
}

// EdgeStore manages the typed relations between memories.
type EdgeStore interface {
	// UpsertEdge inserts the edge or, when the (source, target, type) triple
	// already exists, raises its confidence to the max of old and new.
	UpsertEdge(ctx context.Context, e types.Edge) error

	// EdgesOf returns every edge incident to id, in either direction.
	EdgesOf(ctx context.Context, id string) ([]types.Edge, error)

	// DeleteEdge removes one edge. Missing edges are not an error.
	DeleteEdge(ctx context.Context, key types.EdgeKey) error
}

// OwnerIndex answers questions across owners.
type OwnerIndex interface {
	// Owners lists every owner with at least one active memory.
	Owners(ctx context.Context) ([]types.Owner, error)

	// OwnersByVolume lists owners with at least minActive active memories,
	// largest first, at most limit entries.
	OwnersByVolume(ctx context.Context, minActive, limit int) ([]OwnerVolume, error)
}

// Repository is the full set of row operations, usable both on a store and
// inside a transaction.
type Repository interface {
	MemoryStore
	EdgeStore
	OwnerIndex
}

// Store is a Repository backed by a database that supports transactions.
type Store interface {
	Repository

	// InTx runs fn inside one database transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Repository) error) error

	// Dimension is the fixed embedding length of the store.
	Dimension() int

	// Backend names the database engine ("sqlite", "postgres").
	Backend() string

	// Close releases any resources held by the store.
	Close() error
}

// VectorSearcher is implemented by backends with native nearest-neighbour
// search. The engine uses it to preselect candidates; it always computes the
// final ordering itself.
type VectorSearcher interface {
	NearestActive(ctx context.Context, owner types.Owner, query []float32, category types.Category, limit int) ([]*types.Memory, error)
}

// Snapshotter is implemented by backends that can write a consistent copy of
// the database to a file.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}
