package storage

import (
	"time"

	"github.com/scrypster/ltm/pkg/types"
)

// Storage errors alias the domain sentinels so callers can test with
// errors.Is against either package.
var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = types.ErrNotFound

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = types.ErrValidation

	// ErrConflict indicates a uniqueness violation.
	ErrConflict = types.ErrConflict

	// ErrDimensionMismatch indicates an embedding of the wrong length.
	ErrDimensionMismatch = types.ErrDimensionMismatch
)

// ListOptions filters ListActive.
type ListOptions struct {
	// Category restricts results to one category. Empty means all.
	Category types.Category

	// Type restricts results to one memory type. Empty means all.
	Type types.MemoryType

	// VerificationState restricts results to one state. Empty means all.
	VerificationState types.VerificationState

	// MinConfidence and MaxConfidence bound the confidence, inclusive.
	// MaxConfidence of zero means no upper bound.
	MinConfidence float64
	MaxConfidence float64

	// WithoutTemporal keeps only memories that have no temporal annotation.
	WithoutTemporal bool

	// Limit caps the number of rows. Zero means no limit.
	Limit int
}

// Normalize applies defaults and clamps the bounds.
func (o *ListOptions) Normalize() {
	if o.MinConfidence < 0 {
		o.MinConfidence = 0
	}
	if o.MaxConfidence <= 0 || o.MaxConfidence > 1 {
		o.MaxConfidence = 1
	}
	if o.Limit < 0 {
		o.Limit = 0
	}
}

// OwnerVolume pairs an owner with its number of active memories.
type OwnerVolume struct {
	Owner  types.Owner
	Active int
}

// ConfidenceChange is one row of the confidence audit trail.
type ConfidenceChange struct {
	MemoryID string    `json:"memory_id"`
	Old      float64   `json:"old"`
	New      float64   `json:"new"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}
