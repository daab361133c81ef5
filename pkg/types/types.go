// Package types defines the core data structures of the long-term memory
// subsystem: memories, their owners, categories, verification state and the
// typed edges that relate one memory to another.
package types

import "fmt"

// Category is the fixed classification of a memory.
type Category string

// Memory categories.
const (
	CategoryPersonal     Category = "personal"
	CategoryProfessional Category = "professional"
	CategoryPreferences  Category = "preferences"
	CategoryHobbies      Category = "hobbies"
	CategoryContact      Category = "contact"
	CategoryOther        Category = "other"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryPersonal,
	CategoryProfessional,
	CategoryPreferences,
	CategoryHobbies,
	CategoryContact,
	CategoryOther,
}

// IsValid reports whether c is one of the fixed categories.
func (c Category) IsValid() bool {
	for _, valid := range Categories {
		if c == valid {
			return true
		}
	}
	return false
}

// ParseCategory converts a string to a Category. Empty input maps to
// CategoryOther.
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return CategoryOther, nil
	}
	c := Category(s)
	if !c.IsValid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrValidation, s)
	}
	return c, nil
}

// MemoryType records how a memory came to exist.
type MemoryType string

// Memory types.
const (
	// TypeExplicit is a fact the user stated directly.
	TypeExplicit MemoryType = "explicit"

	// TypeIntuited is a fact inferred by automatic extraction.
	TypeIntuited MemoryType = "intuited"

	// TypeMerged is the product of an oracle-assisted merge.
	TypeMerged MemoryType = "merged"

	// TypeCorrected is a fact recorded as a correction of an earlier one.
	TypeCorrected MemoryType = "corrected"
)

// IsValid reports whether t is a known memory type.
func (t MemoryType) IsValid() bool {
	switch t {
	case TypeExplicit, TypeIntuited, TypeMerged, TypeCorrected:
		return true
	}
	return false
}

// Confidence bounds and fixed points of the confidence lifecycle.
const (
	MinConfidence = 0.0
	MaxConfidence = 1.0

	// VerifiedFloor is the lowest confidence a verified memory may hold.
	VerifiedFloor = 0.9

	// ConfirmedConfidence is assigned when the user confirms a memory.
	ConfirmedConfidence = 0.95

	// DefaultExplicitConfidence is the initial confidence of a stated fact.
	DefaultExplicitConfidence = 0.9

	// DefaultIntuitedConfidence is the initial confidence of an extracted fact.
	DefaultIntuitedConfidence = 0.6
)

// ClampConfidence limits v to [MinConfidence, MaxConfidence]. NaN maps to 0.
func ClampConfidence(v float64) float64 {
	if v != v || v < MinConfidence {
		return MinConfidence
	}
	if v > MaxConfidence {
		return MaxConfidence
	}
	return v
}

// DefaultConfidence returns the initial confidence for a memory of type t.
func DefaultConfidence(t MemoryType) float64 {
	if t == TypeIntuited {
		return DefaultIntuitedConfidence
	}
	return DefaultExplicitConfidence
}
