package types

import (
	"fmt"
	"strings"
	"time"
)

// DefaultScope is used when an owner key carries no explicit scope.
const DefaultScope = "global"

// Owner is the (user, scope) key every memory operation is partitioned by.
type Owner struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
}

// NewOwner builds an owner key, defaulting the scope.
func NewOwner(userID, scope string) Owner {
	if strings.TrimSpace(scope) == "" {
		scope = DefaultScope
	}
	return Owner{UserID: strings.TrimSpace(userID), Scope: strings.TrimSpace(scope)}
}

// Validate reports whether the owner key is usable.
func (o Owner) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("%w: owner user id is required", ErrValidation)
	}
	if o.Scope == "" {
		return fmt.Errorf("%w: owner scope is required", ErrValidation)
	}
	return nil
}

// Key returns a stable string form of the owner, used for lock striping.
func (o Owner) Key() string {
	return o.UserID + "\x00" + o.Scope
}

func (o Owner) String() string {
	return o.UserID + "/" + o.Scope
}

// Memory is a single short factual statement about an owner.
type Memory struct {
	// Identity
	ID    string `json:"id"`
	Owner Owner  `json:"owner"`

	// Content
	Content  string     `json:"content"`
	Category Category   `json:"category"`
	Type     MemoryType `json:"type"`
	Source   string     `json:"source,omitempty"` // free-form origin tag ("chat", "extraction", "curation")
	Details  Details    `json:"-"`                // optional typed fields, persisted as a tagged variant

	// Confidence lifecycle
	Confidence        float64           `json:"confidence"`
	Verified          bool              `json:"verified"`
	VerificationState VerificationState `json:"verification_state"`
	VerifiedAt        *time.Time        `json:"verified_at,omitempty"`
	VerificationNote  string            `json:"verification_note,omitempty"` // last response text or reason
	AskedAt           *time.Time        `json:"asked_at,omitempty"`

	// Embedding of Content; always set for active memories.
	Embedding []float32 `json:"-"`

	// Usage
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int        `json:"access_count"`

	// Active is false once the memory is retired by a merge or correction.
	Active bool `json:"active"`

	// Temporal is nil until the temporal analyzer has run.
	Temporal *TemporalAnnotation `json:"temporal,omitempty"`
}

// NormalizedContent returns the duplicate-detection key of the content.
func (m *Memory) NormalizedContent() string {
	return NormalizeText(m.Content)
}

// Recency returns the most recent of LastAccessedAt and CreatedAt.
func (m *Memory) Recency() time.Time {
	if m.LastAccessedAt != nil && m.LastAccessedAt.After(m.CreatedAt) {
		return *m.LastAccessedAt
	}
	return m.CreatedAt
}

// Protected reports whether the memory may never be hard-deleted.
func (m *Memory) Protected() bool {
	return m.Verified || m.Type == TypeExplicit
}

// Validate checks the fields every stored memory must carry.
func (m *Memory) Validate() error {
	if err := m.Owner.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: memory text is required", ErrValidation)
	}
	if !m.Category.IsValid() {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, m.Category)
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("%w: unknown memory type %q", ErrValidation, m.Type)
	}
	if m.Confidence < MinConfidence || m.Confidence > MaxConfidence {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrValidation, m.Confidence)
	}
	if m.Verified && m.Confidence < VerifiedFloor {
		return fmt.Errorf("%w: verified memory below confidence floor", ErrValidation)
	}
	if m.Details != nil {
		if m.Details.Category() != m.Category {
			return fmt.Errorf("%w: %s details on a %s memory", ErrValidation, m.Details.Category(), m.Category)
		}
		if err := m.Details.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy, so callers can mutate the result freely.
func (m *Memory) Clone() *Memory {
	c := *m
	if m.Embedding != nil {
		c.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.Temporal != nil {
		t := *m.Temporal
		t.TimeReferences = append([]string(nil), m.Temporal.TimeReferences...)
		c.Temporal = &t
	}
	return &c
}

// Tense of a statement.
type Tense string

// Tenses recognised by the temporal analyzer.
const (
	TensePast    Tense = "past"
	TensePresent Tense = "present"
	TenseFuture  Tense = "future"
	TenseUnknown Tense = "unknown"
)

// Stability describes how likely a fact is to change.
type Stability string

// Stability levels.
const (
	StabilityPermanent Stability = "permanent" // birthplace, name
	StabilityStable    Stability = "stable"    // job, home town
	StabilityChanging  Stability = "changing"  // explicitly reported as having changed
	StabilityTemporary Stability = "temporary" // "this week", "currently sick"
)

// Frequency of a habit or activity.
type Frequency string

// Frequency levels.
const (
	FrequencyNone      Frequency = ""
	FrequencyNever     Frequency = "never"
	FrequencyRarely    Frequency = "rarely"
	FrequencySometimes Frequency = "sometimes"
	FrequencyRegularly Frequency = "regularly"
	FrequencyAlways    Frequency = "always"
)

// Annotation sources.
const (
	AnnotationLocal  = "local"
	AnnotationOracle = "oracle"
)

// TemporalAnnotation is the tense/stability/frequency reading of a memory.
type TemporalAnnotation struct {
	Tense          Tense     `json:"tense"`
	IsCurrent      bool      `json:"is_current"`
	Stability      Stability `json:"stability"`
	Frequency      Frequency `json:"frequency,omitempty"`
	TimeReferences []string  `json:"time_references,omitempty"`
	Source         string    `json:"source"`
	AnalyzedAt     time.Time `json:"analyzed_at"`
}
