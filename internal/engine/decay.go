package engine

import (
	"math"
	"time"

	"github.com/scrypster/ltm/pkg/types"
)

// decayWriteThreshold is the minimum confidence change worth writing back.
// Smaller changes are left to accumulate until a later run.
const decayWriteThreshold = 0.001

// DecayManager lowers the confidence of memories nobody has looked at.
//
// The decayed confidence is computed as:
//
//	confidence * exp(-λ * hours_since_reference)
//
// where λ = ln(2) / half_life_hours and the reference is the later of the
// last access and the last confidence write. Because every write restarts the
// clock, repeated runs compound to the same value one long run would give.
// Only unverified, non-explicit memories decay, and never below the floor.
type DecayManager struct {
	halfLifeHours float64
	floor         float64
}

// NewDecayManager returns a DecayManager. A non-positive halfLife selects
// 90 days.
func NewDecayManager(halfLife time.Duration, floor float64) *DecayManager {
	hours := halfLife.Hours()
	if hours <= 0 {
		hours = 90 * 24
	}
	return &DecayManager{halfLifeHours: hours, floor: types.ClampConfidence(floor)}
}

// lambda returns the decay constant derived from the configured half-life.
func (d *DecayManager) lambda() float64 {
	return math.Log(2) / d.halfLifeHours
}

// decayRef returns the instant decay is measured from.
func decayRef(mem *types.Memory) time.Time {
	ref := mem.Recency()
	if mem.UpdatedAt.After(ref) {
		return mem.UpdatedAt
	}
	return ref
}

// Exempt reports whether mem never decays.
func (d *DecayManager) Exempt(mem *types.Memory) bool {
	return mem.Verified || mem.Type == types.TypeExplicit
}

// CalculateDecay returns the raw exponential decay factor for mem at the
// given instant. The returned value is in (0.0, 1.0].
func (d *DecayManager) CalculateDecay(mem *types.Memory, now time.Time) float64 {
	hours := now.Sub(decayRef(mem)).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp(-d.lambda() * hours)
}

// Decayed returns the confidence mem should hold at now and whether it
// differs enough from the stored value to be written.
func (d *DecayManager) Decayed(mem *types.Memory, now time.Time) (float64, bool) {
	if d.Exempt(mem) || mem.Confidence <= d.floor {
		return mem.Confidence, false
	}

	next := mem.Confidence * d.CalculateDecay(mem, now)
	if next < d.floor {
		next = d.floor
	}
	if math.Abs(mem.Confidence-next) < decayWriteThreshold {
		return mem.Confidence, false
	}
	return next, true
}
