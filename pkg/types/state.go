package types

// VerificationState is the position of a memory in the verification protocol.
type VerificationState string

// Verification states.
const (
	StateUnverified       VerificationState = "unverified"
	StateAwaitingResponse VerificationState = "awaiting_response"
	StateVerified         VerificationState = "verified"
	StateContradicted     VerificationState = "contradicted"
)

// IsValid reports whether s is a known verification state.
func (s VerificationState) IsValid() bool {
	switch s {
	case StateUnverified, StateAwaitingResponse, StateVerified, StateContradicted:
		return true
	}
	return false
}

// IsValidStateTransition validates verification transitions.
//
// Valid transitions:
//
//	unverified -> awaiting_response | verified | contradicted
//	awaiting_response -> verified | contradicted | unverified
//	verified -> (terminal)
//	contradicted -> (terminal)
//
// A transition to the same state is allowed and is a no-op, which keeps an
// ambiguous answer from being an error.
func IsValidStateTransition(current, next VerificationState) bool {
	if current == next {
		return current.IsValid()
	}

	switch current {
	case StateUnverified:
		return next == StateAwaitingResponse || next == StateVerified || next == StateContradicted

	case StateAwaitingResponse:
		return next == StateVerified || next == StateContradicted || next == StateUnverified

	case StateVerified, StateContradicted:
		return false

	default:
		return false
	}
}
