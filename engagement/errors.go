package engagement

import (
	"errors"
	"fmt"
	"strings"

	"auditflow/policy"
)

var (
	// ErrNotFound is returned when no engagement row exists for the id.
	ErrNotFound = errors.New("engagement: not found")
	// ErrInvalidTransition is returned when the target state is not the
	// immediate successor of the current state.
	ErrInvalidTransition = errors.New("engagement: invalid transition")
	// ErrInsufficientAuthority is returned when the actor lacks standing to
	// perform the operation on the engagement.
	ErrInsufficientAuthority = errors.New("engagement: insufficient authority")
	// ErrUnresolvedBlockingPolicy is returned when blocking policy failures
	// are neither passing nor covered by a valid waiver.
	ErrUnresolvedBlockingPolicy = errors.New("engagement: unresolved blocking policy failures")
	// ErrMissingAttestation is returned when a sign-off gated transition has no
	// valid attestation on record.
	ErrMissingAttestation = errors.New("engagement: missing attestation")
	// ErrStaleAttestation is returned when the attestation on record no longer
	// matches the current evaluation state.
	ErrStaleAttestation = errors.New("engagement: stale attestation")
	// ErrConcurrentModification signals another writer holds the engagement
	// lock. Callers retry with backoff.
	ErrConcurrentModification = errors.New("engagement: being modified concurrently")
)

// UnresolvedFailure is one blocking policy failure without a covering waiver.
type UnresolvedFailure struct {
	PolicyID   string             `json:"policyId"`
	Exceptions []policy.Exception `json:"exceptions"`
}

// BlockedError carries the full list of unresolved failures for a rejected
// transition. It unwraps to the dominant taxonomy error so callers can branch
// with errors.Is while still rendering every blocking reason.
type BlockedError struct {
	Failures []UnresolvedFailure
	reason   error
}

func NewBlockedError(failures []UnresolvedFailure, reason error) *BlockedError {
	return &BlockedError{Failures: failures, reason: reason}
}

func (e *BlockedError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.PolicyID)
	}
	return fmt.Sprintf("%v: %s", e.reason, strings.Join(ids, ", "))
}

func (e *BlockedError) Unwrap() error {
	return e.reason
}
