// Package lifecycle owns the finding/pull-request state machine and the
// reconciliation service that keeps it aligned with externally observed
// pull-request state.
package lifecycle

import (
	"fmt"

	"autopatch/pkg/store"
)

// validTransitions enumerates every permitted finding status transition.
// Reversions to detected keep failed or externally closed fixes retryable.
//
//nolint:gochecknoglobals // static transition table
var validTransitions = map[string][]string{
	store.FindingDetected:     {store.FindingFixGenerated, store.FindingIgnored},
	store.FindingFixGenerated: {store.FindingPRCreated, store.FindingDetected},
	store.FindingPRCreated:    {store.FindingResolved, store.FindingDetected, store.FindingIgnored},
	// resolved and ignored are terminal for automated transitions; the one
	// exception is a pull request reopened after resolution, which re-opens
	// the finding for triage.
	store.FindingResolved: {store.FindingDetected},
	store.FindingIgnored:  {},
}

// CanTransition reports whether a finding may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Observation is the externally observed pull-request state, as reported by a
// webhook payload or a poll of the hosting service.
type Observation struct {
	State  string // open or closed
	Merged bool
}

// Outcome is the result of applying an observation to the internal state.
type Outcome struct {
	PRStatus      string // new change-request status
	FindingStatus string // new finding status
	Changed       bool   // false when the observation was already reflected
}

// Apply is the single transition function shared by the webhook handler and
// the poller. Given the current internal change-request status and an
// external observation it produces the converged state. Applying the same
// observation twice is a no-op the second time, which makes the two
// reconciliation drivers idempotent and order-independent.
func Apply(internalPRStatus string, obs Observation) Outcome {
	var next Outcome
	switch {
	case obs.Merged:
		// A merge is authoritative regardless of the reported state field.
		next = Outcome{PRStatus: store.PRMerged, FindingStatus: store.FindingResolved}
	case obs.State == "closed":
		// Closed without merge: the fix was declined, the finding goes back
		// to detected for a later attempt. Never ignored.
		next = Outcome{PRStatus: store.PRClosed, FindingStatus: store.FindingDetected}
	default:
		// Open. Reaching here with a non-open internal status means the pull
		// request was reopened after being closed or resolved; the finding
		// returns to detected for re-triage.
		next = Outcome{PRStatus: store.PROpen, FindingStatus: store.FindingDetected}
		if internalPRStatus == store.PROpen {
			next.FindingStatus = store.FindingPRCreated
		}
	}
	next.Changed = next.PRStatus != internalPRStatus
	return next
}

// ValidateObservation rejects observations outside the closed enumeration.
func ValidateObservation(obs Observation) error {
	if obs.State != "open" && obs.State != "closed" {
		return fmt.Errorf("invalid observed pull request state %q", obs.State)
	}
	return nil
}
