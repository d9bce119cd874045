// pkg/phase/phase.go

// Package phase contains the idempotent provisioning step model and the
// sequential executor that drives a run. Every step of a provisioning pass
// is a Phase: a named, idempotent transformation of host state with a
// pre-check and an action, so the whole list can be re-run safely after any
// partial failure.
package phase

import (
	"fmt"

	cerr "github.com/cockroachdb/errors"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
)

// Identity selects which account a phase's action executes under.
type Identity int

const (
	// IdentityRoot runs with the privileged operator identity.
	IdentityRoot Identity = iota
	// IdentityService runs under the restricted service identity through
	// the privilege boundary (sudo -u, whitelisted environment only).
	IdentityService
)

func (i Identity) String() string {
	if i == IdentityService {
		return "service"
	}
	return "root"
}

// Phase is one idempotent provisioning step.
type Phase interface {
	Name() string
	Identity() Identity
	// Check reports whether the phase's goal state is already achieved.
	Check(rc *harpy_io.RuntimeContext) (bool, error)
	// Apply mutates host state toward the goal. Must be idempotent.
	Apply(rc *harpy_io.RuntimeContext) error
}

// Outcome is the tagged result of one phase within a run.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeSkipped
	OutcomeResumeSkipped
	OutcomeDeferred
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkipped:
		return "already satisfied"
	case OutcomeResumeSkipped:
		return "completed before restart"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Warning records a capability that could not be completed in this run and
// needs a manual follow-up, without failing the run.
type Warning struct {
	Phase      string
	Capability string
	Detail     string
}

// DeferredError is returned by a phase action when a known, session-limited
// sub-step failed: the work that a plain privilege-elevation call cannot
// finish because it needs a full login session for the service identity.
// The executor records it as a Warning and continues. Any other error from
// an action aborts the run.
type DeferredError struct {
	Capability string
	Detail     string
	Cause      error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("deferred %s: %s", e.Capability, e.Detail)
}

func (e *DeferredError) Unwrap() error {
	return e.Cause
}

// AsDeferred reports whether err is (or wraps) a DeferredError.
func AsDeferred(err error) (*DeferredError, bool) {
	var d *DeferredError
	if cerr.As(err, &d) {
		return d, true
	}
	return nil, false
}
