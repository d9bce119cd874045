// pkg/phase/runner_test.go

package phase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
)

func testRC(t *testing.T) *harpy_io.RuntimeContext {
	t.Helper()
	otelzap.ReplaceGlobals(otelzap.New(zap.NewNop()))
	return harpy_io.NewContext(context.Background(), "test")
}

// fakePhase counts checks and applies; satisfied flips after a successful apply.
type fakePhase struct {
	name      string
	identity  Identity
	satisfied bool
	applyErr  error

	checks  int
	applies int
}

func (p *fakePhase) Name() string       { return p.name }
func (p *fakePhase) Identity() Identity { return p.identity }

func (p *fakePhase) Check(rc *harpy_io.RuntimeContext) (bool, error) {
	p.checks++
	return p.satisfied, nil
}

func (p *fakePhase) Apply(rc *harpy_io.RuntimeContext) error {
	p.applies++
	if p.applyErr != nil {
		return p.applyErr
	}
	p.satisfied = true
	return nil
}

func TestRunAppliesUnsatisfiedPhasesInOrder(t *testing.T) {
	rc := testRC(t)
	a := &fakePhase{name: "a"}
	b := &fakePhase{name: "b", identity: IdentityService}

	result, err := Run(rc, []Phase{a, b}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, a.applies)
	assert.Equal(t, 1, b.applies)
	require.Len(t, result.Phases, 2)
	assert.Equal(t, OutcomeApplied, result.Phases[0].Outcome)
	assert.Equal(t, OutcomeApplied, result.Phases[1].Outcome)
	assert.Empty(t, result.Warnings)
}

func TestRunIsIdempotentAcrossTwoRuns(t *testing.T) {
	rc := testRC(t)
	phases := []Phase{
		&fakePhase{name: "a"},
		&fakePhase{name: "b"},
		&fakePhase{name: "c"},
	}

	first, err := Run(rc, phases, Options{})
	require.NoError(t, err)
	assert.False(t, first.AllSkipped())

	second, err := Run(rc, phases, Options{})
	require.NoError(t, err)
	assert.True(t, second.AllSkipped(), "second run with no host change must skip every phase")

	for _, p := range phases {
		assert.Equal(t, 1, p.(*fakePhase).applies, "phase %s must not re-apply", p.Name())
	}
}

func TestRunAbortsOnUnrecognizedError(t *testing.T) {
	rc := testRC(t)
	boom := errors.New("disk on fire")
	a := &fakePhase{name: "a"}
	b := &fakePhase{name: "b", applyErr: boom}
	c := &fakePhase{name: "c"}

	result, err := Run(rc, []Phase{a, b, c}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.applies, "phases after a fatal failure must not run")
	assert.Equal(t, OutcomeFailed, result.Phases[len(result.Phases)-1].Outcome)
}

func TestRunContinuesPastDeferredError(t *testing.T) {
	rc := testRC(t)
	a := &fakePhase{name: "a"}
	b := &fakePhase{name: "b", applyErr: &DeferredError{
		Capability: "gateway service activation",
		Detail:     "needs a login session",
	}}
	c := &fakePhase{name: "c"}

	result, err := Run(rc, []Phase{a, b, c}, Options{})
	require.NoError(t, err, "a deferred capability must not abort the run")

	assert.Equal(t, 1, c.applies)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "b", result.Warnings[0].Phase)
	assert.Equal(t, "gateway service activation", result.Warnings[0].Capability)
}

func TestRunStartAfterSkipsCompletedPhases(t *testing.T) {
	rc := testRC(t)
	a := &fakePhase{name: "a"}
	b := &fakePhase{name: "b"}
	c := &fakePhase{name: "c"}

	result, err := Run(rc, []Phase{a, b, c}, Options{StartAfter: "b"})
	require.NoError(t, err)

	assert.Equal(t, 0, a.applies)
	assert.Equal(t, 0, a.checks, "resumed-past phases must not even be checked")
	assert.Equal(t, 0, b.applies)
	assert.Equal(t, 1, c.applies)
	assert.Equal(t, OutcomeResumeSkipped, result.Phases[0].Outcome)
	assert.Equal(t, OutcomeResumeSkipped, result.Phases[1].Outcome)
	assert.Equal(t, OutcomeApplied, result.Phases[2].Outcome)
}

func TestRunAfterPhaseHookFiresForResumeSkippedPhases(t *testing.T) {
	rc := testRC(t)
	a := &fakePhase{name: "a"}
	b := &fakePhase{name: "b"}

	var seen []Outcome
	hooks := Hooks{AfterPhase: func(rc *harpy_io.RuntimeContext, p Phase, out Outcome) error {
		seen = append(seen, out)
		return nil
	}}

	_, err := Run(rc, []Phase{a, b}, Options{StartAfter: "a", Hooks: hooks})
	require.NoError(t, err)

	require.Len(t, seen, 2, "the hook must observe skipped phases on a resumed run, not only executed ones")
	assert.Equal(t, OutcomeResumeSkipped, seen[0])
	assert.Equal(t, OutcomeApplied, seen[1])
}

func TestRunAfterPhaseHookCanStopTheRun(t *testing.T) {
	rc := testRC(t)
	stop := errors.New("restart scheduled")
	a := &fakePhase{name: "update"}
	b := &fakePhase{name: "later"}

	hooks := Hooks{AfterPhase: func(rc *harpy_io.RuntimeContext, p Phase, out Outcome) error {
		if p.Name() == "update" {
			return stop
		}
		return nil
	}}

	_, err := Run(rc, []Phase{a, b}, Options{Hooks: hooks})
	require.Error(t, err)
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 0, b.applies, "no phase may run after the hook stops the run")
}

func TestAsDeferred(t *testing.T) {
	d := &DeferredError{Capability: "x", Detail: "y"}
	got, ok := AsDeferred(d)
	require.True(t, ok)
	assert.Equal(t, "x", got.Capability)

	_, ok = AsDeferred(errors.New("plain"))
	assert.False(t, ok)
}
