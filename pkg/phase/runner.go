// pkg/phase/runner.go

package phase

import (
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/telemetry"
)

// Hooks lets the orchestrator interpose at phase boundaries. AfterPhase runs
// after every non-failed phase; returning an error stops the run with that
// error (used to arm the reboot boundary after the system update).
type Hooks struct {
	AfterPhase func(rc *harpy_io.RuntimeContext, p Phase, out Outcome) error
}

// Options tunes one executor run.
type Options struct {
	// StartAfter names the last phase completed before a restart; the
	// executor skips every phase up to and including it.
	StartAfter string
	Hooks      Hooks
}

// PhaseResult is one row of a run's outcome.
type PhaseResult struct {
	Name     string
	Outcome  Outcome
	Duration time.Duration
}

// Result is the aggregate of a full executor run.
type Result struct {
	Phases   []PhaseResult
	Warnings []Warning
}

// AllSkipped reports whether every phase was already satisfied. True on the
// second of two back-to-back runs with no host change in between.
func (r *Result) AllSkipped() bool {
	for _, p := range r.Phases {
		if p.Outcome != OutcomeSkipped && p.Outcome != OutcomeResumeSkipped {
			return false
		}
	}
	return len(r.Phases) > 0
}

func (r *Result) record(name string, out Outcome, d time.Duration) {
	r.Phases = append(r.Phases, PhaseResult{Name: name, Outcome: out, Duration: d})
}

// Run executes phases in order. Each phase is checked first and skipped when
// already satisfied. A DeferredError from an action is recorded as a Warning
// and execution continues; any other failure aborts immediately. There is no
// rollback: the host stays in the last idempotent-safe state and re-running
// the full list is always correct.
func Run(rc *harpy_io.RuntimeContext, phases []Phase, opts Options) (*Result, error) {
	log := otelzap.Ctx(rc.Ctx)
	result := &Result{}

	skipping := opts.StartAfter != ""
	for i, p := range phases {
		name := p.Name()
		start := time.Now()

		if skipping {
			log.Info("⏭️  Phase completed before restart, skipping",
				zap.String("phase", name),
				zap.Int("position", i+1))
			result.record(name, OutcomeResumeSkipped, 0)
			if name == opts.StartAfter {
				skipping = false
			}
			// The hook still fires: a restart requirement that survived
			// the reboot must be seen again (and bounded) rather than
			// silently ignored on the resumed leg.
			if err := runHook(rc, opts.Hooks, p, OutcomeResumeSkipped); err != nil {
				return result, err
			}
			continue
		}

		ctx, span := telemetry.Start(rc.Ctx, "phase."+name,
			attribute.String("phase", name),
			attribute.String("identity", p.Identity().String()),
		)
		prc := *rc
		prc.Ctx = ctx

		satisfied, err := p.Check(&prc)
		if err != nil {
			span.End()
			result.record(name, OutcomeFailed, time.Since(start))
			return result, cerr.Wrapf(err, "phase %s: idempotency check", name)
		}
		if satisfied {
			span.End()
			log.Info("✔️  Phase already satisfied, skipping",
				zap.String("phase", name),
				zap.Int("position", i+1),
				zap.Int("total", len(phases)))
			result.record(name, OutcomeSkipped, time.Since(start))
			if err := runHook(rc, opts.Hooks, p, OutcomeSkipped); err != nil {
				return result, err
			}
			continue
		}

		log.Info("▶️  Phase starting",
			zap.String("phase", name),
			zap.String("identity", p.Identity().String()),
			zap.Int("position", i+1),
			zap.Int("total", len(phases)))

		err = p.Apply(&prc)
		span.End()

		if err != nil {
			if d, ok := AsDeferred(err); ok {
				log.Warn("⚠️  Phase partially complete, capability deferred",
					zap.String("phase", name),
					zap.String("capability", d.Capability),
					zap.String("detail", d.Detail))
				result.Warnings = append(result.Warnings, Warning{
					Phase:      name,
					Capability: d.Capability,
					Detail:     d.Detail,
				})
				result.record(name, OutcomeDeferred, time.Since(start))
				if err := runHook(rc, opts.Hooks, p, OutcomeDeferred); err != nil {
					return result, err
				}
				continue
			}
			result.record(name, OutcomeFailed, time.Since(start))
			return result, cerr.Wrapf(err, "phase %s failed", name)
		}

		log.Info("✅ Phase completed",
			zap.String("phase", name),
			zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
		result.record(name, OutcomeApplied, time.Since(start))

		if err := runHook(rc, opts.Hooks, p, OutcomeApplied); err != nil {
			return result, err
		}
	}

	return result, nil
}

func runHook(rc *harpy_io.RuntimeContext, h Hooks, p Phase, out Outcome) error {
	if h.AfterPhase == nil {
		return nil
	}
	return h.AfterPhase(rc, p, out)
}
