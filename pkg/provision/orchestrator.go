// pkg/provision/orchestrator.go

// Package provision assembles the full provisioning run: preconditions,
// resumption detection, the ordered phase list, the reboot boundary hook,
// and the final operator-facing summary.
package provision

import (
	"os"
	"os/exec"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/handoff"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_err"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/phase"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/reboot"
)

// Orchestrator drives one provisioning run end to end.
type Orchestrator struct {
	Deps   Deps
	Reboot *reboot.Manager
	Ectx   ExecutionContext

	// SkipHostChecks disables the euid-0 and tool-presence preconditions
	// for tests running against fakes.
	SkipHostChecks bool
}

// Run executes the provisioning sequence. Returns nil both on full success
// and on a successfully scheduled restart; every fatal error is non-nil and
// the caller exits 1.
func (o *Orchestrator) Run(rc *harpy_io.RuntimeContext) error {
	log := otelzap.Ctx(rc.Ctx)

	if err := o.preflight(rc); err != nil {
		return err
	}

	marker, err := o.Reboot.Detect(rc)
	if err != nil {
		return err
	}

	opts := phase.Options{
		Hooks: phase.Hooks{AfterPhase: o.afterPhase},
	}
	if marker != nil {
		opts.StartAfter = marker.ResumeAfter
		o.Ectx.RestartCount = marker.RestartCount
	}

	result, err := phase.Run(rc, BuildPhases(o.Deps, &o.Ectx), opts)
	if err != nil {
		if cerr.Is(err, reboot.ErrRestartScheduled) {
			log.Info("🔄 Host restart scheduled; this run is complete and will resume automatically after boot")
			return nil
		}
		return err
	}

	o.summarize(rc, result)
	return nil
}

// preflight validates everything that must hold before the first mutation.
func (o *Orchestrator) preflight(rc *harpy_io.RuntimeContext) error {
	if !o.SkipHostChecks {
		if os.Geteuid() != 0 {
			return harpy_err.NewExpectedError(cerr.New("provisioning must run as root (sudo harpy provision)"))
		}
		for _, tool := range []string{"apt-get", "useradd", "crontab"} {
			if _, err := exec.LookPath(tool); err != nil {
				return harpy_err.NewExpectedError(cerr.Newf("required tool %q not found in PATH", tool))
			}
		}
	}
	return o.Ectx.Validate()
}

// afterPhase is the reboot boundary: once the system update has run (or was
// resume-skipped with the restart signal somehow still present), a pending
// kernel restart suspends the run here. Armed generically, so a second
// restart requirement after resumption re-applies the same mechanism,
// bounded by reboot.MaxRestarts with the count carried in both the marker
// and the persisted environment.
func (o *Orchestrator) afterPhase(rc *harpy_io.RuntimeContext, p phase.Phase, out phase.Outcome) error {
	if p.Name() != PhaseSystemUpdate {
		return nil
	}
	if !o.Reboot.Required() {
		return nil
	}
	// Persist the post-restart count so a resumed invocation that loses
	// the marker still knows how many cycles it has been through.
	next := o.Ectx
	next.RestartCount++
	return o.Reboot.Arm(rc, next.Env(), PhaseSystemUpdate, o.Ectx.RestartCount)
}

// summarize enumerates successes and deferred capabilities distinctly, so
// "done" and "needs one more manual step" cannot be confused.
func (o *Orchestrator) summarize(rc *harpy_io.RuntimeContext, result *phase.Result) {
	log := otelzap.Ctx(rc.Ctx)

	for _, pr := range result.Phases {
		log.Info("Phase outcome",
			zap.String("phase", pr.Name),
			zap.String("outcome", pr.Outcome.String()))
	}

	home, err := o.Deps.Users.HomeDir(rc, o.Ectx.Username)
	if err != nil {
		home = "/home/" + o.Ectx.Username
	}

	if len(result.Warnings) == 0 {
		log.Info("✅ Provisioning complete, no manual steps required")
		return
	}

	log.Warn("⚠️  Provisioning complete with deferred capabilities",
		zap.Int("count", len(result.Warnings)))
	for _, w := range result.Warnings {
		log.Warn("Manual follow-up required",
			zap.String("phase", w.Phase),
			zap.String("capability", w.Capability),
			zap.String("detail", w.Detail))
	}
	log.Info("👉 To finish: log in as the service user and run the finalize script",
		zap.String("login", "ssh "+o.Ectx.Username+"@<host>"),
		zap.String("script", handoff.Path(home)))
}
