// pkg/reboot/reboot.go

// Package reboot manages the restart boundary of a provisioning run. When a
// system update leaves a kernel restart pending, the orchestrator cannot
// simply continue: it persists a resumption marker and the execution
// context, installs a one-shot run-on-next-boot entry, restarts the machine,
// and exits successfully. The next invocation detects the marker, tears the
// scheduling down, and resumes after the update phase.
package reboot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/schedule"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/shared"
)

// ErrRestartScheduled is the control-flow exit for a successfully armed
// restart: not a failure, but nothing after it may run in this invocation.
var ErrRestartScheduled = cerr.New("restart scheduled, provisioning resumes after reboot")

// MaxRestarts caps restart cycles per provisioning run. The restart signal
// staying true across a reboot would otherwise loop forever.
const MaxRestarts = 3

// Marker is the durable resumption record. Presence of the file is the sole
// signal distinguishing a fresh run from a resumed one.
type Marker struct {
	RunID         string    `json:"run_id"`
	ResumeAfter   string    `json:"resume_after"`
	KernelRelease string    `json:"kernel_release"`
	RestartCount  int       `json:"restart_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// Manager owns the marker file, the persisted environment, and the
// scheduler entry that together form the reboot boundary.
type Manager struct {
	MarkerPath   string
	EnvPath      string
	SentinelPath string
	BinaryPath   string
	Scheduler    schedule.Scheduler
	Runner       execute.Runner
}

func NewManager(sched schedule.Scheduler, runner execute.Runner) *Manager {
	if runner == nil {
		runner = execute.Default
	}
	binary, err := os.Executable()
	if err != nil {
		binary = "/usr/local/bin/harpy"
	}
	return &Manager{
		MarkerPath:   shared.ResumeMarkerPath,
		EnvPath:      shared.ResumeEnvPath,
		SentinelPath: "/var/run/reboot-required",
		BinaryPath:   binary,
		Scheduler:    sched,
		Runner:       runner,
	}
}

// Detect classifies this invocation. A present marker means RESUMED: the
// marker is deleted and the scheduled entry removed immediately, before any
// phase runs, so neither can ever fire twice. Returns nil for a fresh run.
func (m *Manager) Detect(rc *harpy_io.RuntimeContext) (*Marker, error) {
	log := otelzap.Ctx(rc.Ctx)

	data, err := os.ReadFile(m.MarkerPath)
	if os.IsNotExist(err) {
		log.Debug("No resumption marker, fresh run")
		return nil, nil
	}
	if err != nil {
		return nil, cerr.Wrapf(err, "read resumption marker %s", m.MarkerPath)
	}

	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, cerr.Wrapf(err, "parse resumption marker %s", m.MarkerPath)
	}

	if err := os.Remove(m.MarkerPath); err != nil {
		return nil, cerr.Wrap(err, "remove resumption marker")
	}
	// The env file holds the credential and has served its purpose by now
	// (the command layer read it before phases run); it must not outlive
	// the resumption.
	if err := os.Remove(m.EnvPath); err != nil && !os.IsNotExist(err) {
		return nil, cerr.Wrap(err, "remove resume environment")
	}
	if _, err := m.Scheduler.RemoveMatching(rc, m.BinaryPath); err != nil {
		return nil, cerr.Wrap(err, "remove scheduled resumption entry")
	}

	log.Info("🔁 Resumed after restart",
		zap.String("run_id", marker.RunID),
		zap.String("resume_after", marker.ResumeAfter),
		zap.Int("restart_count", marker.RestartCount),
		zap.String("kernel_before", marker.KernelRelease),
		zap.String("kernel_now", kernelRelease()))
	return &marker, nil
}

// Required reports whether the host asks for a restart (kernel update marker).
func (m *Manager) Required() bool {
	_, err := os.Stat(m.SentinelPath)
	return err == nil
}

// Arm persists the resumption marker and environment, installs the one-shot
// scheduler entry, and restarts the host. On success the caller receives
// ErrRestartScheduled and must terminate this invocation with exit 0.
func (m *Manager) Arm(rc *harpy_io.RuntimeContext, env map[string]string, resumeAfter string, restartCount int) error {
	log := otelzap.Ctx(rc.Ctx)

	if restartCount >= MaxRestarts {
		return cerr.Newf("restart still required after %d restarts, refusing to loop", restartCount)
	}

	if err := os.MkdirAll(filepath.Dir(m.MarkerPath), 0o700); err != nil {
		return cerr.Wrap(err, "create state directory")
	}

	// A crontab entry does not inherit this process's environment, so the
	// credential and context are re-supplied through a root-only env file.
	if err := godotenv.Write(env, m.EnvPath); err != nil {
		return cerr.Wrapf(err, "write resume environment %s", m.EnvPath)
	}
	if err := os.Chmod(m.EnvPath, 0o600); err != nil {
		return cerr.Wrap(err, "restrict resume environment permissions")
	}

	entry := schedule.Entry{
		Schedule: "@reboot",
		Command:  m.BinaryPath + " provision --resume-env " + m.EnvPath,
	}
	if err := m.Scheduler.Install(rc, entry); err != nil {
		os.Remove(m.EnvPath)
		return cerr.Wrap(err, "install scheduled resumption")
	}

	// The marker goes last: its presence means "resume on the next
	// invocation", so it must never exist without its paired entry.
	marker := Marker{
		RunID:         uuid.NewString(),
		ResumeAfter:   resumeAfter,
		KernelRelease: kernelRelease(),
		RestartCount:  restartCount + 1,
		CreatedAt:     time.Now().UTC(),
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return cerr.Wrap(err, "marshal resumption marker")
	}
	if err := os.WriteFile(m.MarkerPath, data, 0o600); err != nil {
		m.Scheduler.RemoveMatching(rc, m.BinaryPath)
		os.Remove(m.EnvPath)
		return cerr.Wrapf(err, "write resumption marker %s", m.MarkerPath)
	}

	log.Info("🔄 Restart required, resumption armed",
		zap.String("run_id", marker.RunID),
		zap.String("resume_after", resumeAfter),
		zap.Int("restart_count", marker.RestartCount))

	if err := m.Restart(rc); err != nil {
		return err
	}
	return ErrRestartScheduled
}

// ReadEnv loads a persisted resume environment file.
func (m *Manager) ReadEnv() (map[string]string, error) {
	env, err := godotenv.Read(m.EnvPath)
	if err != nil {
		return nil, cerr.Wrapf(err, "read resume environment %s", m.EnvPath)
	}
	return env, nil
}

// Restart triggers the host restart, preferring systemd.
func (m *Manager) Restart(rc *harpy_io.RuntimeContext) error {
	log := otelzap.Ctx(rc.Ctx)
	log.Info("🔄 Restarting host")

	if _, err := m.Runner.Run(rc.Ctx, execute.Options{
		Command: "systemctl",
		Args:    []string{"reboot"},
	}); err != nil {
		log.Warn("systemctl reboot failed, falling back to shutdown", zap.Error(err))
		if _, err := m.Runner.Run(rc.Ctx, execute.Options{
			Command: "shutdown",
			Args:    []string{"-r", "now"},
		}); err != nil {
			return cerr.Wrap(err, "trigger host restart")
		}
	}
	return nil
}

func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	return unix.ByteSliceToString(uts.Release[:])
}
