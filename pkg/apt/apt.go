// pkg/apt/apt.go

// Package apt wraps the Debian package manager operations provisioning
// needs: index update, full upgrade, idempotent install, and the
// restart-required signal left behind by kernel updates.
package apt

import (
	"os"
	"strings"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
)

// RebootSentinel is created by apt when an upgrade needs a machine restart.
const RebootSentinel = "/var/run/reboot-required"

var noninteractiveEnv = map[string]string{
	"DEBIAN_FRONTEND": "noninteractive",
}

// Manager drives apt-get and dpkg-query through a Runner.
type Manager struct {
	runner execute.Runner

	// SentinelPath overrides RebootSentinel in tests.
	SentinelPath string
}

func NewManager(r execute.Runner) *Manager {
	if r == nil {
		r = execute.Default
	}
	return &Manager{runner: r, SentinelPath: RebootSentinel}
}

// UpdateIndex refreshes the package index.
func (m *Manager) UpdateIndex(rc *harpy_io.RuntimeContext) error {
	otelzap.Ctx(rc.Ctx).Info("📦 Updating package index")
	if _, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "apt-get",
		Args:    []string{"update"},
		Env:     noninteractiveEnv,
	}); err != nil {
		return cerr.Wrap(err, "apt-get update")
	}
	return nil
}

// Upgrade applies all pending package upgrades, keeping existing conffiles
// so the run never blocks on an interactive dpkg prompt.
func (m *Manager) Upgrade(rc *harpy_io.RuntimeContext) error {
	otelzap.Ctx(rc.Ctx).Info("📦 Upgrading installed packages")
	if _, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "apt-get",
		Args: []string{
			"-y",
			"-o", "Dpkg::Options::=--force-confdef",
			"-o", "Dpkg::Options::=--force-confold",
			"upgrade",
		},
		Env:     noninteractiveEnv,
		Timeout: 30 * time.Minute,
	}); err != nil {
		return cerr.Wrap(err, "apt-get upgrade")
	}
	return nil
}

// UpgradesPending reports whether an upgrade would change anything, via a
// dry-run. Lets the update phase satisfy its idempotency predicate.
func (m *Manager) UpgradesPending(rc *harpy_io.RuntimeContext) (bool, error) {
	out, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "apt-get",
		Args:    []string{"-s", "upgrade"},
		Env:     noninteractiveEnv,
	})
	if err != nil {
		return false, cerr.Wrap(err, "apt-get simulate upgrade")
	}
	return !strings.Contains(out, "0 upgraded, 0 newly installed"), nil
}

// Install installs the named packages. Already-installed packages are a
// no-op for apt, so this is idempotent by contract.
func (m *Manager) Install(rc *harpy_io.RuntimeContext, pkgs ...string) error {
	otelzap.Ctx(rc.Ctx).Info("📦 Installing packages", zap.Strings("packages", pkgs))
	args := append([]string{"-y", "install"}, pkgs...)
	if _, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "apt-get",
		Args:    args,
		Env:     noninteractiveEnv,
		Timeout: 20 * time.Minute,
	}); err != nil {
		return cerr.Wrapf(err, "apt-get install %s", strings.Join(pkgs, " "))
	}
	return nil
}

// Installed reports whether a single package is in "install ok installed" state.
func (m *Manager) Installed(rc *harpy_io.RuntimeContext, pkg string) bool {
	out, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "dpkg-query",
		Args:    []string{"-W", "-f=${Status}", pkg},
	})
	return err == nil && strings.Contains(out, "install ok installed")
}

// AllInstalled reports whether every named package is installed.
func (m *Manager) AllInstalled(rc *harpy_io.RuntimeContext, pkgs ...string) bool {
	for _, pkg := range pkgs {
		if !m.Installed(rc, pkg) {
			return false
		}
	}
	return true
}

// RebootRequired reports the kernel/libc restart signal.
func (m *Manager) RebootRequired() bool {
	_, err := os.Stat(m.SentinelPath)
	return err == nil
}
