// pkg/openclaw/install.go

// Package openclaw wraps the OpenClaw installer and CLI: binary
// installation, version query, non-interactive onboarding, and config
// management, always under the restricted service identity and never root.
package openclaw

import (
	"os"
	"strings"
	"time"

	cerr "github.com/cockroachdb/errors"
	version "github.com/hashicorp/go-version"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
)

// InstallerURL is the upstream installer entrypoint.
const InstallerURL = "https://openclaw.ai/install.sh"

// MinVersion gates onboarding: older CLIs lack the non-interactive flags
// harpy depends on.
var MinVersion = version.Must(version.NewVersion("2026.1.0"))

// CLI drives the openclaw binary as the service identity through the
// privilege boundary.
type CLI struct {
	runner execute.Runner

	// User is the restricted identity everything runs under.
	User string
}

func NewCLI(r execute.Runner, user string) *CLI {
	if r == nil {
		r = execute.Default
	}
	return &CLI{runner: r, User: user}
}

// runAsUser executes a command under the service identity with only the
// given environment values crossing the boundary.
func (c *CLI) runAsUser(rc *harpy_io.RuntimeContext, opts execute.Options, env map[string]string) (string, error) {
	return c.runner.Run(rc.Ctx, execute.AsUser(c.User, opts, env))
}

// Install downloads the upstream installer to a private temp file and runs
// it as the service identity. The installer itself is idempotent: it
// upgrades in place when already installed.
func (c *CLI) Install(rc *harpy_io.RuntimeContext) error {
	log := otelzap.Ctx(rc.Ctx)
	log.Info("🦅 Installing OpenClaw", zap.String("user", c.User))

	tmp, err := os.CreateTemp("", "openclaw-install-*.sh")
	if err != nil {
		return cerr.Wrap(err, "create installer temp file")
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if _, err := c.runner.Run(rc.Ctx, execute.Options{
		Command: "curl",
		Args:    []string{"-fsSL", InstallerURL, "-o", tmpPath},
		Timeout: 2 * time.Minute,
	}); err != nil {
		return cerr.Wrap(err, "download openclaw installer")
	}
	// World-readable so the script survives the identity switch.
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return cerr.Wrap(err, "chmod installer")
	}

	if out, err := c.runAsUser(rc, execute.Options{
		Command: "bash",
		Args:    []string{tmpPath},
		Timeout: 10 * time.Minute,
	}, nil); err != nil {
		return cerr.Wrapf(err, "run openclaw installer: %s", strings.TrimSpace(out))
	}
	return nil
}

// Version queries the installed CLI as the service identity.
func (c *CLI) Version(rc *harpy_io.RuntimeContext) (*version.Version, error) {
	out, err := c.runAsUser(rc, execute.Options{
		Command: "openclaw",
		Args:    []string{"--version"},
	}, nil)
	if err != nil {
		return nil, cerr.Wrap(err, "query openclaw version")
	}
	return parseVersion(out)
}

// Installed reports whether a sufficiently recent CLI answers the version query.
func (c *CLI) Installed(rc *harpy_io.RuntimeContext) bool {
	v, err := c.Version(rc)
	return err == nil && v.GreaterThanOrEqual(MinVersion)
}

// Doctor runs the application's own self-diagnostic non-interactively.
func (c *CLI) Doctor(rc *harpy_io.RuntimeContext) error {
	out, err := c.runAsUser(rc, execute.Options{
		Command: "openclaw",
		Args:    []string{"doctor", "--non-interactive"},
	}, nil)
	if err != nil {
		return cerr.Wrapf(err, "openclaw doctor: %s", strings.TrimSpace(out))
	}
	return nil
}

// parseVersion accepts outputs like "openclaw 2026.1.14" or a bare
// "2026.1.14" and returns the semantic version.
func parseVersion(out string) (*version.Version, error) {
	for _, field := range strings.Fields(out) {
		if v, err := version.NewVersion(strings.TrimPrefix(field, "v")); err == nil {
			return v, nil
		}
	}
	return nil, cerr.Newf("no version found in output %q", strings.TrimSpace(out))
}
