// pkg/ufw/ufw.go

// Package ufw wraps the Uncomplicated Firewall: default-deny inbound,
// default-allow outbound, per-port rules with comments, idempotent enable.
package ufw

import (
	"fmt"
	"strings"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
)

// Firewall drives the ufw CLI through a Runner.
type Firewall struct {
	runner execute.Runner
}

func NewFirewall(r execute.Runner) *Firewall {
	if r == nil {
		r = execute.Default
	}
	return &Firewall{runner: r}
}

// DefaultDenyIncoming sets the inbound default policy. Re-applying the same
// default is a no-op for ufw.
func (f *Firewall) DefaultDenyIncoming(rc *harpy_io.RuntimeContext) error {
	return f.run(rc, "default", "deny", "incoming")
}

// DefaultAllowOutgoing sets the outbound default policy.
func (f *Firewall) DefaultAllowOutgoing(rc *harpy_io.RuntimeContext) error {
	return f.run(rc, "default", "allow", "outgoing")
}

// Allow opens a port with a human-readable comment.
func (f *Firewall) Allow(rc *harpy_io.RuntimeContext, port int, proto, comment string) error {
	return f.run(rc, "allow", fmt.Sprintf("%d/%s", port, proto), "comment", comment)
}

// Deny blocks a port with a human-readable comment.
func (f *Firewall) Deny(rc *harpy_io.RuntimeContext, port int, proto, comment string) error {
	return f.run(rc, "deny", fmt.Sprintf("%d/%s", port, proto), "comment", comment)
}

// Enable activates the firewall. --force suppresses the "may disrupt ssh"
// prompt; enabling an enabled firewall is a no-op.
func (f *Firewall) Enable(rc *harpy_io.RuntimeContext) error {
	otelzap.Ctx(rc.Ctx).Info("🔥 Enabling firewall")
	return f.run(rc, "--force", "enable")
}

// Active reports whether ufw reports Status: active.
func (f *Firewall) Active(rc *harpy_io.RuntimeContext) bool {
	out, err := f.runner.Run(rc.Ctx, execute.Options{Command: "ufw", Args: []string{"status"}})
	return err == nil && strings.Contains(out, "Status: active")
}

// HasRule reports whether the status output already contains a rule line
// for the given port/proto and verdict, e.g. (22, "tcp", "ALLOW").
func (f *Firewall) HasRule(rc *harpy_io.RuntimeContext, port int, proto, verdict string) bool {
	out, err := f.runner.Run(rc.Ctx, execute.Options{Command: "ufw", Args: []string{"status"}})
	if err != nil {
		return false
	}
	spec := fmt.Sprintf("%d/%s", port, proto)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == spec && strings.EqualFold(fields[1], verdict) {
			return true
		}
	}
	return false
}

func (f *Firewall) run(rc *harpy_io.RuntimeContext, args ...string) error {
	log := otelzap.Ctx(rc.Ctx)
	log.Debug("Applying firewall rule", zap.Strings("args", args))
	if out, err := f.runner.Run(rc.Ctx, execute.Options{Command: "ufw", Args: args}); err != nil {
		return cerr.Wrapf(err, "ufw %s: %s", strings.Join(args, " "), strings.TrimSpace(out))
	}
	return nil
}
