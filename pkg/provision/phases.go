// pkg/provision/phases.go

package provision

import (
	"os"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/apt"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/handoff"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/openclaw"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/phase"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/shared"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/ufw"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/users"
)

// basePackages are the tools later phases shell out to.
var basePackages = []string{"curl", "git", "jq", "ufw"}

// PhaseSystemUpdate is referenced by the reboot boundary: it is the one
// phase a resumed run must not repeat.
const PhaseSystemUpdate = "system-update"

// Deps are the external collaborators the phases drive.
type Deps struct {
	Apt      *apt.Manager
	Firewall *ufw.Firewall
	Users    *users.Manager
	Claw     *openclaw.CLI
}

// BuildPhases assembles the ordered provisioning sequence.
func BuildPhases(d Deps, ectx *ExecutionContext) []phase.Phase {
	return []phase.Phase{
		&updatePhase{d.Apt},
		&basePackagesPhase{d.Apt},
		&serviceUserPhase{d.Users, ectx},
		&firewallPhase{d.Firewall, ectx},
		&installPhase{d.Claw},
		&configPhase{d.Users, ectx},
		&onboardPhase{d.Claw, d.Users, ectx},
		&handoffPhase{d.Users, ectx},
	}
}

// ---- system-update ----

type updatePhase struct {
	apt *apt.Manager
}

func (p *updatePhase) Name() string             { return PhaseSystemUpdate }
func (p *updatePhase) Identity() phase.Identity { return phase.IdentityRoot }

func (p *updatePhase) Check(rc *harpy_io.RuntimeContext) (bool, error) {
	// A stale index makes the simulation lie on a fresh host, so the
	// refresh always runs; only the upgrade itself is idempotency-gated.
	if err := p.apt.UpdateIndex(rc); err != nil {
		return false, err
	}
	pending, err := p.apt.UpgradesPending(rc)
	if err != nil {
		return false, err
	}
	return !pending, nil
}

func (p *updatePhase) Apply(rc *harpy_io.RuntimeContext) error {
	return p.apt.Upgrade(rc)
}

// ---- base-packages ----

type basePackagesPhase struct {
	apt *apt.Manager
}

func (p *basePackagesPhase) Name() string             { return "base-packages" }
func (p *basePackagesPhase) Identity() phase.Identity { return phase.IdentityRoot }

func (p *basePackagesPhase) Check(rc *harpy_io.RuntimeContext) (bool, error) {
	return p.apt.AllInstalled(rc, basePackages...), nil
}

func (p *basePackagesPhase) Apply(rc *harpy_io.RuntimeContext) error {
	return p.apt.Install(rc, basePackages...)
}

// ---- service-user ----

type serviceUserPhase struct {
	users *users.Manager
	ectx  *ExecutionContext
}

func (p *serviceUserPhase) Name() string             { return "service-user" }
func (p *serviceUserPhase) Identity() phase.Identity { return phase.IdentityRoot }

func (p *serviceUserPhase) Check(rc *harpy_io.RuntimeContext) (bool, error) {
	u := p.ectx.Username
	return p.users.Exists(rc, u) &&
		p.users.InGroup(rc, u, "sudo") &&
		p.users.HasPasswordlessSudo(u) &&
		p.users.LingerEnabled(u) &&
		p.users.PasswordIsSet(rc, u), nil
}

func (p *serviceUserPhase) Apply(rc *harpy_io.RuntimeContext) error {
	u := p.ectx.Username
	if err := p.users.Create(rc, u); err != nil {
		return err
	}
	if err := p.users.AddToGroup(rc, u, "sudo"); err != nil {
		return err
	}
	if err := p.users.GrantPasswordlessSudo(rc, u); err != nil {
		return err
	}
	if err := p.users.EnableLinger(rc, u); err != nil {
		return err
	}
	if !p.users.PasswordIsSet(rc, u) {
		if err := p.users.SetRandomPassword(rc, u); err != nil {
			return err
		}
	}
	return nil
}

// ---- firewall ----

type firewallPhase struct {
	fw   *ufw.Firewall
	ectx *ExecutionContext
}

func (p *firewallPhase) Name() string             { return "firewall" }
func (p *firewallPhase) Identity() phase.Identity { return phase.IdentityRoot }

func (p *firewallPhase) Check(rc *harpy_io.RuntimeContext) (bool, error) {
	return p.fw.Active(rc) &&
		p.fw.HasRule(rc, p.ectx.SSHPort, "tcp", "ALLOW") &&
		p.fw.HasRule(rc, p.ectx.GatewayPort, "tcp", "DENY"), nil
}

func (p *firewallPhase) Apply(rc *harpy_io.RuntimeContext) error {
	if err := p.fw.DefaultDenyIncoming(rc); err != nil {
		return err
	}
	if err := p.fw.DefaultAllowOutgoing(rc); err != nil {
		return err
	}
	if err := p.fw.Allow(rc, p.ectx.SSHPort, "tcp", "SSH"); err != nil {
		return err
	}
	// The gateway must only ever be reached over loopback; an explicit deny
	// beats relying on the default policy alone.
	if err := p.fw.Deny(rc, p.ectx.GatewayPort, "tcp", "OpenClaw gateway - loopback only"); err != nil {
		return err
	}
	return p.fw.Enable(rc)
}

// ---- install-openclaw ----

type installPhase struct {
	claw *openclaw.CLI
}

func (p *installPhase) Name() string             { return "install-openclaw" }
func (p *installPhase) Identity() phase.Identity { return phase.IdentityService }

func (p *installPhase) Check(rc *harpy_io.RuntimeContext) (bool, error) {
	return p.claw.Installed(rc), nil
}

func (p *installPhase) Apply(rc *harpy_io.RuntimeContext) error {
	if err := p.claw.Install(rc); err != nil {
		return err
	}
	v, err := p.claw.Version(rc)
	if err != nil {
		return cerr.Wrap(err, "openclaw install completed but version query failed")
	}
	if v.LessThan(openclaw.MinVersion) {
		return cerr.Newf("installed openclaw %s is older than required %s", v, openclaw.MinVersion)
	}
	otelzap.Ctx(rc.Ctx).Info("🦅 OpenClaw installed", zap.String("version", v.String()))
	return nil
}

// ---- write-config ----

type configPhase struct {
	users *users.Manager
	ectx  *ExecutionContext
}

func (p *configPhase) Name() string             { return "write-config" }
func (p *configPhase) Identity() phase.Identity { return phase.IdentityRoot }

func (p *configPhase) Check(rc *harpy_io.RuntimeContext) (bool, error) {
	home, err := p.users.HomeDir(rc, p.ectx.Username)
	if err != nil {
		return false, err
	}
	return openclaw.ConfigSatisfied(openclaw.ConfigPath(home), p.ectx.APIKey, p.ectx.Model), nil
}

func (p *configPhase) Apply(rc *harpy_io.RuntimeContext) error {
	home, err := p.users.HomeDir(rc, p.ectx.Username)
	if err != nil {
		return err
	}
	path := openclaw.ConfigPath(home)

	// An existing config we cannot fully account for is never merged into:
	// unknown keys would stop the application from starting, and silently
	// rewriting an operator's hand-edited file is worse than failing.
	if _, statErr := os.Stat(path); statErr == nil {
		if _, loadErr := openclaw.LoadConfig(path); loadErr != nil {
			return cerr.Wrapf(loadErr, "refusing to overwrite %s", path)
		}
	}

	cfg := &openclaw.Config{
		Auth: openclaw.AuthConfig{AnthropicAPIKey: p.ectx.APIKey},
		Agents: openclaw.AgentsConfig{
			Defaults: openclaw.AgentDefaults{
				Model:         p.ectx.Model,
				FallbackModel: p.ectx.FallbackModel,
			},
		},
		Gateway: openclaw.GatewayConfig{
			Mode: "local",
			Bind: "127.0.0.1",
			Port: p.ectx.GatewayPort,
		},
	}

	uid, gid := -1, -1
	if os.Geteuid() == 0 {
		if uid, gid, err = p.users.UID(rc, p.ectx.Username); err != nil {
			return err
		}
	}
	return openclaw.WriteConfig(rc, path, cfg, uid, gid)
}

// ---- onboard ----

type onboardPhase struct {
	claw  *openclaw.CLI
	users *users.Manager
	ectx  *ExecutionContext
}

func (p *onboardPhase) Name() string             { return "onboard" }
func (p *onboardPhase) Identity() phase.Identity { return phase.IdentityService }

func (p *onboardPhase) Check(rc *harpy_io.RuntimeContext) (bool, error) {
	home, err := p.users.HomeDir(rc, p.ectx.Username)
	if err != nil {
		return false, err
	}
	return p.claw.DaemonInstalled(home), nil
}

func (p *onboardPhase) Apply(rc *harpy_io.RuntimeContext) error {
	return p.claw.Onboard(rc, openclaw.OnboardParams{
		APIKey:        p.ectx.APIKey,
		Model:         p.ectx.Model,
		GatewayPort:   p.ectx.GatewayPort,
		InstallDaemon: true,
	})
}

// ---- handoff ----

type handoffPhase struct {
	users *users.Manager
	ectx  *ExecutionContext
}

func (p *handoffPhase) Name() string             { return "handoff" }
func (p *handoffPhase) Identity() phase.Identity { return phase.IdentityRoot }

func (p *handoffPhase) params(rc *harpy_io.RuntimeContext) (handoff.Params, error) {
	home, err := p.users.HomeDir(rc, p.ectx.Username)
	if err != nil {
		return handoff.Params{}, err
	}
	uid, gid := -1, -1
	if os.Geteuid() == 0 {
		if uid, gid, err = p.users.UID(rc, p.ectx.Username); err != nil {
			return handoff.Params{}, err
		}
	}
	return handoff.Params{
		User:        p.ectx.Username,
		Home:        home,
		GatewayUnit: shared.GatewayUnit,
		GatewayPort: p.ectx.GatewayPort,
		Uid:         uid,
		Gid:         gid,
	}, nil
}

func (p *handoffPhase) Check(rc *harpy_io.RuntimeContext) (bool, error) {
	params, err := p.params(rc)
	if err != nil {
		return false, err
	}
	return handoff.UpToDate(params), nil
}

func (p *handoffPhase) Apply(rc *harpy_io.RuntimeContext) error {
	params, err := p.params(rc)
	if err != nil {
		return err
	}
	_, err = handoff.Emit(rc, params)
	return err
}
