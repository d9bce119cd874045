// pkg/provision/orchestrator_test.go

package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cerr "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/apt"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/openclaw"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/phase"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/reboot"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/schedule"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/testutil"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/ufw"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/users"
)

type fakeScheduler struct {
	installed []schedule.Entry
	removed   []string
}

func (f *fakeScheduler) Install(rc *harpy_io.RuntimeContext, e schedule.Entry) error {
	f.installed = append(f.installed, e)
	return nil
}

func (f *fakeScheduler) RemoveMatching(rc *harpy_io.RuntimeContext, substr string) (int, error) {
	f.removed = append(f.removed, substr)
	n := len(f.installed)
	f.installed = nil
	return n, nil
}

// fakeHost emulates an Ubuntu host's mutable state behind the command
// runner, so a whole provisioning run can execute against it.
type fakeHost struct {
	home      string
	lingerDir string

	upgradesPending bool
	pkgs            map[string]bool
	ufwActive       bool
	ufwRules        []string

	userExists  bool
	inGroup     bool
	passwordSet bool

	clawInstalled bool
	// onboardOutput, when set, fails the onboard command with this output.
	onboardOutput string

	sudoTargets []string
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	return &fakeHost{
		home:            t.TempDir(),
		lingerDir:       t.TempDir(),
		upgradesPending: true,
		pkgs:            map[string]bool{},
	}
}

func (h *fakeHost) unitPath() string {
	return filepath.Join(h.home, ".config", "systemd", "user", "openclaw-gateway.service")
}

func (h *fakeHost) handler(opts execute.Options) (string, error) {
	switch opts.Command {
	case "apt-get":
		return h.aptGet(opts.Args)
	case "dpkg-query":
		pkg := opts.Args[len(opts.Args)-1]
		if h.pkgs[pkg] {
			return "install ok installed", nil
		}
		return "", cerr.Newf("dpkg-query: no packages found matching %s", pkg)
	case "id":
		if !h.userExists {
			return "", cerr.New("id: no such user")
		}
		switch opts.Args[0] {
		case "-u", "-g":
			return "1001", nil
		case "-nG":
			if h.inGroup {
				return "openclaw sudo", nil
			}
			return "openclaw", nil
		}
	case "useradd":
		h.userExists = true
		return "", nil
	case "usermod":
		h.inGroup = true
		return "", nil
	case "visudo":
		return "", nil
	case "loginctl":
		return "", os.WriteFile(filepath.Join(h.lingerDir, opts.Args[1]), nil, 0o644)
	case "passwd":
		state := "L"
		if h.passwordSet {
			state = "P"
		}
		return fmt.Sprintf("openclaw %s 2026-08-01 0 99999 7 -1", state), nil
	case "chpasswd":
		h.passwordSet = true
		return "", nil
	case "getent":
		if !h.userExists {
			return "", cerr.New("getent: no such key")
		}
		return "openclaw:x:1001:1001::" + h.home + ":/bin/bash", nil
	case "ufw":
		return h.ufw(opts.Args)
	case "curl":
		return "", nil
	case "sudo":
		return h.sudo(opts.Args)
	case "crontab", "systemctl", "shutdown":
		return "", nil
	}
	return "", cerr.Newf("fakeHost: unexpected command %q %v", opts.Command, opts.Args)
}

func (h *fakeHost) aptGet(args []string) (string, error) {
	switch {
	case args[0] == "-s":
		if h.upgradesPending {
			return "5 upgraded, 0 newly installed, 0 to remove and 0 not upgraded.", nil
		}
		return "0 upgraded, 0 newly installed, 0 to remove and 0 not upgraded.", nil
	case contains(args, "install"):
		for i := indexOf(args, "install") + 1; i < len(args); i++ {
			h.pkgs[args[i]] = true
		}
		return "", nil
	case contains(args, "upgrade"):
		h.upgradesPending = false
		return "", nil
	}
	return "", nil
}

func (h *fakeHost) ufw(args []string) (string, error) {
	switch args[0] {
	case "status":
		if !h.ufwActive {
			return "Status: inactive", nil
		}
		return "Status: active\n\n" + strings.Join(h.ufwRules, "\n") + "\n", nil
	case "allow":
		h.ufwRules = append(h.ufwRules, args[1]+"  ALLOW  Anywhere")
	case "deny":
		h.ufwRules = append(h.ufwRules, args[1]+"  DENY  Anywhere")
	case "--force":
		h.ufwActive = true
	}
	return "", nil
}

func (h *fakeHost) sudo(args []string) (string, error) {
	h.sudoTargets = append(h.sudoTargets, args[1])
	inner := args[4:]
	if len(inner) > 0 && strings.HasPrefix(inner[0], "--preserve-env=") {
		inner = inner[1:]
	}

	switch inner[0] {
	case "bash":
		h.clawInstalled = true
		return "", nil
	case "openclaw":
		switch inner[1] {
		case "--version":
			if !h.clawInstalled {
				return "", cerr.New("bash: openclaw: command not found")
			}
			return "openclaw 2026.1.14", nil
		case "onboard":
			if h.onboardOutput != "" {
				return h.onboardOutput, cerr.New("exit status 1")
			}
			if err := os.MkdirAll(filepath.Dir(h.unitPath()), 0o755); err != nil {
				return "", err
			}
			return "", os.WriteFile(h.unitPath(), []byte("[Unit]\n"), 0o644)
		case "doctor":
			return "", nil
		}
	}
	return "", cerr.Newf("fakeHost: unexpected sudo target %v", inner)
}

func contains(ss []string, want string) bool { return indexOf(ss, want) >= 0 }

func indexOf(ss []string, want string) int {
	for i, s := range ss {
		if s == want {
			return i
		}
	}
	return -1
}

// newTestOrchestrator wires a full Orchestrator against the fake host.
func newTestOrchestrator(t *testing.T, host *fakeHost) (*Orchestrator, *testutil.FakeRunner, *fakeScheduler) {
	t.Helper()
	fake := &testutil.FakeRunner{Handler: host.handler}
	sched := &fakeScheduler{}

	stateDir := t.TempDir()
	rm := reboot.NewManager(sched, fake)
	rm.MarkerPath = filepath.Join(stateDir, "resume.json")
	rm.EnvPath = filepath.Join(stateDir, "resume.env")
	rm.SentinelPath = filepath.Join(stateDir, "reboot-required")
	rm.BinaryPath = "/usr/local/bin/harpy"

	aptMgr := apt.NewManager(fake)
	aptMgr.SentinelPath = rm.SentinelPath

	userMgr := users.NewManager(fake)
	userMgr.SudoersDir = t.TempDir()
	userMgr.LingerDir = host.lingerDir

	ectx := DefaultContext()
	ectx.APIKey = "sk-test-1234"

	return &Orchestrator{
		Deps: Deps{
			Apt:      aptMgr,
			Firewall: ufw.NewFirewall(fake),
			Users:    userMgr,
			Claw:     openclaw.NewCLI(fake, ectx.Username),
		},
		Reboot:         rm,
		Ectx:           ectx,
		SkipHostChecks: true,
	}, fake, sched
}

func TestFreshRunProvisionsEverything(t *testing.T) {
	rc := testutil.RC(t)
	host := newFakeHost(t)
	o, fake, sched := newTestOrchestrator(t, host)

	require.NoError(t, o.Run(rc))

	// Package state converged, and the index was refreshed before the
	// upgrade simulation so the pending check never ran against stale lists.
	lines := fake.CommandLines()
	updateIdx := indexOf(lines, "apt-get update")
	simulateIdx := indexOf(lines, "apt-get -s upgrade")
	require.GreaterOrEqual(t, updateIdx, 0)
	require.GreaterOrEqual(t, simulateIdx, 0)
	assert.Less(t, updateIdx, simulateIdx, "index refresh must precede the upgrade simulation")
	assert.False(t, host.upgradesPending)
	for _, pkg := range basePackages {
		assert.True(t, host.pkgs[pkg], "base package %s must be installed", pkg)
	}

	// Service identity exists with sudo, linger, and a set password.
	assert.True(t, host.userExists)
	assert.True(t, host.inGroup)
	assert.True(t, host.passwordSet)
	assert.True(t, o.Deps.Users.HasPasswordlessSudo("openclaw"))
	assert.True(t, o.Deps.Users.LingerEnabled("openclaw"))

	// Firewall: SSH open, gateway port explicitly blocked.
	assert.True(t, host.ufwActive)
	assert.True(t, fake.Saw("ufw allow 22/tcp"))
	assert.True(t, fake.Saw("ufw deny 18789/tcp"))

	// Config artifact carries the credential and model.
	cfg, err := openclaw.LoadConfig(openclaw.ConfigPath(host.home))
	require.NoError(t, err)
	assert.Equal(t, "sk-test-1234", cfg.Auth.AnthropicAPIKey)
	assert.Equal(t, o.Ectx.Model, cfg.Agents.Defaults.Model)
	assert.Equal(t, 18789, cfg.Gateway.Port)

	// Onboarding installed the gateway unit; handoff artifact is in place.
	_, err = os.Stat(host.unitPath())
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(host.home, "finalize-openclaw.sh"))
	require.NoError(t, err)

	// No restart was scheduled.
	assert.Empty(t, sched.installed)
}

func TestEveryOpenclawInvocationRunsAsServiceUser(t *testing.T) {
	rc := testutil.RC(t)
	host := newFakeHost(t)
	o, fake, _ := newTestOrchestrator(t, host)

	require.NoError(t, o.Run(rc))

	require.NotEmpty(t, host.sudoTargets)
	for _, target := range host.sudoTargets {
		assert.Equal(t, "openclaw", target)
	}
	// The credential never appears in any argv, sudo included: the one
	// place it crosses the boundary is the preserved environment.
	sawCredentialInEnv := false
	for _, c := range fake.Calls() {
		for _, arg := range c.Args {
			assert.NotContains(t, arg, "sk-test-1234",
				"credential must not appear in the argv of any spawned process")
		}
		if c.Env["ANTHROPIC_API_KEY"] == "sk-test-1234" {
			sawCredentialInEnv = true
		}
	}
	assert.True(t, sawCredentialInEnv)
}

func TestSecondRunIsAllSkips(t *testing.T) {
	rc := testutil.RC(t)
	host := newFakeHost(t)
	o, _, _ := newTestOrchestrator(t, host)

	require.NoError(t, o.Run(rc))

	// Replay against the converged host, counting mutations.
	fake2 := &testutil.FakeRunner{Handler: host.handler}
	o2, _, _ := newTestOrchestrator(t, host)
	o2.Deps.Apt = apt.NewManager(fake2)
	o2.Deps.Apt.SentinelPath = o2.Reboot.SentinelPath
	o2.Deps.Firewall = ufw.NewFirewall(fake2)
	o2.Deps.Users = users.NewManager(fake2)
	o2.Deps.Users.SudoersDir = o.Deps.Users.SudoersDir
	o2.Deps.Users.LingerDir = host.lingerDir
	o2.Deps.Claw = openclaw.NewCLI(fake2, "openclaw")

	require.NoError(t, o2.Run(rc))

	for _, line := range fake2.CommandLines() {
		assert.NotContains(t, line, "useradd")
		assert.NotContains(t, line, "apt-get -y")
		assert.NotContains(t, line, "ufw allow")
		assert.NotContains(t, line, "onboard")
	}
}

func TestPendingRestartSuspendsTheRun(t *testing.T) {
	rc := testutil.RC(t)
	host := newFakeHost(t)
	o, fake, sched := newTestOrchestrator(t, host)

	// The upgrade leaves a kernel restart pending.
	require.NoError(t, os.WriteFile(o.Reboot.SentinelPath, []byte("*** System restart required ***\n"), 0o644))

	require.NoError(t, o.Run(rc), "a scheduled restart is success, not failure")

	// Marker, env file, and exactly one scheduled entry exist.
	_, err := os.Stat(o.Reboot.MarkerPath)
	require.NoError(t, err)
	env, err := o.Reboot.ReadEnv()
	require.NoError(t, err)
	assert.Equal(t, "sk-test-1234", env["ANTHROPIC_API_KEY"])
	require.Len(t, sched.installed, 1)
	assert.Contains(t, sched.installed[0].Command, "--resume-env")

	// Nothing after the update phase ran.
	assert.False(t, fake.Saw("useradd"))
	assert.False(t, fake.Saw("ufw"))
	assert.False(t, fake.Saw("curl"))
	assert.False(t, host.userExists)
}

func TestResumedRunSkipsTheUpdatePhase(t *testing.T) {
	rc := testutil.RC(t)
	host := newFakeHost(t)
	o, _, sched := newTestOrchestrator(t, host)

	// First leg: update applies, restart is armed.
	require.NoError(t, os.WriteFile(o.Reboot.SentinelPath, []byte("pending\n"), 0o644))
	require.NoError(t, o.Run(rc))

	// The reboot clears the sentinel; the update already ran.
	require.NoError(t, os.Remove(o.Reboot.SentinelPath))
	host.upgradesPending = true // a repeat would report pending again

	fake2 := &testutil.FakeRunner{Handler: host.handler}
	o.Deps.Apt = apt.NewManager(fake2)
	o.Deps.Apt.SentinelPath = o.Reboot.SentinelPath
	o.Deps.Firewall = ufw.NewFirewall(fake2)
	o.Deps.Claw = openclaw.NewCLI(fake2, "openclaw")

	require.NoError(t, o.Run(rc))

	// Marker and scheduled entry were consumed before any phase ran.
	_, statErr := os.Stat(o.Reboot.MarkerPath)
	assert.True(t, os.IsNotExist(statErr))
	require.NotEmpty(t, sched.removed)
	assert.Empty(t, sched.installed)

	// The update phase was not repeated; everything downstream completed.
	assert.False(t, fake2.Saw("apt-get update"))
	assert.True(t, host.upgradesPending, "resumption must not re-run the upgrade")
	assert.True(t, host.userExists)
	_, err := os.Stat(filepath.Join(host.home, "finalize-openclaw.sh"))
	require.NoError(t, err)
}

func TestPersistentRestartSignalIsBounded(t *testing.T) {
	rc := testutil.RC(t)
	host := newFakeHost(t)
	o, _, _ := newTestOrchestrator(t, host)

	// A sentinel that survives every reboot, as a broken image would
	// produce. Each run resumes, sees the signal again, and re-arms.
	require.NoError(t, os.WriteFile(o.Reboot.SentinelPath, []byte("pending\n"), 0o644))

	for i := 0; i < reboot.MaxRestarts; i++ {
		require.NoError(t, o.Run(rc), "run %d must re-arm the restart", i+1)
		_, err := os.Stat(o.Reboot.MarkerPath)
		require.NoError(t, err, "run %d must leave a resumption marker", i+1)
	}

	err := o.Run(rc)
	require.Error(t, err, "the restart cycle must not continue past the cap")
	assert.Contains(t, err.Error(), "refusing to loop")
}

func TestSessionLimitedOnboardingDefersNotFails(t *testing.T) {
	rc := testutil.RC(t)
	host := newFakeHost(t)
	host.onboardOutput = "Failed to connect to bus: No medium found"
	o, _, _ := newTestOrchestrator(t, host)

	require.NoError(t, o.Run(rc), "a session-limited onboarding must not fail the run")

	// The handoff artifact still gets written so the operator can finish.
	_, err := os.Stat(filepath.Join(host.home, "finalize-openclaw.sh"))
	require.NoError(t, err)
}

func TestOnboardWithBadCredentialAbortsTheRun(t *testing.T) {
	rc := testutil.RC(t)
	host := newFakeHost(t)
	host.onboardOutput = "Error: invalid API key"
	o, _, _ := newTestOrchestrator(t, host)

	err := o.Run(rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key")

	// The run aborted before the handoff phase.
	_, statErr := os.Stat(filepath.Join(host.home, "finalize-openclaw.sh"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeferredOnboardingProducesExactlyOneWarning(t *testing.T) {
	rc := testutil.RC(t)
	host := newFakeHost(t)
	host.onboardOutput = "Failed to connect to bus: No medium found"
	o, _, _ := newTestOrchestrator(t, host)

	result, err := phase.Run(rc, BuildPhases(o.Deps, &o.Ectx), phase.Options{})
	require.NoError(t, err)

	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "onboard", result.Warnings[0].Phase)
	assert.Equal(t, "gateway service activation", result.Warnings[0].Capability)
}
