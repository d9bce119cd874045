/* cmd/provision.go */

package cmd

import (
	cerr "github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/apt"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_cli"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/openclaw"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/provision"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/reboot"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/schedule"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/shared"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/ufw"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/users"
)

var provisionFlags struct {
	model         string
	fallbackModel string
	username      string
	sshPort       int
	gatewayPort   int
	profile       string
	resumeEnv     string
	promptKey     bool
	dryRun        bool
}

// ProvisionCmd runs the full idempotent provisioning pass.
var ProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision this host into a running OpenClaw deployment",
	Long: `Runs the ordered provisioning phases: system-update, base-packages,
service-user, firewall, install-openclaw, write-config, onboard, handoff.
Each phase checks whether its goal state is already achieved and skips
itself if so. If the system update requires a reboot, harpy schedules its
own resumption, restarts the host, and continues automatically.

The API credential is read from ` + shared.APIKeyEnvVar + `.`,
	RunE: harpy_cli.Wrap(runProvision),
}

func init() {
	f := ProvisionCmd.Flags()
	f.StringVar(&provisionFlags.model, "model", shared.DefaultModel, "default model identifier written to the config")
	f.StringVar(&provisionFlags.fallbackModel, "fallback-model", shared.DefaultFallbackModel, "fallback model identifier")
	f.StringVar(&provisionFlags.username, "user", shared.DefaultServiceUser, "restricted service identity to create and provision under")
	f.IntVar(&provisionFlags.sshPort, "ssh-port", shared.DefaultSSHPort, "SSH port to allow through the firewall")
	f.IntVar(&provisionFlags.gatewayPort, "gateway-port", shared.DefaultGatewayPort, "gateway port to deny at the firewall (loopback only)")
	f.StringVar(&provisionFlags.profile, "profile", "", "YAML profile with provisioning parameters")
	f.StringVar(&provisionFlags.resumeEnv, "resume-env", "", "resume environment file (set by the scheduled resumption entry)")
	f.BoolVar(&provisionFlags.promptKey, "prompt-key", false, "prompt for the API credential instead of reading the environment")
	f.BoolVar(&provisionFlags.dryRun, "dry-run", false, "log intended commands without executing them")
}

func runProvision(rc *harpy_io.RuntimeContext, cmd *cobra.Command, args []string) error {
	ectx, rebootMgr, err := buildExecutionContext(rc, cmd)
	if err != nil {
		return err
	}

	execute.DefaultDryRun = provisionFlags.dryRun
	runner := execute.Default

	orch := &provision.Orchestrator{
		Deps: provision.Deps{
			Apt:      apt.NewManager(runner),
			Firewall: ufw.NewFirewall(runner),
			Users:    users.NewManager(runner),
			Claw:     openclaw.NewCLI(runner, ectx.Username),
		},
		Reboot: rebootMgr,
		Ectx:   ectx,
	}
	return orch.Run(rc)
}

// buildExecutionContext layers parameter sources: defaults, then the YAML
// profile, then environment, then explicit flags; a resume environment file
// replaces all of them since it snapshots the original invocation.
func buildExecutionContext(rc *harpy_io.RuntimeContext, cmd *cobra.Command) (provision.ExecutionContext, *reboot.Manager, error) {
	rebootMgr := reboot.NewManager(schedule.NewCronScheduler(execute.Default), execute.Default)

	if provisionFlags.resumeEnv != "" {
		rebootMgr.EnvPath = provisionFlags.resumeEnv
		env, err := rebootMgr.ReadEnv()
		if err != nil {
			return provision.ExecutionContext{}, nil, err
		}
		return provision.ContextFromEnv(env), rebootMgr, nil
	}

	ectx := provision.DefaultContext()

	if provisionFlags.profile != "" {
		var profile provision.Profile
		if err := harpy_io.ReadYAML(rc.Ctx, provisionFlags.profile, &profile); err != nil {
			return ectx, nil, err
		}
		profile.ApplyTo(&ectx)
	}

	v := viper.New()
	if err := v.BindEnv("api_key", shared.APIKeyEnvVar, "OPENCLAW_API_KEY"); err != nil {
		return ectx, nil, cerr.Wrap(err, "bind credential environment")
	}
	ectx.APIKey = v.GetString("api_key")

	f := cmd.Flags()
	if f.Changed("model") || ectx.Model == "" {
		ectx.Model = provisionFlags.model
	}
	if f.Changed("fallback-model") || ectx.FallbackModel == "" {
		ectx.FallbackModel = provisionFlags.fallbackModel
	}
	if f.Changed("user") || ectx.Username == "" {
		ectx.Username = provisionFlags.username
	}
	if f.Changed("ssh-port") || ectx.SSHPort == 0 {
		ectx.SSHPort = provisionFlags.sshPort
	}
	if f.Changed("gateway-port") || ectx.GatewayPort == 0 {
		ectx.GatewayPort = provisionFlags.gatewayPort
	}

	if provisionFlags.promptKey {
		key, err := harpy_io.PromptSecret(rc, "Anthropic API key")
		if err != nil {
			return ectx, nil, err
		}
		ectx.APIKey = key
	}

	return ectx, rebootMgr, nil
}
