/* cmd/root.go */

package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_err"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/logger"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/shared"
)

// RootCmd is the base command for harpy.
var RootCmd = &cobra.Command{
	Use:     "harpy",
	Short:   "Harpy provisions a fresh Ubuntu host into a running OpenClaw deployment",
	Long: `Harpy takes a minimal Ubuntu server and, in one idempotent pass, performs
system updates (tolerating a required reboot), creates the restricted service
identity, configures the firewall, installs OpenClaw, runs non-interactive
onboarding, and leaves a finalize script for the steps that need a real login
session. Re-running harpy is always safe: satisfied phases are skipped.`,
	Version:       shared.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// RegisterCommands adds all subcommands to the root command.
func RegisterCommands() {
	RootCmd.AddCommand(ProvisionCmd)
	RootCmd.AddCommand(InspectCmd)
}

// Execute initializes and runs the root command.
func Execute() {
	defer func() {
		if err := logger.Sync(); err != nil {
			os.Stderr.WriteString("failed to flush logs: " + err.Error() + "\n")
		}
	}()

	RegisterCommands()

	if err := RootCmd.Execute(); err != nil {
		if harpy_err.IsExpectedUserError(err) {
			harpy_err.PrintError("Provisioning prerequisites not met", err)
		} else {
			harpy_err.PrintError("Provisioning failed", err)
			logger.L().Error("CLI execution error", zap.Error(err))
		}
		os.Exit(1)
	}
}
