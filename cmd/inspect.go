/* cmd/inspect.go */

package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/apt"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_cli"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/openclaw"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/provision"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/shared"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/ufw"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/users"
)

// InspectCmd evaluates every phase's idempotency predicate without mutating
// anything, and reports resumption-marker state.
var InspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Report which provisioning phases are already satisfied",
	RunE:  harpy_cli.Wrap(runInspect),
}

func runInspect(rc *harpy_io.RuntimeContext, cmd *cobra.Command, args []string) error {
	runner := execute.Default

	ectx := provision.DefaultContext()
	v := viper.New()
	if err := v.BindEnv("api_key", shared.APIKeyEnvVar, "OPENCLAW_API_KEY"); err == nil {
		ectx.APIKey = v.GetString("api_key")
	}

	deps := provision.Deps{
		Apt:      apt.NewManager(runner),
		Firewall: ufw.NewFirewall(runner),
		Users:    users.NewManager(runner),
		Claw:     openclaw.NewCLI(runner, ectx.Username),
	}

	if _, err := os.Stat(shared.ResumeMarkerPath); err == nil {
		rc.Log.Warn("Resumption marker present: the next provision run will resume, not start fresh",
			zap.String("path", shared.ResumeMarkerPath))
	}

	for _, p := range provision.BuildPhases(deps, &ectx) {
		satisfied, err := p.Check(rc)
		switch {
		case err != nil:
			rc.Log.Warn("Phase state unknown", zap.String("phase", p.Name()), zap.Error(err))
		case satisfied:
			rc.Log.Info("✔️  Phase satisfied", zap.String("phase", p.Name()))
		default:
			rc.Log.Info("• Phase pending", zap.String("phase", p.Name()),
				zap.String("identity", p.Identity().String()))
		}
	}
	return nil
}
