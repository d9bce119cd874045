// pkg/shared/consts.go

package shared

const (
	Version = "0.4.2"

	// DefaultServiceUser is the restricted identity that owns all OpenClaw
	// state and under which the gateway ultimately runs.
	DefaultServiceUser = "openclaw"

	// Default model identifiers written into a fresh openclaw.json.
	DefaultModel         = "anthropic/claude-sonnet-4-5"
	DefaultFallbackModel = "anthropic/claude-haiku-4-5"

	// DefaultSSHPort stays open; DefaultGatewayPort is denied at the edge
	// because the gateway must only ever be reached over loopback.
	DefaultSSHPort     = 22
	DefaultGatewayPort = 18789

	// StateDir holds run-spanning state: the resumption marker and the
	// environment file re-supplied to a resumed invocation.
	StateDir         = "/var/lib/harpy"
	ResumeMarkerPath = StateDir + "/resume.json"
	ResumeEnvPath    = StateDir + "/resume.env"

	LogDir = "/var/log/harpy"

	// APIKeyEnvVar carries the required credential into the process.
	APIKeyEnvVar = "ANTHROPIC_API_KEY"

	// GatewayUnit is the per-user systemd unit the onboarding step installs.
	GatewayUnit = "openclaw-gateway.service"

	// FinalizeScriptName is the handoff artifact dropped in the service
	// user's home directory.
	FinalizeScriptName = "finalize-openclaw.sh"
)
