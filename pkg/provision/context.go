// pkg/provision/context.go

package provision

import (
	"strconv"

	cerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_err"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/shared"
)

// ExecutionContext is everything supplied once at invocation time that later
// phases need, including phases that run after a reboot or on the far side
// of the privilege boundary. Treated as immutable for the run.
type ExecutionContext struct {
	APIKey        string `validate:"required,startswith=sk-"`
	Model         string `validate:"required"`
	FallbackModel string
	Username      string `validate:"required,hostname_rfc1123"`
	SSHPort       int    `validate:"min=1,max=65535"`
	GatewayPort   int    `validate:"min=1,max=65535"`

	// RestartCount carries how many reboot cycles this run has already
	// been through, via the resumption marker.
	RestartCount int
}

// DefaultContext returns the stock configuration; only the credential has
// no default.
func DefaultContext() ExecutionContext {
	return ExecutionContext{
		Model:         shared.DefaultModel,
		FallbackModel: shared.DefaultFallbackModel,
		Username:      shared.DefaultServiceUser,
		SSHPort:       shared.DefaultSSHPort,
		GatewayPort:   shared.DefaultGatewayPort,
	}
}

var validate = validator.New()

// Validate checks the context before any phase runs. Failures are
// precondition errors: the operator fixes their invocation, nothing on the
// host has been touched.
func (e *ExecutionContext) Validate() error {
	if e.APIKey == "" {
		return harpy_err.NewExpectedError(cerr.Newf(
			"no API credential supplied: set %s or pass --prompt-key", shared.APIKeyEnvVar))
	}
	if err := validate.Struct(e); err != nil {
		return harpy_err.NewExpectedError(cerr.Wrap(err, "invalid provisioning parameters"))
	}
	return nil
}

// Env keys for the resume environment file. The spelling is part of the
// on-disk contract with an already-armed resumption and must not change
// between versions carelessly.
const (
	envAPIKey        = shared.APIKeyEnvVar
	envModel         = "HARPY_MODEL"
	envFallbackModel = "HARPY_FALLBACK_MODEL"
	envUsername      = "HARPY_SERVICE_USER"
	envSSHPort       = "HARPY_SSH_PORT"
	envGatewayPort   = "HARPY_GATEWAY_PORT"
	envRestartCount  = "HARPY_RESTART_COUNT"
)

// Env flattens the context for persistence across the reboot boundary.
func (e *ExecutionContext) Env() map[string]string {
	return map[string]string{
		envAPIKey:        e.APIKey,
		envModel:         e.Model,
		envFallbackModel: e.FallbackModel,
		envUsername:      e.Username,
		envSSHPort:       strconv.Itoa(e.SSHPort),
		envGatewayPort:   strconv.Itoa(e.GatewayPort),
		envRestartCount:  strconv.Itoa(e.RestartCount),
	}
}

// ContextFromEnv rebuilds an ExecutionContext from a resume environment
// map, falling back to defaults for anything absent.
func ContextFromEnv(env map[string]string) ExecutionContext {
	e := DefaultContext()
	if v := env[envAPIKey]; v != "" {
		e.APIKey = v
	}
	if v := env[envModel]; v != "" {
		e.Model = v
	}
	if v := env[envFallbackModel]; v != "" {
		e.FallbackModel = v
	}
	if v := env[envUsername]; v != "" {
		e.Username = v
	}
	if v, err := strconv.Atoi(env[envSSHPort]); err == nil && v > 0 {
		e.SSHPort = v
	}
	if v, err := strconv.Atoi(env[envGatewayPort]); err == nil && v > 0 {
		e.GatewayPort = v
	}
	if v, err := strconv.Atoi(env[envRestartCount]); err == nil && v > 0 {
		e.RestartCount = v
	}
	return e
}
