// pkg/provision/context_test.go

package provision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_err"
)

func TestValidateRequiresCredential(t *testing.T) {
	ectx := DefaultContext()

	err := ectx.Validate()
	require.Error(t, err)
	assert.True(t, harpy_err.IsExpectedUserError(err), "a missing credential is an operator mistake, not a bug")

	ectx.APIKey = "sk-test-1234"
	require.NoError(t, ectx.Validate())
}

func TestValidateRejectsMalformedInputs(t *testing.T) {
	ectx := DefaultContext()
	ectx.APIKey = "not-a-key"
	require.Error(t, ectx.Validate(), "credential must carry the sk- prefix")

	ectx = DefaultContext()
	ectx.APIKey = "sk-test-1234"
	ectx.SSHPort = 0
	require.Error(t, ectx.Validate())

	ectx = DefaultContext()
	ectx.APIKey = "sk-test-1234"
	ectx.GatewayPort = 70000
	require.Error(t, ectx.Validate())

	ectx = DefaultContext()
	ectx.APIKey = "sk-test-1234"
	ectx.Username = "bad user!"
	require.Error(t, ectx.Validate())
}

func TestEnvRoundTrip(t *testing.T) {
	ectx := ExecutionContext{
		APIKey:        "sk-test-1234",
		Model:         "anthropic/claude-sonnet-4-5",
		FallbackModel: "anthropic/claude-haiku-4-5",
		Username:      "openclaw",
		SSHPort:       2222,
		GatewayPort:   28789,
		RestartCount:  2,
	}

	restored := ContextFromEnv(ectx.Env())
	assert.Equal(t, ectx, restored, "every field, restart count included, must survive the env file")
}

func TestContextFromEnvFallsBackToDefaults(t *testing.T) {
	restored := ContextFromEnv(map[string]string{
		"ANTHROPIC_API_KEY": "sk-test-1234",
	})

	want := DefaultContext()
	want.APIKey = "sk-test-1234"
	assert.Equal(t, want, restored)
}
