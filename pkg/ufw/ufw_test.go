// pkg/ufw/ufw_test.go

package ufw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/testutil"
)

const statusActive = `Status: active

To                         Action      From
--                         ------      ----
22/tcp                     ALLOW       Anywhere                   # SSH
18789/tcp                  DENY        Anywhere                   # OpenClaw gateway - loopback only
22/tcp (v6)                ALLOW       Anywhere (v6)              # SSH
`

func TestAllowAndDenyBuildPortSpecs(t *testing.T) {
	rc := testutil.RC(t)
	fake := &testutil.FakeRunner{}
	fw := NewFirewall(fake)

	require.NoError(t, fw.Allow(rc, 22, "tcp", "SSH"))
	require.NoError(t, fw.Deny(rc, 18789, "tcp", "OpenClaw gateway - loopback only"))

	calls := fake.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"allow", "22/tcp", "comment", "SSH"}, calls[0].Args)
	assert.Equal(t, []string{"deny", "18789/tcp", "comment", "OpenClaw gateway - loopback only"}, calls[1].Args)
}

func TestEnableForcesPastThePrompt(t *testing.T) {
	rc := testutil.RC(t)
	fake := &testutil.FakeRunner{}
	require.NoError(t, NewFirewall(fake).Enable(rc))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"--force", "enable"}, calls[0].Args)
}

func TestActiveParsesStatus(t *testing.T) {
	rc := testutil.RC(t)

	fake := &testutil.FakeRunner{Handler: func(opts execute.Options) (string, error) {
		return statusActive, nil
	}}
	assert.True(t, NewFirewall(fake).Active(rc))

	fake = &testutil.FakeRunner{Handler: func(opts execute.Options) (string, error) {
		return "Status: inactive", nil
	}}
	assert.False(t, NewFirewall(fake).Active(rc))
}

func TestHasRuleMatchesPortProtoAndVerdict(t *testing.T) {
	rc := testutil.RC(t)
	fake := &testutil.FakeRunner{Handler: func(opts execute.Options) (string, error) {
		return statusActive, nil
	}}
	fw := NewFirewall(fake)

	assert.True(t, fw.HasRule(rc, 22, "tcp", "ALLOW"))
	assert.True(t, fw.HasRule(rc, 18789, "tcp", "DENY"))
	assert.False(t, fw.HasRule(rc, 22, "tcp", "DENY"))
	assert.False(t, fw.HasRule(rc, 443, "tcp", "ALLOW"))
}

func TestDefaultPolicies(t *testing.T) {
	rc := testutil.RC(t)
	fake := &testutil.FakeRunner{}
	fw := NewFirewall(fake)

	require.NoError(t, fw.DefaultDenyIncoming(rc))
	require.NoError(t, fw.DefaultAllowOutgoing(rc))

	lines := fake.CommandLines()
	require.Len(t, lines, 2)
	assert.Equal(t, "ufw default deny incoming", lines[0])
	assert.Equal(t, "ufw default allow outgoing", lines[1])
}
