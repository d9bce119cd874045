// pkg/handoff/handoff_test.go

package handoff

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mvdan.cc/sh/v3/syntax"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/shared"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/testutil"
)

func testParams(t *testing.T) Params {
	t.Helper()
	return Params{
		User:        "openclaw",
		Home:        t.TempDir(),
		GatewayUnit: shared.GatewayUnit,
		GatewayPort: 18789,
		Uid:         -1,
		Gid:         -1,
	}
}

func TestRenderProducesValidBash(t *testing.T) {
	script, err := Render(testParams(t))
	require.NoError(t, err)

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	_, err = parser.Parse(bytes.NewReader(script), "finalize")
	require.NoError(t, err)

	body := string(script)
	assert.True(t, strings.HasPrefix(body, "#!/usr/bin/env bash"))
	assert.Contains(t, body, "systemctl --user enable "+shared.GatewayUnit)
	assert.Contains(t, body, "systemctl --user start "+shared.GatewayUnit)
	assert.Contains(t, body, "openclaw doctor --repair --non-interactive")
	assert.Contains(t, body, "127.0.0.1:18789")
	assert.Contains(t, body, `rm -- "$0"`, "the artifact must delete itself on success")
}

func TestRenderGuardsAgainstWrongInvoker(t *testing.T) {
	script, err := Render(testParams(t))
	require.NoError(t, err)

	body := string(script)
	assert.Contains(t, body, `[ "$(id -un)" = "openclaw" ]`)
	assert.Contains(t, body, "systemctl --user show-environment",
		"the script must verify the user service manager is reachable before acting")
	assert.Contains(t, body, "machinectl shell")
}

func TestEmitWritesOwnedExecutableArtifact(t *testing.T) {
	rc := testutil.RC(t)
	p := testParams(t)

	path, err := Emit(rc, p)
	require.NoError(t, err)
	assert.Equal(t, Path(p.Home), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())
}

func TestUpToDateAfterEmit(t *testing.T) {
	rc := testutil.RC(t)
	p := testParams(t)

	assert.False(t, UpToDate(p), "missing artifact is never up to date")

	_, err := Emit(rc, p)
	require.NoError(t, err)
	assert.True(t, UpToDate(p))

	// A parameter change invalidates the artifact.
	changed := p
	changed.GatewayPort = 28789
	assert.False(t, UpToDate(changed))
}
