// pkg/handoff/handoff.go

// Package handoff generates the finalize script: a standalone, single-use
// artifact left in the service identity's home that completes the steps
// requiring a genuine login session (installing and starting the gateway
// service), which no amount of sudo from the privileged side can do.
package handoff

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"mvdan.cc/sh/v3/syntax"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/shared"
)

// Params feed the script template.
type Params struct {
	User        string
	Home        string
	GatewayUnit string
	GatewayPort int

	// Uid/Gid own the artifact; pass -1 to skip chown (tests, re-runs as
	// non-root).
	Uid int
	Gid int
}

const scriptTemplate = `#!/usr/bin/env bash
# finalize-openclaw.sh: completes OpenClaw setup from inside a real
# {{.User}} login session. Generated by harpy; deletes itself on success.
set -euo pipefail

fail() { echo "ERROR: $*" >&2; exit 1; }

[ "$(id -un)" = "{{.User}}" ] || fail "run this as {{.User}}, not $(id -un)"

# sudo/su do not create a login session, so the user service manager is
# unreachable from them. A direct ssh login or 'machinectl shell {{.User}}@'
# gives you a real session.
if ! systemctl --user show-environment >/dev/null 2>&1; then
    fail "cannot reach your user service manager. Log in directly (ssh {{.User}}@<host>) or use 'machinectl shell {{.User}}@' instead of sudo/su."
fi

echo "Installing and starting the gateway service..."
openclaw daemon install || true
systemctl --user daemon-reload
systemctl --user enable {{.GatewayUnit}}
systemctl --user start {{.GatewayUnit}}

if ! systemctl --user is-active --quiet {{.GatewayUnit}}; then
    echo "Declarative start did not take effect, starting the gateway manually..."
    openclaw gateway start
fi

systemctl --user is-active --quiet {{.GatewayUnit}} || fail "gateway service did not become active; inspect 'journalctl --user -u {{.GatewayUnit}}'"

echo "Running self-diagnostic..."
openclaw doctor --repair --non-interactive

echo ""
echo "OpenClaw is up. The gateway listens on 127.0.0.1:{{.GatewayPort}}."
echo "Useful commands:"
echo "  openclaw status          # overall health"
echo "  systemctl --user status {{.GatewayUnit}}"
echo "  journalctl --user -u {{.GatewayUnit}} -f"

rm -- "$0"
`

var tmpl = template.Must(template.New("finalize").Parse(scriptTemplate))

// Render produces the script body for the given parameters.
func Render(p Params) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return nil, cerr.Wrap(err, "render finalize script")
	}
	if err := checkSyntax(buf.Bytes()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// checkSyntax parses the rendered script as bash; a template regression must
// fail here, not on the operator's first run.
func checkSyntax(script []byte) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	if _, err := parser.Parse(bytes.NewReader(script), shared.FinalizeScriptName); err != nil {
		return cerr.Wrap(err, "generated finalize script failed bash syntax check")
	}
	return nil
}

// Path returns the artifact location in the service identity's home.
func Path(home string) string {
	return filepath.Join(home, shared.FinalizeScriptName)
}

// Emit writes the artifact, owned by the service identity, executable by it
// only. Re-running regenerates an equivalent artifact in place; no cleanup
// of a stale one is ever needed.
func Emit(rc *harpy_io.RuntimeContext, p Params) (string, error) {
	log := otelzap.Ctx(rc.Ctx)

	script, err := Render(p)
	if err != nil {
		return "", err
	}

	path := Path(p.Home)
	if err := os.WriteFile(path, script, 0o750); err != nil {
		return "", cerr.Wrapf(err, "write finalize script %s", path)
	}
	if p.Uid >= 0 {
		if err := os.Chown(path, p.Uid, p.Gid); err != nil {
			return "", cerr.Wrapf(err, "chown finalize script to %s", p.User)
		}
	}

	log.Info("📜 Finalize script written",
		zap.String("path", path),
		zap.String("owner", p.User))
	return path, nil
}

// UpToDate reports whether the artifact on disk already matches what Emit
// would write, making the handoff phase idempotent.
func UpToDate(p Params) bool {
	existing, err := os.ReadFile(Path(p.Home))
	if err != nil {
		return false
	}
	want, err := Render(p)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(existing)) == strings.TrimSpace(string(want))
}
