// pkg/users/users.go

// Package users manages the restricted service identity: creation with a
// home directory and shell, group membership, passwordless sudo, lingering
// background session, and password state.
package users

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
)

// Manager performs identity operations through a Runner.
type Manager struct {
	runner execute.Runner

	// SudoersDir and LingerDir are overridable for tests.
	SudoersDir string
	LingerDir  string
}

func NewManager(r execute.Runner) *Manager {
	if r == nil {
		r = execute.Default
	}
	return &Manager{
		runner:     r,
		SudoersDir: "/etc/sudoers.d",
		LingerDir:  "/var/lib/systemd/linger",
	}
}

// Exists reports whether the named account is present.
func (m *Manager) Exists(rc *harpy_io.RuntimeContext, username string) bool {
	_, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "id",
		Args:    []string{"-u", username},
	})
	return err == nil
}

// Create adds the account with a home directory and bash shell. Reuses an
// existing account rather than failing.
func (m *Manager) Create(rc *harpy_io.RuntimeContext, username string) error {
	log := otelzap.Ctx(rc.Ctx)
	if m.Exists(rc, username) {
		log.Info("👤 Service user already exists, reusing", zap.String("username", username))
		return nil
	}
	log.Info("👤 Creating service user", zap.String("username", username))
	if _, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "useradd",
		Args:    []string{"-m", "-s", "/bin/bash", username},
	}); err != nil {
		return cerr.Wrapf(err, "useradd %s", username)
	}
	return nil
}

// AddToGroup appends the user to a supplementary group.
func (m *Manager) AddToGroup(rc *harpy_io.RuntimeContext, username, group string) error {
	if _, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "usermod",
		Args:    []string{"-aG", group, username},
	}); err != nil {
		return cerr.Wrapf(err, "usermod -aG %s %s", group, username)
	}
	return nil
}

// InGroup reports whether the user is already a member of the group.
func (m *Manager) InGroup(rc *harpy_io.RuntimeContext, username, group string) bool {
	out, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "id",
		Args:    []string{"-nG", username},
	})
	if err != nil {
		return false
	}
	for _, g := range strings.Fields(out) {
		if g == group {
			return true
		}
	}
	return false
}

// SudoersPath is where GrantPasswordlessSudo drops its fragment.
func (m *Manager) SudoersPath(username string) string {
	return filepath.Join(m.SudoersDir, "90-harpy-"+username)
}

// GrantPasswordlessSudo writes a sudoers.d fragment and validates it with
// visudo before it can lock anyone out.
func (m *Manager) GrantPasswordlessSudo(rc *harpy_io.RuntimeContext, username string) error {
	log := otelzap.Ctx(rc.Ctx)
	path := m.SudoersPath(username)
	content := fmt.Sprintf("%s ALL=(ALL) NOPASSWD:ALL\n", username)

	if existing, err := os.ReadFile(path); err == nil && string(existing) == content {
		log.Debug("Sudoers fragment already present", zap.String("path", path))
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o440); err != nil {
		return cerr.Wrapf(err, "write sudoers fragment %s", tmp)
	}
	if _, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "visudo",
		Args:    []string{"-cf", tmp},
	}); err != nil {
		os.Remove(tmp)
		return cerr.Wrap(err, "visudo rejected sudoers fragment")
	}
	if err := os.Rename(tmp, path); err != nil {
		return cerr.Wrapf(err, "install sudoers fragment %s", path)
	}
	log.Info("🔑 Granted passwordless sudo", zap.String("username", username), zap.String("path", path))
	return nil
}

// HasPasswordlessSudo reports whether the fragment is installed.
func (m *Manager) HasPasswordlessSudo(username string) bool {
	_, err := os.Stat(m.SudoersPath(username))
	return err == nil
}

// EnableLinger lets the user's systemd instance run without an open session,
// which the gateway service needs to survive logout.
func (m *Manager) EnableLinger(rc *harpy_io.RuntimeContext, username string) error {
	if _, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "loginctl",
		Args:    []string{"enable-linger", username},
	}); err != nil {
		return cerr.Wrapf(err, "loginctl enable-linger %s", username)
	}
	return nil
}

// LingerEnabled checks the systemd linger flag file.
func (m *Manager) LingerEnabled(username string) bool {
	_, err := os.Stat(filepath.Join(m.LingerDir, username))
	return err == nil
}

// PasswordIsSet inspects `passwd -S` output; field two is P for a usable
// password, L for locked, NP for none.
func (m *Manager) PasswordIsSet(rc *harpy_io.RuntimeContext, username string) bool {
	out, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "passwd",
		Args:    []string{"-S", username},
	})
	if err != nil {
		return false
	}
	fields := strings.Fields(out)
	return len(fields) >= 2 && fields[1] == "P"
}

// SetRandomPassword assigns a random password via chpasswd. Callers must
// check PasswordIsSet first so an operator-chosen password is never
// clobbered on a re-run.
func (m *Manager) SetRandomPassword(rc *harpy_io.RuntimeContext, username string) error {
	pw, err := randomPassword(24)
	if err != nil {
		return err
	}
	if _, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "chpasswd",
		Stdin:   fmt.Sprintf("%s:%s", username, pw),
	}); err != nil {
		return cerr.Wrapf(err, "chpasswd for %s", username)
	}
	otelzap.Ctx(rc.Ctx).Info("🔐 Set random password for service user",
		zap.String("username", username))
	return nil
}

// HomeDir resolves the account's home directory from the passwd database.
func (m *Manager) HomeDir(rc *harpy_io.RuntimeContext, username string) (string, error) {
	out, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "getent",
		Args:    []string{"passwd", username},
	})
	if err != nil {
		return "", cerr.Wrapf(err, "getent passwd %s", username)
	}
	fields := strings.Split(strings.TrimSpace(out), ":")
	if len(fields) < 6 || fields[5] == "" {
		return "", cerr.Newf("malformed passwd entry for %s: %q", username, strings.TrimSpace(out))
	}
	return fields[5], nil
}

// UID resolves numeric ids for chown of artifacts the service identity
// must own.
func (m *Manager) UID(rc *harpy_io.RuntimeContext, username string) (int, int, error) {
	uid, err := m.numericID(rc, "-u", username)
	if err != nil {
		return 0, 0, err
	}
	gid, err := m.numericID(rc, "-g", username)
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

func (m *Manager) numericID(rc *harpy_io.RuntimeContext, flag, username string) (int, error) {
	out, err := m.runner.Run(rc.Ctx, execute.Options{
		Command: "id",
		Args:    []string{flag, username},
	})
	if err != nil {
		return 0, cerr.Wrapf(err, "id %s %s", flag, username)
	}
	id, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, cerr.Wrapf(err, "parse id output %q", strings.TrimSpace(out))
	}
	return id, nil
}

func randomPassword(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", cerr.Wrap(err, "generate random password")
	}
	return base64.RawURLEncoding.EncodeToString(raw)[:n], nil
}
