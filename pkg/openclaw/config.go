// pkg/openclaw/config.go

package openclaw

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	cerr "github.com/cockroachdb/errors"
	"github.com/tidwall/jsonc"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
)

// ErrUnknownKeys marks an existing config whose structure we do not
// recognize. OpenClaw refuses to start on unknown keys, so harpy must never
// write its own keys into a structure it cannot fully account for.
var ErrUnknownKeys = cerr.New("existing openclaw.json contains keys harpy does not manage")

// Config is the subset of openclaw.json harpy manages. Only keys known to
// be valid downstream are ever emitted.
type Config struct {
	Auth    AuthConfig    `json:"auth"`
	Agents  AgentsConfig  `json:"agents"`
	Gateway GatewayConfig `json:"gateway"`
}

type AuthConfig struct {
	AnthropicAPIKey string `json:"anthropicApiKey"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Model         string `json:"model"`
	FallbackModel string `json:"fallbackModel,omitempty"`
}

type GatewayConfig struct {
	Mode string `json:"mode"`
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

// ConfigPath returns the fixed config location under the service identity's
// home directory.
func ConfigPath(home string) string {
	return filepath.Join(home, ".openclaw", "openclaw.json")
}

// LoadConfig reads an existing config tolerantly: OpenClaw's own tooling
// writes comments and trailing commas, so the file is JSONC, not strict
// JSON. Unknown keys yield ErrUnknownKeys rather than a silent merge.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	plain := jsonc.ToJSON(data)
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, cerr.WithDetail(ErrUnknownKeys, err.Error())
	}
	return &cfg, nil
}

// WriteConfig emits the config as plain JSON, 0600, under a 0700 .openclaw
// directory. When owner is non-empty and we run as root, ownership is
// transferred to the service identity.
func WriteConfig(rc *harpy_io.RuntimeContext, path string, cfg *Config, uid, gid int) error {
	log := otelzap.Ctx(rc.Ctx)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return cerr.Wrapf(err, "create config directory %s", dir)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return cerr.Wrap(err, "marshal openclaw config")
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return cerr.Wrapf(err, "write openclaw config %s", path)
	}

	if uid >= 0 {
		for _, p := range []string{dir, path} {
			if err := os.Chown(p, uid, gid); err != nil {
				return cerr.Wrapf(err, "chown %s to service identity", p)
			}
		}
	}

	log.Info("📝 Wrote openclaw config", zap.String("path", path))
	return nil
}

// ConfigSatisfied reports whether an existing config already carries the
// supplied credential and model. Unreadable or unrecognized configs are not
// satisfied; the caller decides whether that is fatal.
func ConfigSatisfied(path, apiKey, model string) bool {
	cfg, err := LoadConfig(path)
	if err != nil {
		return false
	}
	return cfg.Auth.AnthropicAPIKey == apiKey && cfg.Agents.Defaults.Model == model
}
