// pkg/provision/profile.go

package provision

// Profile is the optional YAML parameter file accepted by --profile. It
// never carries the credential: secrets stay in the environment.
type Profile struct {
	Model         string `yaml:"model"`
	FallbackModel string `yaml:"fallback_model"`
	User          string `yaml:"user"`
	SSHPort       int    `yaml:"ssh_port"`
	GatewayPort   int    `yaml:"gateway_port"`
}

// ApplyTo overlays the profile's non-zero values onto a context.
func (p *Profile) ApplyTo(e *ExecutionContext) {
	if p.Model != "" {
		e.Model = p.Model
	}
	if p.FallbackModel != "" {
		e.FallbackModel = p.FallbackModel
	}
	if p.User != "" {
		e.Username = p.User
	}
	if p.SSHPort > 0 {
		e.SSHPort = p.SSHPort
	}
	if p.GatewayPort > 0 {
		e.GatewayPort = p.GatewayPort
	}
}
