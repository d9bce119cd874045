// pkg/execute/execute.go

package execute

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/telemetry"
)

// Options describes a single external tool invocation. Shell execution is
// not supported: arguments are always passed as a vector, never joined into
// a shell string.
type Options struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string // appended to the inherited environment
	Stdin   string
	Timeout time.Duration
	Retries int
	DryRun  bool
}

// DefaultDryRun forces dry-run behavior process-wide, set from the CLI flag.
var DefaultDryRun bool

// Run executes a command, captures combined output, and returns it. The
// context bounds the whole invocation including retries.
func Run(ctx context.Context, opts Options) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := otelzap.Ctx(ctx)
	cmdStr := buildCommandString(opts.Command, opts.Args...)

	runCtx, cancel := context.WithTimeout(ctx, defaultTimeout(opts.Timeout))
	defer cancel()

	runCtx, span := telemetry.Start(runCtx, "execute.Run",
		attribute.String("command", opts.Command),
		attribute.String("args", strings.Join(opts.Args, " ")),
	)
	defer span.End()

	if opts.DryRun || DefaultDryRun {
		log.Info("Dry run, command not executed", zap.String("command", cmdStr))
		return "", nil
	}

	log.Debug("Starting execution", zap.String("command", cmdStr))

	var output string
	var err error
	for attempt := 1; attempt <= max(1, opts.Retries); attempt++ {
		cmd := exec.CommandContext(runCtx, opts.Command, opts.Args...)
		if opts.Dir != "" {
			cmd.Dir = opts.Dir
		}
		if len(opts.Env) > 0 {
			cmd.Env = append(cmd.Environ(), flattenEnv(opts.Env)...)
		}
		if opts.Stdin != "" {
			cmd.Stdin = strings.NewReader(opts.Stdin)
		}

		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf

		err = cmd.Run()
		output = buf.String()

		if err == nil {
			log.Debug("Execution succeeded", zap.String("command", cmdStr))
			break
		}
		log.Warn("Execution failed",
			zap.String("command", cmdStr),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < max(1, opts.Retries) {
			time.Sleep(time.Second)
		}
	}

	if err != nil {
		return output, cerr.Wrapf(err, "command %q failed", cmdStr)
	}
	return output, nil
}

// RunSimple executes a command discarding output, for fire-and-forget steps.
func RunSimple(ctx context.Context, command string, args ...string) error {
	_, err := Run(ctx, Options{Command: command, Args: args})
	return err
}

// ExitCode extracts the process exit code from a Run error, or -1 when the
// command never ran.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if cerr.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func defaultTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	// apt upgrades on a fresh host routinely run for minutes.
	return 15 * time.Minute
}

func buildCommandString(command string, args ...string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}
