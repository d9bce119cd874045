// pkg/execute/runner.go

package execute

import (
	"context"
	"sort"
	"strings"
)

// Runner abstracts command execution so collaborators can be exercised
// against fakes in tests. The real implementation delegates to Run.
type Runner interface {
	Run(ctx context.Context, opts Options) (string, error)
}

type realRunner struct{}

func (realRunner) Run(ctx context.Context, opts Options) (string, error) {
	return Run(ctx, opts)
}

// Default is the process-wide real runner.
var Default Runner = realRunner{}

// AsUser rewrites an invocation to run under another identity through sudo,
// passing through only the explicitly whitelisted environment values. The
// values stay in the process environment: sudo is told which names to
// preserve, so no value (in particular no credential) ever appears in argv
// where the process table would expose it. The privileged caller's own
// environment never crosses the boundary.
func AsUser(username string, opts Options, env map[string]string) Options {
	args := []string{"-u", username, "-H", "--non-interactive"}

	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		args = append(args, "--preserve-env="+strings.Join(keys, ","))
	}

	args = append(args, opts.Command)
	args = append(args, opts.Args...)

	out := opts
	out.Command = "sudo"
	out.Args = args
	out.Env = env
	return out
}
