// pkg/harpy_cli/wrap.go

package harpy_cli

import (
	"context"

	cerr "github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_err"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
)

// Wrap adapts a harpy command handler into a cobra RunE, providing the
// RuntimeContext, panic recovery, and uniform error classification.
func Wrap(fn func(rc *harpy_io.RuntimeContext, cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		rc := harpy_io.NewContext(context.Background(), cmd.Name())
		defer rc.End(&err)

		defer func() {
			if r := recover(); r != nil {
				err = cerr.AssertionFailedf("panic: %v", r)
				rc.Log.Error("Panic recovered", zap.Any("panic", r))
			}
		}()

		rc.LogRuntimeExecutionContext()

		// Flag names only; values may be paths an operator considers private.
		cmd.Flags().Visit(func(f *pflag.Flag) {
			rc.Log.Debug("Flag set explicitly", zap.String("flag", f.Name))
		})

		err = fn(rc, cmd, args)
		if err != nil && !harpy_err.IsExpectedUserError(err) {
			err = cerr.WithStack(err)
		}
		return err
	}
}
