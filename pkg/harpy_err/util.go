// pkg/harpy_err/util.go

package harpy_err

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// UserError marks failures caused by the operator's environment or input
// (missing credential, not running as root, missing tool) rather than by
// harpy itself. They get one clean diagnostic line instead of a stack trace,
// but still exit non-zero: a precondition failure is a failed provisioning.
type UserError struct {
	cause error
}

func (e *UserError) Error() string {
	return e.cause.Error()
}

func (e *UserError) Unwrap() error {
	return e.cause
}

// NewExpectedError wraps an error for softer UX handling.
func NewExpectedError(err error) error {
	if err == nil {
		return nil
	}
	return &UserError{cause: err}
}

// IsExpectedUserError checks if the error is marked as expected.
func IsExpectedUserError(err error) bool {
	var e *UserError
	return errors.As(err, &e)
}

// ExtractSummary pulls a concise failure summary out of raw tool output.
func ExtractSummary(output string, maxCandidates int) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "No output provided."
	}

	var candidates []string
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") ||
			strings.Contains(lower, "failed") ||
			strings.Contains(lower, "cannot") ||
			strings.Contains(lower, "fatal") ||
			strings.Contains(lower, "denied") ||
			strings.Contains(lower, "timeout") {
			candidates = append(candidates, line)
		}
	}

	if len(candidates) > 0 {
		if len(candidates) > maxCandidates {
			candidates = candidates[:maxCandidates]
		}
		return strings.Join(candidates, " - ")
	}

	for _, line := range strings.Split(trimmed, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "Unknown error."
}

// PrintError prints a human-readable error message without exiting.
func PrintError(userMessage string, err error) {
	if err == nil {
		return
	}
	if IsExpectedUserError(err) {
		zap.L().Warn(userMessage, zap.Error(err))
		fmt.Fprintf(os.Stderr, "⚠️  %s: %v\n", userMessage, err)
	} else {
		zap.L().Error(userMessage, zap.Error(err))
		fmt.Fprintf(os.Stderr, "❌ Error: %s: %v\n", userMessage, err)
	}
}
