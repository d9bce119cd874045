// pkg/testutil/runner.go

// Package testutil provides fakes for exercising collaborators without
// touching the host.
package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
)

// RC builds a RuntimeContext with quiet logging for tests.
func RC(t *testing.T) *harpy_io.RuntimeContext {
	t.Helper()
	otelzap.ReplaceGlobals(otelzap.New(zap.NewNop()))
	return harpy_io.NewContext(context.Background(), t.Name())
}

// FakeRunner records every invocation and answers from a handler.
type FakeRunner struct {
	mu    sync.Mutex
	calls []execute.Options

	// Handler scripts responses; nil means every command succeeds with
	// empty output.
	Handler func(opts execute.Options) (string, error)
}

func (f *FakeRunner) Run(ctx context.Context, opts execute.Options) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	if f.Handler != nil {
		return f.Handler(opts)
	}
	return "", nil
}

// Calls returns a copy of everything run so far.
func (f *FakeRunner) Calls() []execute.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execute.Options(nil), f.calls...)
}

// CommandLines renders each call as a single string for assertions.
func (f *FakeRunner) CommandLines() []string {
	var lines []string
	for _, c := range f.Calls() {
		lines = append(lines, strings.Join(append([]string{c.Command}, c.Args...), " "))
	}
	return lines
}

// Saw reports whether any recorded command line contains substr.
func (f *FakeRunner) Saw(substr string) bool {
	for _, line := range f.CommandLines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
