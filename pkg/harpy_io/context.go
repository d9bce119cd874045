// pkg/harpy_io/context.go

package harpy_io

import (
	"context"
	"os"
	"os/user"
	"runtime"
	"strings"
	"time"

	cerr "github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_err"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/logger"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/shared"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/telemetry"
)

// RuntimeContext threads the trace span, logger and command metadata through
// every phase of a provisioning run.
type RuntimeContext struct {
	Ctx        context.Context
	Log        *zap.Logger
	Span       trace.Span
	Timestamp  time.Time
	Command    string
	Component  string
	Attributes map[string]string
}

// NewContext sets up tracing and a command-scoped logger.
func NewContext(ctx context.Context, cmdName string) *RuntimeContext {
	ctx, span := telemetry.Start(ctx, cmdName)
	traceID := span.SpanContext().TraceID().String()

	comp, action := resolveCallContext(3)
	log := zap.L().With(
		zap.String("component", comp),
		zap.String("action", action),
		zap.String("trace_id", traceID),
	).Named(comp)

	return &RuntimeContext{
		Ctx:        trace.ContextWithSpan(ctx, span),
		Span:       span,
		Log:        log,
		Timestamp:  time.Now(),
		Command:    cmdName,
		Component:  comp,
		Attributes: make(map[string]string),
	}
}

// HandlePanic recovers panics, logs them, and converts to an error.
func (rc *RuntimeContext) HandlePanic(errPtr *error) {
	if r := recover(); r != nil {
		*errPtr = cerr.AssertionFailedf("panic: %v", r)
		rc.Log.Error("Panic recovered", zap.Any("panic", r))
	}
}

// End logs outcome, emits a final telemetry span, and flushes.
func (rc *RuntimeContext) End(errPtr *error) {
	defer rc.Span.End()

	duration := time.Since(rc.Timestamp)
	success := *errPtr == nil

	if success {
		rc.Log.Info("Command completed", zap.Duration("duration", duration))
	} else {
		rc.Log.Error("Command failed", zap.Duration("duration", duration), zap.Error(*errPtr))
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
		attribute.Int64("duration_ms", duration.Milliseconds()),
		attribute.String("os", runtime.GOOS),
		attribute.String("args", strings.Join(os.Args[1:], " ")),
		attribute.String("version", shared.Version),
		attribute.String("error_type", classifyError(*errPtr)),
	}
	_, span := telemetry.Start(rc.Ctx, rc.Command, attrs...)
	span.End()

	if err := logger.Sync(); err != nil {
		rc.Log.Warn("Log flush failed", zap.Error(err))
	}
}

// LogRuntimeExecutionContext records who we are running as; provisioning
// behaves very differently at uid 0 and this shows up in every bug report.
func (rc *RuntimeContext) LogRuntimeExecutionContext() {
	if u, err := user.Current(); err == nil {
		rc.Log.Info("User context",
			zap.String("username", u.Username),
			zap.String("uid", u.Uid),
			zap.String("home", u.HomeDir),
			zap.Int("effective_uid", os.Geteuid()),
		)
	}
	if exe, err := os.Executable(); err == nil {
		rc.Log.Info("Executable path", zap.String("path", exe))
	}
}

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	if harpy_err.IsExpectedUserError(err) {
		return "user"
	}
	return "system"
}

func resolveCallContext(skip int) (component, action string) {
	pc, file, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown", "unknown"
	}
	parts := strings.Split(file, "/")
	if len(parts) >= 2 {
		component = parts[len(parts)-2]
	} else {
		component = strings.TrimSuffix(parts[0], ".go")
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		fields := strings.Split(fn.Name(), ".")
		action = fields[len(fields)-1]
	} else {
		action = "unknown"
	}
	return component, action
}
