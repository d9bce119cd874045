// pkg/telemetry/telemetry.go

package telemetry

import (
	"context"
	"os"
	"path/filepath"

	cerr "github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/shared"
)

var tracer trace.Tracer

// Init configures OpenTelemetry; call this early in main(). Spans land in a
// local JSONL file, never a network endpoint.
func Init(service string) error {
	if !enabled() {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		tracer = tp.Tracer(service)
		return nil
	}

	dir := shared.LogDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		dir = filepath.Join(os.Getenv("HOME"), ".harpy")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return cerr.Wrap(err, "create telemetry directory")
		}
	}

	file, err := os.OpenFile(filepath.Join(dir, "telemetry.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return cerr.Wrap(err, "open telemetry file")
	}

	exp, err := stdouttrace.New(
		stdouttrace.WithWriter(file),
		stdouttrace.WithoutTimestamps(),
	)
	if err != nil {
		file.Close()
		return cerr.Wrap(err, "create telemetry exporter")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(
			sdkresource.NewWithAttributes(
				semconv.SchemaURL,
				attribute.String("service.name", service),
				attribute.String("service.version", shared.Version),
				attribute.String("host.name", hostname()),
			),
		),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(service)
	return nil
}

// Start opens a span. Safe before Init: falls back to a noop tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("harpy")
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func enabled() bool {
	return os.Getenv("HARPY_TELEMETRY") == "1"
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
