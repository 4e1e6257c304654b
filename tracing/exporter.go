// Package tracing configures the OpenTelemetry tracer provider that traced
// database connections report to.
package tracing

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.14.0"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/xerrors"
)

// TracerOpts specifies which telemetry exporters should be configured.
type TracerOpts struct {
	// Default exports to an OTLP backend configured by environment variables.
	// See:
	// https://github.com/open-telemetry/opentelemetry-specification/blob/main/specification/protocol/exporter.md
	Default bool
	// Exporters are added as batched exporters, mostly for tests.
	Exporters []sdktrace.SpanExporter
}

type OtelTracerProvider interface {
	trace.TracerProvider
	Shutdown(context.Context) error
	ForceFlush(context.Context) error
}

// TracerProvider configures the global tracer provider. The returned function
// flushes pending spans and must be called before exit.
func TracerProvider(ctx context.Context, service string, opts TracerOpts) (OtelTracerProvider, func(context.Context) error, error) {
	var (
		closers   = []func(context.Context) error{}
		res       = resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(service))
		providers = []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	)
	if opts.Default {
		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithInsecure()))
		if err != nil {
			return nil, nil, xerrors.Errorf("create otlp exporter: %w", err)
		}
		closers = append(closers, exporter.Shutdown)
		providers = append(providers, sdktrace.WithBatcher(exporter))
	}
	for _, exporter := range opts.Exporters {
		providers = append(providers, sdktrace.WithBatcher(exporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(providers...)

	otel.SetTracerProvider(tracerProvider)
	// Ignore otel errors!
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(error) {}))
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	otel.SetLogger(logr.Discard())

	return tracerProvider, func(ctx context.Context) error {
		var merr error
		if err := tracerProvider.ForceFlush(ctx); err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("tracerProvider.ForceFlush(): %w", err))
		}
		for i, closer := range closers {
			if err := closer(ctx); err != nil {
				merr = multierror.Append(merr, xerrors.Errorf("closer() %d: %w", i, err))
			}
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("tracerProvider.Shutdown(): %w", err))
		}
		return merr
	}, nil
}
