// Package tracing bootstraps the process-wide OpenTelemetry tracer
// provider used by every span in this module.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/quay/zlog"
)

var closers []func(context.Context) error

// Bootstrap installs the global tracer provider. When enabled is false, a
// provider with an always-off sampler is installed instead: spans are
// still created so instrumented code never needs a nil check, but nothing
// is exported.
func Bootstrap(ctx context.Context, enabled bool, collectorEndpoint string) error {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName("latexd")))
	if err != nil {
		return fmt.Errorf("tracing: building resource: %w", err)
	}

	if !enabled {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.NeverSample()),
		)
		otel.SetTracerProvider(tp)
		closers = append(closers, tp.Shutdown)
		zlog.Info(ctx).Msg("tracing is disabled")
		return nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(collectorEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return fmt.Errorf("tracing: constructing otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	closers = append(closers, tp.Shutdown)
	zlog.Info(ctx).Str("endpoint", collectorEndpoint).Msg("tracing is enabled with the OTLP exporter")
	return nil
}

// GetTracer returns the named tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name, trace.WithSchemaURL(semconv.SchemaURL))
}

// Close shuts down every tracer provider Bootstrap installed, flushing
// any buffered spans.
func Close(ctx context.Context) {
	for _, c := range closers {
		if err := c(ctx); err != nil {
			zlog.Error(ctx).Err(err).Msg("failed to shut down tracer provider")
		}
	}
}

// HandleError marks span as failed and records err, if non-nil. It
// returns err unchanged so it can be used in a return statement.
func HandleError(err error, span trace.Span) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
