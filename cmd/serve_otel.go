//go:build otel

package cmd

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/twinclawhq/twinclaw/internal/config"
)

// initTelemetry wires the OTLP trace exporter behind the global tracer
// provider. Spans are recorded throughout the runtime unconditionally; they
// only leave the process when this build tag is on and telemetry.enabled is
// set. Returns nil when telemetry stays off.
func initTelemetry(ctx context.Context, cfg *config.Config) func() {
	t := cfg.Telemetry
	if !t.Enabled {
		return nil
	}

	name := t.ServiceName
	if name == "" {
		name = "twinclaw"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(Version),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		slog.Warn("telemetry resource init failed, tracing disabled", "error", err)
		return nil
	}

	exp, err := newTraceExporter(ctx, t)
	if err != nil {
		slog.Warn("telemetry exporter init failed, tracing disabled", "error", err)
		return nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("telemetry enabled", "service", name, "protocol", protocolName(t.Protocol), "endpoint", t.Endpoint)

	return func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}
}

// newTraceExporter builds the OTLP exporter for the configured protocol.
// Endpoint and headers left empty fall through to the standard OTEL env vars.
func newTraceExporter(ctx context.Context, t config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	if protocolName(t.Protocol) == "http" {
		var opts []otlptracehttp.Option
		if t.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(t.Endpoint))
		}
		if t.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(t.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(t.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	var opts []otlptracegrpc.Option
	if t.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(t.Endpoint))
	}
	if t.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(t.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(t.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func protocolName(p string) string {
	if p == "http" {
		return "http"
	}
	return "grpc"
}
