package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracer = "channel-warden"

var tracingEnabled atomic.Bool

// TracingConfig is read from the standard OTEL_* variables.
type TracingConfig struct {
	Endpoint string
	Insecure bool
	// SampleRatio is the fraction of root spans kept, in [0, 1].
	SampleRatio float64
}

// TracingConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_INSECURE
// (default true, the collector usually runs next to the daemon) and
// OTEL_TRACES_SAMPLER_ARG (default 1).
func TracingConfigFromEnv() (TracingConfig, error) {
	cfg := TracingConfig{
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    true,
		SampleRatio: 1,
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE %q", v)
		}
		cfg.Insecure = b
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return cfg, fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG %q (want 0..1)", v)
		}
		cfg.SampleRatio = f
	}
	return cfg, nil
}

// InitTracing installs an OTLP/gRPC tracer provider. Without an endpoint
// tracing stays a no-op and the returned shutdown does nothing.
func InitTracing(serviceName, serviceVersion string) (func(), error) {
	cfg, err := TracingConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	tracingEnabled.Store(true)
	slog.Info("tracing initialized",
		slog.String("service", serviceName),
		slog.String("endpoint", cfg.Endpoint),
		slog.Float64("sample_ratio", cfg.SampleRatio))

	return func() {
		tracingEnabled.Store(false)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.Any("err", err))
		}
	}, nil
}

// IsTracingEnabled returns whether an exporter is installed.
func IsTracingEnabled() bool {
	return tracingEnabled.Load()
}

// traceAttrs returns the trace and span ids of ctx for log correlation.
func traceAttrs(ctx context.Context) []any {
	if !IsTracingEnabled() {
		return nil
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []any{slog.String("trace_id", sc.TraceID().String()), slog.String("span_id", sc.SpanID().String())}
}

// StartSpan starts a span tagged with the correlation id of ctx.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records err on span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// EndSpan records err (if any) and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		SetSpanSuccess(span)
	}
	span.End()
}

// HTTPMethodAttr, HTTPRouteAttr and HTTPURLAttr build the request attributes
// recorded on server spans.
func HTTPMethodAttr(method string) attribute.KeyValue { return attribute.String("http.method", method) }
func HTTPRouteAttr(route string) attribute.KeyValue   { return attribute.String("http.route", route) }
func HTTPURLAttr(url string) attribute.KeyValue       { return attribute.String("http.url", url) }

// SetSpanHTTPStatus records the response status on span.
func SetSpanHTTPStatus(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.status_code", status))
}

// ErrorStatus returns the span status used for failed requests.
func ErrorStatus(msg string) (codes.Code, string) { return codes.Error, msg }

// StartCycleSpan starts the span wrapping one poll cycle attempt.
func StartCycleSpan(ctx context.Context, attempt, channels int) (context.Context, trace.Span) {
	return StartSpan(ctx, defaultTracer, "monitor.cycle",
		attribute.Int("cycle.attempt", attempt),
		attribute.Int("cycle.channels", channels))
}

// StartBridgeSpan starts the span wrapping one request to the extension.
func StartBridgeSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return StartSpan(ctx, defaultTracer, "bridge."+method,
		attribute.String("bridge.method", method))
}

// StartArtifactSpan starts the span wrapping a tab or window open or close.
func StartArtifactSpan(ctx context.Context, op, channel string) (context.Context, trace.Span) {
	return StartSpan(ctx, defaultTracer, "registry."+op,
		attribute.String("artifact.op", op),
		attribute.String("channel", channel))
}
