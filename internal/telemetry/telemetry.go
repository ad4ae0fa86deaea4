// Package telemetry wires OpenTelemetry tracing and metrics for crawlord.
//
// Both exporters are optional: if the collector endpoint cannot be reached
// at startup the corresponding provider falls back to a no-op and the
// process continues — telemetry never gates availability.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// ShutdownFunc flushes and closes an exporter.
type ShutdownFunc func(context.Context) error

// Instruments holds the counters/histograms shared across components.
type Instruments struct {
	DispatchTickDuration metric.Float64Histogram
	TasksDispatched       metric.Int64Counter
	RecurrenceMaterialized metric.Int64Counter
	ProxyAcquireLatency   metric.Float64Histogram
	BrokerPublishFailures metric.Int64Counter
}

// InitTracer configures a global tracer provider with an OTLP gRPC exporter.
func InitTracer(ctx context.Context, service string) ShutdownFunc {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", endpoint)
	return tp.Shutdown
}

// InitMetrics configures a global meter provider with an OTLP gRPC exporter
// and returns the shared instrument set.
func InitMetrics(ctx context.Context, service string) (ShutdownFunc, Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, newInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, newInstruments()
}

func newInstruments() Instruments {
	meter := otel.Meter("crawlord")
	tickDur, _ := meter.Float64Histogram("crawlord_dispatch_tick_duration_ms")
	dispatched, _ := meter.Int64Counter("crawlord_tasks_dispatched_total")
	recurrence, _ := meter.Int64Counter("crawlord_recurrence_materialized_total")
	proxyLatency, _ := meter.Float64Histogram("crawlord_proxy_acquire_latency_ms")
	brokerFail, _ := meter.Int64Counter("crawlord_broker_publish_failures_total")
	return Instruments{
		DispatchTickDuration:   tickDur,
		TasksDispatched:        dispatched,
		RecurrenceMaterialized: recurrence,
		ProxyAcquireLatency:    proxyLatency,
		BrokerPublishFailures:  brokerFail,
	}
}

// WithSpan starts a named span on the crawlord tracer.
func WithSpan(ctx context.Context, name string) (context.Context, func()) {
	tr := otel.Tracer("crawlord")
	ctx, span := tr.Start(ctx, name)
	return ctx, func() { span.End() }
}

// Flush runs shutdown with a bounded timeout, swallowing errors (best-effort on process exit).
func Flush(ctx context.Context, shutdown ShutdownFunc) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
