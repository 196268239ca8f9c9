// Package telemetry wires OpenTelemetry tracing for session commands.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"viralsandbox/internal/config"
)

const defaultServiceName = "sandboxctl"

// Setup initialises OpenTelemetry tracing.
//
// Tracing is opt-in: when the endpoint is empty or telemetry is disabled,
// Setup returns a no-op shutdown function and no global provider is
// registered.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, cfg config.TelemetrySettings) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Active() {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.Endpoint),
	)
	if err != nil {
		return noop, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Module runs Setup when a lab starts and flushes spans when it stops.
type Module struct {
	cfg config.TelemetrySettings

	mu       sync.Mutex
	shutdown func(context.Context) error
}

func NewModule(cfg config.TelemetrySettings) *Module {
	return &Module{cfg: cfg}
}

func (m *Module) Name() string { return "telemetry" }

func (m *Module) Start(ctx context.Context) error {
	shutdown, err := Setup(ctx, m.cfg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.shutdown = shutdown
	m.mu.Unlock()
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	shutdown := m.shutdown
	m.shutdown = nil
	m.mu.Unlock()
	if shutdown == nil {
		return nil
	}
	return shutdown(ctx)
}
