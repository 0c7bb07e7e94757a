// Package telemetry wires OpenTelemetry tracing and metrics, adapted
// from the teacher framework's much larger telemetry package down to a
// tracer/meter provider pair and a small set of named spans/counters.
// The binary connects it to the orchestrator through a tracer adapter;
// no other component calls it.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the tracer and meter used across the engine.
type Provider struct {
	tracer   trace.Tracer
	meter    metric.Meter
	tp       *sdktrace.TracerProvider
	counters map[string]metric.Int64Counter
}

// Config controls exporter wiring.
type Config struct {
	ServiceName string
	OTLPEndpoint string
	Insecure     bool
}

// New builds a Provider exporting spans over OTLP/HTTP to cfg.OTLPEndpoint.
// If OTLPEndpoint is empty, spans are recorded but never exported, which
// is adequate for local development and tests.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []sdktrace.TracerProviderOption

	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &Provider{
		tracer:   tp.Tracer(cfg.ServiceName),
		meter:    otel.Meter(cfg.ServiceName),
		tp:       tp,
		counters: make(map[string]metric.Int64Counter),
	}, nil
}

// StartSpan starts a named span and returns the derived context plus an
// end function the caller defers.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func() { span.End() }
}

// RecordError marks the current span (if any) as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Counter increments a named counter by one, creating it on first use.
func (p *Provider) Counter(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	c, ok := p.counters[name]
	if !ok {
		var err error
		c, err = p.meter.Int64Counter(name)
		if err != nil {
			return
		}
		p.counters[name] = c
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Duration records how long since start as a span attribute, used for
// lightweight ad-hoc timing without a dedicated histogram per call site.
func Duration(ctx context.Context, start time.Time) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
}

// Shutdown flushes and closes the underlying tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
