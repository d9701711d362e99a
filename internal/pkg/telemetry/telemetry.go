// Package telemetry provides OpenTelemetry tracing and metrics, both are no-op by default.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	metricNoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/keboola/keboola-shardjob"

type Telemetry interface {
	Tracer() Tracer
	Meter() Meter
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider
}

type Tracer interface {
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, Span)
}

type telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         Tracer
	meter          Meter
}

type tracer struct {
	tracer trace.Tracer
}

func New(tracerProvider trace.TracerProvider, meterProvider metric.MeterProvider) Telemetry {
	if tracerProvider == nil {
		tracerProvider = traceNoop.NewTracerProvider()
	}
	if meterProvider == nil {
		meterProvider = metricNoop.NewMeterProvider()
	}
	return &telemetry{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         &tracer{tracer: tracerProvider.Tracer(instrumentationName)},
		meter:          &meter{meter: meterProvider.Meter(instrumentationName)},
	}
}

func NewNop() Telemetry {
	return New(nil, nil)
}

func (t *telemetry) Tracer() Tracer {
	return t.tracer
}

func (t *telemetry) Meter() Meter {
	return t.meter
}

func (t *telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

func (t *telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

func (t *tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, s := t.tracer.Start(ctx, spanName, opts...)
	return ctx, &span{Span: s}
}
