package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkMetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdkTrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type ForTest interface {
	Telemetry
	// CounterValues returns sum of all data points of each int64 counter.
	CounterValues(t *testing.T) map[string]int64
	// SpanNames returns names of all ended spans, in the order they ended.
	SpanNames() []string
}

type forTest struct {
	Telemetry
	reader *sdkMetric.ManualReader
	spans  *tracetest.SpanRecorder
}

func NewForTest() ForTest {
	reader := sdkMetric.NewManualReader()
	meterProvider := sdkMetric.NewMeterProvider(sdkMetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tracerProvider := sdkTrace.NewTracerProvider(sdkTrace.WithSpanProcessor(spans))
	return &forTest{Telemetry: New(tracerProvider, meterProvider), reader: reader, spans: spans}
}

func (v *forTest) CounterValues(t *testing.T) map[string]int64 {
	t.Helper()

	var data metricdata.ResourceMetrics
	require.NoError(t, v.reader.Collect(context.Background(), &data))

	out := make(map[string]int64)
	for _, scope := range data.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, point := range sum.DataPoints {
					out[m.Name] += point.Value
				}
			}
		}
	}
	return out
}

func (v *forTest) SpanNames() (out []string) {
	for _, s := range v.spans.Ended() {
		out = append(out, s.Name())
	}
	return out
}
