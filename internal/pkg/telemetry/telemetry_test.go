package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

func TestNop(t *testing.T) {
	t.Parallel()

	tel := NewNop()
	_, span := tel.Tracer().Start(context.Background(), "operation")
	err := errors.New("some error")
	span.End(&err)
	tel.Meter().Counter("foo", "desc", "1").Add(context.Background(), 1)
}

func TestForTest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tel := NewForTest()
	counter := tel.Meter().Counter("shardjob.test", "Test counter.", "1")
	counter.Add(ctx, 2, metric.WithAttributes(attribute.String("job", "a")))
	counter.Add(ctx, 3, metric.WithAttributes(attribute.String("job", "b")))

	assert.Equal(t, map[string]int64{"shardjob.test": 5}, tel.CounterValues(t))

	_, span := tel.Tracer().Start(ctx, "keboola.go.shardjob.test.Outer")
	_, inner := tel.Tracer().Start(ctx, "keboola.go.shardjob.test.Inner")
	err := errors.New("some error")
	inner.End(&err)
	span.End(nil)
	assert.Equal(t, []string{"keboola.go.shardjob.test.Inner", "keboola.go.shardjob.test.Outer"}, tel.SpanNames())
}

func TestPrometheus(t *testing.T) {
	t.Parallel()

	provider, handler, err := NewPrometheusMeterProvider()
	require.NoError(t, err)

	tel := New(nil, provider)
	tel.Meter().Counter("shardjob.reshard", "Reshard count.", "1").Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "shardjob_reshard")
}
