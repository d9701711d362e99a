package log

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestDebugLogger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := NewDebugLogger()
	logger.Debug(ctx, "debug message")
	logger.WithComponent("node").WithComponent("sharding").Infof(ctx, "assigned %d items", 3)
	logger.With(attribute.String("job", "my-job")).Warn(ctx, "warning")
	logger.WithDuration(1500 * time.Millisecond).Error(ctx, "failed")

	ctx = ContextWithAttrs(ctx, attribute.Int("item", 2))
	logger.Info(ctx, "with context")

	logger.AssertJSONMessages(t, `
{"level":"debug","message":"debug message"}
{"level":"info","message":"assigned 3 items","component":"node.sharding"}
{"level":"warn","message":"warning","job":"my-job"}
{"level":"error","message":"failed","duration":"1.5s"}
{"level":"info","message":"with context","item":2}
`)
	assert.Equal(t, 2, bytes.Count([]byte(logger.WarnAndErrorMessages()), []byte("\n")))

	logger.Truncate()
	assert.Empty(t, logger.AllMessages())
	logger.AssertNoErrorMessage(t)
}

func TestServiceLogger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var out bytes.Buffer
	logger := NewServiceLogger(&out, FormatJSON, false)
	logger.Debug(ctx, "hidden")
	logger.WithComponent("executor").Info(ctx, "visible")

	assert.NotContains(t, out.String(), "hidden")
	AssertJSONMessages(t, `{"level":"info","message":"visible","component":"executor","time":"%s"}`, out.String())
}

func TestCompareJSONMessages(t *testing.T) {
	t.Parallel()

	actual := `{"level":"info","message":"foo 123"}` + "\n" + `{"level":"info","message":"bar"}`
	assert.NoError(t, CompareJSONMessages(`{"message":"foo %d"}`, actual))
	assert.NoError(t, CompareJSONMessages(`{"message":"bar"}`, actual))
	assert.Error(t, CompareJSONMessages(`{"message":"bar"}`+"\n"+`{"message":"foo %d"}`, actual))
}
