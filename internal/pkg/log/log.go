// Package log provides a context aware structured logger on top of the zap library.
package log

import (
	"context"
	"io"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"
)

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

type Logger interface {
	contextLogger
	withAttributes
}

// DebugLogger returns logs as string in tests.
type DebugLogger interface {
	Logger
	ConnectTo(writer io.Writer)
	Truncate()
	AllMessages() string
	WarnAndErrorMessages() string
	CompareJSONMessages(expected string) error
	AssertJSONMessages(t assert.TestingT, expected string, msgAndArgs ...any) bool
	AssertNoErrorMessage(t assert.TestingT) bool
}

type contextLogger interface {
	Debug(ctx context.Context, message string)
	Info(ctx context.Context, message string)
	Warn(ctx context.Context, message string)
	Error(ctx context.Context, message string)

	Debugf(ctx context.Context, template string, args ...any)
	Infof(ctx context.Context, template string, args ...any)
	Warnf(ctx context.Context, template string, args ...any)
	Errorf(ctx context.Context, template string, args ...any)

	Sync() error
}

type withAttributes interface {
	// With returns a logger with attributes added to each message.
	With(attrs ...attribute.KeyValue) Logger
	// WithComponent returns a logger with the component appended to the component path.
	WithComponent(component string) Logger
	// WithDuration returns a logger with the "duration" attribute.
	WithDuration(v time.Duration) Logger
}

type ctxAttrsKey struct{}

// ContextWithAttrs returns a context with attributes, which are added to each message logged with the context.
func ContextWithAttrs(ctx context.Context, attrs ...attribute.KeyValue) context.Context {
	existing, _ := ctx.Value(ctxAttrsKey{}).([]attribute.KeyValue)
	merged := make([]attribute.KeyValue, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, ctxAttrsKey{}, merged)
}

func attrsFromContext(ctx context.Context) []attribute.KeyValue {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(ctxAttrsKey{}).([]attribute.KeyValue)
	return attrs
}
