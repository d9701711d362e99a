package log

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger is the default implementation of the Logger interface.
type zapLogger struct {
	logger *zap.Logger
}

func loggerFromZapCore(core zapcore.Core) *zapLogger {
	return &zapLogger{logger: zap.New(core)}
}

func newEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

func (l *zapLogger) With(attrs ...attribute.KeyValue) Logger {
	return &zapLogger{logger: l.logger.With(fields(attrs)...)}
}

func (l *zapLogger) WithComponent(component string) Logger {
	return &zapLogger{logger: l.logger.Named(component)}
}

func (l *zapLogger) WithDuration(v time.Duration) Logger {
	return &zapLogger{logger: l.logger.With(zap.Duration("duration", v))}
}

func (l *zapLogger) Debug(ctx context.Context, message string) {
	l.log(ctx, DebugLevel, message)
}

func (l *zapLogger) Info(ctx context.Context, message string) {
	l.log(ctx, InfoLevel, message)
}

func (l *zapLogger) Warn(ctx context.Context, message string) {
	l.log(ctx, WarnLevel, message)
}

func (l *zapLogger) Error(ctx context.Context, message string) {
	l.log(ctx, ErrorLevel, message)
}

func (l *zapLogger) Debugf(ctx context.Context, template string, args ...any) {
	l.log(ctx, DebugLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Infof(ctx context.Context, template string, args ...any) {
	l.log(ctx, InfoLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Warnf(ctx context.Context, template string, args ...any) {
	l.log(ctx, WarnLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Errorf(ctx context.Context, template string, args ...any) {
	l.log(ctx, ErrorLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Sync() error {
	return l.logger.Sync()
}

func (l *zapLogger) log(ctx context.Context, level zapcore.Level, message string) {
	if ce := l.logger.Check(level, message); ce != nil {
		ce.Write(fields(attrsFromContext(ctx))...)
	}
}

func fields(attrs []attribute.KeyValue) []zap.Field {
	out := make([]zap.Field, 0, len(attrs))
	for _, attr := range attrs {
		key := string(attr.Key)
		switch attr.Value.Type() {
		case attribute.BOOL:
			out = append(out, zap.Bool(key, attr.Value.AsBool()))
		case attribute.INT64:
			out = append(out, zap.Int64(key, attr.Value.AsInt64()))
		case attribute.FLOAT64:
			out = append(out, zap.Float64(key, attr.Value.AsFloat64()))
		case attribute.STRING:
			out = append(out, zap.String(key, attr.Value.AsString()))
		default:
			out = append(out, zap.String(key, attr.Value.Emit()))
		}
	}
	return out
}
