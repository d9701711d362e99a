package log

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// NewServiceLogger creates a logger for a long-running service.
// Messages are written to the writer in the JSON or console format.
func NewServiceLogger(w io.Writer, format Format, verbose bool) Logger {
	level := zap.NewAtomicLevelAt(InfoLevel)
	if verbose {
		level.SetLevel(DebugLevel)
	}

	var encoder zapcore.Encoder
	if format == FormatConsole {
		encoder = zapcore.NewConsoleEncoder(newEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(newEncoderConfig())
	}

	return loggerFromZapCore(zapcore.NewCore(encoder, zapcore.AddSync(w), level))
}

func NewNopLogger() Logger {
	return loggerFromZapCore(zapcore.NewNopCore())
}
