package log

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

type debugLogger struct {
	*zapLogger
	buffer *syncBuffer
}

type syncBuffer struct {
	lock      *sync.Mutex
	buf       *bytes.Buffer
	connected []io.Writer
}

// NewDebugLogger returns a logger which collects all messages in the JSON format.
func NewDebugLogger() DebugLogger {
	buffer := &syncBuffer{lock: &sync.Mutex{}, buf: &bytes.Buffer{}}
	encoderConfig := newEncoderConfig()
	encoderConfig.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), buffer, DebugLevel)
	return &debugLogger{zapLogger: loggerFromZapCore(core), buffer: buffer}
}

// ConnectTo copies all following messages also to the writer, for example os.Stdout.
func (l *debugLogger) ConnectTo(writer io.Writer) {
	l.buffer.lock.Lock()
	defer l.buffer.lock.Unlock()
	l.buffer.connected = append(l.buffer.connected, writer)
}

func (l *debugLogger) Truncate() {
	l.buffer.lock.Lock()
	defer l.buffer.lock.Unlock()
	l.buffer.buf.Reset()
}

func (l *debugLogger) AllMessages() string {
	l.buffer.lock.Lock()
	defer l.buffer.lock.Unlock()
	return l.buffer.buf.String()
}

func (l *debugLogger) WarnAndErrorMessages() string {
	var out strings.Builder
	for _, line := range strings.Split(l.AllMessages(), "\n") {
		if strings.Contains(line, `"level":"warn"`) || strings.Contains(line, `"level":"error"`) {
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	return out.String()
}

func (l *debugLogger) CompareJSONMessages(expected string) error {
	return CompareJSONMessages(expected, l.AllMessages())
}

func (l *debugLogger) AssertJSONMessages(t assert.TestingT, expected string, msgAndArgs ...any) bool {
	return AssertJSONMessages(t, expected, l.AllMessages(), msgAndArgs...)
}

func (l *debugLogger) AssertNoErrorMessage(t assert.TestingT) bool {
	var errs []string
	for _, line := range strings.Split(l.AllMessages(), "\n") {
		if strings.Contains(line, `"level":"error"`) {
			errs = append(errs, line)
		}
	}
	return assert.Empty(t, errs, "unexpected error messages")
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, w := range b.connected {
		_, _ = w.Write(p)
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error {
	return nil
}
