package errors

import (
	"runtime"
	"strconv"
	"strings"
)

const maxStackDepth = 32

type StackTrace []uintptr

type stackTracer interface {
	StackTrace() StackTrace
}

func callers() StackTrace {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

// String returns the first frames of the trace, one per line.
func (t StackTrace) String() string {
	var out strings.Builder
	frames := runtime.CallersFrames(t)
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			out.WriteString(frame.Function)
			out.WriteString("\n\t")
			out.WriteString(frame.File)
			out.WriteString(":")
			out.WriteString(strconv.Itoa(frame.Line))
			out.WriteString("\n")
		}
		if !more {
			break
		}
	}
	return out.String()
}
