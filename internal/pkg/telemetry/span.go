package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const attrErrorType = "error.type"

type Span interface {
	SetAttributes(kv ...attribute.KeyValue)
	// End finishes the span. The status is set from the error pointer, nil pointer leaves the status unset.
	End(errPtr *error, opts ...trace.SpanEndOption)
}

type span struct {
	trace.Span
}

func (s *span) End(errPtr *error, opts ...trace.SpanEndOption) {
	switch {
	case errPtr == nil:
	case *errPtr == nil:
		s.SetStatus(codes.Ok, "")
	default:
		err := *errPtr
		s.Span.SetAttributes(attribute.String(attrErrorType, fmt.Sprintf("%T", err)))
		s.RecordError(err)
		s.SetStatus(codes.Error, err.Error())
	}
	s.Span.End(opts...)
}
