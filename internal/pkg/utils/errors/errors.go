// Package errors extends the standard errors package with stack traces, multi-errors and prefixed errors.
package errors

import (
	"errors"
	"fmt"
)

// ErrUnsupported is re-exported from the standard library.
var ErrUnsupported = errors.ErrUnsupported

type withStack struct {
	error
	trace StackTrace
}

func (e withStack) Unwrap() error {
	return e.error
}

func (e withStack) StackTrace() StackTrace {
	return e.trace
}

func New(message string) error {
	return withStack{error: errors.New(message), trace: callers()}
}

// Errorf formats the error message. The %w verb wraps the argument.
func Errorf(format string, a ...any) error {
	return withStack{error: fmt.Errorf(format, a...), trace: callers()}
}

// Wrap returns a new error with the message, the original error is available via Unwrap.
func Wrap(err error, message string) error {
	return withStack{error: &wrapped{msg: message, err: err}, trace: callers()}
}

func Wrapf(err error, format string, a ...any) error {
	return withStack{error: &wrapped{msg: fmt.Sprintf(format, a...), err: err}, trace: callers()}
}

// WithStack adds a stack trace to the error, if it has none.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	var st stackTracer
	if As(err, &st) {
		return err
	}
	return withStack{error: err, trace: callers()}
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func Join(errs ...error) error {
	return errors.Join(errs...)
}

type wrapped struct {
	msg string
	err error
}

func (e *wrapped) Error() string {
	return e.msg
}

func (e *wrapped) Unwrap() error {
	return e.err
}
