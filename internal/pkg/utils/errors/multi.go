package errors

import (
	"strings"
	"sync"
)

// MultiError collects errors, it is safe for concurrent use.
type MultiError interface {
	error
	Len() int
	Append(errs ...error)
	AppendWithPrefix(err error, prefix string)
	AppendWithPrefixf(err error, format string, a ...any)
	WrappedErrors() []error
	Unwrap() []error
	ErrorOrNil() error
}

type multiError struct {
	lock   *sync.Mutex
	errors []error
}

func NewMultiError() MultiError {
	return &multiError{lock: &sync.Mutex{}}
}

func NewMultiErrorNoTrace() MultiError {
	return NewMultiError()
}

func (e *multiError) Len() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.errors)
}

// Append nil errors are ignored, nested multi-errors are flattened.
func (e *multiError) Append(errs ...error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, err := range errs {
		if err == nil {
			continue
		}
		if v, ok := err.(*multiError); ok {
			e.errors = append(e.errors, v.WrappedErrors()...)
		} else {
			e.errors = append(e.errors, err)
		}
	}
}

func (e *multiError) AppendWithPrefix(err error, prefix string) {
	if err != nil {
		e.Append(PrefixError(err, prefix))
	}
}

func (e *multiError) AppendWithPrefixf(err error, format string, a ...any) {
	if err != nil {
		e.Append(PrefixErrorf(err, format, a...))
	}
}

func (e *multiError) WrappedErrors() []error {
	e.lock.Lock()
	defer e.lock.Unlock()
	out := make([]error, len(e.errors))
	copy(out, e.errors)
	return out
}

func (e *multiError) Unwrap() []error {
	return e.WrappedErrors()
}

func (e *multiError) ErrorOrNil() error {
	if e.Len() == 0 {
		return nil
	}
	return e
}

func (e *multiError) Error() string {
	errs := e.WrappedErrors()
	if len(errs) == 1 {
		return errs[0].Error()
	}
	var out strings.Builder
	for i, err := range errs {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString("- ")
		out.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n  "))
	}
	return out.String()
}
