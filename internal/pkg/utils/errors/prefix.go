package errors

import (
	"fmt"
)

type prefixError struct {
	prefix string
	err    error
}

func PrefixError(err error, prefix string) error {
	return &prefixError{prefix: prefix, err: err}
}

func PrefixErrorf(err error, format string, a ...any) error {
	return &prefixError{prefix: fmt.Sprintf(format, a...), err: err}
}

func (e *prefixError) Error() string {
	return e.prefix + ": " + e.err.Error()
}

func (e *prefixError) Unwrap() error {
	return e.err
}

func (e *prefixError) Prefix() string {
	return e.prefix
}
