package errors

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	t.Parallel()

	err := Wrap(io.EOF, "cannot read config")
	assert.Equal(t, "cannot read config", err.Error())
	assert.True(t, Is(err, io.EOF))

	var st stackTracer
	require.True(t, As(err, &st))
	assert.NotEmpty(t, st.StackTrace())
	assert.Contains(t, st.StackTrace().String(), "TestWrap")
}

func TestErrorf(t *testing.T) {
	t.Parallel()

	err := Errorf(`key "%s": %w`, "foo", io.ErrUnexpectedEOF)
	assert.Equal(t, `key "foo": unexpected EOF`, err.Error())
	assert.True(t, Is(err, io.ErrUnexpectedEOF))
}

func TestMultiError(t *testing.T) {
	t.Parallel()

	errs := NewMultiError()
	assert.NoError(t, errs.ErrorOrNil())

	errs.Append(nil, New("first"))
	assert.Equal(t, "first", errs.ErrorOrNil().Error())

	nested := NewMultiError()
	nested.Append(New("second"), io.EOF)
	errs.Append(nested)
	errs.AppendWithPrefix(New("third"), "item 2")

	assert.Equal(t, 4, errs.Len())
	assert.Equal(t, "- first\n- second\n- EOF\n- item 2: third", errs.Error())
	assert.True(t, Is(errs, io.EOF))
}

func TestPrefixError(t *testing.T) {
	t.Parallel()

	err := PrefixErrorf(io.EOF, `invalid value for "%s"`, "key")
	assert.Equal(t, `invalid value for "key": EOF`, err.Error())
	assert.True(t, Is(err, io.EOF))
}
