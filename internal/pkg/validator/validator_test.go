package validator

import (
	"context"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNested struct {
	Endpoint string `json:"endpoint" validate:"required"`
}

type testValue struct {
	Name   string     `json:"name" validate:"required"`
	Count  int        `json:"count" validate:"min=1"`
	Mode   string     `json:"mode" validate:"mode"`
	Nested testNested `json:"nested"`
}

func TestValidator(t *testing.T) {
	t.Parallel()

	v := New(Rule{
		Tag: "mode",
		Func: func(fl validator.FieldLevel) bool {
			return fl.Field().String() == "fast" || fl.Field().String() == "slow"
		},
		ErrorMessage: `must be "fast" or "slow"`,
	})

	ctx := context.Background()
	assert.NoError(t, v.Validate(ctx, testValue{Name: "foo", Count: 1, Mode: "fast", Nested: testNested{Endpoint: "x"}}))

	err := v.Validate(ctx, testValue{Mode: "other"})
	require.Error(t, err)
	assert.Equal(t, `- name is a required field
- count must be 1 or greater
- mode must be "fast" or "slow"
- nested.endpoint is a required field`, err.Error())
}
