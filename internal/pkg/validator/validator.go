// Package validator wraps the go-playground validator, error messages use JSON field names.
package validator

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslation "github.com/go-playground/validator/v10/translations/en"

	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

type Rule struct {
	Tag          string
	Func         validator.Func
	ErrorMessage string
}

type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func New(rules ...Rule) *Validator {
	v := &Validator{validate: validator.New()}

	enLocale := en.New()
	translator, found := ut.New(enLocale, enLocale).GetTranslator("en")
	if !found {
		panic(errors.New("en translator was not found"))
	}
	if err := enTranslation.RegisterDefaultTranslations(v.validate, translator); err != nil {
		panic(errors.Errorf("translator was not registered: %w", err))
	}
	v.translator = translator

	for _, rule := range rules {
		if err := v.validate.RegisterValidation(rule.Tag, rule.Func); err != nil {
			panic(err)
		}
		if rule.ErrorMessage != "" {
			v.registerMessage(rule.Tag, rule.ErrorMessage)
		}
	}

	// Use JSON field name in error messages
	v.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return v
}

// Validate validates a struct value.
func (v *Validator) Validate(ctx context.Context, value any) error {
	err := v.validate.StructCtx(ctx, value)
	var validationErrs validator.ValidationErrors
	switch {
	case err == nil:
		return nil
	case errors.As(err, &validationErrs):
		return v.processErrors(validationErrs)
	default:
		return err
	}
}

func (v *Validator) registerMessage(tag, message string) {
	err := v.validate.RegisterTranslation(
		tag,
		v.translator,
		func(ut ut.Translator) error {
			return ut.Add(tag, "{0} "+message, true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, fe.Field())
			return t
		},
	)
	if err != nil {
		panic(err)
	}
}

func (v *Validator) processErrors(errs validator.ValidationErrors) error {
	result := errors.NewMultiError()
	for _, e := range errs {
		prefix := ""
		if namespace := processNamespace(e.Namespace()); namespace != "" {
			prefix = namespace + "."
		}
		result.Append(errors.New(fmt.Sprintf("%s%s", prefix, e.Translate(v.translator))))
	}
	return result.ErrorOrNil()
}

// processNamespace removes the struct name (first part) and the field name (last part).
func processNamespace(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) <= 2 {
		return ""
	}
	return strings.Join(parts[1:len(parts)-1], ".")
}
