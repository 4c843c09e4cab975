package validate

import (
	"fmt"
	"reflect"

	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	zh_translations "github.com/go-playground/validator/v10/translations/zh"
)

// PlaygroundV10 Validator implementation using go-playground
type PlaygroundV10 struct {
	core  *validator.Validate
	trans ut.Translator
}

var _ Validator = &PlaygroundV10{}

// NewValidator create a new Validator, locale is either "en" or "zh"
func NewValidator(locale string) *PlaygroundV10 {
	enLocale := en.New()
	zhLocale := zh.New()
	uni := ut.New(enLocale, enLocale, zhLocale)
	trans, found := uni.GetTranslator(locale)
	if !found {
		trans, _ = uni.GetTranslator("en")
	}

	validate := validator.New()
	if trans.Locale() == "zh" {
		zh_translations.RegisterDefaultTranslations(validate, trans)
	} else {
		en_translations.RegisterDefaultTranslations(validate, trans)
	}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("json")
		if name == "-" || name == "" {
			name = fld.Tag.Get("query")
			if name == "-" || name == "" {
				return ""
			}
		}
		return name
	})
	return &PlaygroundV10{
		core:  validate,
		trans: trans,
	}
}

// Struct validate struct
func (v *PlaygroundV10) Struct(s interface{}) []*FieldError {
	var result []*FieldError
	if err := v.core.Struct(s); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			return []*FieldError{NewFieldError("", err.Error())}
		}
		for _, item := range errs {
			result = append(result, NewFieldError(item.Field(), item.Translate(v.trans)))
		}
		return result
	}
	return nil
}

// Var validate single variable
func (v *PlaygroundV10) Var(name string, value interface{}, tag string) []*FieldError {
	var result []*FieldError
	if err := v.core.Var(value, tag); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			return []*FieldError{NewFieldError(name, err.Error())}
		}
		for _, item := range errs {
			result = append(result, NewFieldError(name, fmt.Sprintf("%s %s", name, item.Translate(v.trans))))
		}
		return result
	}
	return nil
}

// Empty check if value is empty
func (v *PlaygroundV10) Empty(name string, value interface{}) []*FieldError {
	if err := v.core.Var(value, "required"); err != nil {
		return []*FieldError{NewFieldError(name, fmt.Sprintf("%s is required", name))}
	}
	return nil
}
