package utils

import (
	"errors"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// GetValidator returns the shared validator. decimal.Decimal fields are
// validated as float64 so numeric tags (gte, gt) apply to them.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
			switch d := v.Interface().(type) {
			case decimal.Decimal:
				f, _ := d.Float64()
				return f
			case decimal.NullDecimal:
				if !d.Valid {
					return nil
				}
				f, _ := d.Decimal.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{}, decimal.NullDecimal{})
	})
	return validate
}

func ValidateStruct(input any) error {
	return GetValidator().Struct(input)
}

// ProcessValidationErrors flattens validator errors into field -> tag.
func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Namespace()] = ve.Tag()
	}
	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func UniqueSlice[T comparable](s []T) []T {
	seen := make(map[T]struct{}, len(s))
	out := make([]T, 0, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
