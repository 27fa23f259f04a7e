// Package validation checks configuration structs, using struct tags for
// per-field rules and ConfigValidator for rules spanning several fields.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is a singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("pow2", isPowerOfTwo)
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name, _, _ := strings.Cut(f.Tag.Get("yaml"), ","); name != "" && name != "-" {
			return name
		}
		return f.Name
	})
}

// isPowerOfTwo accepts zero so that "0 means automatic" fields can use it.
func isPowerOfTwo(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v := fl.Field().Int()
		return v == 0 || (v > 0 && v&(v-1) == 0)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		v := fl.Field().Uint()
		return v&(v-1) == 0
	}
	return false
}

// Struct validates v against its validate tags.
func Struct(v any) error {
	if v == nil {
		return errors.New("validation: nil value")
	}
	return formatValidationError(validate.Struct(v))
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	errs := make([]error, 0, len(validationErrs))
	for _, e := range validationErrs {
		field := e.Namespace()
		param := e.Param()

		switch e.Tag() {
		case "required":
			errs = append(errs, fmt.Errorf("%s: field is required", field))
		case "min", "gte":
			errs = append(errs, fmt.Errorf("%s: must be at least %s", field, param))
		case "max", "lte":
			errs = append(errs, fmt.Errorf("%s: must not exceed %s", field, param))
		case "gt":
			errs = append(errs, fmt.Errorf("%s: must be greater than %s", field, param))
		case "pow2":
			errs = append(errs, fmt.Errorf("%s: must be a power of two", field))
		default:
			errs = append(errs, fmt.Errorf("%s: validation failed (%s)", field, e.Tag()))
		}
	}
	return errors.Join(errs...)
}
