package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks v against its `validate` tags. Failures wrap ErrInvalidArgument
// and name the first offending field by its json path, e.g. "device.name".
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		switch fe.Tag() {
		case "required":
			return fmt.Errorf("%w: missing %s", ErrInvalidArgument, field)
		case "oneof":
			return fmt.Errorf("%w: %s must be one of [%s]", ErrInvalidArgument, field, fe.Param())
		default:
			return fmt.Errorf("%w: invalid %s", ErrInvalidArgument, field)
		}
	}
	return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
}
