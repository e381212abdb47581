package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/apperrors"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/destination"
)

// New returns a configured validator. Field errors are reported under their
// JSON names.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	// a destination given as a URL must use https
	v.RegisterStructValidation(dispatchStructValidation, DispatchRequest{})

	return v
}

func dispatchStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(DispatchRequest)
	if strings.Contains(req.Destination, "://") {
		if err := destination.RequireHTTPS(req.Destination); err != nil {
			sl.ReportError(req.Destination, "destination", "Destination", "https", "")
		}
	}
}

// ToAppError converts validator output into an apperrors validation error
// naming the first failing field.
func ToAppError(err error) error {
	if err == nil {
		return nil
	}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return apperrors.Validation(ve[0].Field(), message(ve[0]))
	}
	return apperrors.Validation("", err.Error())
}

// FieldErrors maps each failing field to a readable message.
func FieldErrors(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		out["error"] = err.Error()
		return out
	}
	for _, fe := range ve {
		out[fe.Field()] = message(fe)
	}
	return out
}

func message(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "len":
		return fmt.Sprintf("%s must be %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "alpha":
		return fmt.Sprintf("%s must contain letters only", fe.Field())
	case "https":
		return fmt.Sprintf("%s must be an https URL", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
