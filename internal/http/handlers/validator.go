package handlers

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// requestValidator wraps go-playground/validator for request structs.
type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	return &requestValidator{validate: validator.New()}
}

// Struct validates the tagged fields of value and reports the first failure
// as a caller-readable message.
func (v *requestValidator) Struct(value any) error {
	err := v.validate.Struct(value)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if ok && len(validationErrors) > 0 {
		fieldErr := validationErrors[0]
		return fmt.Errorf("%s failed on '%s' validation", fieldErr.Field(), fieldErr.Tag())
	}
	return errInvalidPayload
}
