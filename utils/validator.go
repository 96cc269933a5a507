package utils

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs tag-based validation and returns one message per
// failing field so callers can report every violation at once.
func ValidateStruct(s interface{}) []string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var violations []string
	for _, err := range err.(validator.ValidationErrors) {
		field := strings.ToLower(err.Field())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			violations = append(violations, field+" is required")
		case "min":
			violations = append(violations, field+" must be at least "+param)
		case "max":
			violations = append(violations, field+" must be at most "+param)
		case "email":
			violations = append(violations, field+" must be a valid email")
		case "oneof":
			violations = append(violations, field+" must be one of "+param)
		case "gte":
			violations = append(violations, field+" must be >= "+param)
		case "lte":
			violations = append(violations, field+" must be <= "+param)
		default:
			violations = append(violations, field+" is invalid")
		}
	}

	return violations
}
