package utils

import (
	"fmt"
	"strings"

	"outreach/models"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// "clock" accepts HH:MM in [00:00, 24:00]
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, err := models.ParseClock(fl.Field().String())
		return err == nil
	})
	return v
}

func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	// Format validation errors
	var errors []string
	for _, err := range verrs {
		field := strings.ToLower(err.Namespace())
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			errors = append(errors, field+" is required")
		case "min":
			errors = append(errors, field+" must be at least "+param)
		case "max":
			errors = append(errors, field+" must be at most "+param)
		case "oneof":
			errors = append(errors, field+" must be one of: "+param)
		case "clock":
			errors = append(errors, field+" must be a HH:MM time of day")
		case "timezone":
			errors = append(errors, field+" must be an IANA timezone")
		default:
			errors = append(errors, field+" is invalid")
		}
	}

	return fmt.Errorf("%s", strings.Join(errors, ", "))
}
