package models

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	dErrors "ban/pkg/domain-errors"
)

const msgIPOrEmail = "Either ip or email is required."

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("contributor_type", func(fl validator.FieldLevel) bool {
		return IsContributorType(fl.Field().String())
	})
	return v
}

// Normalize trims every submitted value.
func (r *TokenRequest) Normalize() {
	r.GrantType = strings.TrimSpace(r.GrantType)
	r.ClientID = strings.TrimSpace(r.ClientID)
	r.IP = strings.TrimSpace(r.IP)
	r.Email = strings.TrimSpace(r.Email)
	r.ContributorType = strings.ToLower(strings.TrimSpace(r.ContributorType))
}

// Validate checks the request shape and reports every failing field.
func (r *TokenRequest) Validate() error {
	fields := map[string]string{}
	if r.IP == "" && r.Email == "" {
		fields["ip"] = msgIPOrEmail
		fields["email"] = msgIPOrEmail
	}
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid token request")
		}
		for _, fe := range verrs {
			fields[fe.Field()] = message(fe)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return dErrors.Validation("Invalid data", fields)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "Missing data for required field."
	case "eq":
		return "Unsupported value, expected " + fe.Param() + "."
	case "uuid4":
		return "Not a valid UUID v4."
	case "ip":
		return "Not a valid IP address."
	case "email":
		return "Not a valid email address."
	case "contributor_type":
		return "Must be one of: " + strings.Join(ContributorTypes, ", ") + "."
	default:
		return "Invalid value."
	}
}
