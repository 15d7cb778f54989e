// Package request holds the API's input structs and their validation.
package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/edvin/certmgr/internal/platform"
)

var validate = validator.New()

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._-]{0,127}$`)

func init() {
	validate.RegisterValidation("recordname", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("domain", func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		return platform.ValidateDomain(v) || platform.ValidateIP(v)
	})
}

// Decode parses and validates a JSON request body.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// RequireID rejects an empty URL parameter.
func RequireID(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("missing required ID")
	}
	return s, nil
}
