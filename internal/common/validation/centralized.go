// Package validation validates configuration structs through struct tags.
package validation

import (
	stderrors "errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"rbac-cache/internal/common/errors"
)

// CentralizedValidator provides unified validation using go-playground/validator
type CentralizedValidator struct {
	validator *validator.Validate
}

// ValidationError represents a single failed rule
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// NewCentralizedValidator creates a validator with the cache-specific rules registered
func NewCentralizedValidator() *CentralizedValidator {
	v := validator.New()

	// Report yaml names, which are what operators type.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("hostport", validateHostPort)
	_ = v.RegisterValidation("keyprefix", validateKeyPrefix)

	return &CentralizedValidator{validator: v}
}

// ValidateStruct validates a struct and returns a config AppError listing every failure
func (cv *CentralizedValidator) ValidateStruct(s interface{}) error {
	err := cv.validator.Struct(s)
	if err == nil {
		return nil
	}

	details := cv.extract(err)
	if len(details) == 0 {
		return errors.ConfigError(err.Error())
	}

	messages := make([]string, len(details))
	for i, d := range details {
		messages[i] = d.Message
	}
	appErr := errors.ConfigError(strings.Join(messages, "; "))
	appErr.WithContext("fields", len(details))
	return appErr
}

// ValidateVar validates a single value against a tag expression
func (cv *CentralizedValidator) ValidateVar(field interface{}, tag string) error {
	if err := cv.validator.Var(field, tag); err != nil {
		return errors.ConfigError(err.Error())
	}
	return nil
}

func (cv *CentralizedValidator) extract(err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return nil
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   fe.Namespace(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: message(fe),
		})
	}
	return out
}

func message(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, fe.Param())
	case "dive", "hostport":
		return fmt.Sprintf("%s must be host:port", field)
	case "keyprefix":
		return fmt.Sprintf("%s must not contain glob characters", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func validateHostPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || host == "" {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p < 65536
}

func validateKeyPrefix(fl validator.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), "*?[]")
}
