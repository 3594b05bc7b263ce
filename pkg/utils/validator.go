package utils

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// ReservedKeyChars may not appear in ids that become part of a record key.
const ReservedKeyChars = ":*?[]\\|"

// BindError converts a gin binding error into an invalid-parameter error
// that names the offending fields.
func BindError(err error) *AppError {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return NewError(CodeInvalidParam, strings.Join(messages, "; "))
	}
	return WrapError(err, CodeInvalidParam, "malformed request body")
}

// getFieldErrorMessage gets field error message
func getFieldErrorMessage(fieldError validator.FieldError) string {
	field := fieldError.Field()
	param := fieldError.Param()

	switch fieldError.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "positive":
		return fmt.Sprintf("%s must be positive", field)
	case "nonnegative":
		return fmt.Sprintf("%s must be non-negative", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, param)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, param)
	case "keysafe":
		return fmt.Sprintf("%s contains a reserved character", field)
	case "dive":
		return fmt.Sprintf("%s has an invalid element", field)
	default:
		return fmt.Sprintf("%s validation failed", field)
	}
}

// RegisterCustomValidators registers the positive, nonnegative and keysafe
// tags and reports fields by their json name. Safe to call more than once.
func RegisterCustomValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterValidation("positive", validatePositive)
		v.RegisterValidation("nonnegative", validateNonNegative)
		v.RegisterValidation("keysafe", validateKeySafe)
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
}

func validatePositive(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fl.Field().Int() > 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fl.Field().Uint() > 0
	default:
		return false
	}
}

func validateNonNegative(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fl.Field().Int() >= 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	default:
		return false
	}
}

func validateKeySafe(fl validator.FieldLevel) bool {
	return fl.Field().Kind() == reflect.String && !strings.ContainsAny(fl.Field().String(), ReservedKeyChars)
}

// ValidateKeyPart checks a path parameter that becomes part of a record key.
func ValidateKeyPart(name, value string) error {
	if value == "" || strings.ContainsAny(value, ReservedKeyChars) {
		return NewError(CodeInvalidParam, "invalid "+name)
	}
	return nil
}

// ValidateID parses a positive integer path parameter.
func ValidateID(name, id string) (int64, error) {
	if id == "" {
		return 0, NewError(CodeInvalidParam, name+" cannot be empty")
	}

	idInt, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, NewError(CodeInvalidParam, name+" must be a valid integer")
	}

	if idInt <= 0 {
		return 0, NewError(CodeInvalidParam, name+" must be positive")
	}

	return idInt, nil
}

// ValidatePage validates pagination parameters
func ValidatePage(page, pageSize int) error {
	if page <= 0 {
		return NewError(CodeInvalidParam, "page must be positive")
	}

	if pageSize <= 0 || pageSize > 100 {
		return NewError(CodeInvalidParam, "page_size must be between 1 and 100")
	}

	return nil
}
