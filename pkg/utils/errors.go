package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// ResponseCode is the application code carried in every response body.
type ResponseCode int

const (
	CodeSuccess  ResponseCode = 0
	CodeAccepted ResponseCode = 1

	// Client errors
	CodeInvalidParam    ResponseCode = 10001
	CodeUnauthorized    ResponseCode = 10002
	CodeForbidden       ResponseCode = 10003
	CodeRateLimit       ResponseCode = 10004
	CodeTooManyAttempts ResponseCode = 10005

	// Domain errors
	CodeOrderNotFound ResponseCode = 20001
	CodeGoodNotFound  ResponseCode = 20002
	CodeDegraded      ResponseCode = 20003

	// System errors
	CodeInternalError  ResponseCode = 50001
	CodeBusUnavailable ResponseCode = 50002
	CodeRedisError     ResponseCode = 50003
	CodeDatabaseError  ResponseCode = 50004
)

var httpStatus = map[ResponseCode]int{
	CodeSuccess:         http.StatusOK,
	CodeAccepted:        http.StatusAccepted,
	CodeInvalidParam:    http.StatusBadRequest,
	CodeUnauthorized:    http.StatusUnauthorized,
	CodeForbidden:       http.StatusForbidden,
	CodeRateLimit:       http.StatusTooManyRequests,
	CodeTooManyAttempts: http.StatusTooManyRequests,
	CodeOrderNotFound:   http.StatusNotFound,
	CodeGoodNotFound:    http.StatusNotFound,
	CodeDegraded:        http.StatusServiceUnavailable,
	CodeBusUnavailable:  http.StatusServiceUnavailable,
	CodeRedisError:      http.StatusInternalServerError,
	CodeDatabaseError:   http.StatusInternalServerError,
	CodeInternalError:   http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status a code is served with.
func (c ResponseCode) HTTPStatus() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AppError application error structure
type AppError struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message"`
	Err     error        `json:"-"`
}

// Error implement error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code: %d, message: %s, error: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

// Unwrap implement errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError with the same code, so predefined errors work
// with errors.Is after wrapping.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// NewError create new application error
func NewError(code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// WrapError wrap error
func WrapError(err error, code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Predefined errors
var (
	ErrInvalidParam   = NewError(CodeInvalidParam, "invalid parameter")
	ErrUnauthorized   = NewError(CodeUnauthorized, "unauthorized")
	ErrForbidden      = NewError(CodeForbidden, "insufficient permissions")
	ErrRateLimit      = NewError(CodeRateLimit, "rate limit exceeded")
	ErrOrderNotFound  = NewError(CodeOrderNotFound, "order not found")
	ErrGoodNotFound   = NewError(CodeGoodNotFound, "good not found")
	ErrBusUnavailable = NewError(CodeBusUnavailable, "message bus unavailable, try again later")
	ErrInternalError  = NewError(CodeInternalError, "internal server error")
)

// IsAppError check if it's an application error
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetErrorCode get error code
func GetErrorCode(err error) ResponseCode {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// GetErrorMessage returns the client-facing message. Errors that are not
// AppErrors are not exposed.
func GetErrorMessage(err error) string {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Message
	}
	return ErrInternalError.Message
}
