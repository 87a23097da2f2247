package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"proxcall/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	ErrCodeInvalidPosition   ErrorCode = "INVALID_POSITION"
	ErrCodeUserNotFound      ErrorCode = "USER_NOT_FOUND"
	ErrCodeAlreadyInCall     ErrorCode = "ALREADY_IN_CALL"
	ErrCodeCallNotFound      ErrorCode = "CALL_NOT_FOUND"
	ErrCodeSignalingMismatch ErrorCode = "SIGNALING_MISMATCH"
	ErrCodeMediaTransport    ErrorCode = "MEDIA_TRANSPORT"
	ErrCodeCallTimeout       ErrorCode = "CALL_TIMEOUT"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// NewInvalidInputError returns a 400 error.
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// NewNotFoundError returns a 404 error for resource.
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

var domainErrors = []struct {
	target error
	code   ErrorCode
	status int
}{
	{domain.ErrInvalidPosition, ErrCodeInvalidPosition, http.StatusBadRequest},
	{domain.ErrUserNotFound, ErrCodeUserNotFound, http.StatusNotFound},
	{domain.ErrAlreadyInCall, ErrCodeAlreadyInCall, http.StatusConflict},
	{domain.ErrCallNotFound, ErrCodeCallNotFound, http.StatusNotFound},
	{domain.ErrSignalingMismatch, ErrCodeSignalingMismatch, http.StatusBadRequest},
	{domain.ErrMediaTransport, ErrCodeMediaTransport, http.StatusBadGateway},
	{domain.ErrCallTimeout, ErrCodeCallTimeout, http.StatusRequestTimeout},
	{domain.ErrInvalidTransition, ErrCodeInvalidTransition, http.StatusConflict},
	{domain.ErrSelfCall, ErrCodeInvalidInput, http.StatusBadRequest},
}

// FromDomain maps a service error onto an AppError. Errors that are already
// AppErrors are returned as they are; anything unknown becomes internal.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, d := range domainErrors {
		if stderrors.Is(err, d.target) {
			return WrapError(err, d.code, err.Error(), d.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

// IsAppError reports whether err wraps an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
