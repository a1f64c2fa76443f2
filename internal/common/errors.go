package common

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")
	ErrStorage      = errors.New("object storage error")
	ErrQueue        = errors.New("queue error")
	ErrEngine       = errors.New("engine error")

	// ErrPermanent marks a task failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent failure")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Permanent wraps err so that IsPermanent reports true for it.
func Permanent(code string, err error) error {
	if err == nil {
		return nil
	}
	return NewAppError(code, err.Error(), errors.Join(ErrPermanent, err))
}

// IsPermanent reports whether a task failing with err should be dead-lettered right away.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrValidation)
}

// ErrorCode returns the AppError code in err's chain, or fallback.
func ErrorCode(err error, fallback string) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	return fallback
}

// HTTPStatus maps an error onto the HTTP status the API reports for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the short message safe to show to API callers.
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" && HTTPStatus(err) < http.StatusInternalServerError {
		return appErr.Message
	}
	switch HTTPStatus(err) {
	case http.StatusNotFound:
		return "not found"
	case http.StatusBadRequest:
		return "invalid request"
	default:
		return "internal error"
	}
}
