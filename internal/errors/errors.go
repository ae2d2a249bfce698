// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies an application error.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// Generation pipeline errors. Transport covers network failures reaching a
	// collaborator, Upstream covers non-2xx responses from it, Parse covers
	// responses whose shape is unrecognized, InvalidContent covers extracted
	// text that is not valid structured data.
	ErrorTypeTransport      ErrorType = "transport_error"
	ErrorTypeUpstream       ErrorType = "upstream_error"
	ErrorTypeParse          ErrorType = "parse_error"
	ErrorTypeInvalidContent ErrorType = "invalid_content"
)

// AppError is the application error structure.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // user-facing error code
	Status  int    // upstream HTTP status, when meaningful
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap supports error chains.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError.
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError creates a processing error.
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewTransportError creates a transport error (collaborator unreachable).
func NewTransportError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTransport, message, originalError)
}

// NewUpstreamError creates an upstream error carrying the upstream status and body.
func NewUpstreamError(status int, body string) *AppError {
	err := NewAppError(ErrorTypeUpstream, fmt.Sprintf("upstream error (%d): %s", status, body), nil)
	err.Status = status
	return err
}

// NewParseError creates a parse error (unrecognized response shape).
func NewParseError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeParse, message, originalError)
}

// NewInvalidContentError creates an invalid-content error (extracted text is not
// valid structured data).
func NewInvalidContentError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeInvalidContent, message, originalError)
}

// IsType reports whether err is an AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

// IsValidationError checks for a validation error.
func IsValidationError(err error) bool { return IsType(err, ErrorTypeValidation) }

// IsNotFoundError checks for a not-found error.
func IsNotFoundError(err error) bool { return IsType(err, ErrorTypeNotFound) }

// IsTransportError checks for a transport error.
func IsTransportError(err error) bool { return IsType(err, ErrorTypeTransport) }

// IsUpstreamError checks for an upstream error.
func IsUpstreamError(err error) bool { return IsType(err, ErrorTypeUpstream) }

// IsParseError checks for a parse error.
func IsParseError(err error) bool { return IsType(err, ErrorTypeParse) }

// IsInvalidContentError checks for an invalid-content error.
func IsInvalidContentError(err error) bool { return IsType(err, ErrorTypeInvalidContent) }

// generateErrorCode maps an error type to a user-facing code.
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeTransport:
		return "TRANSPORT_ERROR"
	case ErrorTypeUpstream:
		return "UPSTREAM_ERROR"
	case ErrorTypeParse:
		return "PARSE_ERROR"
	case ErrorTypeInvalidContent:
		return "INVALID_CONTENT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError wraps an existing error, preserving an existing AppError's type.
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
			Status:  appError.Status,
		}
	}

	return NewAppError(errType, message, err)
}
