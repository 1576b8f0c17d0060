package core

import (
	"fmt"
)

// Error represents an engine error.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Cause     any       `json:"cause,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrValidation          ErrorType = "validation_error"
	ErrNotFound            ErrorType = "not_found"
	ErrInvalidState        ErrorType = "invalid_state"
	ErrLimitExceeded       ErrorType = "limit_exceeded"
	ErrCalibrationFailed   ErrorType = "calibration_failed"
	ErrTranscriptionFailed ErrorType = "transcription_failed"
	ErrGenerationFailed    ErrorType = "generation_failed"
	ErrTimeout             ErrorType = "timeout"
	ErrUnauthorized        ErrorType = "unauthorized"
	ErrInternal            ErrorType = "internal_error"
)

// NewValidationError creates a validation error.
func NewValidationError(message string) *Error {
	return &Error{
		Type:    ErrValidation,
		Message: message,
	}
}

// NewValidationErrorWithParam creates a validation error with a parameter.
func NewValidationErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrValidation,
		Message: message,
		Param:   param,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewInvalidStateError creates an invalid state error.
func NewInvalidStateError(message string) *Error {
	return &Error{
		Type:    ErrInvalidState,
		Message: message,
	}
}

// NewLimitExceededError creates a limit exceeded error.
func NewLimitExceededError(message string) *Error {
	return &Error{
		Type:    ErrLimitExceeded,
		Message: message,
	}
}

// NewCalibrationFailedError creates a calibration failure error.
func NewCalibrationFailedError(message string) *Error {
	return &Error{
		Type:    ErrCalibrationFailed,
		Message: message,
	}
}

// NewTranscriptionFailedError creates a transcription failure error.
func NewTranscriptionFailedError(underlying error) *Error {
	return &Error{
		Type:    ErrTranscriptionFailed,
		Message: fmt.Sprintf("transcription failed: %v", underlying),
		Cause:   underlying,
	}
}

// NewGenerationFailedError creates a response generation failure error.
func NewGenerationFailedError(underlying error) *Error {
	return &Error{
		Type:    ErrGenerationFailed,
		Message: fmt.Sprintf("response generation failed: %v", underlying),
		Cause:   underlying,
	}
}

// NewTimeoutError creates a deadline expiry error.
func NewTimeoutError(message string) *Error {
	return &Error{
		Type:    ErrTimeout,
		Message: message,
	}
}

// NewUnauthorizedError creates an authentication failure error. Only the
// gateway's bearer gate produces these; the engine itself never sees
// credentials.
func NewUnauthorizedError(message string) *Error {
	return &Error{
		Type:    ErrUnauthorized,
		Message: message,
	}
}

// NewInternalError creates a generic internal error.
func NewInternalError(message string) *Error {
	return &Error{
		Type:    ErrInternal,
		Message: message,
	}
}

// WithCode attaches a stable machine-readable code and returns the error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// IsRetryable returns true if the error is worth one more attempt
// at the adapter boundary.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrTranscriptionFailed, ErrGenerationFailed, ErrTimeout:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if ue, ok := e.Cause.(error); ok {
		return ue
	}
	return nil
}
