package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeConnectionInit ErrorType = "connection_init"
	ErrorTypeUnavailable    ErrorType = "unavailable"
	ErrorTypeUnhealthy      ErrorType = "unhealthy"
	ErrorTypeCircuitOpen    ErrorType = "circuit_open"
	ErrorTypeUnsupported    ErrorType = "unsupported"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
	ErrorTypeTimeout        ErrorType = "timeout"
)

// Error codes surfaced to callers of the resilience layer.
const (
	CodeConfiguration         = "CONFIGURATION_ERROR"
	CodeConnectionInit        = "CONNECTION_INIT_ERROR"
	CodeResourceUnavailable   = "RESOURCE_UNAVAILABLE"
	CodeResourceUnhealthy     = "RESOURCE_UNHEALTHY"
	CodeCircuitBreakerOpen    = "CIRCUIT_BREAKER_OPEN"
	CodeOperationNotSupported = "OPERATION_NOT_SUPPORTED"
	CodeProbeTimeout          = "PROBE_TIMEOUT"
	CodeAcquisitionTimeout    = "ACQUISITION_TIMEOUT"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *AppError with the same code, so callers can
// match against sentinel values such as ErrResourceUnhealthy.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrConfiguration         = &AppError{Type: ErrorTypeConfiguration, Code: CodeConfiguration}
	ErrConnectionInit        = &AppError{Type: ErrorTypeConnectionInit, Code: CodeConnectionInit}
	ErrResourceUnavailable   = &AppError{Type: ErrorTypeUnavailable, Code: CodeResourceUnavailable}
	ErrResourceUnhealthy     = &AppError{Type: ErrorTypeUnhealthy, Code: CodeResourceUnhealthy}
	ErrCircuitBreakerOpen    = &AppError{Type: ErrorTypeCircuitOpen, Code: CodeCircuitBreakerOpen}
	ErrOperationNotSupported = &AppError{Type: ErrorTypeUnsupported, Code: CodeOperationNotSupported}
	ErrProbeTimeout          = &AppError{Type: ErrorTypeTimeout, Code: CodeProbeTimeout}
	ErrAcquisitionTimeout    = &AppError{Type: ErrorTypeTimeout, Code: CodeAcquisitionTimeout}
)

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

// Resilience layer errors

func NewConfigurationError(message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, CodeConfiguration, message)
}

func NewConnectionInitError(resource string, cause error) *AppError {
	return NewAppError(ErrorTypeConnectionInit, CodeConnectionInit,
		fmt.Sprintf("failed to connect resource %q", resource)).
		WithDetail("resource", resource).
		WithCause(cause)
}

func NewResourceUnavailableError(resource string) *AppError {
	return NewAppError(ErrorTypeUnavailable, CodeResourceUnavailable,
		fmt.Sprintf("resource %q is not registered", resource)).
		WithDetail("resource", resource)
}

func NewResourceUnhealthyError(resource, lastError string) *AppError {
	e := NewAppError(ErrorTypeUnhealthy, CodeResourceUnhealthy,
		fmt.Sprintf("resource %q is unhealthy", resource)).
		WithDetail("resource", resource)
	if lastError != "" {
		e.WithDetail("last_error", lastError)
	}
	return e
}

func NewCircuitBreakerOpenError(name string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, CodeCircuitBreakerOpen,
		fmt.Sprintf("circuit breaker %q is open", name)).
		WithDetail("breaker", name)
}

func NewOperationNotSupportedError(resource, operation string) *AppError {
	return NewAppError(ErrorTypeUnsupported, CodeOperationNotSupported,
		fmt.Sprintf("operation %q is not supported by resource %q", operation, resource)).
		WithDetail("resource", resource).
		WithDetail("operation", operation)
}

func NewProbeTimeoutError(resource string, timeout time.Duration) *AppError {
	return NewAppError(ErrorTypeTimeout, CodeProbeTimeout,
		fmt.Sprintf("health probe for %q exceeded %s", resource, timeout)).
		WithDetail("resource", resource)
}

func NewAcquisitionTimeoutError(timeout time.Duration) *AppError {
	return NewAppError(ErrorTypeTimeout, CodeAcquisitionTimeout,
		fmt.Sprintf("no pooled connection available within %s", timeout))
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}
