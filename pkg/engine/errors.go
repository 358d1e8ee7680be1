package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and reporting.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed when the pass is re-run.
	// Examples: network resets, a mirror returning 503.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that will repeat until the host or
	// manifest is changed by an operator.
	// Examples: permission denied, checksum mismatch, malformed config file.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure for programmatic handling (see ErrCode*).
	Code string `json:"code,omitempty"`

	// Resource is the descriptor key that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the step being performed when the error occurred
	// (probe, fetch, patch, post-fetch, restart).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface. The cause is appended only when set.
func (e *EngineError) Error() string {
	var msg string
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, e.Message, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("[%s] %s (resource=%s)", e.Class, e.Message, e.Resource)
	default:
		msg = fmt.Sprintf("[%s] %s", e.Class, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewProbeError reports that the host could not be inspected for a descriptor.
// A probe error is never treated as Missing.
func NewProbeError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeProbe).WithOperation("probe")
}

// NewFetchError reports a transport or disk failure while materializing an
// artifact. There is no internal retry: re-running the pass is the retry.
func NewFetchError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeFetch).WithOperation("fetch")
}

// NewPatchError reports a config patch that could not be applied. Patch
// errors are recorded as warnings and never fail a descriptor.
func NewPatchError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodePatch).WithOperation("patch")
}

// NewControllerUnavailableError reports that the service could not be restarted
// because no controller exists on this host.
func NewControllerUnavailableError(service string, err error) *EngineError {
	return NewPermanentError("service controller unavailable", err).
		WithCode(ErrCodeControllerUnavailable).
		WithOperation("restart").
		WithDetail("service", service)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// HasCode reports whether err wraps an EngineError carrying code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsProbeError returns true if err is a probe failure.
func IsProbeError(err error) bool { return HasCode(err, ErrCodeProbe) }

// IsFetchError returns true if err is a fetch failure, including checksum mismatches.
func IsFetchError(err error) bool {
	return HasCode(err, ErrCodeFetch) || HasCode(err, ErrCodeChecksumMismatch)
}

// IsPatchError returns true if err is a config patch failure.
func IsPatchError(err error) bool { return HasCode(err, ErrCodePatch) }

// IsControllerUnavailable returns true if the service controller is missing.
func IsControllerUnavailable(err error) bool { return HasCode(err, ErrCodeControllerUnavailable) }

// CodeOf returns the EngineError code in err's chain, or ErrCodeInternal.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}

// Common error codes.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeEnvironment           = "ENVIRONMENT_ERROR"
	ErrCodeProbe                 = "PROBE_ERROR"
	ErrCodeFetch                 = "FETCH_ERROR"
	ErrCodeChecksumMismatch      = "CHECKSUM_MISMATCH"
	ErrCodePatch                 = "PATCH_ERROR"
	ErrCodeControllerUnavailable = "CONTROLLER_UNAVAILABLE"
	ErrCodePostFetch             = "POST_FETCH_FAILED"
	ErrCodeManualCleanup         = "MANUAL_CLEANUP_REQUIRED"
	ErrCodeDependencyFailed      = "DEPENDENCY_FAILED"
	ErrCodePackage               = "PACKAGE_FAILED"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)
