// Package domain provides the TARA record types, artifact metadata and the
// canonical error taxonomy shared by the pipeline, storage and request surface.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a pipeline error.
type ErrorKind string

const (
	// KindValidation indicates bad or missing parameters. No side effects occurred.
	KindValidation ErrorKind = "validation_error"

	// KindUnresolvedDependency indicates a required upstream artifact is missing.
	KindUnresolvedDependency ErrorKind = "unresolved_dependency"

	// KindAlreadyRunning indicates another run holds the same (stage, scope) key.
	KindAlreadyRunning ErrorKind = "already_running"

	// KindGeneration indicates the generation backend failed or timed out.
	KindGeneration ErrorKind = "generation_failure"

	// KindStorage indicates the persistence layer is unavailable.
	KindStorage ErrorKind = "storage_failure"
)

// FailureCause gives additional specificity to a generation failure.
type FailureCause string

const (
	CauseTimeout       FailureCause = "timeout"
	CauseBackend       FailureCause = "backend"
	CauseInvalidOutput FailureCause = "invalid_output"
	CauseCanceled      FailureCause = "canceled"
)

// Error is the canonical pipeline error returned by the orchestrator and
// translated to HTTP responses by the request surface.
type Error struct {
	// Kind is the category of error
	Kind ErrorKind `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Stage is the stage the caller should run first (unresolved dependency)
	// or the stage that failed.
	Stage StageID `json:"stage,omitempty"`

	// Param is the parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// Cause is set for generation failures
	Cause FailureCause `json:"cause,omitempty"`

	// Err is the wrapped underlying error
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Cause)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrAlreadyRunning) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Cause == ""
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnresolvedDependency:
		return http.StatusFailedDependency
	case KindAlreadyRunning:
		return http.StatusConflict
	case KindGeneration:
		if e.Cause == CauseTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case KindStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WithStage records the stage associated with the error.
func (e *Error) WithStage(id StageID) *Error {
	e.Stage = id
	return e
}

// WithParam adds a parameter name to the error.
func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

// Sentinel values for errors.Is comparisons.
var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrUnresolvedDependency = &Error{Kind: KindUnresolvedDependency}
	ErrAlreadyRunning       = &Error{Kind: KindAlreadyRunning}
	ErrGeneration           = &Error{Kind: KindGeneration}
	ErrStorage              = &Error{Kind: KindStorage}
)

// Convenience constructors

// ErrInvalid creates a validation error.
func ErrInvalid(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ErrUnresolved creates an unresolved dependency error naming the stage to run first.
func ErrUnresolved(stage StageID, format string, args ...any) *Error {
	return &Error{Kind: KindUnresolvedDependency, Message: fmt.Sprintf(format, args...), Stage: stage}
}

// ErrRunning creates an already running error.
func ErrRunning(stage StageID, scope string) *Error {
	msg := fmt.Sprintf("stage %d is already running", stage)
	if scope != "" {
		msg = fmt.Sprintf("stage %d is already running for scope %q", stage, scope)
	}
	return &Error{Kind: KindAlreadyRunning, Message: msg, Stage: stage}
}

// ErrGenerationFailed creates a generation failure with the given cause.
func ErrGenerationFailed(cause FailureCause, err error) *Error {
	return &Error{Kind: KindGeneration, Message: "generation failed", Cause: cause, Err: err}
}

// ErrStorageFailed wraps a persistence error.
func ErrStorageFailed(op string, err error) *Error {
	return &Error{Kind: KindStorage, Message: op, Err: err}
}

// AsError extracts a *Error from err, converting unknown errors into storage
// failures so callers always see the canonical taxonomy.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindStorage, Message: "internal error", Err: err}
}

// IsCause reports whether err is a generation failure with the given cause.
func IsCause(err error, cause FailureCause) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindGeneration && e.Cause == cause
}
