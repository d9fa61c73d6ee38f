// Package errors provides standardized error handling for the job worker.
// Every failure that can reach the job boundary is represented as a
// WorkerError with a stable code; the orchestrator converts these to the
// single user-visible {"error": "..."} response shape.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeValidation          ErrorCode = "VALIDATION_ERROR"
	ErrCodeResourceExhausted   ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeUnknownTemplate     ErrorCode = "UNKNOWN_TEMPLATE"
	ErrCodeMissingPlaceholder  ErrorCode = "MISSING_PLACEHOLDER"
	ErrCodeServerUnavailable   ErrorCode = "SERVER_UNAVAILABLE"
	ErrCodeUploadFailed        ErrorCode = "UPLOAD_ERROR"
	ErrCodeSubmissionRejected  ErrorCode = "SUBMISSION_REJECTED"
	ErrCodeExecutionFailed     ErrorCode = "EXECUTION_FAILED"
	ErrCodeExecutionTimeout    ErrorCode = "EXECUTION_TIMEOUT"
	ErrCodeAssetsNotReady      ErrorCode = "ASSETS_NOT_READY"
	ErrCodeFetchFailed         ErrorCode = "FETCH_ERROR"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// WorkerError represents a structured application error.
type WorkerError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *WorkerError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UserMessage returns the text placed in the job's {"error": ...} response.
func (e *WorkerError) UserMessage() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// NewValidationError reports every violated input field, not just the first.
func NewValidationError(fieldErrors []string) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeValidation,
		Message:   "Job input validation failed",
		Details:   strings.Join(fieldErrors, "; "),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewResourceExhaustedError aborts a job before any upstream call is made.
func NewResourceExhaustedError(details string) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeResourceExhausted,
		Message:   "Insufficient local resource headroom",
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnknownTemplateError marks a workflow name outside the fixed catalog.
func NewUnknownTemplateError(name string) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeUnknownTemplate,
		Message:   "Unknown workflow template",
		Details:   fmt.Sprintf("workflow: %s", name),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewMissingPlaceholderError marks a template placeholder the job supplied no value for.
func NewMissingPlaceholderError(placeholder string) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeMissingPlaceholder,
		Message:   "Workflow template requires a value that was not provided",
		Details:   fmt.Sprintf("placeholder: %s", placeholder),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewServerUnavailableError marks the local generation server as unreachable.
func NewServerUnavailableError(details string) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeServerUnavailable,
		Message:   "ComfyUI server is not reachable",
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewUploadError marks an input image upload failure.
func NewUploadError(err error) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeUploadFailed,
		Message:   "Input image upload failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewSubmissionRejectedError carries the server's workflow validation detail verbatim.
func NewSubmissionRejectedError(details string) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeSubmissionRejected,
		Message:   "Workflow submission rejected by server",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewExecutionFailedError carries the upstream execution_error detail verbatim.
func NewExecutionFailedError(details string) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeExecutionFailed,
		Message:   "Workflow execution error",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewExecutionTimeoutError marks a monitoring run that never saw a terminal event.
func NewExecutionTimeoutError(timeout time.Duration) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeExecutionTimeout,
		Message:   "Workflow execution timed out",
		Details:   fmt.Sprintf("no terminal event within %s", timeout),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAssetsNotReadyError marks exhaustion of the asset-readiness polling budget.
func NewAssetsNotReadyError(promptID string, attempts int) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeAssetsNotReady,
		Message:   "Generated assets never became available",
		Details:   fmt.Sprintf("prompt: %s, attempts: %d", promptID, attempts),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewFetchError marks a failed asset download.
func NewFetchError(filename string, err error) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeFetchFailed,
		Message:   "Failed to fetch output asset",
		Details:   fmt.Sprintf("%s: %s", filename, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewInternalError wraps an unexpected error at the job boundary.
func NewInternalError(err error) *WorkerError {
	return &WorkerError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected worker error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// AsWorkerError normalizes any error to a WorkerError. Errors produced by
// this package pass through unchanged; everything else becomes INTERNAL_ERROR.
func AsWorkerError(err error) *WorkerError {
	if we, ok := err.(*WorkerError); ok {
		return we
	}
	return NewInternalError(err)
}

// IsCode reports whether err is a WorkerError with the given code.
func IsCode(err error, code ErrorCode) bool {
	we, ok := err.(*WorkerError)
	return ok && we.Code == code
}

// GetErrorCategory returns the coarse category used for metrics labels.
func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeValidation, ErrCodeUnknownTemplate, ErrCodeMissingPlaceholder:
		return "INPUT"
	case ErrCodeResourceExhausted:
		return "RESOURCE"
	case ErrCodeServerUnavailable, ErrCodeUploadFailed, ErrCodeSubmissionRejected, ErrCodeFetchFailed:
		return "UPSTREAM"
	case ErrCodeExecutionFailed, ErrCodeExecutionTimeout, ErrCodeAssetsNotReady:
		return "EXECUTION"
	default:
		return "OTHER"
	}
}
