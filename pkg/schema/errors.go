package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeCondition       = "CONDITION_ERROR"
	ErrCodeArtifactMissing = "ARTIFACT_MISSING"
	ErrCodeActionFailed    = "ACTION_FAILED"
	ErrCodeProviderFailure = "PROVIDER_FAILURE"
	ErrCodeLevelFailed     = "LEVEL_FAILED"
	ErrCodeExecutor        = "EXECUTOR_ERROR"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeStore           = "STORE_ERROR"
)

// KilnError is the structured error type for all kiln operations.
type KilnError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Job     string         `json:"job,omitempty"`
	Cause   error          `json:"-"`
}

func (e *KilnError) Error() string {
	if e.Job != "" {
		return fmt.Sprintf("[%s] job %s: %s", e.Code, e.Job, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *KilnError) Unwrap() error {
	return e.Cause
}

// NewError creates a new KilnError.
func NewError(code, message string) *KilnError {
	return &KilnError{Code: code, Message: message}
}

// NewErrorf creates a new KilnError with a formatted message.
func NewErrorf(code, format string, args ...any) *KilnError {
	return &KilnError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithJob attaches a job name to the error.
func (e *KilnError) WithJob(job string) *KilnError {
	e.Job = job
	return e
}

// WithCause attaches an underlying cause.
func (e *KilnError) WithCause(err error) *KilnError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *KilnError) WithDetails(details map[string]any) *KilnError {
	e.Details = details
	return e
}
