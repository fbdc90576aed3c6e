package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeWorkflowNotFound    = "WORKFLOW_NOT_FOUND"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeBookmarkNotFound    = "BOOKMARK_NOT_FOUND"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeNoPath              = "NO_PATH"
	ErrCodeUnsupportedActivity = "UNSUPPORTED_ACTIVITY"
	ErrCodeLockHeld            = "LOCK_HELD"
	ErrCodeStore               = "STORE_ERROR"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	ActivityID string         `json:"activity_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.ActivityID != "" {
		return fmt.Sprintf("[%s] activity %s: %s", e.Code, e.ActivityID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithActivity attaches an activity ID to the error.
func (e *FlowError) WithActivity(activityID string) *FlowError {
	e.ActivityID = activityID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
