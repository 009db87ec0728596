package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrUpstreamFailure    = "UPSTREAM_FAILURE"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Domain error codes.
const (
	ErrWorkflowNotFound      = "WORKFLOW_NOT_FOUND"
	ErrWorkflowAlreadyExists = "WORKFLOW_ALREADY_EXISTS"
	ErrInvalidMappings       = "INVALID_MAPPINGS"
	ErrTaskNotFound          = "TASK_NOT_FOUND"
	ErrTaskAlreadyAssigned   = "TASK_ALREADY_ASSIGNED"
	ErrTaskNotAssigned       = "TASK_NOT_ASSIGNED"
	ErrTaskAlreadyCompleted  = "TASK_ALREADY_COMPLETED"
	ErrProcessNotFound       = "PROCESS_NOT_FOUND"
	ErrBusinessAppNotFound   = "BUSINESS_APP_NOT_FOUND"
	ErrUserNotFound          = "USER_NOT_FOUND"
)

// ErrorCategory is the coarse class an error code belongs to.
type ErrorCategory string

// Error categories.
const (
	CategoryNotFound         ErrorCategory = "not_found"
	CategoryConflict         ErrorCategory = "conflict"
	CategoryValidationFailed ErrorCategory = "validation_failed"
	CategoryForbidden        ErrorCategory = "forbidden"
	CategoryUpstreamFailure  ErrorCategory = "upstream_failure"
	CategoryInternal         ErrorCategory = "internal"
)

var categoryForCode = map[string]ErrorCategory{
	ErrNotFound:              CategoryNotFound,
	ErrWorkflowNotFound:      CategoryNotFound,
	ErrTaskNotFound:          CategoryNotFound,
	ErrProcessNotFound:       CategoryNotFound,
	ErrBusinessAppNotFound:   CategoryNotFound,
	ErrUserNotFound:          CategoryNotFound,
	ErrConflict:              CategoryConflict,
	ErrWorkflowAlreadyExists: CategoryConflict,
	ErrTaskAlreadyAssigned:   CategoryConflict,
	ErrTaskNotAssigned:       CategoryConflict,
	ErrTaskAlreadyCompleted:  CategoryConflict,
	ErrBadRequest:            CategoryValidationFailed,
	ErrValidationError:       CategoryValidationFailed,
	ErrInvalidMappings:       CategoryValidationFailed,
	ErrUnauthorized:          CategoryForbidden,
	ErrForbidden:             CategoryForbidden,
	ErrUpstreamFailure:       CategoryUpstreamFailure,
	ErrBackendUnavailable:    CategoryUpstreamFailure,
	ErrBackendTimeout:        CategoryUpstreamFailure,
}

// ErrorEnvelope is the standard error response envelope returned by the
// service. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any. The cause is never serialized.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope extracts the first ErrorEnvelope in err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsCode reports whether err carries an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// Category classifies err. Errors without an envelope are internal.
func Category(err error) ErrorCategory {
	ee, ok := AsEnvelope(err)
	if !ok {
		return CategoryInternal
	}
	if c, ok := categoryForCode[ee.Code]; ok {
		return c
	}
	return CategoryInternal
}

// NewError returns an envelope with an arbitrary code.
func NewError(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewUpstreamError returns an UPSTREAM_FAILURE wrapping cause. The message
// names the failed operation; the cause is kept for logging only.
func NewUpstreamError(op string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUpstreamFailure,
		Message: op + " failed",
		cause:   cause,
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// NewWorkflowNotFoundError returns a WORKFLOW_NOT_FOUND error.
func NewWorkflowNotFoundError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowNotFound,
		Message: fmt.Sprintf("workflow %q not found", key),
	}
}

// NewWorkflowExistsError returns a WORKFLOW_ALREADY_EXISTS error.
func NewWorkflowExistsError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowAlreadyExists,
		Message: fmt.Sprintf("workflow %q already exists", key),
	}
}

// NewInvalidMappingsError returns an INVALID_MAPPINGS error.
func NewInvalidMappingsError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidMappings, Message: msg}
}

// NewTaskNotFoundError returns a TASK_NOT_FOUND error.
func NewTaskNotFoundError(taskID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskNotFound,
		Message: fmt.Sprintf("task %q not found", taskID),
	}
}

// NewTaskAlreadyAssignedError returns a TASK_ALREADY_ASSIGNED error.
func NewTaskAlreadyAssignedError(taskID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskAlreadyAssigned,
		Message: fmt.Sprintf("task %q is already assigned", taskID),
	}
}

// NewTaskNotAssignedError returns a TASK_NOT_ASSIGNED error.
func NewTaskNotAssignedError(taskID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskNotAssigned,
		Message: fmt.Sprintf("task %q is not assigned", taskID),
	}
}

// NewTaskCompletedError returns a TASK_ALREADY_COMPLETED error.
func NewTaskCompletedError(taskID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskAlreadyCompleted,
		Message: fmt.Sprintf("task %q is already completed", taskID),
	}
}

// NewProcessNotFoundError returns a PROCESS_NOT_FOUND error.
func NewProcessNotFoundError(processInstanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrProcessNotFound,
		Message: fmt.Sprintf("process instance %q not found", processInstanceID),
	}
}

// NewBusinessAppNotFoundError returns a BUSINESS_APP_NOT_FOUND error.
func NewBusinessAppNotFoundError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBusinessAppNotFound,
		Message: fmt.Sprintf("business application %q not found", name),
	}
}

// NewUserNotFoundError returns a USER_NOT_FOUND error.
func NewUserNotFoundError(userID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUserNotFound,
		Message: fmt.Sprintf("user %q not found", userID),
	}
}
