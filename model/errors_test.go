package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrTaskNotFound, Message: "task missing"}
	want := "TASK_NOT_FOUND: task missing"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "processDefinitionKey", Code: "REQUIRED", Message: "required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
}

func TestNewUpstreamError_unwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	e := NewUpstreamError("claim task", cause)
	if e.Code != ErrUpstreamFailure {
		t.Errorf("Code = %q, want %q", e.Code, ErrUpstreamFailure)
	}
	if e.Message != "claim task failed" {
		t.Errorf("Message = %q", e.Message)
	}
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the cause")
	}
}

func TestIsCode_wrapped(t *testing.T) {
	err := fmt.Errorf("claim: %w", NewTaskAlreadyAssignedError("t1"))
	if !IsCode(err, ErrTaskAlreadyAssigned) {
		t.Error("IsCode should see through wrapping")
	}
	if IsCode(err, ErrTaskNotAssigned) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(errors.New("plain"), ErrTaskNotAssigned) {
		t.Error("IsCode matched a plain error")
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{NewTaskNotFoundError("t"), CategoryNotFound},
		{NewProcessNotFoundError("p"), CategoryNotFound},
		{NewTaskAlreadyAssignedError("t"), CategoryConflict},
		{NewTaskNotAssignedError("t"), CategoryConflict},
		{NewWorkflowExistsError("k"), CategoryConflict},
		{NewInvalidMappingsError("empty"), CategoryValidationFailed},
		{NewForbiddenError("no"), CategoryForbidden},
		{NewUpstreamError("x", nil), CategoryUpstreamFailure},
		{NewBackendUnavailableError(), CategoryUpstreamFailure},
		{errors.New("boom"), CategoryInternal},
		{NewError("SOMETHING_ELSE", "x"), CategoryInternal},
	}
	for _, tt := range tests {
		if got := Category(tt.err); got != tt.want {
			t.Errorf("Category(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
