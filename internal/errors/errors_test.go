package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTemporaError_Error(t *testing.T) {
	err := New(ErrCategoryQuery, CodeNotImplemented, "filters are not supported for project")
	expected := "[QUERY:NOT_IMPLEMENTED] filters are not supported for project"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestTemporaError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := NewExecutionError("as-of query failed", cause)
	expected := "[QUERY:EXECUTION_FAILED] as-of query failed: database is locked"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestTemporaError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryStorage, CodeUploadFailed, "upload", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestTemporaError_Is(t *testing.T) {
	err1 := NewUnsupportedPredicate("Exists")
	err2 := NewQueryError(CodeUnsupportedPredicate, "other message")
	err3 := NewNotImplemented("different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestUnsupportedPredicateNamesNode(t *testing.T) {
	err := NewUnsupportedPredicate("Exists")
	if !strings.Contains(err.Error(), "Exists") {
		t.Errorf("message %q should name the node kind", err.Error())
	}
	if err.Details["node"] != "Exists" {
		t.Errorf("details = %v, want node=Exists", err.Details)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryQuery, CodeUnsupportedPredicate, false},
		{ErrCategoryQuery, CodeExecutionFailed, false},
		{ErrCategoryValidation, CodeInvalidInput, false},
		{ErrCategoryValidation, CodeVersionConflict, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewInvalidInput("query is %s", "nil"))
	if GetCategory(err) != ErrCategoryValidation {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryValidation)
	}
	if GetCode(err) != CodeInvalidInput {
		t.Errorf("got %q, want %q", GetCode(err), CodeInvalidInput)
	}
	if !HasCode(err, CodeInvalidInput) {
		t.Error("HasCode should see through fmt wrapping")
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-TemporaError should return empty category")
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-TemporaError should return empty code")
	}
}

func TestWithDetailsCopies(t *testing.T) {
	base := NewValidationError(CodeUnknownRelation, "unknown relation")
	detailed := base.WithDetails(map[string]interface{}{"table": "widgets"})
	if base.Details != nil {
		t.Error("WithDetails must not mutate the receiver")
	}
	if detailed.Details["table"] != "widgets" {
		t.Errorf("details = %v", detailed.Details)
	}
}
