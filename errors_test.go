package polybase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWithContext(t *testing.T) {
	err := WithContext(ErrNotFound, map[string]interface{}{"key": "users/123"})

	var ctxErr *ErrorWithContext
	if !errors.As(err, &ctxErr) {
		t.Fatal("expected *ErrorWithContext")
	}
	if ctxErr.Context["key"] != "users/123" {
		t.Errorf("context lost: %+v", ctxErr.Context)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("errors.Is should see through the context wrapper")
	}
	if !strings.Contains(err.Error(), "users/123") {
		t.Errorf("message should include context: %s", err)
	}
	if WithContext(nil, map[string]interface{}{"k": 1}) != nil {
		t.Error("WithContext(nil) must be nil")
	}
	if got := WithContext(ErrTimeout, nil).Error(); got != ErrTimeout.Error() {
		t.Errorf("empty context should not decorate the message, got %q", got)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("ResourceNotFoundException: table missing")
	err := Wrap(ErrNotFound, cause, map[string]interface{}{"table": "users"})
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, cause) {
		t.Errorf("Wrap must match both sentinel and cause: %v", err)
	}
	if Wrap(ErrNotFound, nil, nil) != nil {
		t.Error("Wrap with nil cause must be nil")
	}
}

func TestStepError(t *testing.T) {
	err := error(&StepError{Index: 2, Kind: KindDatabase, Err: ErrBackendUnavailable})
	if !errors.Is(err, ErrMigrationStep) || !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("StepError should match the step sentinel and its cause")
	}
	if !strings.Contains(err.Error(), "step 2") {
		t.Errorf("unexpected message %q", err)
	}
	if ErrorCode(err) != "MIGRATION_STEP_FAILED" {
		t.Errorf("step failures take precedence, got %s", ErrorCode(err))
	}
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("put: %w", ErrConflict)
	if !IsConflict(wrapped) || !IsConflict(ErrAlreadyExists) {
		t.Error("IsConflict")
	}
	if !IsRetryable(ErrTimeout) || !IsRetryable(ErrBackendUnavailable) || IsRetryable(ErrNotFound) {
		t.Error("IsRetryable")
	}
	if !IsPermanent(ErrInvalidConfig) || IsPermanent(ErrTimeout) {
		t.Error("IsPermanent")
	}
	if !errors.Is(ErrUnknownProvider, ErrInvalidConfig) {
		t.Error("ErrUnknownProvider should be an ErrInvalidConfig")
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInvalidConfig, "INVALID_CONFIG"},
		{ErrUnknownProvider, "INVALID_CONFIG"},
		{WithContext(ErrNotFound, nil), "NOT_FOUND"},
		{ErrAlreadyExists, "ALREADY_EXISTS"},
		{ErrConflict, "CONFLICT"},
		{ErrInvalidData, "INVALID_DATA"},
		{ErrInvalidToken, "UNAUTHORIZED"},
		{ErrAuthentication, "UNAUTHORIZED"},
		{context.DeadlineExceeded, "TIMEOUT"},
		{ErrBackendUnavailable, "SERVICE_UNAVAILABLE"},
		{ErrUnsupported, "UNSUPPORTED"},
		{ErrInitialization, "INITIALIZATION_FAILED"},
		{errors.New("boom"), "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		if got := ErrorCode(tc.err); got != tc.want {
			t.Errorf("ErrorCode(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
