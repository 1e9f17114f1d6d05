package polybase

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
	ErrConflict      = errors.New("concurrent modification detected")
	ErrInvalidData   = errors.New("invalid data format")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnsupported        = errors.New("operation not supported by provider")

	// Auth errors
	ErrAuthentication = errors.New("authentication failed")
	ErrInvalidToken   = errors.New("invalid or expired token")

	// Lifecycle errors
	ErrInitialization     = errors.New("provider initialization failed")
	ErrAlreadyInitialized = errors.New("provider already initialized")
	ErrNotInitialized     = errors.New("provider not initialized")

	// Transaction errors
	ErrTransactionFailed = errors.New("transaction failed")

	// Migration errors
	ErrMigrationStep = errors.New("migration step failed")

	// Configuration errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrUnknownProvider = fmt.Errorf("%w: unknown provider type", ErrInvalidConfig)
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Wrap joins a sentinel with the underlying cause so both match errors.Is.
// Cloud providers use it to map vendor errors while keeping the vendor error inspectable.
func Wrap(sentinel, cause error, context map[string]interface{}) error {
	if cause == nil {
		return nil
	}
	return WithContext(errors.Join(sentinel, cause), context)
}

// StepError reports a failed migration step.
type StepError struct {
	Index int
	Kind  ResourceKind
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("migration step %d (%s) failed: %v", e.Index, e.Kind, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrMigrationStep, e.Err}
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a conflict or duplicate error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrConflict)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrUnsupported)
}

// ErrorCode maps an error onto the machine-readable code used in command envelopes.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMigrationStep):
		return "MIGRATION_STEP_FAILED"
	case errors.Is(err, ErrInvalidConfig):
		return "INVALID_CONFIG"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrInvalidData):
		return "INVALID_DATA"
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, ErrBackendUnavailable):
		return "SERVICE_UNAVAILABLE"
	case errors.Is(err, ErrUnsupported):
		return "UNSUPPORTED"
	case errors.Is(err, ErrInitialization):
		return "INITIALIZATION_FAILED"
	default:
		return "INTERNAL_ERROR"
	}
}
