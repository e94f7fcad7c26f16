package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected by a module instance.
//
// Runtime errors include:
//   - Nested transaction: Transact called from inside a transaction body
//   - Quota exceeded: a commit cascade exceeds its step limit
//   - Cycle detected: a trait step rewrote the same value twice in one cascade
//   - Unknown action: Dispatch named an action the module does not declare
//   - Duplicate target: two traits normalize to one target path
//   - Invalid concurrency: a task declaration failed validation
//
// RuntimeError includes structured fields for diagnostics and recovery.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Module names the module instance.
	Module string

	// Origin labels the transaction involved, if any.
	Origin string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeNestedTransaction indicates Transact was called while a
	// transaction body was running on the same context.
	ErrCodeNestedTransaction RuntimeErrorCode = "NESTED_TRANSACTION"

	// ErrCodeQuotaExceeded indicates a cascade exceeded max steps.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeCycleDetected indicates a trait step would commit the same
	// value twice in one cascade.
	ErrCodeCycleDetected RuntimeErrorCode = "CYCLE_DETECTED"

	// ErrCodeUnknownAction indicates a dispatched action doesn't exist.
	ErrCodeUnknownAction RuntimeErrorCode = "UNKNOWN_ACTION"

	// ErrCodeDuplicateTarget indicates two traits share a target path.
	ErrCodeDuplicateTarget RuntimeErrorCode = "DUPLICATE_TARGET"

	// ErrCodeInvalidConcurrency indicates an invalid task declaration.
	ErrCodeInvalidConcurrency RuntimeErrorCode = "INVALID_CONCURRENCY"

	// ErrCodeInvalidDefinition indicates a malformed module definition.
	ErrCodeInvalidDefinition RuntimeErrorCode = "INVALID_DEFINITION"

	// ErrCodeDestroyed indicates the module instance was destroyed.
	ErrCodeDestroyed RuntimeErrorCode = "DESTROYED"

	// ErrCodeBodyPanic indicates a transaction body panicked. The
	// transaction was aborted.
	ErrCodeBodyPanic RuntimeErrorCode = "BODY_PANIC"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Module != "" && e.Origin != "" {
		msg = fmt.Sprintf("%s (module=%s, origin=%s)", msg, e.Module, e.Origin)
	} else if e.Module != "" {
		msg = fmt.Sprintf("%s (module=%s)", msg, e.Module)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsNestedTransactionError returns true if err is a nested transaction
// refusal. Uses errors.As to handle wrapped errors.
func IsNestedTransactionError(err error) bool {
	return hasCode(err, ErrCodeNestedTransaction)
}

// IsQuotaError returns true if the error is a quota exceeded error.
// Matches both RuntimeError with ErrCodeQuotaExceeded and StepsExceededError.
// Uses errors.As to handle wrapped errors.
func IsQuotaError(err error) bool {
	if hasCode(err, ErrCodeQuotaExceeded) {
		return true
	}
	var se *StepsExceededError
	return errors.As(err, &se)
}

// IsCycleError returns true if the error is a cycle detection error.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeCycleDetected)
}

// IsUnknownActionError returns true if err reports an undeclared action.
func IsUnknownActionError(err error) bool {
	return hasCode(err, ErrCodeUnknownAction)
}

// IsDestroyedError returns true if err reports a destroyed module.
func IsDestroyedError(err error) bool {
	return hasCode(err, ErrCodeDestroyed)
}

// NewNestedTransactionError creates a RuntimeError for a nested Transact.
func NewNestedTransactionError(module, origin, openTxnID string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeNestedTransaction,
		Message: "transaction requested from inside an open transaction body",
		Module:  module,
		Origin:  origin,
		Details: map[string]string{"open_txn_id": openTxnID},
	}
}

// NewQuotaError creates a RuntimeError for quota exceeded.
func NewQuotaError(module, origin string, cause *StepsExceededError) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeQuotaExceeded,
		Message: fmt.Sprintf("cascade exceeded max steps (%d > %d)", cause.Steps, cause.Limit),
		Module:  module,
		Origin:  origin,
		Details: map[string]string{
			"cascade":   cause.Cascade,
			"steps":     fmt.Sprintf("%d", cause.Steps),
			"max_steps": fmt.Sprintf("%d", cause.Limit),
		},
		Err: cause,
	}
}

// NewCycleError creates a RuntimeError for cycle detection.
func NewCycleError(module, cascade, stepID, valueHash string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCycleDetected,
		Message: "trait step would commit the same value twice in one cascade",
		Module:  module,
		Origin:  stepID,
		Details: map[string]string{
			"cascade":    cascade,
			"step":       stepID,
			"value_hash": valueHash,
		},
	}
}

// NewUnknownActionError creates a RuntimeError for an undeclared action.
func NewUnknownActionError(module, action string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownAction,
		Message: fmt.Sprintf("action %q is not declared", action),
		Module:  module,
	}
}

func newDestroyedError(module, origin string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDestroyed,
		Message: "module instance was destroyed",
		Module:  module,
		Origin:  origin,
	}
}
