package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatTransient  ErrorCategory = "transient"  // Storage lock/serialization/connection failure
	ErrCatBusy       ErrorCategory = "busy"       // Workflow row held by another attempt
	ErrCatRetry      ErrorCategory = "retry"      // Node asked for the same task to run again
	ErrCatTimeout    ErrorCategory = "timeout"    // Node exceeded its time limit
	ErrCatExecution  ErrorCategory = "execution"  // Node logic failed
	ErrCatState      ErrorCategory = "state"      // Invalid state transition
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatConflict   ErrorCategory = "conflict"   // Duplicate resource
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is matching. Only Category and Code are compared.
var (
	ErrNoPendingTask   = &DomainError{Category: ErrCatState, Code: CodeTaskNotPending}
	ErrBusy            = &DomainError{Category: ErrCatBusy, Code: CodeWorkflowBusy}
	ErrRetry           = &DomainError{Category: ErrCatRetry, Code: CodeRetryRequested}
	ErrStorage         = &DomainError{Category: ErrCatTransient, Code: CodeStorageTransient}
	ErrRetriesExceeded = &DomainError{Category: ErrCatExecution, Code: CodeRetriesExceeded}
)

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrTransient creates a storage error that aborts the attempt and is redelivered.
func ErrTransient(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTransient,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrWorkflowBusy reports that the workflow lock could not be taken without waiting.
func ErrWorkflowBusy(id WorkflowID) *DomainError {
	return &DomainError{
		Category:  ErrCatBusy,
		Code:      CodeWorkflowBusy,
		Message:   fmt.Sprintf("workflow %s is locked by another attempt", id),
		Retryable: true,
		Details:   map[string]interface{}{"workflow_id": string(id)},
	}
}

// ErrRetryRequested signals that node logic asked for the task to be redelivered.
func ErrRetryRequested(id TaskID) *DomainError {
	return &DomainError{
		Category:  ErrCatRetry,
		Code:      CodeRetryRequested,
		Message:   fmt.Sprintf("task %s returned retry", id),
		Retryable: true,
		Details:   map[string]interface{}{"task_id": string(id)},
	}
}

// ErrTimeout creates a timeout error. Timeouts are resolved inside the
// attempt's transaction and are never redelivered.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeNodeTimeout,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error raised by node logic.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrConflict creates a conflict error.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// IsTransient reports whether err came from the storage layer and must abort
// the attempt unchanged.
func IsTransient(err error) bool {
	return IsCategory(err, ErrCatTransient) || IsCategory(err, ErrCatBusy)
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeTaskNotFound     = "TASK_NOT_FOUND"
	CodeWorkflowNotFound = "WORKFLOW_NOT_FOUND"
	CodeTaskNotPending   = "TASK_NOT_PENDING"
	CodeInvalidState     = "INVALID_STATE"
	CodeWorkflowBusy     = "WORKFLOW_BUSY"
	CodeRetryRequested   = "RETRY_REQUESTED"
	CodeRetriesExceeded  = "RETRIES_EXCEEDED"
	CodeNodeTimeout      = "NODE_TIMEOUT"
	CodeNodeFailed       = "NODE_FAILED"
	CodeNodePanicked     = "NODE_PANICKED"

	// Storage error codes
	CodeStorageTransient = "STORAGE_TRANSIENT"
	CodeLockConflict     = "LOCK_CONFLICT"
	CodeAttemptCancelled = "ATTEMPT_CANCELLED"

	// Graph error codes
	CodeGraphNotFound    = "GRAPH_NOT_FOUND"
	CodeNodeNotFound     = "NODE_NOT_FOUND"
	CodeDuplicateGraph   = "DUPLICATE_GRAPH"
	CodeDuplicateNode    = "DUPLICATE_NODE"
	CodeInvalidGraph     = "INVALID_GRAPH"
	CodeUnknownSuccessor = "UNKNOWN_SUCCESSOR"

	// Validation error codes
	CodeMissingID   = "ID_REQUIRED"
	CodeMissingType = "TYPE_REQUIRED"
	CodeMissingNode = "NODE_REQUIRED"
	CodeMissingDSN  = "DSN_REQUIRED"

	// Delivery error codes
	CodeMalformedDelivery = "MALFORMED_DELIVERY"
	CodeDeliveryMismatch  = "DELIVERY_MISMATCH"
	CodeBrokerClosed      = "BROKER_CLOSED"
	CodeAPIUnreachable    = "API_UNREACHABLE"
)
