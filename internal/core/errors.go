package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // bad input or configuration
	ErrCatExecution  ErrorCategory = "execution"  // worker or git command failed
	ErrCatTimeout    ErrorCategory = "timeout"    // budget exhausted
	ErrCatState      ErrorCategory = "state"      // illegal transition or unreachable store
	ErrCatNotFound   ErrorCategory = "not_found"
	ErrCatConflict   ErrorCategory = "conflict" // contention or concurrent modification
	ErrCatInternal   ErrorCategory = "internal"
)

// retryableByDefault lists the categories worth another attempt. Conflicts
// are resolved by skipping to the next cycle, never by retrying in place.
var retryableByDefault = map[ErrorCategory]bool{
	ErrCatExecution: true,
	ErrCatTimeout:   true,
}

// DomainError is the structured error shared by every layer. Errors compare
// equal under errors.Is when category and code match.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

func newDomainError(cat ErrorCategory, code, message string) *DomainError {
	return &DomainError{
		Category:  cat,
		Code:      code,
		Message:   message,
		Retryable: retryableByDefault[cat],
	}
}

// Error renders "[category] CODE: message", plus the cause when present.
func (e *DomainError) Error() string {
	s := fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
	if e.Cause != nil {
		s += fmt.Sprintf(" (%v)", e.Cause)
	}
	return s
}

// Unwrap returns the cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError by category and code.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause attaches the underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail attaches a key/value for logs and API responses.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// ErrValidation reports bad input.
func ErrValidation(code, message string) *DomainError {
	return newDomainError(ErrCatValidation, code, message)
}

// ErrExecution reports a failed external command. It is retryable.
func ErrExecution(code, message string) *DomainError {
	return newDomainError(ErrCatExecution, code, message)
}

// ErrTimeout reports an exhausted budget. It is retryable.
func ErrTimeout(message string) *DomainError {
	return newDomainError(ErrCatTimeout, CodeTimeout, message)
}

// ErrState reports an illegal transition or an unusable store.
func ErrState(code, message string) *DomainError {
	return newDomainError(ErrCatState, code, message)
}

// ErrConflict reports contention with another owner.
func ErrConflict(code, message string) *DomainError {
	return newDomainError(ErrCatConflict, code, message)
}

// ErrNotFound reports a missing resource.
func ErrNotFound(resource, id string) *DomainError {
	return newDomainError(ErrCatNotFound, CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id))
}

func asDomain(err error) (*DomainError, bool) {
	var d *DomainError
	if errors.As(err, &d) && d != nil {
		return d, true
	}
	return nil, false
}

// IsRetryable reports whether err is a DomainError marked retryable.
func IsRetryable(err error) bool {
	d, ok := asDomain(err)
	return ok && d.Retryable
}

// GetCategory returns err's category; foreign errors are internal.
func GetCategory(err error) ErrorCategory {
	if d, ok := asDomain(err); ok {
		return d.Category
	}
	return ErrCatInternal
}

// IsCategory reports whether err belongs to cat.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// HasCode reports whether err is a DomainError carrying code.
func HasCode(err error, code string) bool {
	d, ok := asDomain(err)
	return ok && d.Code == code
}

// Error codes.
const (
	CodeTimeout           = "TIMEOUT"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeMissingArtifact   = "MISSING_ARTIFACT"
	CodeTerminalPhase     = "TERMINAL_PHASE"
	CodeUnknownEvent      = "UNKNOWN_EVENT"
	CodeCycleContended    = "CYCLE_CONTENDED"
	CodeLeaseHeld         = "LEASE_HELD"
	CodeLeaseLost         = "LEASE_LOST"
	CodeVersionConflict   = "VERSION_CONFLICT"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeMergeConflict     = "MERGE_CONFLICT"
	CodePathEscape        = "PATH_ESCAPE"
	CodeProtectedBranch   = "PROTECTED_BRANCH"
	CodeTrunkMoved        = "TRUNK_MOVED"
	CodeWorkerFailed      = "WORKER_FAILED"
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeUnknownProject    = "UNKNOWN_PROJECT"
	CodeSealedRun         = "RUN_SEALED"
	CodeInvalidTicketID   = "INVALID_TICKET_ID"
)
