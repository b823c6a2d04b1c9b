package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDomainError_FormatCauseAndMatching(t *testing.T) {
	cause := errors.New("database is locked")
	err := ErrState(CodeStoreUnavailable, "state database unavailable").WithCause(cause)

	if got := err.Error(); got != "[state] STORE_UNAVAILABLE: state database unavailable (database is locked)" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause should be reachable through errors.Is")
	}
	wrapped := fmt.Errorf("cycle aborted: %w", err)
	if !errors.Is(wrapped, &DomainError{Category: ErrCatState, Code: CodeStoreUnavailable}) {
		t.Fatal("category and code should match through wrapping")
	}
	if errors.Is(wrapped, &DomainError{Category: ErrCatState, Code: CodeLeaseLost}) {
		t.Fatal("different code must not match")
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := ErrConflict(CodeCycleContended, "held").WithDetail("pid", 42)
	if err.Details["pid"] != 42 {
		t.Fatalf("details = %v", err.Details)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err       *DomainError
		cat       ErrorCategory
		code      string
		retryable bool
	}{
		{ErrValidation(CodeInvalidConfig, "m"), ErrCatValidation, CodeInvalidConfig, false},
		{ErrExecution(CodeWorkerFailed, "m"), ErrCatExecution, CodeWorkerFailed, true},
		{ErrTimeout("m"), ErrCatTimeout, CodeTimeout, true},
		{ErrState(CodeInvalidTransition, "m"), ErrCatState, CodeInvalidTransition, false},
		{ErrConflict(CodeLeaseHeld, "m"), ErrCatConflict, CodeLeaseHeld, false},
		{ErrNotFound("ticket", "T-1"), ErrCatNotFound, CodeNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if tt.err.Category != tt.cat || tt.err.Code != tt.code {
				t.Fatalf("got %s/%s", tt.err.Category, tt.err.Code)
			}
			if IsRetryable(tt.err) != tt.retryable {
				t.Fatalf("retryable = %v, want %v", IsRetryable(tt.err), tt.retryable)
			}
			if !IsCategory(fmt.Errorf("wrapped: %w", tt.err), tt.cat) {
				t.Fatal("category lost through wrapping")
			}
		})
	}
	if !strings.Contains(ErrNotFound("ticket", "T-1").Error(), "ticket not found: T-1") {
		t.Fatal("not found message should name the resource")
	}
}

func TestForeignErrors(t *testing.T) {
	plain := errors.New("plain")
	if IsRetryable(plain) || HasCode(plain, CodeLeaseHeld) {
		t.Fatal("plain errors are neither retryable nor coded")
	}
	if GetCategory(plain) != ErrCatInternal {
		t.Fatal("plain errors are internal")
	}
}

func TestHasCode_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("claiming: %w", ErrConflict(CodeLeaseHeld, "held"))
	if !HasCode(err, CodeLeaseHeld) {
		t.Fatal("expected wrapped code to be found")
	}
	if HasCode(err, CodeLeaseLost) {
		t.Fatal("unexpected code match")
	}
}
