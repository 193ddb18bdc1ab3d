package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrBrowserUnavailable, "chrome not started").
		WithCause(root).
		WithHTTPStatus(503).
		WithRetryable(true)

	if GetErrorCode(err) != ErrBrowserUnavailable {
		t.Fatalf("expected code %s, got %s", ErrBrowserUnavailable, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got, want := err.Error(), "[BROWSER_UNAVAILABLE] chrome not started: root"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrNoPendingInput, "No pending input for this session")
	wrapped := fmt.Errorf("submit decision: %w", inner)

	if !IsErrorCode(wrapped, ErrNoPendingInput) {
		t.Fatalf("expected wrapped code lookup")
	}
	e, ok := AsError(wrapped)
	if !ok || e != inner {
		t.Fatalf("AsError did not find inner error")
	}
	if IsRetryable(wrapped) {
		t.Fatalf("expected not retryable")
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
	if got := NewError(ErrNotFound, "missing").Error(); got != "[NOT_FOUND] missing" {
		t.Fatalf("unexpected message %q", got)
	}
}
