package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	e := NewError(ErrMissingOptimizer, "optimizer fn not defined").WithTask("ctr")
	got := e.Error()
	want := "[MISSING_OPTIMIZER] optimizer fn not defined (task=ctr)"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := errors.New("boom")
	e := NewError(ErrGradientStructure, "apply failed").WithCause(cause)
	if e.Unwrap() != cause {
		t.Error("Unwrap() should return the cause")
	}
	if !errors.Is(e, cause) {
		t.Error("errors.Is should match the cause")
	}
}

func TestGetErrorCode(t *testing.T) {
	e := NewError(ErrDuplicateRegistration, "loss define twice")
	if GetErrorCode(e) != ErrDuplicateRegistration {
		t.Errorf("GetErrorCode = %q", GetErrorCode(e))
	}
	wrapped := fmt.Errorf("compile: %w", e)
	if GetErrorCode(wrapped) != ErrDuplicateRegistration {
		t.Error("GetErrorCode should see through wrapping")
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Error("plain errors have no code")
	}
}

func TestIsGradientStructure(t *testing.T) {
	if !IsGradientStructure(NewError(ErrGradientStructure, "no gradient for any variable")) {
		t.Error("GRADIENT_STRUCTURE should be recoverable")
	}
	if !IsGradientStructure(NewError(ErrShapeMismatch, "shape [2] vs [3]")) {
		t.Error("SHAPE_MISMATCH should be recoverable")
	}
	if IsGradientStructure(NewError(ErrMissingOptimizer, "nope")) {
		t.Error("configuration errors are not recoverable")
	}
}

func TestIsRetryable(t *testing.T) {
	e := NewError(ErrRecvTimeout, "peer stalled").WithRetryable(true)
	if !IsRetryable(e) {
		t.Error("expected retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
}
