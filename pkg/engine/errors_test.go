package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	transient := NewTransientError("effector busy", nil)
	conflict := NewConflictError("version mismatch", nil)
	permanent := NewPermanentError("bad request", nil)

	if !IsTransient(transient) || IsTransient(conflict) || IsTransient(permanent) {
		t.Fatal("transient classification wrong")
	}
	if !IsConflict(conflict) || IsConflict(transient) {
		t.Fatal("conflict classification wrong")
	}
	if !IsPermanent(permanent) || IsPermanent(transient) {
		t.Fatal("permanent classification wrong")
	}
	if !IsRetryable(transient) {
		t.Fatal("transient errors must be retryable")
	}
	if IsRetryable(conflict) || IsRetryable(permanent) {
		t.Fatal("only transient errors are retryable")
	}
}

func TestErrorClassificationThroughWrapping(t *testing.T) {
	inner := NewTransientError("effector busy", nil).WithCode(ErrCodeEffectorFailed)
	wrapped := fmt.Errorf("running step: %w", inner)

	if !IsTransient(wrapped) {
		t.Fatal("classification should survive wrapping")
	}
	if !HasCode(wrapped, ErrCodeEffectorFailed) {
		t.Fatal("code should survive wrapping")
	}
	var ee *EngineError
	if !AsEngineError(wrapped, &ee) {
		t.Fatal("AsEngineError should find the wrapped error")
	}
	if ee.Message != "effector busy" {
		t.Fatalf("unexpected message %q", ee.Message)
	}
}

func TestErrorFluentContext(t *testing.T) {
	err := NewPermanentError("step failed", errors.New("boom")).
		WithCode(ErrCodeEffectorFailed).
		WithPlan("plan-1").
		WithStep(2).
		WithOperation("execute").
		WithDetail("action", "configure_network")

	if err.Plan != "plan-1" || err.Step != 2 || err.Operation != "execute" {
		t.Fatalf("context not attached: %+v", err)
	}
	if err.Details["action"] != "configure_network" {
		t.Fatalf("detail not attached: %v", err.Details)
	}
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected a formatted message")
	}
	other := NewPermanentError("different message", nil).WithCode(ErrCodeEffectorFailed)
	if !errors.Is(err, other) {
		t.Fatal("errors.Is should match on class and code")
	}
	if errors.Is(err, ErrStateConflict) {
		t.Fatal("errors.Is should not match a different class and code")
	}
}

func TestEngineErrorValueHelpers(t *testing.T) {
	err := NewPermanentError("step failed", nil).WithCode(ErrCodeEffectorFailed)

	if !err.HasCode(ErrCodeEffectorFailed) {
		t.Fatal("HasCode should match the attached code")
	}
	if err.HasCode(ErrCodeStateConflict) {
		t.Fatal("HasCode should not match a different code")
	}
	if !err.IsPermanent() || err.IsTransient() || err.IsConflict() {
		t.Fatalf("class helpers wrong for permanent error: %+v", err)
	}

	transient := NewTransientError("effector busy", nil)
	if !transient.IsTransient() || transient.IsPermanent() {
		t.Fatal("class helpers wrong for transient error")
	}
	conflict := NewConflictError("version mismatch", nil)
	if !conflict.IsConflict() || conflict.IsTransient() {
		t.Fatal("class helpers wrong for conflict error")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransientError("effector unreachable", cause)
	if !errors.Is(err, cause) {
		t.Fatal("Unwrap should expose the cause")
	}
}

func TestNewErrorsDefaultStep(t *testing.T) {
	for _, err := range []*EngineError{
		NewTransientError("t", nil),
		NewConflictError("c", nil),
		NewPermanentError("p", nil),
	} {
		if err.Step != -1 {
			t.Fatalf("expected step -1 for plan-level error, got %d", err.Step)
		}
	}
}
