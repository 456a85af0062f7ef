package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: effector timeouts, temporary resource unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict.
	// Examples: optimistic-concurrency commit failures.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid intents, unsatisfiable goals, permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Plan is the plan ID involved in the error, if applicable.
	Plan string `json:"plan,omitempty"`

	// Step is the zero-based step index involved in the error, or -1.
	Step int `json:"step,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Plan != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (plan=%s, operation=%s): %s",
			e.Class, e.Message, e.Plan, e.Operation, e.unwrapMessage())
	}
	if e.Plan != "" {
		return fmt.Sprintf("[%s] %s (plan=%s): %s",
			e.Class, e.Message, e.Plan, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Step:    -1,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Step:    -1,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Step:    -1,
		Err:     err,
	}
}

// WithPlan adds plan context to an error.
func (e *EngineError) WithPlan(planID string) *EngineError {
	e.Plan = planID
	return e
}

// WithStep adds a step index to an error.
func (e *EngineError) WithStep(index int) *EngineError {
	e.Step = index
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HasCode reports whether the error carries the given code.
func (e *EngineError) HasCode(code string) bool {
	return e.Code == code
}

// IsTransient reports whether the error is classified as transient.
func (e *EngineError) IsTransient() bool {
	return e.Class == ErrorClassTransient
}

// IsConflict reports whether the error is classified as a conflict.
func (e *EngineError) IsConflict() bool {
	return e.Class == ErrorClassConflict
}

// IsPermanent reports whether the error is classified as permanent.
func (e *EngineError) IsPermanent() bool {
	return e.Class == ErrorClassPermanent
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient errors are retryable; conflicts are surfaced to the caller so the
// caller can re-read and retry with fresh versions.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// AsEngineError extracts an EngineError from the error chain.
func AsEngineError(err error, target **EngineError) bool {
	return errors.As(err, target)
}

// HasCode returns true if the error chain contains an EngineError with the
// given code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodePlanNotFound        = "PLAN_NOT_FOUND"
	ErrCodeNoViablePlan        = "NO_VIABLE_PLAN"
	ErrCodeNegotiationTimeout  = "NEGOTIATION_TIMEOUT"
	ErrCodeStateConflict       = "STATE_CONFLICT"
	ErrCodeEffectorFailed      = "EFFECTOR_FAILED"
	ErrCodeCompensationFailure = "COMPENSATION_FAILURE"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodeDepthExceeded       = "DEPTH_EXCEEDED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// ErrPlanNotFound is returned by the planner when no action sequence reaches
// the goal within the configured search bounds and budget.
var ErrPlanNotFound = NewPermanentError("no plan satisfies the intent", nil).
	WithCode(ErrCodePlanNotFound)

// ErrNoViablePlan is returned by the negotiator when every candidate violates
// the intent's budget or deadline.
var ErrNoViablePlan = NewPermanentError("no candidate plan is viable", nil).
	WithCode(ErrCodeNoViablePlan)

// ErrNegotiationTimeout is returned when an acceptance-mode negotiation
// expires without a decision and no fallback is configured.
var ErrNegotiationTimeout = NewPermanentError("negotiation timed out", nil).
	WithCode(ErrCodeNegotiationTimeout)

// ErrStateConflict is returned by the state store when a commit's expected
// version does not match the key's current version.
var ErrStateConflict = NewConflictError("state version conflict", nil).
	WithCode(ErrCodeStateConflict)
