package engine

import "fmt"

// IntentStatus represents the lifecycle stage of a submitted intent.
type IntentStatus string

const (
	// IntentStatusReceived indicates the intent has been accepted but not yet planned.
	IntentStatusReceived IntentStatus = "received"

	// IntentStatusPlanning indicates the planner is searching for candidate plans.
	IntentStatusPlanning IntentStatus = "planning"

	// IntentStatusNegotiating indicates candidate plans are being ranked and selected.
	IntentStatusNegotiating IntentStatus = "negotiating"

	// IntentStatusExecuting indicates the selected plan is running.
	IntentStatusExecuting IntentStatus = "executing"

	// IntentStatusCompensating indicates execution failed and rollback is in progress.
	IntentStatusCompensating IntentStatus = "compensating"

	// IntentStatusComplete indicates the intent was fulfilled and an artifact produced.
	IntentStatusComplete IntentStatus = "complete"

	// IntentStatusFailed indicates the intent could not be fulfilled.
	IntentStatusFailed IntentStatus = "failed"

	// IntentStatusCancelled indicates the intent was cancelled by the caller.
	IntentStatusCancelled IntentStatus = "cancelled"
)

// IsTerminal returns true if the intent status represents a final state.
func (s IntentStatus) IsTerminal() bool {
	return s == IntentStatusComplete || s == IntentStatusFailed ||
		s == IntentStatusCancelled
}

// IsActive returns true if the intent still has work in flight.
func (s IntentStatus) IsActive() bool {
	return !s.IsTerminal()
}

// Validate checks if the intent status is valid.
func (s IntentStatus) Validate() error {
	switch s {
	case IntentStatusReceived, IntentStatusPlanning, IntentStatusNegotiating,
		IntentStatusExecuting, IntentStatusCompensating, IntentStatusComplete,
		IntentStatusFailed, IntentStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid intent status: %s", s)
	}
}

// PlanStatus represents the status of a candidate or selected plan.
type PlanStatus string

const (
	// PlanStatusProposed indicates the plan is a candidate awaiting negotiation.
	PlanStatusProposed PlanStatus = "proposed"

	// PlanStatusSelected indicates the plan won negotiation and may execute.
	PlanStatusSelected PlanStatus = "selected"

	// PlanStatusExecuting indicates the plan's steps are running.
	PlanStatusExecuting PlanStatus = "executing"

	// PlanStatusCompleted indicates all steps succeeded.
	PlanStatusCompleted PlanStatus = "completed"

	// PlanStatusFailed indicates a step failed before compensation began.
	PlanStatusFailed PlanStatus = "failed"

	// PlanStatusRolledBack indicates the plan failed and every succeeded step
	// was compensated.
	PlanStatusRolledBack PlanStatus = "rolled_back"

	// PlanStatusFailedDegraded indicates compensation itself failed and manual
	// intervention is required.
	PlanStatusFailedDegraded PlanStatus = "failed_degraded"

	// PlanStatusRejected indicates the plan lost negotiation.
	PlanStatusRejected PlanStatus = "rejected"
)

// IsTerminal returns true if the plan status represents a final state.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusFailed ||
		s == PlanStatusRolledBack || s == PlanStatusFailedDegraded ||
		s == PlanStatusRejected
}

// IsActive returns true if the plan is selected or executing.
func (s PlanStatus) IsActive() bool {
	return s == PlanStatusSelected || s == PlanStatusExecuting
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusProposed, PlanStatusSelected, PlanStatusExecuting,
		PlanStatusCompleted, PlanStatusFailed, PlanStatusRolledBack,
		PlanStatusFailedDegraded, PlanStatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// StepStatus represents the status of a single step within an executing plan.
type StepStatus string

const (
	// StepStatusPending indicates the step has not started.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step's effector call is in flight.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step completed and its effects were committed.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step failed permanently.
	StepStatusFailed StepStatus = "failed"

	// StepStatusCompensated indicates the step's compensating action ran during rollback.
	StepStatusCompensated StepStatus = "compensated"

	// StepStatusCancelled indicates the step was skipped or aborted by cancellation.
	StepStatusCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed ||
		s == StepStatusCompensated || s == StepStatusCancelled
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded,
		StepStatusFailed, StepStatusCompensated, StepStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// EventType represents the type of event published on the per-plan stream.
type EventType string

const (
	// EventNegotiating is published when candidate plans enter negotiation.
	EventNegotiating EventType = "negotiating"

	// EventExecuting is published when a step starts running.
	EventExecuting EventType = "executing"

	// EventStepCompleted is published when a step's effects have been committed.
	EventStepCompleted EventType = "step_completed"

	// EventCompensating is published when rollback begins or compensates a step.
	EventCompensating EventType = "compensating"

	// EventComplete is published when the plan finishes and an artifact exists.
	EventComplete EventType = "complete"

	// EventFailed is published when a step or the plan as a whole fails.
	EventFailed EventType = "failed"

	// EventCancelled is published when execution is cancelled.
	EventCancelled EventType = "cancelled"
)

// IsTerminal returns true for event types that end a plan's stream.
func (e EventType) IsTerminal() bool {
	return e == EventComplete || e == EventFailed || e == EventCancelled
}

// Validate checks if the event type is valid.
func (e EventType) Validate() error {
	switch e {
	case EventNegotiating, EventExecuting, EventStepCompleted,
		EventCompensating, EventComplete, EventFailed, EventCancelled:
		return nil
	default:
		return fmt.Errorf("invalid event type: %s", e)
	}
}

// Priority controls ordering when multiple intents compete for execution slots.
type Priority string

const (
	// PriorityLow is for background work that can be deferred.
	PriorityLow Priority = "low"

	// PriorityNormal is the default priority.
	PriorityNormal Priority = "normal"

	// PriorityHigh is for latency-sensitive intents.
	PriorityHigh Priority = "high"

	// PriorityCritical jumps ahead of all other queued intents.
	PriorityCritical Priority = "critical"
)

// Weight returns a numeric weight for queue ordering, higher first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Validate checks if the priority is valid. The empty string is allowed and
// treated as PriorityNormal.
func (p Priority) Validate() error {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical, "":
		return nil
	default:
		return fmt.Errorf("invalid priority: %s", p)
	}
}
