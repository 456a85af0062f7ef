package policy

import (
	"time"

	"github.com/intentd/intentd/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed but do not
	// block admission.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that deny admission.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that deny admission and should be
	// surfaced prominently.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one admission rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The policy's deny set drives
	// violations.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single admission policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// IntentID is the intent the violation concerns, if any.
	IntentID string `json:"intent_id,omitempty"`

	// PlanID is the plan the violation concerns, if any.
	PlanID string `json:"plan_id,omitempty"`
}

// Result is the outcome of evaluating all policies against one input.
type Result struct {
	// Allowed indicates if admission is granted.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block admission,
	// such as a policy that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Input is the document policies evaluate against. Exactly one of Intent or
// Plan drives each admission decision; plan admission also carries the
// intent the plan would fulfill.
type Input struct {
	// Intent is the intent being admitted.
	Intent *engine.Intent `json:"intent,omitempty"`

	// Plan is the candidate plan being admitted.
	Plan *engine.Plan `json:"plan,omitempty"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Environment is the environment, e.g. "production".
	Environment string `json:"environment,omitempty"`

	// Operation is the admission being performed, "intent" or "plan".
	Operation string `json:"operation"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
