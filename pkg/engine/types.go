package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Intent is a declarative request describing a desired outcome. Callers state
// WHAT they want; the engine determines how. An intent is immutable once
// submitted.
type Intent struct {
	// ID uniquely identifies the intent.
	ID string `json:"id" validate:"required"`

	// Kind names the desired outcome, e.g. "provision_gpu_cluster".
	Kind string `json:"kind" validate:"required"`

	// Constraints are domain parameters the outcome must satisfy,
	// e.g. {"count": 8, "gpu_type": "H100"}.
	Constraints map[string]interface{} `json:"constraints,omitempty"`

	// Budget is the maximum acceptable total plan cost. Zero means unlimited.
	Budget float64 `json:"budget,omitempty" validate:"gte=0"`

	// Deadline is the latest acceptable completion time, if any.
	Deadline *time.Time `json:"deadline,omitempty"`

	// Priority orders this intent against other in-flight intents.
	Priority Priority `json:"priority,omitempty"`

	// ParentID links a sub-intent to the intent whose plan spawned it.
	ParentID string `json:"parent_id,omitempty"`

	// Depth is the recursion depth, 0 for top-level intents.
	Depth int `json:"depth,omitempty"`

	// Metadata carries opaque caller annotations.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the intent was submitted.
	CreatedAt time.Time `json:"created_at"`
}

// NewIntent creates an intent with a generated ID and creation timestamp.
func NewIntent(kind string, constraints map[string]interface{}) *Intent {
	return &Intent{
		ID:          uuid.New().String(),
		Kind:        kind,
		Constraints: constraints,
		Priority:    PriorityNormal,
		CreatedAt:   time.Now().UTC(),
	}
}

// WithBudget sets the intent's budget.
func (i *Intent) WithBudget(budget float64) *Intent {
	i.Budget = budget
	return i
}

// WithDeadline sets the intent's deadline.
func (i *Intent) WithDeadline(deadline time.Time) *Intent {
	i.Deadline = &deadline
	return i
}

// WithPriority sets the intent's priority.
func (i *Intent) WithPriority(p Priority) *Intent {
	i.Priority = p
	return i
}

// ContentHash returns a stable SHA-256 hash over the intent's kind and
// constraints. Two intents asking for the same outcome hash identically
// regardless of ID or submission time.
func (i *Intent) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(i.Kind))
	keys := make([]string, 0, len(i.Constraints))
	for k := range i.Constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		v, _ := json.Marshal(i.Constraints[k])
		h.Write(v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks structural validity of the intent.
func (i *Intent) Validate() error {
	if i.ID == "" {
		return NewPermanentError("intent id is required", nil).WithCode(ErrCodeValidation)
	}
	if i.Kind == "" {
		return NewPermanentError("intent kind is required", nil).WithCode(ErrCodeValidation)
	}
	if i.Budget < 0 {
		return NewPermanentError("intent budget must be non-negative", nil).WithCode(ErrCodeValidation)
	}
	if err := i.Priority.Validate(); err != nil {
		return NewPermanentError("invalid intent priority", err).WithCode(ErrCodeValidation)
	}
	return nil
}

// Action is a reusable unit of work registered in the action catalog. Actions
// are templates: the planner sequences them, the executor instantiates them as
// steps. Registered actions are never mutated at runtime.
type Action struct {
	// ID uniquely identifies the action within the catalog.
	ID string `json:"id" validate:"required"`

	// Type is the effector-facing action type, e.g. "allocate_nodes".
	Type string `json:"type" validate:"required"`

	// Preconditions are predicates that must hold in world state before the
	// action can run.
	Preconditions []string `json:"preconditions,omitempty"`

	// Effects are predicates the action adds to world state on success.
	Effects []string `json:"effects,omitempty"`

	// Cost is the abstract cost charged against the intent's budget.
	Cost float64 `json:"cost" validate:"gte=0"`

	// Duration is the estimated execution time.
	Duration time.Duration `json:"duration,omitempty"`

	// CompensateID names the action that undoes this one. Empty means the
	// action needs no compensation.
	CompensateID string `json:"compensate_id,omitempty"`

	// Params are default parameters passed to the effector.
	Params map[string]interface{} `json:"params,omitempty"`
}

// Validate checks structural validity of the action.
func (a *Action) Validate() error {
	if a.ID == "" {
		return NewPermanentError("action id is required", nil).WithCode(ErrCodeValidation)
	}
	if a.Type == "" {
		return NewPermanentError("action type is required", nil).WithCode(ErrCodeValidation)
	}
	if a.Cost < 0 {
		return NewPermanentError("action cost must be non-negative", nil).WithCode(ErrCodeValidation)
	}
	return nil
}

// Step is one ordered element of a plan. A step references either a catalog
// action or a child intent to be planned recursively, never both.
type Step struct {
	// Index is the zero-based position of the step within its plan.
	Index int `json:"index"`

	// ActionID references the catalog action to execute.
	ActionID string `json:"action_id,omitempty"`

	// ChildIntentID references a sub-intent spawned by this step.
	ChildIntentID string `json:"child_intent_id,omitempty"`

	// Preconditions are the predicates this step requires, copied from the
	// action at planning time.
	Preconditions []string `json:"preconditions,omitempty"`

	// Effects are the predicates this step establishes, copied from the
	// action at planning time.
	Effects []string `json:"effects,omitempty"`

	// Cost is the step's contribution to the plan's total cost.
	Cost float64 `json:"cost"`

	// Duration is the step's estimated execution time.
	Duration time.Duration `json:"duration,omitempty"`

	// Params are the effector parameters, action defaults merged with values
	// resolved from the intent's constraints.
	Params map[string]interface{} `json:"params,omitempty"`
}

// IsChild returns true if the step spawns a sub-intent instead of running an
// action.
func (s *Step) IsChild() bool {
	return s.ChildIntentID != ""
}

// Plan is an ordered sequence of steps that transforms current world state
// into a state satisfying an intent's goal.
type Plan struct {
	// ID uniquely identifies the plan.
	ID string `json:"id"`

	// IntentID is the intent this plan fulfills.
	IntentID string `json:"intent_id"`

	// Steps are ordered so every step's preconditions are satisfied by the
	// initial state plus the effects of earlier steps.
	Steps []Step `json:"steps"`

	// TotalCost is the sum of step costs. Never exceeds the intent's budget.
	TotalCost float64 `json:"total_cost"`

	// TotalDuration is the sum of step duration estimates.
	TotalDuration time.Duration `json:"total_duration,omitempty"`

	// Status is the plan's lifecycle status.
	Status PlanStatus `json:"status"`

	// CreatedAt is when the planner produced the plan.
	CreatedAt time.Time `json:"created_at"`
}

// NewPlan creates a proposed plan for the given intent.
func NewPlan(intentID string, steps []Step) *Plan {
	p := &Plan{
		ID:        uuid.New().String(),
		IntentID:  intentID,
		Steps:     steps,
		Status:    PlanStatusProposed,
		CreatedAt: time.Now().UTC(),
	}
	for i := range p.Steps {
		p.Steps[i].Index = i
		p.TotalCost += p.Steps[i].Cost
		p.TotalDuration += p.Steps[i].Duration
	}
	return p
}

// Validate checks the plan's internal consistency: step indices are dense and
// totals match the steps.
func (p *Plan) Validate() error {
	if p.ID == "" || p.IntentID == "" {
		return NewPermanentError("plan id and intent id are required", nil).WithCode(ErrCodeValidation)
	}
	var cost float64
	for i, s := range p.Steps {
		if s.Index != i {
			return NewPermanentError(
				fmt.Sprintf("step index %d out of order at position %d", s.Index, i), nil).
				WithCode(ErrCodeValidation).WithPlan(p.ID)
		}
		if s.ActionID == "" && s.ChildIntentID == "" {
			return NewPermanentError("step references neither action nor child intent", nil).
				WithCode(ErrCodeValidation).WithPlan(p.ID).WithStep(i)
		}
		cost += s.Cost
	}
	if diff := p.TotalCost - cost; diff > 1e-9 || diff < -1e-9 {
		return NewPermanentError("plan total cost does not match step costs", nil).
			WithCode(ErrCodeValidation).WithPlan(p.ID)
	}
	return p.Status.Validate()
}

// StepState tracks a single step's progress during execution.
type StepState struct {
	// Index is the step's position in the plan.
	Index int `json:"index"`

	// Status is the step's current status.
	Status StepStatus `json:"status"`

	// Attempts counts effector invocations, including retries.
	Attempts int `json:"attempts,omitempty"`

	// Output is the effector's result payload on success.
	Output map[string]interface{} `json:"output,omitempty"`

	// Error is the terminal error message, if the step failed.
	Error string `json:"error,omitempty"`

	// StartedAt is when the step first entered Running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt is when the step reached a terminal status.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ExecutionState is the live progress record for an executing plan.
type ExecutionState struct {
	// PlanID is the executing plan.
	PlanID string `json:"plan_id"`

	// IntentID is the intent the plan fulfills.
	IntentID string `json:"intent_id"`

	// Steps holds one state per plan step, indexed by step index.
	Steps []StepState `json:"steps"`

	// Cursor is the index of the lowest step not yet terminal.
	Cursor int `json:"cursor"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`
}

// NewExecutionState creates the initial execution state for a plan, all steps
// pending.
func NewExecutionState(plan *Plan) *ExecutionState {
	es := &ExecutionState{
		PlanID:    plan.ID,
		IntentID:  plan.IntentID,
		Steps:     make([]StepState, len(plan.Steps)),
		StartedAt: time.Now().UTC(),
	}
	for i := range es.Steps {
		es.Steps[i] = StepState{Index: i, Status: StepStatusPending}
	}
	return es
}

// Succeeded returns the indices of steps that have succeeded, in step order.
func (es *ExecutionState) Succeeded() []int {
	var out []int
	for _, s := range es.Steps {
		if s.Status == StepStatusSucceeded {
			out = append(out, s.Index)
		}
	}
	return out
}

// Event is one entry in a plan's ordered event stream.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// PlanID scopes the event to a single plan's stream.
	PlanID string `json:"plan_id"`

	// Sequence is the per-plan sequence number, starting at 1 with no gaps.
	Sequence uint64 `json:"sequence"`

	// Type is the event type.
	Type EventType `json:"type"`

	// StepIndex is the step the event concerns, or -1 for plan-level events.
	StepIndex int `json:"step_index"`

	// Payload carries event-specific data.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`
}

// Proof is an integrity proof over an artifact's step outputs, produced by a
// Prover collaborator. The engine treats it as opaque.
type Proof struct {
	// Scheme names the proof construction, e.g. "merkle-sha256".
	Scheme string `json:"scheme"`

	// Root is the proof's commitment value, hex-encoded.
	Root string `json:"root"`

	// Leaves are the per-step leaf hashes in step order, hex-encoded.
	Leaves []string `json:"leaves,omitempty"`
}

// Artifact is the verifiable result of a completed plan.
type Artifact struct {
	// ID uniquely identifies the artifact.
	ID string `json:"id"`

	// PlanID is the plan that produced the artifact.
	PlanID string `json:"plan_id"`

	// IntentID is the intent the plan fulfilled.
	IntentID string `json:"intent_id"`

	// Outputs are the step outputs in step order.
	Outputs []map[string]interface{} `json:"outputs"`

	// Proof is the integrity proof over the outputs.
	Proof *Proof `json:"proof,omitempty"`

	// ActualCost is the cost actually incurred during execution.
	ActualCost float64 `json:"actual_cost"`

	// ActualDuration is the wall-clock execution time.
	ActualDuration time.Duration `json:"actual_duration"`

	// Outcome summarizes how execution ended, e.g. "completed".
	Outcome string `json:"outcome"`

	// CreatedAt is when the artifact was built.
	CreatedAt time.Time `json:"created_at"`
}

// Empty returns true if the artifact carries no step outputs.
func (a *Artifact) Empty() bool {
	return len(a.Outputs) == 0
}

// PredicateKeyPrefix is the state-store key prefix under which world-state
// predicates live. A predicate holds when its latest entry is present, not
// deleted, and true.
const PredicateKeyPrefix = "predicate/"

// PredicateKey returns the state-store key for a predicate.
func PredicateKey(predicate string) string {
	return PredicateKeyPrefix + predicate
}

// StateEntry is one version of one key in the versioned state store.
type StateEntry struct {
	// Key is the state key, e.g. "cluster/gpu-a/status".
	Key string `json:"key"`

	// Version is the per-key monotonically increasing version, starting at 1.
	Version uint64 `json:"version"`

	// Value is the JSON-encoded value. Nil for tombstones.
	Value json.RawMessage `json:"value,omitempty"`

	// Deleted marks a tombstone written by a delete.
	Deleted bool `json:"deleted,omitempty"`

	// Timestamp is the commit time.
	Timestamp time.Time `json:"timestamp"`
}

// StateChange is delivered to state store subscribers in global commit order.
type StateChange struct {
	// Entry is the committed entry.
	Entry StateEntry `json:"entry"`

	// CommitSeq is the store-wide commit ordinal.
	CommitSeq uint64 `json:"commit_seq"`
}

// Put describes one key write within an atomic batch.
type Put struct {
	// Key is the state key to write.
	Key string `json:"key"`

	// Value is the JSON-encoded value. Nil writes a tombstone.
	Value json.RawMessage `json:"value,omitempty"`
}
