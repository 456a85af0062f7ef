package engine

import (
	"context"
	"encoding/json"
)

// Snapshot is a consistent, read-only view of world state taken at a point in
// time. The planner searches against a snapshot so concurrent commits cannot
// skew a single search.
type Snapshot interface {
	// Predicates returns the set of predicates that hold in the snapshot.
	Predicates() map[string]bool

	// Get returns the latest value of a key within the snapshot, or false if
	// the key is absent or deleted.
	Get(key string) (json.RawMessage, bool)
}

// ActionRegistry is the catalog of actions available to the planner.
type ActionRegistry interface {
	// Register adds an action to the catalog. Registering an ID twice is an
	// error.
	Register(action *Action) error

	// Get returns the action with the given ID.
	Get(id string) (*Action, error)

	// List returns all registered actions in a stable order.
	List() []*Action

	// GoalFor derives the goal predicate set for an intent, using the kind's
	// goal template when one is registered.
	GoalFor(intent *Intent) ([]string, error)
}

// Planner searches the action catalog for ordered step sequences that reach
// an intent's goal from a state snapshot. Implementations must be
// deterministic: identical inputs produce identical plans.
type Planner interface {
	// Plan returns up to the configured number of candidate plans, cheapest
	// first. It returns ErrPlanNotFound when no sequence reaches the goal
	// within the search bounds and the intent's budget.
	Plan(ctx context.Context, intent *Intent, snapshot Snapshot) ([]*Plan, error)
}

// Negotiator selects one plan from a candidate set on behalf of the intent's
// submitter.
type Negotiator interface {
	// Negotiate filters candidates against the intent's budget and deadline,
	// ranks the survivors, and returns the selected plan. It returns
	// ErrNoViablePlan when nothing survives the filter and
	// ErrNegotiationTimeout when an acceptance window expires without a
	// decision or fallback.
	Negotiate(ctx context.Context, intent *Intent, candidates []*Plan) (*Plan, error)

	// Accept records an external acceptance of a proposed plan. Accepting the
	// already-selected plan is a no-op.
	Accept(planID string) error
}

// Effector performs a step's real-world work. Implementations live outside
// the engine core; the bundled simulator is one of them.
type Effector interface {
	// Invoke performs the action type with the given parameters and returns
	// the step output. Errors should be classified EngineErrors so the
	// executor can distinguish transient from permanent failures.
	Invoke(ctx context.Context, actionType string, params map[string]interface{}) (map[string]interface{}, error)
}

// Executor runs a selected plan step by step, committing effects to the state
// store and compensating on failure.
type Executor interface {
	// Execute runs the plan to completion and returns its artifact. On step
	// failure it compensates succeeded steps in reverse order before
	// returning the original failure.
	Execute(ctx context.Context, plan *Plan) (*Artifact, error)

	// Cancel requests cooperative cancellation of a running plan.
	Cancel(planID string) error
}

// StateStore is the versioned key/value store recording world state.
type StateStore interface {
	// Get returns the latest entry for a key. Tombstones report Deleted.
	Get(ctx context.Context, key string) (*StateEntry, error)

	// ReadAt returns the entry for a key as of the given version, i.e. the
	// newest entry with Version <= version.
	ReadAt(ctx context.Context, key string, version uint64) (*StateEntry, error)

	// History returns all versions of a key in ascending version order.
	History(ctx context.Context, key string) ([]StateEntry, error)

	// Commit writes a new version of a key if expectedVersion matches the
	// key's current version (0 for a key that must not exist). It returns
	// the new version, or ErrStateConflict on a mismatch.
	Commit(ctx context.Context, key string, expectedVersion uint64, value json.RawMessage) (uint64, error)

	// Apply atomically writes a batch of puts, bumping each key's version.
	// Either every put commits or none do.
	Apply(ctx context.Context, puts []Put) error

	// Delete writes a tombstone for a key under the same optimistic contract
	// as Commit.
	Delete(ctx context.Context, key string, expectedVersion uint64) (uint64, error)

	// Subscribe delivers committed changes whose keys match the glob pattern,
	// in global commit order, until ctx is done.
	Subscribe(ctx context.Context, pattern string) (<-chan StateChange, error)

	// Snapshot returns a consistent read-only view of current state.
	Snapshot(ctx context.Context) (Snapshot, error)
}

// EventBus carries each plan's ordered event stream.
type EventBus interface {
	// Publish appends an event to the plan's stream, assigning the next
	// sequence number.
	Publish(ctx context.Context, planID string, typ EventType, stepIndex int, payload map[string]interface{}) (*Event, error)

	// Subscribe replays the plan's events from sequence fromSeq (1 replays
	// everything) and then streams live events until ctx is done. A consumer
	// that falls too far behind has its channel closed and must resubscribe.
	Subscribe(ctx context.Context, planID string, fromSeq uint64) (<-chan Event, error)

	// Events returns the plan's stored events from fromSeq onward.
	Events(ctx context.Context, planID string, fromSeq uint64) ([]Event, error)
}

// ChildRunner plans and executes a child intent spawned by a plan step. The
// orchestrator implements it; the executor calls it when a step's action
// type is SpawnIntentActionType.
type ChildRunner interface {
	// RunChild runs a child intent under the given parent, returning its
	// artifact. Implementations enforce the recursion depth bound.
	RunChild(ctx context.Context, parentIntentID, kind string, constraints map[string]interface{}, budget float64) (*Artifact, error)
}

// SpawnIntentActionType is the reserved action type that spawns a child
// intent instead of invoking an effector. Its params carry "kind" and
// optionally "constraints" and "budget".
const SpawnIntentActionType = "spawn_intent"

// Prover produces integrity proofs over artifact outputs. Proof construction
// is a collaborator concern; the engine only carries the result.
type Prover interface {
	// Prove returns a proof over the ordered step outputs.
	Prove(outputs []map[string]interface{}) (*Proof, error)
}

// ArtifactBuilder assembles the verifiable result of a completed plan.
type ArtifactBuilder interface {
	// Build aggregates the step outputs in step order, attaches a proof, and
	// records actual cost and duration.
	Build(ctx context.Context, plan *Plan, state *ExecutionState) (*Artifact, error)
}

// PolicyEngine evaluates admission policies against intents and plans.
type PolicyEngine interface {
	// AdmitIntent evaluates intent admission policies. A denial is a
	// permanent error with code POLICY_DENIED.
	AdmitIntent(ctx context.Context, intent *Intent) error

	// AdmitPlan evaluates plan admission policies before selection.
	AdmitPlan(ctx context.Context, intent *Intent, plan *Plan) error
}

// Archive persists terminal intents, plans, events, and artifacts.
type Archive interface {
	// SaveIntent persists an intent and its current status.
	SaveIntent(ctx context.Context, intent *Intent, status IntentStatus) error

	// SavePlan persists a plan.
	SavePlan(ctx context.Context, plan *Plan) error

	// SaveEvent persists one event.
	SaveEvent(ctx context.Context, event *Event) error

	// SaveArtifact persists an artifact.
	SaveArtifact(ctx context.Context, artifact *Artifact) error

	// GetArtifact returns the artifact for a plan.
	GetArtifact(ctx context.Context, planID string) (*Artifact, error)
}
