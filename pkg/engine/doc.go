// Package engine provides the core types and interfaces for the Intentd
// orchestration engine.
//
// The engine is intent-native: callers submit a declarative Intent describing
// a desired outcome, and the engine derives and executes the work. Execution
// moves through four phases:
//
//	Intent -> Plan -> Negotiate -> Execute -> Artifact
//
// # Intent
//
// An Intent names an outcome (kind), constrains it (constraints, budget,
// deadline, priority), and is immutable after submission. Intents may be
// recursive: a plan step can spawn a child intent, planned and executed as
// its own pipeline up to a bounded depth.
//
// # Plan
//
// The Planner searches the action catalog with A* over predicate-set world
// states, producing candidate Plans ordered by cost. Plans are topologically
// consistent: each step's preconditions are met by the initial snapshot plus
// the effects of earlier steps.
//
// # Negotiate
//
// The Negotiator filters candidates against budget and deadline, ranks the
// survivors, and selects one, either automatically or through an explicit
// acceptance window with a timeout.
//
// # Execute
//
// The Executor runs the selected plan's steps, retrying transient effector
// failures with exponential backoff and committing each step's effects
// atomically to the versioned state store. A permanent failure triggers
// compensation: the succeeded steps' compensating actions run in reverse
// order. Execution progress is published on the plan's ordered, replayable
// event stream.
//
// # Artifact
//
// A completed plan yields an Artifact: the ordered step outputs, an integrity
// proof from a Prover collaborator, and the actual cost and duration.
//
// All cross-component contracts are defined here as interfaces; the concrete
// implementations live in the sibling packages planner, negotiate, executor,
// statestore, eventbus, artifact, proof, and registry.
package engine
