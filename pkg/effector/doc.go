// Package effector contains effector implementations.
//
// The simulator performs no real side effects: it echoes parameters back as
// outputs and can be scripted with per-action latency and failure injection,
// which is what plan dry runs and the test suite use.
package effector
