// Package statestore implements the engine's versioned world-state store.
//
// Every write appends a new version to the key's history; nothing is
// overwritten in place. Writers use optimistic concurrency: a commit names
// the version it expects, and a mismatch fails with a conflict the caller
// resolves by re-reading. Historical versions stay readable through ReadAt,
// deletes are tombstones, and subscribers receive committed changes in
// global commit order. An optional journal (pkg/stores) makes the history
// durable across restarts.
package statestore
