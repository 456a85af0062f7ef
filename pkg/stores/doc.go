// Package stores provides SQLite-backed persistence.
//
// One database file holds two things: the state journal, replayed into the
// in-memory state store on startup, and the archive of intents, plans,
// events, and artifacts kept for inspection after execution ends. The
// schema is managed with embedded migrations.
package stores
