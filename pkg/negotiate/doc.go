// Package negotiate selects one plan from the planner's candidates on
// behalf of the intent's submitter. Auto mode picks the top-ranked viable
// candidate; acceptance mode opens a bounded window for an explicit Accept
// and falls back (or fails) when it expires.
package negotiate
