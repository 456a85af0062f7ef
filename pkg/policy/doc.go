// Package policy provides Rego-based admission control for intents and
// plans.
//
// Every intent is evaluated before planning begins, and every candidate
// plan before selection. Policies are Open Policy Agent modules whose deny
// set produces violations; a violation at error or critical severity blocks
// admission with a POLICY_DENIED error.
//
// A builtin set covers intent kind naming, budget sanity, nesting depth,
// plan length, and plan cost against budget. Additional policies load from
// .rego or .json files and hot-reload when those files change.
package policy
