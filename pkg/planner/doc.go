// Package planner turns intents into candidate plans.
//
// The search is A* over predicate-set world states: an action is applicable
// when its preconditions hold, applying it adds its effects, and the goal is
// the predicate set derived from the intent by the action registry. The
// heuristic is an admissible cost-sharing bound, so the first plan found is
// cost-optimal; up to TopK distinct plans are returned in cost order. The
// search is bounded by node expansions, wall-clock time, maximum plan
// length, and the intent's budget.
package planner
