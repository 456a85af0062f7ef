// Package registry holds the action catalog the planner searches over.
//
// Actions and goal templates are declared in a YAML catalog file, validated
// at load time (including compensation references), and can be hot-reloaded
// while the engine runs. Goal templates map intent kinds to goal predicates,
// with ${name} placeholders filled from intent constraints.
package registry
