package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/intentd/intentd/pkg/engine"
)

// Registry is the in-memory action catalog. It implements
// engine.ActionRegistry.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*engine.Action
	goals   map[string]GoalTemplate
}

// GoalTemplate maps an intent kind to its goal predicates. Predicates may
// contain ${name} placeholders resolved from the intent's constraints.
type GoalTemplate struct {
	// Kind is the intent kind the template applies to.
	Kind string `yaml:"kind" validate:"required"`

	// Predicates are the goal predicates, possibly with placeholders.
	Predicates []string `yaml:"predicates" validate:"required,min=1"`
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		actions: make(map[string]*engine.Action),
		goals:   make(map[string]GoalTemplate),
	}
}

// Register adds an action to the catalog. Registering an ID twice is an
// error.
func (r *Registry) Register(action *engine.Action) error {
	if err := action.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[action.ID]; exists {
		return engine.NewPermanentError("action already registered", nil).
			WithCode(engine.ErrCodeValidation).
			WithDetail("action_id", action.ID)
	}
	cp := *action
	r.actions[action.ID] = &cp
	return nil
}

// RegisterGoal adds a goal template for an intent kind, replacing any
// existing template for that kind.
func (r *Registry) RegisterGoal(tmpl GoalTemplate) error {
	if tmpl.Kind == "" || len(tmpl.Predicates) == 0 {
		return engine.NewPermanentError("goal template needs a kind and predicates", nil).
			WithCode(engine.ErrCodeValidation)
	}
	r.mu.Lock()
	r.goals[tmpl.Kind] = tmpl
	r.mu.Unlock()
	return nil
}

// Get returns the action with the given ID.
func (r *Registry) Get(id string) (*engine.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[id]
	if !ok {
		return nil, engine.NewPermanentError("action not registered", nil).
			WithCode(engine.ErrCodeNotFound).
			WithDetail("action_id", id)
	}
	cp := *action
	return &cp, nil
}

// List returns all registered actions sorted by ID.
func (r *Registry) List() []*engine.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engine.Action, 0, len(r.actions))
	for _, a := range r.actions {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GoalFor derives the goal predicate set for an intent. A registered goal
// template for the kind wins, with ${name} placeholders substituted from the
// intent's constraints. Without a template the goal is the kind itself plus
// one "key=value" predicate per constraint.
func (r *Registry) GoalFor(intent *engine.Intent) ([]string, error) {
	r.mu.RLock()
	tmpl, ok := r.goals[intent.Kind]
	r.mu.RUnlock()

	if !ok {
		goal := []string{intent.Kind}
		keys := make([]string, 0, len(intent.Constraints))
		for k := range intent.Constraints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			goal = append(goal, fmt.Sprintf("%s=%v", k, intent.Constraints[k]))
		}
		return goal, nil
	}

	goal := make([]string, 0, len(tmpl.Predicates))
	for _, p := range tmpl.Predicates {
		resolved, err := substitute(p, intent.Constraints)
		if err != nil {
			return nil, err
		}
		goal = append(goal, resolved)
	}
	return goal, nil
}

// Validate checks catalog-wide consistency: every compensation reference
// must resolve to a registered action.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.actions {
		if a.CompensateID == "" {
			continue
		}
		if _, ok := r.actions[a.CompensateID]; !ok {
			return engine.NewPermanentError("compensation references unknown action", nil).
				WithCode(engine.ErrCodeValidation).
				WithDetail("action_id", a.ID).
				WithDetail("compensate_id", a.CompensateID)
		}
	}
	return nil
}

// Replace swaps the entire catalog atomically. Used by hot reload.
func (r *Registry) Replace(actions []*engine.Action, goals []GoalTemplate) error {
	next := make(map[string]*engine.Action, len(actions))
	for _, a := range actions {
		if err := a.Validate(); err != nil {
			return err
		}
		if _, dup := next[a.ID]; dup {
			return engine.NewPermanentError("duplicate action id", nil).
				WithCode(engine.ErrCodeValidation).
				WithDetail("action_id", a.ID)
		}
		cp := *a
		next[a.ID] = &cp
	}
	for _, a := range next {
		if a.CompensateID != "" {
			if _, ok := next[a.CompensateID]; !ok {
				return engine.NewPermanentError("compensation references unknown action", nil).
					WithCode(engine.ErrCodeValidation).
					WithDetail("action_id", a.ID).
					WithDetail("compensate_id", a.CompensateID)
			}
		}
	}
	nextGoals := make(map[string]GoalTemplate, len(goals))
	for _, g := range goals {
		nextGoals[g.Kind] = g
	}

	r.mu.Lock()
	r.actions = next
	r.goals = nextGoals
	r.mu.Unlock()
	return nil
}

// substitute resolves ${name} placeholders from constraints. An unresolved
// placeholder is an error: a goal with a hole in it can never be satisfied.
func substitute(predicate string, constraints map[string]interface{}) (string, error) {
	out := predicate
	for {
		start := strings.Index(out, "${")
		if start < 0 {
			return out, nil
		}
		end := strings.Index(out[start:], "}")
		if end < 0 {
			return "", engine.NewPermanentError("unterminated placeholder in goal predicate", nil).
				WithCode(engine.ErrCodeValidation).
				WithDetail("predicate", predicate)
		}
		name := out[start+2 : start+end]
		value, ok := constraints[name]
		if !ok {
			return "", engine.NewPermanentError("goal placeholder not in constraints", nil).
				WithCode(engine.ErrCodeValidation).
				WithDetail("predicate", predicate).
				WithDetail("placeholder", name)
		}
		out = out[:start] + fmt.Sprintf("%v", value) + out[start+end+1:]
	}
}
