package planner

import (
	"container/heap"
	"context"
	"sort"
	"strings"
	"time"

	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/telemetry"
)

// Config bounds the planner's search.
type Config struct {
	// MaxExpansions caps the number of node expansions per search.
	MaxExpansions int

	// Timeout caps the wall-clock time per search.
	Timeout time.Duration

	// MaxPlanSteps caps the length of any produced plan.
	MaxPlanSteps int

	// TopK is the number of candidate plans to produce.
	TopK int
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{
		MaxExpansions: 10000,
		Timeout:       30 * time.Second,
		MaxPlanSteps:  100,
		TopK:          3,
	}
}

// Planner finds candidate plans with A* search over predicate-set world
// states. It implements engine.Planner.
//
// The search is deterministic: the open set orders nodes by f, then g, then
// insertion order, and actions are always tried in catalog order. Identical
// inputs therefore always yield identical plans.
type Planner struct {
	registry engine.ActionRegistry
	config   Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// Option customizes a Planner.
type Option func(*Planner)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// New creates a planner over the given action catalog.
func New(registry engine.ActionRegistry, logger *telemetry.Logger, cfg Config, opts ...Option) *Planner {
	def := DefaultConfig()
	if cfg.MaxExpansions <= 0 {
		cfg.MaxExpansions = def.MaxExpansions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxPlanSteps <= 0 {
		cfg.MaxPlanSteps = def.MaxPlanSteps
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 1
	}
	p := &Planner{
		registry: registry,
		config:   cfg,
		logger:   logger.NewComponentLogger("planner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// node is one search state: the predicates that hold plus the action path
// that established them.
type node struct {
	preds map[string]bool
	key   string
	path  []*engine.Action
	g     float64
	f     float64
	order int
}

type openSet []*node

func (o openSet) Len() int { return len(o) }
func (o openSet) Less(i, j int) bool {
	if o[i].f != o[j].f {
		return o[i].f < o[j].f
	}
	if o[i].g != o[j].g {
		return o[i].g < o[j].g
	}
	return o[i].order < o[j].order
}
func (o openSet) Swap(i, j int)      { o[i], o[j] = o[j], o[i] }
func (o *openSet) Push(x interface{}) { *o = append(*o, x.(*node)) }
func (o *openSet) Pop() interface{} {
	old := *o
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*o = old[:n-1]
	return item
}

// Plan searches for up to TopK candidate plans for the intent, cheapest
// first. It returns engine.ErrPlanNotFound when the goal is unreachable
// within the search bounds and the intent's budget.
func (p *Planner) Plan(ctx context.Context, intent *engine.Intent, snapshot engine.Snapshot) ([]*engine.Plan, error) {
	start := time.Now()
	goal, err := p.registry.GoalFor(intent)
	if err != nil {
		return nil, err
	}
	actions := p.registry.List()

	searchCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	initial := snapshot.Predicates()
	plans, expansions, err := p.search(searchCtx, intent, initial, goal, actions)

	outcome := "found"
	if err != nil {
		outcome = "not_found"
	}
	if p.metrics != nil {
		p.metrics.RecordPlannerSearch(outcome, expansions, time.Since(start))
	}
	log := p.logger.WithIntentID(intent.ID).
		WithField("expansions", expansions).
		WithField("goal_predicates", len(goal))
	if err != nil {
		log.Debug("search exhausted without a plan")
		return nil, err
	}
	log.WithField("plans", len(plans)).Debug("search complete")
	return plans, nil
}

func (p *Planner) search(ctx context.Context, intent *engine.Intent, initial map[string]bool, goal []string, actions []*engine.Action) ([]*engine.Plan, int, error) {
	root := &node{
		preds: initial,
		key:   stateKey(initial),
		g:     0,
	}
	root.f = p.heuristic(root.preds, goal, actions)

	open := &openSet{root}
	heap.Init(open)
	// A state may be re-expanded up to TopK times so distinct paths to the
	// goal survive the closed-set check.
	expanded := make(map[string]int)
	counter := 1
	expansions := 0

	var plans []*engine.Plan
	var seenPaths []string

	for open.Len() > 0 {
		select {
		case <-ctx.Done():
			// The search deadline counts as exhaustion; a caller-side
			// cancellation propagates as-is.
			if ctx.Err() == context.DeadlineExceeded {
				return nil, expansions, planNotFound(intent, "search timeout")
			}
			return nil, expansions, ctx.Err()
		default:
		}

		cur := heap.Pop(open).(*node)

		if satisfied(cur.preds, goal) {
			pathID := pathKey(cur.path)
			if !contains(seenPaths, pathID) {
				seenPaths = append(seenPaths, pathID)
				plans = append(plans, p.buildPlan(intent, cur.path))
				if len(plans) >= p.config.TopK {
					return plans, expansions, nil
				}
			}
			continue
		}

		if expanded[cur.key] >= p.config.TopK {
			continue
		}
		expanded[cur.key]++
		expansions++
		if expansions > p.config.MaxExpansions {
			break
		}
		if len(cur.path) >= p.config.MaxPlanSteps {
			continue
		}

		for _, action := range actions {
			if !applicable(action, cur.preds) {
				continue
			}
			next, progressed := apply(cur.preds, action)
			if !progressed {
				continue
			}
			g := cur.g + action.Cost
			if intent.Budget > 0 && g > intent.Budget {
				continue
			}
			child := &node{
				preds: next,
				key:   stateKey(next),
				path:  appendPath(cur.path, action),
				g:     g,
				order: counter,
			}
			counter++
			child.f = g + p.heuristic(next, goal, actions)
			heap.Push(open, child)
		}
	}

	if len(plans) > 0 {
		return plans, expansions, nil
	}
	return nil, expansions, planNotFound(intent, "goal unreachable within bounds")
}

// heuristic is an admissible lower bound on the remaining cost: each
// unsatisfied goal predicate is charged the cheapest covering action, with
// the action's cost shared across every unsatisfied goal it covers so one
// action satisfying several goals is not double-counted.
func (p *Planner) heuristic(preds map[string]bool, goal []string, actions []*engine.Action) float64 {
	var unsat []string
	for _, g := range goal {
		if !preds[g] {
			unsat = append(unsat, g)
		}
	}
	if len(unsat) == 0 {
		return 0
	}

	var h float64
	for _, g := range unsat {
		best := -1.0
		for _, a := range actions {
			covered := 0
			provides := false
			for _, e := range a.Effects {
				if e == g {
					provides = true
				}
				if contains(unsat, e) {
					covered++
				}
			}
			if !provides || covered == 0 {
				continue
			}
			share := a.Cost / float64(covered)
			if best < 0 || share < best {
				best = share
			}
		}
		if best < 0 {
			// No action provides this goal predicate: unreachable, signal
			// with an effectively infinite estimate.
			return 1e18
		}
		h += best
	}
	return h
}

func (p *Planner) buildPlan(intent *engine.Intent, path []*engine.Action) *engine.Plan {
	steps := make([]engine.Step, len(path))
	for i, a := range path {
		steps[i] = engine.Step{
			ActionID:      a.ID,
			Preconditions: a.Preconditions,
			Effects:       a.Effects,
			Cost:          a.Cost,
			Duration:      a.Duration,
			Params:        resolveParams(a, intent),
		}
	}
	return engine.NewPlan(intent.ID, steps)
}

// resolveParams merges the intent's constraints into the action's default
// parameters. Explicit action params win.
func resolveParams(a *engine.Action, intent *engine.Intent) map[string]interface{} {
	if len(a.Params) == 0 && len(intent.Constraints) == 0 {
		return nil
	}
	params := make(map[string]interface{}, len(a.Params)+len(intent.Constraints))
	for k, v := range intent.Constraints {
		params[k] = v
	}
	for k, v := range a.Params {
		params[k] = v
	}
	return params
}

func applicable(a *engine.Action, preds map[string]bool) bool {
	for _, pre := range a.Preconditions {
		if !preds[pre] {
			return false
		}
	}
	return true
}

// apply returns the successor predicate set and whether the action added
// anything. Actions that change nothing cannot make progress and would only
// create cycles.
func apply(preds map[string]bool, a *engine.Action) (map[string]bool, bool) {
	progressed := false
	for _, e := range a.Effects {
		if !preds[e] {
			progressed = true
			break
		}
	}
	if !progressed {
		return nil, false
	}
	next := make(map[string]bool, len(preds)+len(a.Effects))
	for k := range preds {
		next[k] = true
	}
	for _, e := range a.Effects {
		next[e] = true
	}
	return next, true
}

func satisfied(preds map[string]bool, goal []string) bool {
	for _, g := range goal {
		if !preds[g] {
			return false
		}
	}
	return true
}

func stateKey(preds map[string]bool) string {
	keys := make([]string, 0, len(preds))
	for k := range preds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, "\x1f")
}

func pathKey(path []*engine.Action) string {
	ids := make([]string, len(path))
	for i, a := range path {
		ids[i] = a.ID
	}
	return strings.Join(ids, "\x1f")
}

func appendPath(path []*engine.Action, a *engine.Action) []*engine.Action {
	out := make([]*engine.Action, len(path)+1)
	copy(out, path)
	out[len(path)] = a
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func planNotFound(intent *engine.Intent, reason string) error {
	return engine.NewPermanentError("no plan satisfies the intent", nil).
		WithCode(engine.ErrCodePlanNotFound).
		WithOperation("plan").
		WithDetail("intent_id", intent.ID).
		WithDetail("reason", reason)
}
