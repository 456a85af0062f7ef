package negotiate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/telemetry"
)

// Mode selects how a plan is chosen from the ranked candidates.
type Mode string

const (
	// ModeAuto selects the top-ranked candidate immediately.
	ModeAuto Mode = "auto"

	// ModeAcceptance proposes the ranked candidates and waits for an
	// explicit Accept, falling back per configuration on timeout.
	ModeAcceptance Mode = "acceptance"
)

// Config configures the negotiator.
type Config struct {
	// Mode is the selection mode.
	Mode Mode

	// AcceptTimeout is how long acceptance mode waits for a decision.
	AcceptTimeout time.Duration

	// FallbackToTop selects the top-ranked candidate when the acceptance
	// window expires. When false, expiry fails the negotiation.
	FallbackToTop bool
}

// DefaultConfig returns the default negotiator configuration.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeAuto,
		AcceptTimeout: 30 * time.Second,
		FallbackToTop: true,
	}
}

// Negotiator selects one plan from the planner's candidates. It implements
// engine.Negotiator.
//
// Candidates are filtered against the intent's budget and deadline, then
// ranked by total cost, total duration, step count, and finally plan ID so
// ties resolve deterministically.
type Negotiator struct {
	bus    engine.EventBus
	config Config
	logger *telemetry.Logger

	mu       sync.Mutex
	sessions map[string]*session // keyed by plan ID
	selected map[string]bool     // plan IDs already selected
}

// session is one open acceptance window.
type session struct {
	intentID string
	decision chan string
	plans    map[string]*engine.Plan
}

// New creates a negotiator publishing proposals on the given bus.
func New(bus engine.EventBus, logger *telemetry.Logger, cfg Config) *Negotiator {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultConfig().AcceptTimeout
	}
	return &Negotiator{
		bus:      bus,
		config:   cfg,
		logger:   logger.NewComponentLogger("negotiator"),
		sessions: make(map[string]*session),
		selected: make(map[string]bool),
	}
}

// Negotiate filters and ranks the candidates and returns the selected plan.
func (n *Negotiator) Negotiate(ctx context.Context, intent *engine.Intent, candidates []*engine.Plan) (*engine.Plan, error) {
	viable := filter(intent, candidates)
	if len(viable) == 0 {
		return nil, engine.NewPermanentError("no candidate plan is viable", nil).
			WithCode(engine.ErrCodeNoViablePlan).
			WithDetail("intent_id", intent.ID).
			WithDetail("candidates", len(candidates))
	}
	rank(viable)

	for i, plan := range viable {
		_, err := n.bus.Publish(ctx, plan.ID, engine.EventNegotiating, -1, map[string]interface{}{
			"intent_id": intent.ID,
			"rank":      i,
			"cost":      plan.TotalCost,
			"duration":  plan.TotalDuration.String(),
			"steps":     len(plan.Steps),
		})
		if err != nil {
			return nil, err
		}
	}
	n.logger.WithIntentID(intent.ID).
		WithField("viable", len(viable)).
		WithField("top_cost", viable[0].TotalCost).
		Debug("candidates ranked")

	if n.config.Mode == ModeAuto {
		return n.selectPlan(viable[0]), nil
	}
	return n.awaitAcceptance(ctx, intent, viable)
}

// Accept records an external acceptance of a proposed plan. Accepting a plan
// that is already selected is a no-op.
func (n *Negotiator) Accept(planID string) error {
	n.mu.Lock()
	if n.selected[planID] {
		n.mu.Unlock()
		return nil
	}
	sess, ok := n.sessions[planID]
	n.mu.Unlock()
	if !ok {
		return engine.NewPermanentError("no open negotiation for plan", nil).
			WithCode(engine.ErrCodeNotFound).WithPlan(planID)
	}
	select {
	case sess.decision <- planID:
	default:
		// A decision is already in flight; the transition stays idempotent.
	}
	return nil
}

func (n *Negotiator) awaitAcceptance(ctx context.Context, intent *engine.Intent, viable []*engine.Plan) (*engine.Plan, error) {
	sess := &session{
		intentID: intent.ID,
		decision: make(chan string, 1),
		plans:    make(map[string]*engine.Plan, len(viable)),
	}
	n.mu.Lock()
	for _, p := range viable {
		sess.plans[p.ID] = p
		n.sessions[p.ID] = sess
	}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		for id := range sess.plans {
			delete(n.sessions, id)
		}
		n.mu.Unlock()
	}()

	timer := time.NewTimer(n.config.AcceptTimeout)
	defer timer.Stop()

	select {
	case planID := <-sess.decision:
		return n.selectPlan(sess.plans[planID]), nil
	case <-timer.C:
		if n.config.FallbackToTop {
			n.logger.WithIntentID(intent.ID).
				Warn("acceptance window expired, falling back to top candidate")
			return n.selectPlan(viable[0]), nil
		}
		return nil, engine.NewPermanentError("negotiation timed out", nil).
			WithCode(engine.ErrCodeNegotiationTimeout).
			WithDetail("intent_id", intent.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Negotiator) selectPlan(plan *engine.Plan) *engine.Plan {
	n.mu.Lock()
	n.selected[plan.ID] = true
	n.mu.Unlock()
	plan.Status = engine.PlanStatusSelected
	return plan
}

// filter drops candidates that violate the intent's budget or deadline.
func filter(intent *engine.Intent, candidates []*engine.Plan) []*engine.Plan {
	now := time.Now()
	var out []*engine.Plan
	for _, p := range candidates {
		if intent.Budget > 0 && p.TotalCost > intent.Budget {
			continue
		}
		if intent.Deadline != nil && now.Add(p.TotalDuration).After(*intent.Deadline) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// rank orders plans by cost, then duration, then step count, then plan ID.
func rank(plans []*engine.Plan) {
	sort.SliceStable(plans, func(i, j int) bool {
		a, b := plans[i], plans[j]
		if a.TotalCost != b.TotalCost {
			return a.TotalCost < b.TotalCost
		}
		if a.TotalDuration != b.TotalDuration {
			return a.TotalDuration < b.TotalDuration
		}
		if len(a.Steps) != len(b.Steps) {
			return len(a.Steps) < len(b.Steps)
		}
		return a.ID < b.ID
	})
}
