package executor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/telemetry"
)

// Config configures the executor.
type Config struct {
	// MaxRetries caps effector retries per step for transient errors.
	MaxRetries int

	// RetryBaseDelay is the first retry delay; later retries back off
	// exponentially with jitter.
	RetryBaseDelay time.Duration

	// MaxParallelSteps bounds how many independent steps run at once.
	MaxParallelSteps int64

	// CancelGracePeriod is how long in-flight effector calls may run after
	// cancellation before their contexts are cut.
	CancelGracePeriod time.Duration
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		RetryBaseDelay:    time.Second,
		MaxParallelSteps:  4,
		CancelGracePeriod: 5 * time.Second,
	}
}

// Executor runs selected plans step by step. It implements engine.Executor.
//
// Steps run in plan order, except that adjacent steps with no overlap
// between preconditions and effects run concurrently under a weighted
// semaphore; their effects still commit in step order. Transient effector
// errors are retried with capped exponential backoff. A permanent failure
// compensates every succeeded step in reverse order; if compensation itself
// fails the plan is left failed-degraded for manual intervention.
type Executor struct {
	effector engine.Effector
	store    engine.StateStore
	bus      engine.EventBus
	registry engine.ActionRegistry
	builder  engine.ArtifactBuilder
	children engine.ChildRunner
	config   Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option customizes an Executor.
type Option func(*Executor)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an executor.
func New(
	effector engine.Effector,
	store engine.StateStore,
	bus engine.EventBus,
	registry engine.ActionRegistry,
	builder engine.ArtifactBuilder,
	logger *telemetry.Logger,
	cfg Config,
	opts ...Option,
) *Executor {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.MaxParallelSteps <= 0 {
		cfg.MaxParallelSteps = def.MaxParallelSteps
	}
	if cfg.CancelGracePeriod <= 0 {
		cfg.CancelGracePeriod = def.CancelGracePeriod
	}
	e := &Executor{
		effector: effector,
		store:    store,
		bus:      bus,
		registry: registry,
		builder:  builder,
		config:   cfg,
		logger:   logger.NewComponentLogger("executor"),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetChildRunner wires the child-intent runner. The orchestrator calls this
// after construction because each needs the other.
func (e *Executor) SetChildRunner(cr engine.ChildRunner) {
	e.children = cr
}

// Cancel requests cooperative cancellation of a running plan. The current
// step's effector call gets the configured grace period; remaining steps do
// not start.
func (e *Executor) Cancel(planID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[planID]
	e.mu.Unlock()
	if !ok {
		return engine.NewPermanentError("plan is not executing", nil).
			WithCode(engine.ErrCodeNotFound).WithPlan(planID)
	}
	cancel()
	return nil
}

// Execute runs the plan to completion and returns its artifact.
func (e *Executor) Execute(ctx context.Context, plan *engine.Plan) (*engine.Artifact, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	log := e.logger.WithPlanID(plan.ID)

	planCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[plan.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, plan.ID)
		e.mu.Unlock()
	}()

	if e.metrics != nil {
		e.metrics.IncActiveExecutions()
		defer e.metrics.DecActiveExecutions()
	}

	plan.Status = engine.PlanStatusExecuting
	state := engine.NewExecutionState(plan)
	log.WithField("steps", len(plan.Steps)).Info("execution started")

	for _, batch := range independentBatches(plan.Steps) {
		if err := e.runBatch(planCtx, plan, state, batch); err != nil {
			return nil, e.fail(ctx, plan, state, err)
		}
	}

	plan.Status = engine.PlanStatusCompleted
	artifact, err := e.builder.Build(ctx, plan, state)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, plan.ID, engine.EventComplete, -1, map[string]interface{}{
		"artifact_id": artifact.ID,
		"actual_cost": artifact.ActualCost,
	})
	log.WithField("actual_cost", artifact.ActualCost).Info("execution complete")
	return artifact, nil
}

// runBatch executes one group of mutually independent steps. Effector calls
// run concurrently; effects commit sequentially in step order once every
// step in the batch has succeeded.
func (e *Executor) runBatch(ctx context.Context, plan *engine.Plan, state *engine.ExecutionState, batch []int) error {
	sem := semaphore.NewWeighted(e.config.MaxParallelSteps)
	g, gctx := errgroup.WithContext(ctx)

	for _, idx := range batch {
		idx := idx
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				e.markCancelled(state, idx)
				return err
			}
			defer sem.Release(1)
			return e.runStep(gctx, plan, state, idx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Commit in step order so the state history reads like the plan.
	for _, idx := range batch {
		if err := e.commitEffects(ctx, plan, state, idx); err != nil {
			return err
		}
	}
	return nil
}

// runStep drives one step to Succeeded or returns its terminal error.
func (e *Executor) runStep(ctx context.Context, plan *engine.Plan, state *engine.ExecutionState, idx int) error {
	step := &plan.Steps[idx]
	ss := &state.Steps[idx]
	log := e.logger.WithPlanID(plan.ID).WithStep(idx)

	now := time.Now().UTC()
	ss.Status = engine.StepStatusRunning
	ss.StartedAt = &now
	e.publish(ctx, plan.ID, engine.EventExecuting, idx, map[string]interface{}{
		"action_id": step.ActionID,
	})

	actionType, err := e.actionType(step)
	if err != nil {
		return e.stepFailed(ctx, plan, state, idx, err)
	}

	var output map[string]interface{}
	for attempt := 0; ; attempt++ {
		output, err = e.invoke(ctx, plan, step, actionType)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			e.markCancelled(state, idx)
			return ctx.Err()
		}
		if !engine.IsRetryable(err) || attempt >= e.config.MaxRetries {
			return e.stepFailed(ctx, plan, state, idx, e.classifyError(err, plan.ID, idx))
		}
		delay := e.backoff(attempt)
		log.WithError(err).
			WithField("attempt", attempt+1).
			WithField("backoff", delay.String()).
			Warn("step failed, retrying")
		if e.metrics != nil {
			e.metrics.RecordStepRetry(actionType)
		}
		ss.Attempts++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			e.markCancelled(state, idx)
			return ctx.Err()
		}
	}

	finished := time.Now().UTC()
	ss.Status = engine.StepStatusSucceeded
	ss.Output = output
	ss.FinishedAt = &finished
	ss.Attempts++
	if e.metrics != nil {
		e.metrics.RecordStepExecution(actionType, string(engine.StepStatusSucceeded), finished.Sub(*ss.StartedAt))
	}
	log.Debug("step succeeded")
	return nil
}

// invoke performs the step's work: an effector call, or a child-intent run
// for the reserved spawn action type.
func (e *Executor) invoke(ctx context.Context, plan *engine.Plan, step *engine.Step, actionType string) (map[string]interface{}, error) {
	if actionType == engine.SpawnIntentActionType {
		return e.spawnChild(ctx, plan, step)
	}
	// The grace context outlives a cancellation just long enough for the
	// in-flight call to finish cleanly.
	invokeCtx, cancel := e.graceContext(ctx)
	defer cancel()
	return e.effector.Invoke(invokeCtx, actionType, step.Params)
}

func (e *Executor) spawnChild(ctx context.Context, plan *engine.Plan, step *engine.Step) (map[string]interface{}, error) {
	if e.children == nil {
		return nil, engine.NewPermanentError("no child runner configured", nil).
			WithCode(engine.ErrCodeInternal).WithPlan(plan.ID)
	}
	kind, _ := step.Params["kind"].(string)
	if kind == "" {
		return nil, engine.NewPermanentError("spawn_intent step needs a kind param", nil).
			WithCode(engine.ErrCodeValidation).WithPlan(plan.ID)
	}
	constraints, _ := step.Params["constraints"].(map[string]interface{})
	budget, _ := step.Params["budget"].(float64)

	artifact, err := e.children.RunChild(ctx, plan.IntentID, kind, constraints, budget)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"artifact_id": artifact.ID,
		"outputs":     artifact.Outputs,
		"actual_cost": artifact.ActualCost,
	}, nil
}

// commitEffects writes the step's effect predicates to the state store as
// one atomic batch.
func (e *Executor) commitEffects(ctx context.Context, plan *engine.Plan, state *engine.ExecutionState, idx int) error {
	step := &plan.Steps[idx]
	if len(step.Effects) > 0 {
		puts := make([]engine.Put, len(step.Effects))
		for i, effect := range step.Effects {
			puts[i] = engine.Put{
				Key:   engine.PredicateKey(effect),
				Value: json.RawMessage("true"),
			}
		}
		if err := e.store.Apply(ctx, puts); err != nil {
			return e.stepFailed(ctx, plan, state, idx,
				engine.NewPermanentError("committing step effects", err).
					WithCode(engine.ErrCodeInternal).WithPlan(plan.ID).WithStep(idx))
		}
	}
	state.Cursor = idx + 1
	e.publish(ctx, plan.ID, engine.EventStepCompleted, idx, map[string]interface{}{
		"effects": step.Effects,
	})
	return nil
}

// stepFailed records the step's terminal failure and returns the error.
func (e *Executor) stepFailed(ctx context.Context, plan *engine.Plan, state *engine.ExecutionState, idx int, err error) error {
	ss := &state.Steps[idx]
	finished := time.Now().UTC()
	ss.Status = engine.StepStatusFailed
	ss.Error = err.Error()
	ss.FinishedAt = &finished
	if e.metrics != nil {
		e.metrics.RecordStepExecution(plan.Steps[idx].ActionID, string(engine.StepStatusFailed), 0)
	}
	e.publish(ctx, plan.ID, engine.EventFailed, idx, map[string]interface{}{
		"error": err.Error(),
	})
	return err
}

// fail handles a plan-level failure: cancellation bookkeeping, compensation
// of succeeded steps, and terminal plan status.
func (e *Executor) fail(ctx context.Context, plan *engine.Plan, state *engine.ExecutionState, cause error) error {
	log := e.logger.WithPlanID(plan.ID)
	cancelled := ctx.Err() != nil || errors.Is(cause, context.Canceled)

	if cancelled {
		for i := range state.Steps {
			if state.Steps[i].Status == engine.StepStatusPending {
				state.Steps[i].Status = engine.StepStatusCancelled
			}
		}
		e.publish(context.WithoutCancel(ctx), plan.ID, engine.EventCancelled, -1, nil)
		log.Warn("execution cancelled")
	}

	// Compensation must run even when the surrounding context is gone.
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()
	if err := e.compensate(compCtx, plan, state); err != nil {
		plan.Status = engine.PlanStatusFailedDegraded
		log.WithError(err).Error("compensation failed, manual intervention required")
		return engine.NewPermanentError("compensation failed after step failure", err).
			WithCode(engine.ErrCodeCompensationFailure).
			WithPlan(plan.ID).
			WithDetail("cause", cause.Error())
	}

	switch {
	case cancelled:
		plan.Status = engine.PlanStatusRolledBack
		return engine.NewPermanentError("execution cancelled", cause).
			WithCode(engine.ErrCodeCancelled).WithPlan(plan.ID)
	default:
		plan.Status = engine.PlanStatusRolledBack
		return cause
	}
}

// compensate runs the compensating action of every succeeded step in
// reverse order, exactly once each. The first compensation failure aborts;
// it is never retried automatically.
func (e *Executor) compensate(ctx context.Context, plan *engine.Plan, state *engine.ExecutionState) error {
	succeeded := state.Succeeded()
	if len(succeeded) == 0 {
		return nil
	}
	log := e.logger.WithPlanID(plan.ID)
	e.publish(ctx, plan.ID, engine.EventCompensating, -1, map[string]interface{}{
		"steps": len(succeeded),
	})

	for i := len(succeeded) - 1; i >= 0; i-- {
		idx := succeeded[i]
		step := &plan.Steps[idx]

		comp, err := e.compensationFor(step)
		if err != nil {
			if e.metrics != nil {
				e.metrics.RecordCompensation("failed")
			}
			return err
		}
		if comp == nil {
			// Nothing to undo for this step.
			state.Steps[idx].Status = engine.StepStatusCompensated
			continue
		}

		params := mergeParams(comp.Params, step.Params)
		if _, err := e.effector.Invoke(ctx, comp.Type, params); err != nil {
			if e.metrics != nil {
				e.metrics.RecordCompensation("failed")
			}
			return engine.NewPermanentError("compensating action failed", err).
				WithCode(engine.ErrCodeCompensationFailure).
				WithPlan(plan.ID).WithStep(idx).
				WithDetail("compensate_action", comp.ID)
		}

		// Retract the step's effects so world state matches reality again.
		if len(step.Effects) > 0 {
			puts := make([]engine.Put, len(step.Effects))
			for j, effect := range step.Effects {
				puts[j] = engine.Put{Key: engine.PredicateKey(effect)}
			}
			if err := e.store.Apply(ctx, puts); err != nil {
				log.WithError(err).WithStep(idx).Warn("retracting effects failed")
			}
		}

		state.Steps[idx].Status = engine.StepStatusCompensated
		if e.metrics != nil {
			e.metrics.RecordCompensation("succeeded")
		}
		e.publish(ctx, plan.ID, engine.EventCompensating, idx, map[string]interface{}{
			"action_id": comp.ID,
		})
		log.WithStep(idx).Info("step compensated")
	}
	return nil
}

// compensationFor resolves a step's compensating action, or nil when the
// step declared none.
func (e *Executor) compensationFor(step *engine.Step) (*engine.Action, error) {
	if step.ActionID == "" {
		return nil, nil
	}
	action, err := e.registry.Get(step.ActionID)
	if err != nil {
		return nil, err
	}
	if action.CompensateID == "" {
		return nil, nil
	}
	return e.registry.Get(action.CompensateID)
}

func (e *Executor) actionType(step *engine.Step) (string, error) {
	if step.ActionID == "" {
		return engine.SpawnIntentActionType, nil
	}
	action, err := e.registry.Get(step.ActionID)
	if err != nil {
		return "", err
	}
	return action.Type, nil
}

func (e *Executor) markCancelled(state *engine.ExecutionState, idx int) {
	if state.Steps[idx].Status == engine.StepStatusRunning ||
		state.Steps[idx].Status == engine.StepStatusPending {
		state.Steps[idx].Status = engine.StepStatusCancelled
	}
}

// classifyError normalizes a step failure: engine errors pass through with
// plan and step context attached, anything else is a permanent effector
// failure.
func (e *Executor) classifyError(err error, planID string, stepIndex int) error {
	var engineErr *engine.EngineError
	if engine.AsEngineError(err, &engineErr) {
		if engineErr.Plan == "" {
			engineErr = engineErr.WithPlan(planID)
		}
		if engineErr.Step < 0 {
			engineErr = engineErr.WithStep(stepIndex)
		}
		return engineErr
	}
	return engine.NewPermanentError("effector invocation failed", err).
		WithCode(engine.ErrCodeEffectorFailed).
		WithPlan(planID).
		WithStep(stepIndex)
}

// backoff computes the retry delay: base * 2^attempt, capped at one minute,
// with up to 25% jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(e.config.RetryBaseDelay) * math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// graceContext derives the context effector calls run under: it follows the
// plan context but lags its cancellation by the grace period.
func (e *Executor) graceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(e.config.CancelGracePeriod, cancel)
	})
	return detached, func() {
		stop()
		cancel()
	}
}

func (e *Executor) publish(ctx context.Context, planID string, typ engine.EventType, stepIndex int, payload map[string]interface{}) {
	if _, err := e.bus.Publish(ctx, planID, typ, stepIndex, payload); err != nil {
		e.logger.WithPlanID(planID).WithError(err).Warn("event publish failed")
	}
}

func mergeParams(base, overlay map[string]interface{}) map[string]interface{} {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range overlay {
		out[k] = v
	}
	for k, v := range base {
		out[k] = v
	}
	return out
}

// independentBatches groups the plan's steps into runs of adjacent steps
// that neither establish nor consume each other's predicates. Steps within
// a batch may run concurrently; batches run in order.
func independentBatches(steps []engine.Step) [][]int {
	var batches [][]int
	var current []int
	effects := map[string]bool{}
	preconds := map[string]bool{}

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			effects = map[string]bool{}
			preconds = map[string]bool{}
		}
	}

	for i, step := range steps {
		conflict := false
		for _, p := range step.Preconditions {
			if effects[p] {
				conflict = true
				break
			}
		}
		if !conflict {
			for _, eff := range step.Effects {
				if effects[eff] || preconds[eff] {
					conflict = true
					break
				}
			}
		}
		if conflict {
			flush()
		}
		current = append(current, i)
		for _, p := range step.Preconditions {
			preconds[p] = true
		}
		for _, eff := range step.Effects {
			effects[eff] = true
		}
	}
	flush()
	return batches
}
