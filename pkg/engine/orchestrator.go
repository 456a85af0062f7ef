package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/intentd/intentd/pkg/telemetry"
)

// DefaultMaxIntentDepth bounds recursive intent expansion.
const DefaultMaxIntentDepth = 3

// OrchestratorConfig configures the pipeline driver.
type OrchestratorConfig struct {
	// MaxIntentDepth is the maximum recursion depth for child intents.
	MaxIntentDepth int

	// MaxConcurrentIntents bounds how many intents execute at once.
	MaxConcurrentIntents int
}

// DefaultOrchestratorConfig returns the default orchestrator configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxIntentDepth:       DefaultMaxIntentDepth,
		MaxConcurrentIntents: 16,
	}
}

// IntentRecord is the orchestrator's view of one submitted intent.
type IntentRecord struct {
	// Intent is the submitted intent.
	Intent *Intent `json:"intent"`

	// Status is the intent's current lifecycle status.
	Status IntentStatus `json:"status"`

	// PlanID is the selected plan, once negotiation has completed.
	PlanID string `json:"plan_id,omitempty"`

	// Artifact is the result, once execution has completed.
	Artifact *Artifact `json:"artifact,omitempty"`

	// Error is the terminal error message, if the intent failed.
	Error string `json:"error,omitempty"`
}

// Orchestrator drives intents through the plan, negotiate, and execute
// phases. It owns intent lifecycle status and is the only component that
// calls the planner, negotiator, and executor directly.
type Orchestrator struct {
	planner    Planner
	negotiator Negotiator
	executor   Executor
	store      StateStore
	bus        EventBus
	registry   ActionRegistry
	policy     PolicyEngine
	archive    Archive
	config     OrchestratorConfig
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer

	mu      sync.RWMutex
	intents map[string]*IntentRecord
	done    map[string]chan struct{}
	sem     chan struct{}
	wg      sync.WaitGroup
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithPolicyEngine attaches an admission policy engine.
func WithPolicyEngine(pe PolicyEngine) OrchestratorOption {
	return func(o *Orchestrator) { o.policy = pe }
}

// WithArchive attaches a durable archive for terminal intents and artifacts.
func WithArchive(a Archive) OrchestratorOption {
	return func(o *Orchestrator) { o.archive = a }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *telemetry.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer attaches a tracer for pipeline spans.
func WithTracer(t *telemetry.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator creates an orchestrator over the given components.
func NewOrchestrator(
	planner Planner,
	negotiator Negotiator,
	executor Executor,
	store StateStore,
	bus EventBus,
	registry ActionRegistry,
	logger *telemetry.Logger,
	cfg OrchestratorConfig,
	opts ...OrchestratorOption,
) *Orchestrator {
	if cfg.MaxIntentDepth <= 0 {
		cfg.MaxIntentDepth = DefaultMaxIntentDepth
	}
	if cfg.MaxConcurrentIntents <= 0 {
		cfg.MaxConcurrentIntents = DefaultOrchestratorConfig().MaxConcurrentIntents
	}
	o := &Orchestrator{
		planner:    planner,
		negotiator: negotiator,
		executor:   executor,
		store:      store,
		bus:        bus,
		registry:   registry,
		config:     cfg,
		logger:     logger.NewComponentLogger("orchestrator"),
		intents:    make(map[string]*IntentRecord),
		done:       make(map[string]chan struct{}),
		sem:        make(chan struct{}, cfg.MaxConcurrentIntents),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit accepts an intent and starts its pipeline asynchronously. The
// returned ID can be passed to Wait, Status, and Cancel.
func (o *Orchestrator) Submit(ctx context.Context, intent *Intent) (string, error) {
	if err := o.admit(ctx, intent); err != nil {
		return "", err
	}

	o.mu.Lock()
	if _, exists := o.intents[intent.ID]; exists {
		o.mu.Unlock()
		return "", NewPermanentError("intent already submitted", nil).
			WithCode(ErrCodeValidation).WithDetail("intent_id", intent.ID)
	}
	rec := &IntentRecord{Intent: intent, Status: IntentStatusReceived}
	o.intents[intent.ID] = rec
	done := make(chan struct{})
	o.done[intent.ID] = done
	o.mu.Unlock()

	o.logger.WithIntentID(intent.ID).
		WithField("kind", intent.Kind).
		Info("intent accepted")
	if o.metrics != nil {
		o.metrics.RecordIntentSubmitted(intent.Kind)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)
		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-ctx.Done():
			o.finish(intent.ID, IntentStatusCancelled, nil, ctx.Err())
			return
		}
		o.run(ctx, intent)
	}()
	return intent.ID, nil
}

// Run drives an intent through the full pipeline synchronously and returns
// the resulting artifact. It is the path used by the CLI and by child
// intents.
func (o *Orchestrator) Run(ctx context.Context, intent *Intent) (*Artifact, error) {
	if err := o.admit(ctx, intent); err != nil {
		return nil, err
	}
	o.mu.Lock()
	if _, exists := o.intents[intent.ID]; !exists {
		o.intents[intent.ID] = &IntentRecord{Intent: intent, Status: IntentStatusReceived}
	}
	o.mu.Unlock()
	return o.run(ctx, intent)
}

// Wait blocks until the intent reaches a terminal status or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, intentID string) (*IntentRecord, error) {
	o.mu.RLock()
	done, ok := o.done[intentID]
	o.mu.RUnlock()
	if !ok {
		return nil, NewPermanentError("unknown intent", nil).
			WithCode(ErrCodeNotFound).WithDetail("intent_id", intentID)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	rec, _ := o.Status(intentID)
	return rec, nil
}

// Status returns the intent's current record.
func (o *Orchestrator) Status(intentID string) (*IntentRecord, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.intents[intentID]
	if !ok {
		return nil, NewPermanentError("unknown intent", nil).
			WithCode(ErrCodeNotFound).WithDetail("intent_id", intentID)
	}
	cp := *rec
	return &cp, nil
}

// Cancel requests cooperative cancellation of an intent's running plan.
func (o *Orchestrator) Cancel(intentID string) error {
	o.mu.RLock()
	rec, ok := o.intents[intentID]
	o.mu.RUnlock()
	if !ok {
		return NewPermanentError("unknown intent", nil).
			WithCode(ErrCodeNotFound).WithDetail("intent_id", intentID)
	}
	if rec.PlanID == "" {
		return NewPermanentError("intent has no executing plan", nil).
			WithCode(ErrCodeValidation).WithDetail("intent_id", intentID)
	}
	return o.executor.Cancel(rec.PlanID)
}

// Shutdown waits for in-flight pipelines to drain.
func (o *Orchestrator) Shutdown() {
	o.wg.Wait()
}

// RunChild plans and executes a child intent spawned by a step of the parent
// intent's plan. Depth is bounded by MaxIntentDepth. It implements
// engine.ChildRunner for the executor.
func (o *Orchestrator) RunChild(ctx context.Context, parentIntentID, kind string, constraints map[string]interface{}, budget float64) (*Artifact, error) {
	o.mu.RLock()
	rec, ok := o.intents[parentIntentID]
	o.mu.RUnlock()
	if !ok {
		return nil, NewPermanentError("unknown parent intent", nil).
			WithCode(ErrCodeNotFound).WithDetail("intent_id", parentIntentID)
	}
	parent := rec.Intent
	if parent.Depth+1 > o.config.MaxIntentDepth {
		return nil, NewPermanentError("intent recursion depth exceeded", nil).
			WithCode(ErrCodeDepthExceeded).
			WithDetail("max_depth", o.config.MaxIntentDepth)
	}
	child := NewIntent(kind, constraints)
	child.ParentID = parent.ID
	child.Depth = parent.Depth + 1
	child.Priority = parent.Priority
	if budget > 0 {
		child.Budget = budget
	}
	o.logger.WithIntentID(child.ID).
		WithField("parent_id", parent.ID).
		WithField("depth", child.Depth).
		Info("running child intent")
	return o.Run(ctx, child)
}

func (o *Orchestrator) admit(ctx context.Context, intent *Intent) error {
	if intent == nil {
		return NewPermanentError("intent is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := intent.Validate(); err != nil {
		return err
	}
	if intent.Deadline != nil && intent.Deadline.Before(time.Now()) {
		return NewPermanentError("intent deadline already passed", nil).
			WithCode(ErrCodeValidation)
	}
	if o.policy != nil {
		if err := o.policy.AdmitIntent(ctx, intent); err != nil {
			return err
		}
	}
	return nil
}

// run executes the full pipeline for one intent. It returns the artifact on
// success; on failure the intent record carries the terminal error.
func (o *Orchestrator) run(ctx context.Context, intent *Intent) (artifact *Artifact, err error) {
	log := o.logger.WithIntentID(intent.ID)
	start := time.Now()

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartIntentSpan(ctx, intent.ID, intent.Kind)
		defer func() {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}()
	}

	o.setStatus(intent.ID, IntentStatusPlanning)
	snapshot, err := o.store.Snapshot(ctx)
	if err != nil {
		return nil, o.finish(intent.ID, IntentStatusFailed, nil,
			fmt.Errorf("taking state snapshot: %w", err))
	}

	planCtx, endPlan := o.startSpan(ctx, "planner.search", intent.ID)
	candidates, err := o.planner.Plan(planCtx, intent, snapshot)
	endPlan(err)
	if err != nil {
		log.WithError(err).Warn("planning failed")
		return nil, o.finish(intent.ID, IntentStatusFailed, nil, err)
	}
	log.WithField("candidates", len(candidates)).Debug("planning complete")

	o.setStatus(intent.ID, IntentStatusNegotiating)
	negCtx, endNeg := o.startSpan(ctx, "negotiator.select", intent.ID)
	selected, err := o.negotiate(negCtx, intent, candidates)
	endNeg(err)
	if err != nil {
		return nil, o.finish(intent.ID, IntentStatusFailed, nil, err)
	}
	o.setPlan(intent.ID, selected.ID)
	if o.archive != nil {
		if aerr := o.archive.SavePlan(ctx, selected); aerr != nil {
			log.WithError(aerr).Warn("archiving selected plan failed")
		}
	}
	log.WithPlanID(selected.ID).
		WithField("cost", selected.TotalCost).
		WithField("steps", len(selected.Steps)).
		Info("plan selected")

	o.setStatus(intent.ID, IntentStatusExecuting)
	execCtx, endExec := o.startSpan(ctx, "executor.run", intent.ID)
	artifact, err = o.executor.Execute(execCtx, selected)
	endExec(err)
	if err != nil {
		status := IntentStatusFailed
		if ctx.Err() != nil {
			status = IntentStatusCancelled
		}
		return nil, o.finish(intent.ID, status, nil, err)
	}

	if o.metrics != nil {
		o.metrics.RecordIntentCompleted(string(IntentStatusComplete), time.Since(start))
	}
	o.finish(intent.ID, IntentStatusComplete, artifact, nil)
	log.WithPlanID(selected.ID).
		WithField("duration", time.Since(start)).
		Info("intent complete")
	return artifact, nil
}

// startSpan opens a phase span when tracing is wired. The returned func
// records the outcome and ends the span; it does nothing otherwise.
func (o *Orchestrator) startSpan(ctx context.Context, operation, intentID string) (context.Context, func(error)) {
	if o.tracer == nil {
		return ctx, func(error) {}
	}
	spanCtx, span := o.tracer.StartSpan(ctx, operation,
		attribute.String("intent.id", intentID))
	return spanCtx, func(err error) {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}
}

func (o *Orchestrator) negotiate(ctx context.Context, intent *Intent, candidates []*Plan) (*Plan, error) {
	selected, err := o.negotiator.Negotiate(ctx, intent, candidates)
	if err != nil {
		return nil, err
	}
	if o.policy != nil {
		if err := o.policy.AdmitPlan(ctx, intent, selected); err != nil {
			return nil, err
		}
	}
	selected.Status = PlanStatusSelected
	return selected, nil
}

func (o *Orchestrator) setStatus(intentID string, status IntentStatus) {
	o.mu.Lock()
	if rec, ok := o.intents[intentID]; ok {
		rec.Status = status
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setPlan(intentID, planID string) {
	o.mu.Lock()
	if rec, ok := o.intents[intentID]; ok {
		rec.PlanID = planID
	}
	o.mu.Unlock()
}

// finish records the terminal state and archives the intent. It returns err
// unchanged so callers can `return nil, o.finish(...)`.
func (o *Orchestrator) finish(intentID string, status IntentStatus, artifact *Artifact, err error) error {
	o.mu.Lock()
	rec, ok := o.intents[intentID]
	if ok {
		rec.Status = status
		rec.Artifact = artifact
		if err != nil {
			rec.Error = err.Error()
		}
	}
	o.mu.Unlock()
	if !ok {
		return err
	}

	if o.metrics != nil && status != IntentStatusComplete {
		o.metrics.RecordIntentCompleted(string(status), 0)
		var ee *EngineError
		if err != nil && AsEngineError(err, &ee) {
			o.metrics.RecordError(string(ee.Class), ee.Code)
		}
	}
	if o.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if aerr := o.archive.SaveIntent(ctx, rec.Intent, status); aerr != nil {
			o.logger.WithIntentID(intentID).WithError(aerr).Warn("archiving intent failed")
		}
		if artifact != nil {
			if aerr := o.archive.SaveArtifact(ctx, artifact); aerr != nil {
				o.logger.WithIntentID(intentID).WithError(aerr).Warn("archiving artifact failed")
			}
		}
		if rec.PlanID != "" {
			o.archiveEvents(ctx, rec.PlanID)
		}
	}
	return err
}

// archiveEvents persists the plan's event stream so it can be replayed after
// a restart. Archiving is idempotent per (plan, sequence).
func (o *Orchestrator) archiveEvents(ctx context.Context, planID string) {
	events, err := o.bus.Events(ctx, planID, 0)
	if err != nil {
		o.logger.WithPlanID(planID).WithError(err).Warn("reading events for archive failed")
		return
	}
	for i := range events {
		if err := o.archive.SaveEvent(ctx, &events[i]); err != nil {
			o.logger.WithPlanID(planID).WithError(err).Warn("archiving events failed")
			return
		}
	}
}
