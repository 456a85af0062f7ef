package executor

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/eventbus"
	"github.com/intentd/intentd/pkg/registry"
	"github.com/intentd/intentd/pkg/statestore"
	"github.com/intentd/intentd/pkg/telemetry"
)

type fakeEffector struct {
	mu      sync.Mutex
	calls   []string
	scripts map[string]func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)
}

func newFakeEffector() *fakeEffector {
	return &fakeEffector{
		scripts: make(map[string]func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)),
	}
}

func (f *fakeEffector) script(actionType string, fn func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)) {
	f.scripts[actionType] = fn
}

func (f *fakeEffector) Invoke(ctx context.Context, actionType string, params map[string]interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	f.calls = append(f.calls, actionType)
	fn := f.scripts[actionType]
	f.mu.Unlock()
	if fn == nil {
		return map[string]interface{}{"action": actionType}, nil
	}
	return fn(ctx, params)
}

func (f *fakeEffector) callCount(actionType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == actionType {
			n++
		}
	}
	return n
}

type stubBuilder struct{}

func (stubBuilder) Build(ctx context.Context, plan *engine.Plan, state *engine.ExecutionState) (*engine.Artifact, error) {
	outputs := make([]map[string]interface{}, 0, len(state.Steps))
	for _, ss := range state.Steps {
		outputs = append(outputs, ss.Output)
	}
	return &engine.Artifact{
		ID:        "artifact-" + plan.ID,
		PlanID:    plan.ID,
		IntentID:  plan.IntentID,
		Outputs:   outputs,
		Outcome:   "fulfilled",
		CreatedAt: time.Now().UTC(),
	}, nil
}

type testHarness struct {
	executor *Executor
	effector *fakeEffector
	store    *statestore.Store
	bus      *eventbus.Bus
	registry *registry.Registry
}

func newHarness(t *testing.T, cfg Config, actions ...*engine.Action) *testHarness {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	store, err := statestore.New(logger)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	bus := eventbus.New(logger)
	reg := registry.New()
	for _, a := range actions {
		if err := reg.Register(a); err != nil {
			t.Fatalf("failed to register action %s: %v", a.ID, err)
		}
	}
	eff := newFakeEffector()
	return &testHarness{
		executor: New(eff, store, bus, reg, stubBuilder{}, logger, cfg),
		effector: eff,
		store:    store,
		bus:      bus,
		registry: reg,
	}
}

func provisionActions() []*engine.Action {
	return []*engine.Action{
		{
			ID:           "allocate_nodes",
			Type:         "allocate_nodes",
			Effects:      []string{"nodes_allocated"},
			Cost:         50,
			CompensateID: "release_nodes",
		},
		{
			ID:            "configure_network",
			Type:          "configure_network",
			Preconditions: []string{"nodes_allocated"},
			Effects:       []string{"network_configured"},
			Cost:          20,
			CompensateID:  "teardown_network",
		},
		{
			ID:            "start_cluster",
			Type:          "start_cluster",
			Preconditions: []string{"nodes_allocated", "network_configured"},
			Effects:       []string{"cluster_ready"},
			Cost:          10,
		},
		{ID: "release_nodes", Type: "release_nodes", Cost: 5},
		{ID: "teardown_network", Type: "teardown_network", Cost: 2},
	}
}

func provisionPlan() *engine.Plan {
	return engine.NewPlan("intent-1", []engine.Step{
		{ActionID: "allocate_nodes", Effects: []string{"nodes_allocated"}, Cost: 50},
		{ActionID: "configure_network", Preconditions: []string{"nodes_allocated"}, Effects: []string{"network_configured"}, Cost: 20},
		{ActionID: "start_cluster", Preconditions: []string{"nodes_allocated", "network_configured"}, Effects: []string{"cluster_ready"}, Cost: 10},
	})
}

func collectEvents(t *testing.T, bus *eventbus.Bus, planID string) []engine.Event {
	t.Helper()
	events, err := bus.Events(context.Background(), planID, 0)
	if err != nil {
		t.Fatalf("failed to query events: %v", err)
	}
	return events
}

func TestExecuteCompletesPlan(t *testing.T) {
	h := newHarness(t, DefaultConfig(), provisionActions()...)
	plan := provisionPlan()

	artifact, err := h.executor.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	if plan.Status != engine.PlanStatusCompleted {
		t.Errorf("expected status %s, got %s", engine.PlanStatusCompleted, plan.Status)
	}
	if artifact.Empty() {
		t.Error("expected a non-empty artifact")
	}
	if len(artifact.Outputs) != 3 {
		t.Errorf("expected 3 step outputs, got %d", len(artifact.Outputs))
	}

	// Effects land in the state store as predicates.
	for _, pred := range []string{"nodes_allocated", "network_configured", "cluster_ready"} {
		entry, err := h.store.Get(context.Background(), engine.PredicateKey(pred))
		if err != nil {
			t.Fatalf("predicate %s not committed: %v", pred, err)
		}
		if string(entry.Value) != "true" {
			t.Errorf("predicate %s: expected true, got %s", pred, entry.Value)
		}
	}

	// Lifecycle events: executing/step_completed per step, then complete.
	events := collectEvents(t, h.bus, plan.ID)
	var types []engine.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []engine.EventType{
		engine.EventExecuting, engine.EventStepCompleted,
		engine.EventExecuting, engine.EventStepCompleted,
		engine.EventExecuting, engine.EventStepCompleted,
		engine.EventComplete,
	}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("unexpected event sequence:\n got %v\nwant %v", types, want)
	}
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("event %d: expected sequence %d, got %d", i, i+1, ev.Sequence)
		}
	}
}

func TestExecuteCompensatesOnPermanentFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig(), provisionActions()...)
	h.effector.script("configure_network", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, engine.NewPermanentError("switch rejected config", nil).
			WithCode(engine.ErrCodeEffectorFailed)
	})
	plan := provisionPlan()

	_, err := h.executor.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("expected execution to fail")
	}
	var engineErr *engine.EngineError
	if !engine.AsEngineError(err, &engineErr) {
		t.Fatalf("expected an engine error, got %T", err)
	}
	if !engineErr.HasCode(engine.ErrCodeEffectorFailed) {
		t.Errorf("expected code %s, got %s", engine.ErrCodeEffectorFailed, engineErr.Code)
	}
	if plan.Status != engine.PlanStatusRolledBack {
		t.Errorf("expected status %s, got %s", engine.PlanStatusRolledBack, plan.Status)
	}

	// Only the succeeded first step is compensated; the third never runs.
	if n := h.effector.callCount("release_nodes"); n != 1 {
		t.Errorf("expected 1 release_nodes call, got %d", n)
	}
	if n := h.effector.callCount("teardown_network"); n != 0 {
		t.Errorf("expected no teardown_network calls, got %d", n)
	}
	if n := h.effector.callCount("start_cluster"); n != 0 {
		t.Errorf("expected no start_cluster calls, got %d", n)
	}

	// The failed event points at the step that failed.
	events := collectEvents(t, h.bus, plan.ID)
	var failed *engine.Event
	for i := range events {
		if events[i].Type == engine.EventFailed {
			failed = &events[i]
			break
		}
	}
	if failed == nil {
		t.Fatal("expected a failed event")
	}
	if failed.StepIndex != 1 {
		t.Errorf("expected failed event at step 1, got %d", failed.StepIndex)
	}

	// The first step's effect is retracted after compensation.
	entry, err := h.store.Get(context.Background(), engine.PredicateKey("nodes_allocated"))
	if err != nil {
		t.Fatalf("predicate history lost: %v", err)
	}
	if !entry.Deleted {
		t.Error("expected nodes_allocated to be retracted")
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	h := newHarness(t, cfg, provisionActions()...)

	var attempts int
	var mu sync.Mutex
	h.effector.script("allocate_nodes", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, engine.NewTransientError("provider throttled", nil)
		}
		return map[string]interface{}{"nodes": 8}, nil
	})

	plan := engine.NewPlan("intent-1", []engine.Step{
		{ActionID: "allocate_nodes", Effects: []string{"nodes_allocated"}, Cost: 50},
	})
	if _, err := h.executor.Execute(context.Background(), plan); err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteGivesUpAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBaseDelay = time.Millisecond
	h := newHarness(t, cfg, provisionActions()...)

	h.effector.script("allocate_nodes", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, engine.NewTransientError("provider throttled", nil)
	})
	plan := engine.NewPlan("intent-1", []engine.Step{
		{ActionID: "allocate_nodes", Effects: []string{"nodes_allocated"}, Cost: 50},
	})

	_, err := h.executor.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("expected execution to fail")
	}
	if n := h.effector.callCount("allocate_nodes"); n != 3 {
		t.Errorf("expected 3 invocations (1 + 2 retries), got %d", n)
	}
}

func TestExecuteClassifiesPlainErrorsAsPermanent(t *testing.T) {
	h := newHarness(t, DefaultConfig(), provisionActions()...)
	h.effector.script("allocate_nodes", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("disk on fire")
	})
	plan := engine.NewPlan("intent-1", []engine.Step{
		{ActionID: "allocate_nodes", Effects: []string{"nodes_allocated"}, Cost: 50},
	})

	_, err := h.executor.Execute(context.Background(), plan)
	var engineErr *engine.EngineError
	if !engine.AsEngineError(err, &engineErr) {
		t.Fatalf("expected an engine error, got %v", err)
	}
	if !engineErr.IsPermanent() {
		t.Error("expected a permanent classification")
	}
	if !engineErr.HasCode(engine.ErrCodeEffectorFailed) {
		t.Errorf("expected code %s, got %s", engine.ErrCodeEffectorFailed, engineErr.Code)
	}
	if n := h.effector.callCount("allocate_nodes"); n != 1 {
		t.Errorf("expected exactly 1 invocation, got %d", n)
	}
}

func TestCompensationFailureLeavesPlanDegraded(t *testing.T) {
	h := newHarness(t, DefaultConfig(), provisionActions()...)
	h.effector.script("configure_network", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, engine.NewPermanentError("switch rejected config", nil)
	})
	h.effector.script("release_nodes", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("nodes wedged")
	})
	plan := provisionPlan()

	_, err := h.executor.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("expected execution to fail")
	}
	var engineErr *engine.EngineError
	if !engine.AsEngineError(err, &engineErr) {
		t.Fatalf("expected an engine error, got %T", err)
	}
	if !engineErr.HasCode(engine.ErrCodeCompensationFailure) {
		t.Errorf("expected code %s, got %s", engine.ErrCodeCompensationFailure, engineErr.Code)
	}
	if plan.Status != engine.PlanStatusFailedDegraded {
		t.Errorf("expected status %s, got %s", engine.PlanStatusFailedDegraded, plan.Status)
	}
}

func TestCancelStopsRemainingSteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CancelGracePeriod = 50 * time.Millisecond
	h := newHarness(t, cfg, provisionActions()...)

	started := make(chan struct{})
	h.effector.script("configure_network", func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]interface{}{}, nil
		}
	})
	plan := provisionPlan()

	done := make(chan error, 1)
	go func() {
		_, err := h.executor.Execute(context.Background(), plan)
		done <- err
	}()

	<-started
	if err := h.executor.Cancel(plan.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a cancellation error")
		}
		var engineErr *engine.EngineError
		if !engine.AsEngineError(err, &engineErr) {
			t.Fatalf("expected an engine error, got %v", err)
		}
		if !engineErr.HasCode(engine.ErrCodeCancelled) {
			t.Errorf("expected code %s, got %s", engine.ErrCodeCancelled, engineErr.Code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not stop after cancel")
	}

	if n := h.effector.callCount("start_cluster"); n != 0 {
		t.Errorf("expected the third step not to run, got %d calls", n)
	}
	events := collectEvents(t, h.bus, plan.ID)
	var sawCancelled bool
	for _, ev := range events {
		if ev.Type == engine.EventCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Error("expected a cancelled event")
	}
}

func TestCancelUnknownPlan(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	err := h.executor.Cancel("no-such-plan")
	var engineErr *engine.EngineError
	if !engine.AsEngineError(err, &engineErr) || !engineErr.HasCode(engine.ErrCodeNotFound) {
		t.Errorf("expected a %s error, got %v", engine.ErrCodeNotFound, err)
	}
}

func TestIndependentStepsRunConcurrently(t *testing.T) {
	h := newHarness(t, DefaultConfig(),
		&engine.Action{ID: "left", Type: "left", Effects: []string{"left_done"}, Cost: 1},
		&engine.Action{ID: "right", Type: "right", Effects: []string{"right_done"}, Cost: 1},
	)

	var mu sync.Mutex
	inFlight := 0
	both := make(chan struct{})
	barrier := func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		mu.Lock()
		inFlight++
		if inFlight == 2 {
			close(both)
		}
		mu.Unlock()
		select {
		case <-both:
			return map[string]interface{}{}, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("steps did not overlap")
		}
	}
	h.effector.script("left", barrier)
	h.effector.script("right", barrier)

	plan := engine.NewPlan("intent-1", []engine.Step{
		{ActionID: "left", Effects: []string{"left_done"}, Cost: 1},
		{ActionID: "right", Effects: []string{"right_done"}, Cost: 1},
	})
	if _, err := h.executor.Execute(context.Background(), plan); err != nil {
		t.Fatalf("execution failed: %v", err)
	}

	// Effect commits still follow step order.
	history, err := h.store.History(context.Background(), engine.PredicateKey("left_done"))
	if err != nil || len(history) != 1 {
		t.Fatalf("left_done not committed: %v", err)
	}
}

func TestIndependentBatches(t *testing.T) {
	tests := []struct {
		name  string
		steps []engine.Step
		want  [][]int
	}{
		{
			name: "sequential chain",
			steps: []engine.Step{
				{Effects: []string{"a"}},
				{Preconditions: []string{"a"}, Effects: []string{"b"}},
				{Preconditions: []string{"b"}, Effects: []string{"c"}},
			},
			want: [][]int{{0}, {1}, {2}},
		},
		{
			name: "fully independent",
			steps: []engine.Step{
				{Effects: []string{"a"}},
				{Effects: []string{"b"}},
				{Effects: []string{"c"}},
			},
			want: [][]int{{0, 1, 2}},
		},
		{
			name: "fan in",
			steps: []engine.Step{
				{Effects: []string{"a"}},
				{Effects: []string{"b"}},
				{Preconditions: []string{"a", "b"}, Effects: []string{"c"}},
			},
			want: [][]int{{0, 1}, {2}},
		},
		{
			name: "duplicate effect splits",
			steps: []engine.Step{
				{Effects: []string{"a"}},
				{Effects: []string{"a"}},
			},
			want: [][]int{{0}, {1}},
		},
		{
			name:  "empty",
			steps: nil,
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := independentBatches(tt.steps)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompensationMergesActionParams(t *testing.T) {
	h := newHarness(t, DefaultConfig(),
		&engine.Action{ID: "create", Type: "create", Effects: []string{"created"}, Cost: 1, CompensateID: "destroy"},
		&engine.Action{ID: "destroy", Type: "destroy", Cost: 1, Params: map[string]interface{}{"force": true}},
		&engine.Action{ID: "boom", Type: "boom", Preconditions: []string{"created"}, Cost: 1},
	)

	var gotParams map[string]interface{}
	h.effector.script("destroy", func(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		gotParams = params
		return map[string]interface{}{}, nil
	})
	h.effector.script("boom", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, engine.NewPermanentError("boom", nil)
	})

	plan := engine.NewPlan("intent-1", []engine.Step{
		{ActionID: "create", Effects: []string{"created"}, Cost: 1, Params: map[string]interface{}{"region": "eu-west"}},
		{ActionID: "boom", Preconditions: []string{"created"}, Cost: 1},
	})
	if _, err := h.executor.Execute(context.Background(), plan); err == nil {
		t.Fatal("expected execution to fail")
	}

	if gotParams["force"] != true {
		t.Errorf("expected the compensating action's own params, got %v", gotParams)
	}
	if gotParams["region"] != "eu-west" {
		t.Errorf("expected the failed step's params to carry over, got %v", gotParams)
	}
}

func TestStepOutputsRecorded(t *testing.T) {
	h := newHarness(t, DefaultConfig(), provisionActions()...)
	h.effector.script("allocate_nodes", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"node_ids": []string{"n1", "n2"}}, nil
	})
	plan := provisionPlan()

	artifact, err := h.executor.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	raw, err := json.Marshal(artifact.Outputs[0])
	if err != nil {
		t.Fatalf("marshal output: %v", err)
	}
	if !strings.Contains(string(raw), "n1") {
		t.Errorf("expected the first step's output in the artifact, got %s", raw)
	}
}
