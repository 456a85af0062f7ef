package artifact

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/proof"
	"github.com/intentd/intentd/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func completedState(plan *engine.Plan) *engine.ExecutionState {
	state := engine.NewExecutionState(plan)
	for i := range state.Steps {
		state.Steps[i].Status = engine.StepStatusSucceeded
		state.Steps[i].Output = map[string]interface{}{"step": i}
	}
	return state
}

func TestBuildCompletedPlan(t *testing.T) {
	plan := engine.NewPlan("intent-1", []engine.Step{
		{ActionID: "a", Cost: 50},
		{ActionID: "b", Cost: 20},
		{ActionID: "c", Cost: 10},
	})
	state := completedState(plan)
	state.StartedAt = time.Now().Add(-time.Second)

	b := NewBuilder(proof.NewMerkleProver(), testLogger(t))
	a, err := b.Build(context.Background(), plan, state)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if a.ID == "" {
		t.Error("expected an artifact ID")
	}
	if a.PlanID != plan.ID || a.IntentID != "intent-1" {
		t.Errorf("artifact not linked to its plan: %+v", a)
	}
	if len(a.Outputs) != 3 {
		t.Errorf("expected 3 outputs, got %d", len(a.Outputs))
	}
	if a.Outputs[0]["step"] != 0 || a.Outputs[2]["step"] != 2 {
		t.Errorf("outputs out of step order: %v", a.Outputs)
	}
	if a.ActualCost != 80 {
		t.Errorf("expected actual cost 80, got %g", a.ActualCost)
	}
	if a.ActualDuration < time.Second {
		t.Errorf("expected at least 1s duration, got %s", a.ActualDuration)
	}
	if a.Outcome != OutcomeCompleted {
		t.Errorf("expected outcome %s, got %s", OutcomeCompleted, a.Outcome)
	}
	if a.Proof == nil {
		t.Fatal("expected a proof")
	}
	if err := proof.Verify(a.Proof); err != nil {
		t.Errorf("proof does not verify: %v", err)
	}
	if a.Empty() {
		t.Error("artifact should not be empty")
	}
}

func TestBuildPartialExecution(t *testing.T) {
	plan := engine.NewPlan("intent-1", []engine.Step{
		{ActionID: "a", Cost: 50},
		{ActionID: "b", Cost: 20},
	})
	state := engine.NewExecutionState(plan)
	state.Steps[0].Status = engine.StepStatusSucceeded
	state.Steps[0].Output = map[string]interface{}{"step": 0}
	state.Steps[1].Status = engine.StepStatusFailed

	b := NewBuilder(proof.NewMerkleProver(), testLogger(t))
	a, err := b.Build(context.Background(), plan, state)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if a.Outcome != OutcomePartial {
		t.Errorf("expected outcome %s, got %s", OutcomePartial, a.Outcome)
	}
	if len(a.Outputs) != 1 {
		t.Errorf("expected 1 output, got %d", len(a.Outputs))
	}
	if a.ActualCost != 50 {
		t.Errorf("expected actual cost 50, got %g", a.ActualCost)
	}
}

func TestBuildWithoutProver(t *testing.T) {
	plan := engine.NewPlan("intent-1", []engine.Step{{ActionID: "a", Cost: 1}})
	b := NewBuilder(nil, testLogger(t))
	a, err := b.Build(context.Background(), plan, completedState(plan))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if a.Proof != nil {
		t.Error("expected no proof without a prover")
	}
}

type failingProver struct{}

func (failingProver) Prove([]map[string]interface{}) (*engine.Proof, error) {
	return nil, errors.New("prover broke")
}

func TestBuildProverFailure(t *testing.T) {
	plan := engine.NewPlan("intent-1", []engine.Step{{ActionID: "a", Cost: 1}})
	b := NewBuilder(failingProver{}, testLogger(t))
	_, err := b.Build(context.Background(), plan, completedState(plan))
	if err == nil {
		t.Fatal("expected build to fail")
	}
	var engineErr *engine.EngineError
	if !engine.AsEngineError(err, &engineErr) || !engineErr.HasCode(engine.ErrCodeInternal) {
		t.Errorf("expected an %s error, got %v", engine.ErrCodeInternal, err)
	}
}
