package engine

import (
	"testing"
	"time"
)

func TestNewIntentDefaults(t *testing.T) {
	intent := NewIntent("provision_gpu_cluster", map[string]interface{}{"count": 8})
	if intent.ID == "" {
		t.Fatal("expected a generated intent ID")
	}
	if intent.Kind != "provision_gpu_cluster" {
		t.Fatalf("unexpected kind %q", intent.Kind)
	}
	if intent.Priority != PriorityNormal {
		t.Fatalf("expected normal priority, got %q", intent.Priority)
	}
	if intent.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}
	if err := intent.Validate(); err != nil {
		t.Fatalf("fresh intent should validate: %v", err)
	}
}

func TestIntentContentHash(t *testing.T) {
	a := NewIntent("provision_gpu_cluster", map[string]interface{}{
		"count":    8,
		"gpu_type": "H100",
	})
	b := NewIntent("provision_gpu_cluster", map[string]interface{}{
		"gpu_type": "H100",
		"count":    8,
	})
	if a.ContentHash() != b.ContentHash() {
		t.Fatal("identical outcomes should hash identically regardless of key order")
	}

	c := NewIntent("provision_gpu_cluster", map[string]interface{}{
		"count":    16,
		"gpu_type": "H100",
	})
	if a.ContentHash() == c.ContentHash() {
		t.Fatal("different constraints should hash differently")
	}

	d := NewIntent("deploy_model", map[string]interface{}{
		"count":    8,
		"gpu_type": "H100",
	})
	if a.ContentHash() == d.ContentHash() {
		t.Fatal("different kinds should hash differently")
	}
}

func TestIntentValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"missing id", func(i *Intent) { i.ID = "" }},
		{"missing kind", func(i *Intent) { i.Kind = "" }},
		{"negative budget", func(i *Intent) { i.Budget = -1 }},
		{"bad priority", func(i *Intent) { i.Priority = "urgent" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := NewIntent("provision_gpu_cluster", nil)
			tt.mutate(intent)
			err := intent.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !HasCode(err, ErrCodeValidation) {
				t.Fatalf("expected %s, got %v", ErrCodeValidation, err)
			}
		})
	}
}

func TestNewPlanAssignsIndicesAndTotals(t *testing.T) {
	plan := NewPlan("intent-1", []Step{
		{ActionID: "allocate_nodes", Cost: 50, Duration: 2 * time.Second},
		{ActionID: "configure_network", Cost: 20, Duration: time.Second},
		{ActionID: "start_cluster", Cost: 10},
	})
	if plan.ID == "" {
		t.Fatal("expected a generated plan ID")
	}
	if plan.Status != PlanStatusProposed {
		t.Fatalf("expected proposed status, got %q", plan.Status)
	}
	for i, s := range plan.Steps {
		if s.Index != i {
			t.Fatalf("step %d has index %d", i, s.Index)
		}
	}
	if plan.TotalCost != 80 {
		t.Fatalf("expected total cost 80, got %v", plan.TotalCost)
	}
	if plan.TotalDuration != 3*time.Second {
		t.Fatalf("expected total duration 3s, got %v", plan.TotalDuration)
	}
	if err := plan.Validate(); err != nil {
		t.Fatalf("fresh plan should validate: %v", err)
	}
}

func TestPlanValidate(t *testing.T) {
	base := func() *Plan {
		return NewPlan("intent-1", []Step{
			{ActionID: "allocate_nodes", Cost: 50},
			{ActionID: "start_cluster", Cost: 10},
		})
	}

	plan := base()
	plan.Steps[1].Index = 5
	if err := plan.Validate(); err == nil {
		t.Fatal("expected out-of-order index to fail validation")
	}

	plan = base()
	plan.Steps[0].ActionID = ""
	if err := plan.Validate(); err == nil {
		t.Fatal("expected step without action or child to fail validation")
	}

	plan = base()
	plan.TotalCost = 999
	if err := plan.Validate(); err == nil {
		t.Fatal("expected cost mismatch to fail validation")
	}

	plan = base()
	plan.Steps[0].ActionID = ""
	plan.Steps[0].ChildIntentID = "child-1"
	if err := plan.Validate(); err != nil {
		t.Fatalf("child step should validate: %v", err)
	}
}

func TestStepIsChild(t *testing.T) {
	action := Step{ActionID: "allocate_nodes"}
	if action.IsChild() {
		t.Fatal("action step reported as child")
	}
	child := Step{ChildIntentID: "child-1"}
	if !child.IsChild() {
		t.Fatal("child step not reported as child")
	}
}

func TestExecutionStateSucceeded(t *testing.T) {
	plan := NewPlan("intent-1", []Step{
		{ActionID: "a", Cost: 1},
		{ActionID: "b", Cost: 1},
		{ActionID: "c", Cost: 1},
	})
	state := NewExecutionState(plan)
	if got := state.Succeeded(); len(got) != 0 {
		t.Fatalf("fresh state reported %v as succeeded", got)
	}
	state.Steps[0].Status = StepStatusSucceeded
	state.Steps[2].Status = StepStatusSucceeded
	got := state.Succeeded()
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("expected [0 2], got %v", got)
	}
}

func TestPredicateKey(t *testing.T) {
	if got := PredicateKey("nodes_allocated"); got != "predicate/nodes_allocated" {
		t.Fatalf("unexpected predicate key %q", got)
	}
}

func TestArtifactEmpty(t *testing.T) {
	a := &Artifact{}
	if !a.Empty() {
		t.Fatal("artifact without outputs should be empty")
	}
	a.Outputs = []map[string]interface{}{{"ok": true}}
	if a.Empty() {
		t.Fatal("artifact with outputs should not be empty")
	}
}
