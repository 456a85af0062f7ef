package artifact

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/telemetry"
)

// Outcome values recorded on built artifacts.
const (
	OutcomeCompleted = "completed"
	OutcomePartial   = "partial"
)

// Builder assembles artifacts from completed executions. It implements
// engine.ArtifactBuilder.
type Builder struct {
	prover engine.Prover
	logger *telemetry.Logger
}

// NewBuilder creates an artifact builder. The prover may be nil, in which
// case artifacts carry no proof.
func NewBuilder(prover engine.Prover, logger *telemetry.Logger) *Builder {
	return &Builder{
		prover: prover,
		logger: logger.NewComponentLogger("artifact"),
	}
}

// Build aggregates the step outputs in step order, attaches a proof, and
// records actual cost and duration. Cost counts every step that ran to
// success, so a plan whose later steps were skipped reports only what was
// actually spent.
func (b *Builder) Build(ctx context.Context, plan *engine.Plan, state *engine.ExecutionState) (*engine.Artifact, error) {
	outputs := make([]map[string]interface{}, 0, len(state.Steps))
	var cost float64
	outcome := OutcomeCompleted
	for i, ss := range state.Steps {
		switch ss.Status {
		case engine.StepStatusSucceeded:
			outputs = append(outputs, ss.Output)
			cost += plan.Steps[i].Cost
		default:
			outcome = OutcomePartial
		}
	}

	a := &engine.Artifact{
		ID:             uuid.New().String(),
		PlanID:         plan.ID,
		IntentID:       plan.IntentID,
		Outputs:        outputs,
		ActualCost:     cost,
		ActualDuration: time.Since(state.StartedAt),
		Outcome:        outcome,
		CreatedAt:      time.Now().UTC(),
	}

	if b.prover != nil {
		proof, err := b.prover.Prove(outputs)
		if err != nil {
			return nil, engine.NewPermanentError("proving artifact outputs", err).
				WithCode(engine.ErrCodeInternal).WithPlan(plan.ID)
		}
		a.Proof = proof
	}

	b.logger.WithPlanID(plan.ID).
		WithField("artifact_id", a.ID).
		WithField("actual_cost", a.ActualCost).
		WithField("outcome", a.Outcome).
		Debug("artifact built")
	return a, nil
}
