package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/intentd/intentd/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		constraints []string
		budget      float64
	)

	cmd := &cobra.Command{
		Use:   "plan <kind>",
		Short: "Show candidate plans for an intent without executing",
		Long: `Plan an intent and print the candidate plans without executing any of them.

Candidates are produced by A* search over the action catalog and printed in
rank order, cheapest first. Use this to inspect what the engine would do
before submitting the intent for real.`,
		Example: `  # See how the engine would provision a GPU cluster
  intentd plan provision_gpu_cluster -s count=8 -s gpu_type=H100

  # Candidates are pruned against the budget at negotiation time,
  # so an over-budget plan still shows up here
  intentd plan provision_gpu_cluster --budget 100 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			cons, err := parseConstraints(constraints)
			if err != nil {
				return err
			}
			intent := engine.NewIntent(args[0], cons)
			if budget > 0 {
				intent = intent.WithBudget(budget)
			}

			snapshot, err := rt.store.Snapshot(ctx)
			if err != nil {
				return err
			}
			candidates, err := rt.planner.Plan(ctx, intent, snapshot)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(candidates)
			}
			for rank, plan := range candidates {
				fmt.Printf("Plan %d: %s (cost %.2f, duration %s, %d steps)\n",
					rank+1, plan.ID, plan.TotalCost,
					plan.TotalDuration.Round(time.Millisecond), len(plan.Steps))
				for _, step := range plan.Steps {
					fmt.Printf("  %d. %-28s cost %.2f\n", step.Index+1, step.ActionID, step.Cost)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&constraints, "set", "s", nil, "intent constraint (key=value, repeatable)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "maximum acceptable total plan cost (0 = unlimited)")

	return cmd
}
