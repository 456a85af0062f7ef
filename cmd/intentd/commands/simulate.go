package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/intentd/intentd/pkg/effector"
	"github.com/intentd/intentd/pkg/engine"
)

func newSimulateCommand() *cobra.Command {
	var (
		scenarioFile string
		constraints  []string
		budget       float64
	)

	cmd := &cobra.Command{
		Use:   "simulate <kind>",
		Short: "Run an intent against a scripted failure scenario",
		Long: `Run an intent through the full pipeline with scripted effector behavior.

A scenario file assigns per-action behavior: extra latency, scripted outputs,
a number of transient failures before success, or a permanent failure. Use it
to rehearse how a plan degrades, retries, and compensates before pointing the
engine at anything real.`,
		Example: `  # Rehearse a provisioning run where network setup fails permanently
  intentd simulate provision_gpu_cluster --scenario scenarios/network-down.yaml

  # Scenario file shape:
  #   behaviors:
  #     configure_network:
  #       fail: true
  #       fail_message: "switch unreachable"
  #     allocate_nodes:
  #       latency: 200ms
  #       transient_failures: 2`,
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

			scenario, err := effector.LoadScenario(scenarioFile)
			if err != nil {
				return err
			}
			rt.sim.ApplyScenario(scenario)

			cons, err := parseConstraints(constraints)
			if err != nil {
				return err
			}
			intent := engine.NewIntent(args[0], cons)
			if budget > 0 {
				intent = intent.WithBudget(budget)
			}

			art, runErr := rt.orch.Run(ctx, intent)

			rec, _ := rt.orch.Status(intent.ID)
			if rec != nil && rec.PlanID != "" {
				events, err := rt.bus.Events(ctx, rec.PlanID, 0)
				if err == nil {
					for _, ev := range events {
						fmt.Printf("  [%d] %-16s step=%d\n", ev.Sequence, ev.Type, ev.StepIndex)
					}
				}
			}
			if runErr != nil {
				return runErr
			}

			if jsonOutput {
				return printJSON(art)
			}
			fmt.Printf("Simulation %s: %s (cost %.2f, duration %s)\n",
				intent.ID, art.Outcome, art.ActualCost,
				art.ActualDuration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&scenarioFile, "scenario", "", "scenario YAML file")
	cmd.Flags().StringSliceVarP(&constraints, "set", "s", nil, "intent constraint (key=value, repeatable)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "maximum acceptable total plan cost (0 = unlimited)")
	cmd.MarkFlagRequired("scenario")

	return cmd
}
