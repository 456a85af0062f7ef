package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/intentd/intentd/pkg/engine"
)

func newSubmitCommand() *cobra.Command {
	var (
		constraints []string
		budget      float64
		deadline    time.Duration
		priority    string
		showEvents  bool
	)

	cmd := &cobra.Command{
		Use:   "submit <kind>",
		Short: "Submit an intent and wait for its artifact",
		Long: `Submit an intent and drive it through the full pipeline.

The engine plans candidate action sequences for the intent, negotiates a
winner against the budget and deadline, executes it, and prints the
resulting artifact. A failed step triggers compensation of every completed
step before the command reports the failure.`,
		Example: `  # Provision a GPU cluster within a budget of 100
  intentd submit provision_gpu_cluster -s count=8 -s gpu_type=H100 --budget 100

  # Submit with a deadline one hour from now
  intentd submit deploy_model -s model=llama --deadline 1h

  # Print the full event stream alongside the artifact
  intentd submit provision_gpu_cluster --show-events`,
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
			if deadline > 0 {
				intent = intent.WithDeadline(time.Now().UTC().Add(deadline))
			}
			if priority != "" {
				intent = intent.WithPriority(engine.Priority(priority))
			}

			log.Info().
				Str("intent_id", intent.ID).
				Str("kind", intent.Kind).
				Float64("budget", intent.Budget).
				Msg("Submitting intent")

			art, err := rt.orch.Run(ctx, intent)
			if err != nil {
				return err
			}

			if showEvents {
				events, err := rt.bus.Events(ctx, art.PlanID, 0)
				if err != nil {
					return err
				}
				for _, ev := range events {
					fmt.Printf("  [%d] %-16s step=%d\n", ev.Sequence, ev.Type, ev.StepIndex)
				}
			}

			if jsonOutput {
				return printJSON(art)
			}
			fmt.Printf("Intent %s: %s\n", intent.ID, art.Outcome)
			fmt.Printf("  plan:     %s\n", art.PlanID)
			fmt.Printf("  cost:     %.2f\n", art.ActualCost)
			fmt.Printf("  duration: %s\n", art.ActualDuration.Round(time.Millisecond))
			if art.Proof != nil {
				fmt.Printf("  proof:    %s %s\n", art.Proof.Scheme, art.Proof.Root)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&constraints, "set", "s", nil, "intent constraint (key=value, repeatable)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "maximum acceptable total plan cost (0 = unlimited)")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "completion deadline relative to now")
	cmd.Flags().StringVar(&priority, "priority", "", "intent priority (low, normal, high, critical)")
	cmd.Flags().BoolVar(&showEvents, "show-events", false, "print the plan's event stream")

	return cmd
}
