package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	var fromSeq uint64

	cmd := &cobra.Command{
		Use:   "events <plan-id>",
		Short: "Replay the archived event stream of a plan",
		Long: `Replay the archived event stream of a plan from the durable store.

Events are printed in sequence order with no gaps, exactly as they were
published during execution. Use --from to resume from a known sequence
number instead of replaying from the start.`,
		Example: `  # Full history of a plan
  intentd events 7f8c9a1b-plan

  # Resume from sequence 3
  intentd events 7f8c9a1b-plan --from 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StateStore.Path == "" {
				return fmt.Errorf("event replay requires statestore.path in %s", configPath)
			}
			archive, err := openArchive(ctx, cfg)
			if err != nil {
				return err
			}
			defer archive.Close()

			events, err := archive.ListEvents(ctx, args[0], fromSeq)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(events)
			}
			for _, ev := range events {
				fmt.Printf("  [%d] %-16s step=%-3d %s\n",
					ev.Sequence, ev.Type, ev.StepIndex, ev.Timestamp.Format("15:04:05.000"))
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&fromSeq, "from", 0, "replay from this sequence number")

	return cmd
}
