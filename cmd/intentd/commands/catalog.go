package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/intentd/intentd/pkg/registry"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the action catalog",
		Long: `Inspect the action catalog the planner searches over.

Each action declares preconditions, effects, a cost, and optionally a
compensating action. The planner chains actions by matching effects to
preconditions, so a malformed catalog shows up here before it shows up as
an unplannable intent.`,
	}

	cmd.AddCommand(newCatalogListCommand())
	cmd.AddCommand(newCatalogValidateCommand())

	return cmd
}

func newCatalogListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List catalog actions",
		Example: `  intentd catalog list --config intentd.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := registry.LoadFile(cfg.Catalog)
			if err != nil {
				return err
			}

			actions := catalog.List()
			if jsonOutput {
				return printJSON(actions)
			}
			for _, action := range actions {
				fmt.Printf("%s (cost %.2f)\n", action.ID, action.Cost)
				if len(action.Preconditions) > 0 {
					fmt.Printf("  requires: %s\n", strings.Join(action.Preconditions, ", "))
				}
				if len(action.Effects) > 0 {
					fmt.Printf("  provides: %s\n", strings.Join(action.Effects, ", "))
				}
				if action.CompensateID != "" {
					fmt.Printf("  compensated by: %s\n", action.CompensateID)
				}
			}
			return nil
		},
	}
}

func newCatalogValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "validate",
		Short:   "Validate the catalog file",
		Example: `  intentd catalog validate --config intentd.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := registry.LoadFile(cfg.Catalog)
			if err != nil {
				return err
			}
			if err := catalog.Validate(); err != nil {
				return err
			}
			fmt.Printf("%s: %d actions, ok\n", cfg.Catalog, len(catalog.List()))
			return nil
		},
	}
}
