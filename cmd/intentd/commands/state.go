package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/intentd/intentd/pkg/config"
	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/statestore"
	"github.com/intentd/intentd/pkg/stores"
	"github.com/intentd/intentd/pkg/telemetry"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the versioned state store",
		Long: `Inspect the durable state journal.

Requires statestore.path in the config file: the journal is replayed into
memory and queried, so reads see exactly what a restarted engine would see.
Keys are versioned; 'history' shows every version ever committed and 'at'
reads a key as of a specific version for time-travel debugging.`,
	}

	cmd.AddCommand(newStateGetCommand())
	cmd.AddCommand(newStateHistoryCommand())
	cmd.AddCommand(newStateAtCommand())

	return cmd
}

func newStateGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read the latest version of a key",
		Example: `  intentd state get predicate/nodes_allocated
  intentd state get predicate/network_configured --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeStore, err := openState(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			entry, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printStateEntry(entry)
		},
	}
}

func newStateHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <key>",
		Short: "List every committed version of a key",
		Example: `  intentd state history predicate/nodes_allocated`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeStore, err := openState(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			history, err := store.History(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(history)
			}
			for _, entry := range history {
				marker := ""
				if entry.Deleted {
					marker = " (deleted)"
				}
				fmt.Printf("  v%-4d %s  %s%s\n", entry.Version,
					entry.Timestamp.Format(time.RFC3339), string(entry.Value), marker)
			}
			return nil
		},
	}
}

func newStateAtCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "at <key> <version>",
		Short: "Read a key as of a specific version",
		Example: `  # What did the world look like at version 5?
  intentd state at predicate/nodes_allocated 5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			version, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[1], err)
			}

			store, closeStore, err := openState(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			entry, err := store.ReadAt(ctx, args[0], version)
			if err != nil {
				return err
			}
			return printStateEntry(entry)
		},
	}
}

// openState replays the durable journal into a fresh in-memory store.
func openState(ctx context.Context) (*statestore.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StateStore.Path == "" {
		return nil, nil, fmt.Errorf("state inspection requires statestore.path in %s", configPath)
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, nil, err
	}

	journal, err := openArchive(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := statestore.New(logger, statestore.WithJournal(journal))
	if err != nil {
		_ = journal.Close()
		return nil, nil, err
	}
	return store, func() { _ = journal.Close() }, nil
}

// openArchive opens the SQLite archive named by the config.
func openArchive(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	archive, err := stores.NewSQLiteStore(stores.Config{Path: cfg.StateStore.Path})
	if err != nil {
		return nil, err
	}
	if err := archive.Init(ctx); err != nil {
		return nil, err
	}
	if err := archive.Migrate(ctx); err != nil {
		_ = archive.Close()
		return nil, err
	}
	return archive, nil
}

func printStateEntry(entry *engine.StateEntry) error {
	if jsonOutput {
		return printJSON(entry)
	}
	if entry.Deleted {
		fmt.Printf("%s v%d: deleted at %s\n", entry.Key, entry.Version,
			entry.Timestamp.Format(time.RFC3339))
		return nil
	}
	fmt.Printf("%s v%d: %s\n", entry.Key, entry.Version, string(entry.Value))
	return nil
}
