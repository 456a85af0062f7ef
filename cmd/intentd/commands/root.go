package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/intentd/intentd/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "intentd",
		Short: "intentd - Intent-Native Orchestration Engine",
		Long: `intentd turns declarative intents into executed outcomes.

An intent names a desired outcome ("provision_gpu_cluster") with constraints
and a budget. The engine plans candidate action sequences with A* search over
the action catalog, negotiates a winner against budget and deadline, executes
it with retries and compensation rollback, and emits a verifiable artifact.

Features:
  - A* planning over declarative action catalogs
  - Budget- and deadline-aware plan negotiation
  - Saga-style compensation on execution failure
  - Versioned state store with time-travel reads
  - Ordered, replayable per-plan event streams
  - Rego policy admission for intents and plans`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newCatalogCommand())

	return rootCmd
}

// loadConfig resolves the effective configuration for a command invocation.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// parseConstraints parses repeated key=value flags. Values that parse as
// JSON keep their type, everything else stays a string.
func parseConstraints(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	constraints := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid constraint %q, expected key=value", pair)
		}
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			constraints[key] = n
			continue
		}
		if b, err := strconv.ParseBool(raw); err == nil {
			constraints[key] = b
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			constraints[key] = v
			continue
		}
		constraints[key] = raw
	}
	return constraints, nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
