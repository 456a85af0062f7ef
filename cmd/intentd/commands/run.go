package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/intentd/intentd/pkg/policy"
	"github.com/intentd/intentd/pkg/registry"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration engine",
		Long: `Run the orchestration engine as a long-lived process.

The engine loads the action catalog and admission policies, replays any
durable state journal, and serves metrics until interrupted. With
--watch-catalog (or watch_catalog in the config file) the catalog and policy
files are reloaded on change without a restart.`,
		Example: `  # Run with the default configuration
  intentd run

  # Run with a config file and live catalog reload
  intentd run --config intentd.yaml`,
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
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				rt.Close(shutdownCtx)
			}()

			if cfg.Telemetry.Metrics.Enabled {
				go func() {
					if err := rt.tel.Metrics.StartMetricsServer(); err != nil {
						log.Error().Err(err).Msg("Metrics server stopped")
					}
				}()
			}

			if cfg.WatchCatalog {
				watcher := registry.NewWatcher(rt.tel.Logger.Raw(), rt.catalog, cfg.Catalog)
				if err := watcher.Start(ctx); err != nil {
					return err
				}
			}

			if rt.policies != nil && cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
				loader := policy.NewLoader(rt.tel.Logger.Raw())
				if err := loader.Watch(ctx, cfg.Policy.Paths, rt.policies.ReplacePolicies); err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			log.Info().
				Str("catalog", cfg.Catalog).
				Str("statestore", cfg.StateStore.Path).
				Bool("policies", rt.policies != nil).
				Msg("Engine running")

			<-ctx.Done()
			log.Info().Msg("Shutting down engine")
			return nil
		},
	}

	return cmd
}
