package commands

import (
	"context"
	"time"

	"github.com/intentd/intentd/pkg/artifact"
	"github.com/intentd/intentd/pkg/config"
	"github.com/intentd/intentd/pkg/effector"
	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/eventbus"
	"github.com/intentd/intentd/pkg/executor"
	"github.com/intentd/intentd/pkg/negotiate"
	"github.com/intentd/intentd/pkg/planner"
	"github.com/intentd/intentd/pkg/policy"
	"github.com/intentd/intentd/pkg/proof"
	"github.com/intentd/intentd/pkg/registry"
	"github.com/intentd/intentd/pkg/statestore"
	"github.com/intentd/intentd/pkg/stores"
	"github.com/intentd/intentd/pkg/telemetry"
)

// runtime is the assembled engine: every component wired per the effective
// configuration. Commands build one, use it, and Close it.
type runtime struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	archive  *stores.SQLiteStore
	store    *statestore.Store
	bus      *eventbus.Bus
	catalog  *registry.Registry
	planner  *planner.Planner
	policies *policy.Engine
	sim      *effector.Simulator
	orch     *engine.Orchestrator
}

// newRuntime assembles the engine from configuration. The returned runtime
// owns its resources; callers must Close it.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	logger := tel.Logger

	r := &runtime{cfg: cfg, tel: tel}

	if cfg.StateStore.Path != "" {
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
		r.archive = archive
	}

	storeOpts := []statestore.Option{
		statestore.WithMetrics(tel.Metrics),
		statestore.WithSubscriberBuffer(cfg.StateStore.SubscriberBuffer),
	}
	if r.archive != nil {
		storeOpts = append(storeOpts, statestore.WithJournal(r.archive))
	}
	store, err := statestore.New(logger, storeOpts...)
	if err != nil {
		r.Close(ctx)
		return nil, err
	}
	r.store = store

	r.bus = eventbus.New(logger,
		eventbus.WithMetrics(tel.Metrics),
		eventbus.WithSubscriberBuffer(cfg.StateStore.SubscriberBuffer))

	catalog, err := registry.LoadFile(cfg.Catalog)
	if err != nil {
		r.Close(ctx)
		return nil, err
	}
	r.catalog = catalog

	r.planner = planner.New(catalog, logger, planner.Config{
		MaxExpansions: cfg.Planner.MaxExpansions,
		Timeout:       config.Duration(cfg.Planner.Timeout, 30*time.Second),
		MaxPlanSteps:  cfg.Planner.MaxPlanSteps,
		TopK:          cfg.Planner.TopK,
	}, planner.WithMetrics(tel.Metrics))

	fallback := true
	if cfg.Negotiator.FallbackToTop != nil {
		fallback = *cfg.Negotiator.FallbackToTop
	}
	negotiator := negotiate.New(r.bus, logger, negotiate.Config{
		Mode:          negotiate.Mode(cfg.Negotiator.Mode),
		AcceptTimeout: config.Duration(cfg.Negotiator.AcceptTimeout, 30*time.Second),
		FallbackToTop: fallback,
	})

	r.sim = effector.NewSimulator(logger)
	builder := artifact.NewBuilder(proof.NewMerkleProver(), logger)

	exec := executor.New(r.sim, store, r.bus, catalog, builder, logger, executor.Config{
		MaxRetries:        cfg.Executor.MaxRetries,
		RetryBaseDelay:    config.Duration(cfg.Executor.RetryBaseDelay, time.Second),
		MaxParallelSteps:  cfg.Executor.MaxParallelSteps,
		CancelGracePeriod: config.Duration(cfg.Executor.CancelGracePeriod, 5*time.Second),
	}, executor.WithMetrics(tel.Metrics))

	orchOpts := []engine.OrchestratorOption{
		engine.WithMetrics(tel.Metrics),
		engine.WithTracer(tel.Tracer),
	}
	if cfg.Policy.Enabled {
		policies, err := policy.NewEngine(logger.Raw(), cfg.Telemetry.Environment)
		if err != nil {
			r.Close(ctx)
			return nil, err
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				r.Close(ctx)
				return nil, err
			}
		}
		r.policies = policies
		orchOpts = append(orchOpts, engine.WithPolicyEngine(policies))
	}
	if r.archive != nil {
		orchOpts = append(orchOpts, engine.WithArchive(r.archive))
	}

	r.orch = engine.NewOrchestrator(r.planner, negotiator, exec, store, r.bus, catalog,
		logger, engine.OrchestratorConfig{
			MaxIntentDepth:       cfg.Orchestrator.MaxIntentDepth,
			MaxConcurrentIntents: cfg.Orchestrator.MaxConcurrentIntents,
		}, orchOpts...)
	exec.SetChildRunner(r.orch)

	return r, nil
}

// Close drains in-flight work and releases resources.
func (r *runtime) Close(ctx context.Context) {
	if r.orch != nil {
		r.orch.Shutdown()
	}
	if r.archive != nil {
		_ = r.archive.Close()
	}
	if r.tel != nil {
		_ = r.tel.Shutdown(ctx)
	}
}
