package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/intentd/intentd/pkg/telemetry"
)

// Config is the full daemon configuration.
type Config struct {
	// Catalog is the path to the action catalog file.
	Catalog string `yaml:"catalog" validate:"required"`

	// WatchCatalog reloads the catalog when the file changes.
	WatchCatalog bool `yaml:"watch_catalog"`

	// Planner configures the search.
	Planner PlannerConfig `yaml:"planner"`

	// Negotiator configures plan selection.
	Negotiator NegotiatorConfig `yaml:"negotiator"`

	// Executor configures plan execution.
	Executor ExecutorConfig `yaml:"executor"`

	// Orchestrator configures intent intake.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// StateStore configures the versioned state store.
	StateStore StateStoreConfig `yaml:"statestore"`

	// Policy configures admission control.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// PlannerConfig mirrors planner.Config in YAML form. Durations are Go
// duration strings.
type PlannerConfig struct {
	MaxExpansions int    `yaml:"max_expansions" validate:"omitempty,gt=0"`
	Timeout       string `yaml:"timeout"`
	MaxPlanSteps  int    `yaml:"max_plan_steps" validate:"omitempty,gt=0"`
	TopK          int    `yaml:"top_k" validate:"omitempty,gt=0"`
}

// NegotiatorConfig mirrors negotiate.Config in YAML form.
type NegotiatorConfig struct {
	Mode          string `yaml:"mode" validate:"omitempty,oneof=auto acceptance"`
	AcceptTimeout string `yaml:"accept_timeout"`
	FallbackToTop *bool  `yaml:"fallback_to_top"`
}

// ExecutorConfig mirrors executor.Config in YAML form.
type ExecutorConfig struct {
	MaxRetries        int    `yaml:"max_retries" validate:"gte=0"`
	RetryBaseDelay    string `yaml:"retry_base_delay"`
	MaxParallelSteps  int64  `yaml:"max_parallel_steps" validate:"omitempty,gt=0"`
	CancelGracePeriod string `yaml:"cancel_grace_period"`
}

// OrchestratorConfig bounds intent intake.
type OrchestratorConfig struct {
	MaxIntentDepth       int `yaml:"max_intent_depth" validate:"omitempty,gt=0"`
	MaxConcurrentIntents int `yaml:"max_concurrent_intents" validate:"omitempty,gt=0"`
}

// StateStoreConfig configures the state store and its journal.
type StateStoreConfig struct {
	// Path is the SQLite database file backing the journal and archive.
	// Empty keeps everything in memory.
	Path string `yaml:"path"`

	// SubscriberBuffer is the per-subscription channel capacity.
	SubscriberBuffer int `yaml:"subscriber_buffer" validate:"omitempty,gt=0"`
}

// PolicyConfig configures admission control.
type PolicyConfig struct {
	// Enabled turns policy admission on.
	Enabled bool `yaml:"enabled"`

	// Paths lists policy files or directories loaded on top of the
	// builtins.
	Paths []string `yaml:"paths"`

	// Watch reloads policies when their files change.
	Watch bool `yaml:"watch"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Catalog:      "catalog.yaml",
		WatchCatalog: true,
		Planner: PlannerConfig{
			MaxExpansions: 10000,
			Timeout:       "30s",
			MaxPlanSteps:  100,
			TopK:          3,
		},
		Negotiator: NegotiatorConfig{
			Mode:          "auto",
			AcceptTimeout: "30s",
		},
		Executor: ExecutorConfig{
			MaxRetries:        3,
			RetryBaseDelay:    "1s",
			MaxParallelSteps:  4,
			CancelGracePeriod: "5s",
		},
		Orchestrator: OrchestratorConfig{
			MaxIntentDepth:       3,
			MaxConcurrentIntents: 16,
		},
		StateStore: StateStoreConfig{
			SubscriberBuffer: 256,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a config file and validates it. Missing sections keep their
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and duration syntax.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for name, d := range map[string]string{
		"planner.timeout":              c.Planner.Timeout,
		"negotiator.accept_timeout":    c.Negotiator.AcceptTimeout,
		"executor.retry_base_delay":    c.Executor.RetryBaseDelay,
		"executor.cancel_grace_period": c.Executor.CancelGracePeriod,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", name, err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Duration parses one of the config's duration strings, falling back when
// the string is empty.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
