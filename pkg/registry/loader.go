package registry

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/intentd/intentd/pkg/engine"
)

// Catalog is the on-disk YAML representation of the action catalog.
type Catalog struct {
	// Actions are the catalog's action specs.
	Actions []ActionSpec `yaml:"actions" validate:"required,min=1,dive"`

	// Goals map intent kinds to goal predicate templates.
	Goals []GoalTemplate `yaml:"goals,omitempty" validate:"dive"`
}

// ActionSpec is one action as written in the catalog file. Durations are
// strings ("30s", "2m") parsed at load time.
type ActionSpec struct {
	ID            string                 `yaml:"id" validate:"required"`
	Type          string                 `yaml:"type" validate:"required"`
	Preconditions []string               `yaml:"preconditions,omitempty"`
	Effects       []string               `yaml:"effects,omitempty"`
	Cost          float64                `yaml:"cost" validate:"gte=0"`
	Duration      string                 `yaml:"duration,omitempty"`
	CompensateID  string                 `yaml:"compensate_id,omitempty"`
	Params        map[string]interface{} `yaml:"params,omitempty"`
}

// LoadFile reads and validates a catalog file and returns a populated
// registry.
func LoadFile(path string) (*Registry, error) {
	r := New()
	if err := LoadFileInto(r, path); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadFileInto reads a catalog file and atomically replaces the registry's
// contents. On any error the registry is left unchanged.
func LoadFileInto(r *Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading catalog %s: %w", path, err)
	}
	actions, goals, err := Parse(data)
	if err != nil {
		return fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return r.Replace(actions, goals)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) ([]*engine.Action, []GoalTemplate, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, nil, engine.NewPermanentError("invalid catalog yaml", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := validator.New().Struct(&cat); err != nil {
		return nil, nil, engine.NewPermanentError("catalog failed validation", err).
			WithCode(engine.ErrCodeValidation)
	}

	actions := make([]*engine.Action, 0, len(cat.Actions))
	for _, spec := range cat.Actions {
		var dur time.Duration
		if spec.Duration != "" {
			var err error
			dur, err = time.ParseDuration(spec.Duration)
			if err != nil {
				return nil, nil, engine.NewPermanentError("invalid action duration", err).
					WithCode(engine.ErrCodeValidation).
					WithDetail("action_id", spec.ID)
			}
		}
		actions = append(actions, &engine.Action{
			ID:            spec.ID,
			Type:          spec.Type,
			Preconditions: spec.Preconditions,
			Effects:       spec.Effects,
			Cost:          spec.Cost,
			Duration:      dur,
			CompensateID:  spec.CompensateID,
			Params:        spec.Params,
		})
	}
	return actions, cat.Goals, nil
}
