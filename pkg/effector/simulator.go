package effector

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/intentd/intentd/pkg/engine"
	"github.com/intentd/intentd/pkg/telemetry"
)

// Behavior scripts how the simulator responds to one action type.
type Behavior struct {
	// Latency is how long each invocation takes.
	Latency time.Duration

	// Output is returned on success, merged over the default echo output.
	Output map[string]interface{}

	// TransientFailures makes the first N invocations fail with a
	// retryable error before the action starts succeeding.
	TransientFailures int

	// Fail makes every invocation fail permanently.
	Fail bool

	// FailMessage is the error message used for injected failures.
	FailMessage string
}

// Scenario is a set of scripted behaviors keyed by action type, loadable
// from YAML for dry runs.
type Scenario struct {
	Behaviors map[string]Behavior
}

// behaviorSpec is the YAML shape of a Behavior. Latency is a Go duration
// string such as "250ms".
type behaviorSpec struct {
	Latency           string                 `yaml:"latency"`
	Output            map[string]interface{} `yaml:"output"`
	TransientFailures int                    `yaml:"transient_failures"`
	Fail              bool                   `yaml:"fail"`
	FailMessage       string                 `yaml:"fail_message"`
}

type scenarioSpec struct {
	Behaviors map[string]behaviorSpec `yaml:"behaviors"`
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	var spec scenarioSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing scenario file %s: %w", path, err)
	}
	sc := &Scenario{Behaviors: make(map[string]Behavior, len(spec.Behaviors))}
	for actionType, bs := range spec.Behaviors {
		b := Behavior{
			Output:            bs.Output,
			TransientFailures: bs.TransientFailures,
			Fail:              bs.Fail,
			FailMessage:       bs.FailMessage,
		}
		if bs.Latency != "" {
			latency, err := time.ParseDuration(bs.Latency)
			if err != nil {
				return nil, fmt.Errorf("behavior %s: invalid latency %q: %w", actionType, bs.Latency, err)
			}
			b.Latency = latency
		}
		sc.Behaviors[actionType] = b
	}
	return sc, nil
}

// Simulator is an effector that performs no real side effects. It implements
// engine.Effector.
//
// Unscripted action types succeed immediately and echo their parameters.
// Scripted ones follow their Behavior, which makes the simulator useful both
// for dry-running plans and for exercising retry and compensation paths in
// tests.
type Simulator struct {
	logger *telemetry.Logger

	mu        sync.Mutex
	behaviors map[string]Behavior
	attempts  map[string]int
}

// NewSimulator creates a simulator with no scripted behaviors.
func NewSimulator(logger *telemetry.Logger) *Simulator {
	return &Simulator{
		logger:    logger.NewComponentLogger("effector"),
		behaviors: make(map[string]Behavior),
		attempts:  make(map[string]int),
	}
}

// SetBehavior scripts an action type. It replaces any previous script and
// resets the attempt counter.
func (s *Simulator) SetBehavior(actionType string, b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[actionType] = b
	delete(s.attempts, actionType)
}

// ApplyScenario scripts every behavior in the scenario.
func (s *Simulator) ApplyScenario(sc *Scenario) {
	for actionType, b := range sc.Behaviors {
		s.SetBehavior(actionType, b)
	}
}

// Attempts returns how many times an action type has been invoked.
func (s *Simulator) Attempts(actionType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[actionType]
}

// Invoke simulates one action invocation.
func (s *Simulator) Invoke(ctx context.Context, actionType string, params map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	s.attempts[actionType]++
	attempt := s.attempts[actionType]
	b := s.behaviors[actionType]
	s.mu.Unlock()

	if b.Latency > 0 {
		select {
		case <-time.After(b.Latency):
		case <-ctx.Done():
			return nil, engine.NewTransientError("invocation interrupted", ctx.Err()).
				WithCode(engine.ErrCodeTimeout).WithOperation(actionType)
		}
	}

	msg := b.FailMessage
	if msg == "" {
		msg = "simulated failure"
	}
	if b.Fail {
		s.logger.WithEffector(actionType).Debug("simulated permanent failure")
		return nil, engine.NewPermanentError(msg, nil).
			WithCode(engine.ErrCodeEffectorFailed).WithOperation(actionType)
	}
	if attempt <= b.TransientFailures {
		s.logger.WithEffector(actionType).
			WithField("attempt", attempt).
			Debug("simulated transient failure")
		return nil, engine.NewTransientError(msg, nil).
			WithCode(engine.ErrCodeEffectorFailed).WithOperation(actionType)
	}

	output := map[string]interface{}{
		"action":    actionType,
		"simulated": true,
	}
	for k, v := range params {
		output["param_"+k] = v
	}
	for k, v := range b.Output {
		output[k] = v
	}
	s.logger.WithEffector(actionType).Trace("simulated invocation succeeded")
	return output, nil
}
