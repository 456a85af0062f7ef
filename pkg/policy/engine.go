package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/intentd/intentd/pkg/engine"
)

// Engine evaluates Rego admission policies. It implements
// engine.PolicyEngine.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	store       storage.Store
	logger      zerolog.Logger
	environment string
}

// compiledPolicy is a policy with its parsed module.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a policy engine preloaded with the builtin policies.
func NewEngine(logger zerolog.Logger, environment string) (*Engine, error) {
	e := &Engine{
		policies:    make(map[string]*compiledPolicy),
		store:       inmem.New(),
		logger:      logger.With().Str("component", "policy-engine").Logger(),
		environment: environment,
	}

	builtin := BuiltinPolicies()
	for i := range builtin {
		if err := e.compileAndStorePolicy(&builtin[i]); err != nil {
			return nil, fmt.Errorf("failed to compile builtin policy %s: %w", builtin[i].Name, err)
		}
	}
	e.logger.Info().Int("count", len(builtin)).Msg("Builtin policies loaded")

	return e, nil
}

// AdmitIntent evaluates intent admission policies. A denial is a permanent
// error with code POLICY_DENIED.
func (e *Engine) AdmitIntent(ctx context.Context, intent *engine.Intent) error {
	result, err := e.evaluate(ctx, &Input{
		Intent: intent,
		Context: &Context{
			Environment: e.environment,
			Operation:   "intent",
			Timestamp:   time.Now().UTC(),
		},
	})
	if err != nil {
		return engine.NewPermanentError("intent policy evaluation failed", err).
			WithCode(engine.ErrCodeInternal)
	}
	if !result.Allowed {
		return denial(result).WithDetail("intent_id", intent.ID)
	}
	return nil
}

// AdmitPlan evaluates plan admission policies before selection.
func (e *Engine) AdmitPlan(ctx context.Context, intent *engine.Intent, plan *engine.Plan) error {
	result, err := e.evaluate(ctx, &Input{
		Intent: intent,
		Plan:   plan,
		Context: &Context{
			Environment: e.environment,
			Operation:   "plan",
			Timestamp:   time.Now().UTC(),
		},
	})
	if err != nil {
		return engine.NewPermanentError("plan policy evaluation failed", err).
			WithCode(engine.ErrCodeInternal).WithPlan(plan.ID)
	}
	if !result.Allowed {
		return denial(result).WithPlan(plan.ID)
	}
	return nil
}

// denial builds the admission error for a blocked result.
func denial(result *Result) *engine.EngineError {
	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		if v.Severity.Blocks() {
			messages = append(messages, v.Message)
		}
	}
	return engine.NewPermanentError("admission denied by policy", nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", messages)
}

// Evaluate runs every enabled policy against the input and aggregates the
// violations. A policy that fails to evaluate downgrades to a warning
// rather than blocking admission.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	return e.evaluate(ctx, input)
}

func (e *Engine) evaluate(ctx context.Context, input *Input) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var allViolations []Violation
	var warnings []string

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("Policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		allViolations = append(allViolations, violations...)
	}

	allowed := true
	for i := range allViolations {
		if allViolations[i].Severity.Blocks() {
			allowed = false
			break
		}
	}

	return &Result{
		Allowed:     allowed,
		Violations:  allViolations,
		Warnings:    warnings,
		EvaluatedAt: time.Now().UTC(),
	}, nil
}

// evaluatePolicy queries a single policy's deny set.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(cp.policy.Rego))

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, e.createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "intentd.policies"
}

// createViolation converts one deny-set entry into a Violation.
func (e *Engine) createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if id, ok := v["intent_id"].(string); ok {
			violation.IntentID = id
		}
		if id, ok := v["plan_id"].(string); ok {
			violation.PlanID = id
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// LoadPolicies compiles and installs policy files from the given paths on
// top of the builtin set.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStorePolicy(&policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

// ReplacePolicies swaps in a new set of loaded policies atomically, keeping
// the builtins. Used by the policy file watcher.
func (e *Engine) ReplacePolicies(policies []Policy) error {
	staged := make(map[string]*compiledPolicy)
	builtin := BuiltinPolicies()
	for i := range builtin {
		cp, err := compilePolicy(&builtin[i])
		if err != nil {
			return err
		}
		staged[builtin[i].Name] = cp
	}
	for i := range policies {
		cp, err := compilePolicy(&policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		staged[policies[i].Name] = cp
	}

	e.mu.Lock()
	e.policies = staged
	e.mu.Unlock()

	e.logger.Info().Int("count", len(staged)).Msg("Policies replaced")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) compileAndStorePolicy(policy *Policy) error {
	cp, err := compilePolicy(policy)
	if err != nil {
		return err
	}
	e.policies[policy.Name] = cp
	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return nil
}

func compilePolicy(policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return &compiledPolicy{
		policy:   policy,
		module:   module,
		compiled: time.Now(),
	}, nil
}
