package policy

import (
	"time"
)

// BuiltinPolicies returns the policies loaded into every engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		intentKindPolicy(),
		intentBudgetPolicy(),
		intentDepthPolicy(),
		planStepLimitPolicy(),
		planBudgetPolicy(),
	}
}

// intentKindPolicy enforces intent kind naming conventions.
func intentKindPolicy() Policy {
	return Policy{
		Name:        "intent-kind",
		Description: "Intent kinds must be lowercase snake_case identifiers",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "intent"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package intentd.policies.kind

import rego.v1

deny contains violation if {
	input.intent
	not input.intent.kind
	violation := {
		"message": "Intent must declare a kind",
		"severity": "error",
		"intent_id": object.get(input.intent, "id", ""),
	}
}

deny contains violation if {
	input.intent
	kind := input.intent.kind
	not regex.match("^[a-z][a-z0-9_]*$", kind)
	violation := {
		"message": sprintf("Intent kind '%s' must be a lowercase snake_case identifier", [kind]),
		"severity": "error",
		"intent_id": input.intent.id,
	}
}

deny contains violation if {
	input.intent
	kind := input.intent.kind
	count(kind) > 128
	violation := {
		"message": sprintf("Intent kind '%s' exceeds 128 characters", [kind]),
		"severity": "error",
		"intent_id": input.intent.id,
	}
}
`,
	}
}

// intentBudgetPolicy rejects malformed budgets and warns when an intent
// declares none at all.
func intentBudgetPolicy() Policy {
	return Policy{
		Name:        "intent-budget",
		Description: "Intent budgets must be non-negative; an absent budget is unbounded and worth a warning",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"budget", "intent"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package intentd.policies.budget

import rego.v1

deny contains violation if {
	input.intent
	budget := object.get(input.intent, "budget", 0)
	budget < 0
	violation := {
		"message": sprintf("Intent budget %v must not be negative", [budget]),
		"severity": "error",
		"intent_id": input.intent.id,
	}
}

deny contains violation if {
	input.intent
	object.get(input.intent, "budget", 0) == 0
	violation := {
		"message": "Intent declares no budget; cost is unbounded",
		"severity": "warning",
		"intent_id": input.intent.id,
	}
}
`,
	}
}

// intentDepthPolicy caps how deep child intents may nest.
func intentDepthPolicy() Policy {
	return Policy{
		Name:        "intent-depth",
		Description: "Child intents may nest at most 3 levels deep",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"intent", "recursion"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package intentd.policies.depth

import rego.v1

max_depth := 3

deny contains violation if {
	input.intent
	depth := object.get(input.intent, "depth", 0)
	depth > max_depth
	violation := {
		"message": sprintf("Intent depth %d exceeds the maximum of %d", [depth, max_depth]),
		"severity": "error",
		"intent_id": input.intent.id,
	}
}
`,
	}
}

// planStepLimitPolicy bounds plan length.
func planStepLimitPolicy() Policy {
	return Policy{
		Name:        "plan-step-limit",
		Description: "Plans may not exceed 100 steps",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"plan"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package intentd.policies.steps

import rego.v1

max_steps := 100

deny contains violation if {
	input.plan
	count(input.plan.steps) > max_steps
	violation := {
		"message": sprintf("Plan has %d steps, exceeding the maximum of %d", [count(input.plan.steps), max_steps]),
		"severity": "error",
		"plan_id": input.plan.id,
	}
}
`,
	}
}

// planBudgetPolicy rejects plans costing more than their intent's budget.
func planBudgetPolicy() Policy {
	return Policy{
		Name:        "plan-budget",
		Description: "A plan's total cost must fit the intent's budget when one is set",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"budget", "plan"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package intentd.policies.plan_budget

import rego.v1

deny contains violation if {
	input.plan
	input.intent
	budget := object.get(input.intent, "budget", 0)
	budget > 0
	input.plan.total_cost > budget
	violation := {
		"message": sprintf("Plan cost %v exceeds the intent budget %v", [input.plan.total_cost, budget]),
		"severity": "error",
		"plan_id": input.plan.id,
	}
}
`,
	}
}
