package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/engine"
)

func testEngine() *Engine {
	return NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestNewEngine_LoadsBuiltins(t *testing.T) {
	eng := testEngine()

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No builtin policies loaded")
	}

	expected := []string{"protected-lab", "node-naming", "ownership-tags"}
	for _, name := range expected {
		found := false
		for _, p := range policies {
			if p.Name == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Builtin policy %s not found", name)
		}
	}
}

func TestCheckPlan_ProtectedLabBlocksRemove(t *testing.T) {
	eng := testEngine()

	input := &engine.PlanInput{
		Lab:       "demo",
		Command:   "remove-node",
		Protected: true,
		Actions: []engine.PlanActionInput{
			{Kind: "stop", Node: "web", Description: "Stop node web"},
			{Kind: "remove", Node: "web", Description: "Remove node web"},
		},
	}

	err := eng.CheckPlan(context.Background(), input)
	if err == nil {
		t.Fatal("Expected protected lab to block removal")
	}

	var verr *ViolationError
	if !errors.As(err, &verr) {
		t.Fatalf("Error type = %T, want *ViolationError", err)
	}
	if len(verr.Violations) != 1 || verr.Violations[0].Policy != "protected-lab" {
		t.Errorf("Violations = %+v", verr.Violations)
	}
	if verr.Violations[0].Node != "web" {
		t.Errorf("Violation node = %q, want web", verr.Violations[0].Node)
	}
}

func TestCheckPlan_UnprotectedRemovePasses(t *testing.T) {
	eng := testEngine()

	input := &engine.PlanInput{
		Lab:     "demo",
		Command: "remove-node",
		Actions: []engine.PlanActionInput{
			{Kind: "remove", Node: "web", Description: "Remove node web"},
		},
	}

	if err := eng.CheckPlan(context.Background(), input); err != nil {
		t.Fatalf("Unprotected removal blocked: %v", err)
	}
}

func TestCheckPlan_NamingPolicy(t *testing.T) {
	eng := testEngine()

	tests := []struct {
		node string
		ok   bool
	}{
		{"web", true},
		{"web-2", true},
		{"Web", false},
		{"2web", false},
		{"web_2", false},
	}

	for _, tt := range tests {
		t.Run(tt.node, func(t *testing.T) {
			input := &engine.PlanInput{
				Lab:     "demo",
				Command: "add-node",
				Actions: []engine.PlanActionInput{
					{Kind: "provision", Node: tt.node, Description: "Create node"},
					{Kind: "metadata", Node: tt.node, Description: "Tag node"},
				},
			}
			err := eng.CheckPlan(context.Background(), input)
			if tt.ok && err != nil {
				t.Errorf("Valid name %q rejected: %v", tt.node, err)
			}
			if !tt.ok && err == nil {
				t.Errorf("Invalid name %q admitted", tt.node)
			}
		})
	}
}

func TestCheckPlan_WarningDoesNotBlock(t *testing.T) {
	eng := testEngine()

	// Provision without a metadata step trips the warning-severity
	// ownership policy, which must not block the plan.
	input := &engine.PlanInput{
		Lab:     "demo",
		Command: "add-node",
		Actions: []engine.PlanActionInput{
			{Kind: "provision", Node: "web", Description: "Create node web"},
		},
	}

	if err := eng.CheckPlan(context.Background(), input); err != nil {
		t.Fatalf("Warning-severity violation blocked the plan: %v", err)
	}
}

func TestCheckPlan_BrokenPolicyDoesNotBlock(t *testing.T) {
	eng := testEngine()
	eng.AddPolicies([]Policy{{
		Name:     "broken",
		Severity: SeverityError,
		Enabled:  true,
		Rego:     "this is not rego",
	}})

	input := &engine.PlanInput{
		Lab:     "demo",
		Command: "up",
		Actions: []engine.PlanActionInput{
			{Kind: "start", Node: "web", Description: "Start node web"},
		},
	}

	if err := eng.CheckPlan(context.Background(), input); err != nil {
		t.Fatalf("Broken policy blocked the plan: %v", err)
	}
}

func TestAddPolicies_ReplacesByName(t *testing.T) {
	eng := testEngine()
	before := len(eng.ListPolicies())

	eng.AddPolicies([]Policy{{
		Name:     "protected-lab",
		Severity: SeverityWarning,
		Enabled:  false,
		Rego:     "package labforge.policies.protected\n",
	}})

	if got := len(eng.ListPolicies()); got != before {
		t.Errorf("Policy count = %d, want %d (replace, not append)", got, before)
	}

	// The replacement disabled the policy, so a protected removal passes.
	input := &engine.PlanInput{
		Lab:       "demo",
		Command:   "remove-node",
		Protected: true,
		Actions: []engine.PlanActionInput{
			{Kind: "remove", Node: "web", Description: "Remove node web"},
		},
	}
	if err := eng.CheckPlan(context.Background(), input); err != nil {
		t.Fatalf("Disabled policy still evaluated: %v", err)
	}
}
