package policy

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/engine"
)

// Engine evaluates admission policies against plans. It satisfies
// engine.PolicyChecker.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	logger   zerolog.Logger
}

// NewEngine creates a policy engine preloaded with the builtin policies.
func NewEngine(logger zerolog.Logger) *Engine {
	e := &Engine{
		policies: make(map[string]*Policy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		p := p
		e.policies[p.Name] = &p
	}
	return e
}

// AddPolicies registers (or replaces) policies, e.g. from a lab's policies/
// directory.
func (e *Engine) AddPolicies(policies []Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range policies {
		p := p
		e.policies[p.Name] = &p
	}
}

// ListPolicies returns the registered policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, *p)
	}
	return out
}

// CheckPlan evaluates every enabled policy against the plan. Warning
// violations are logged; error violations block the plan via ViolationError.
// A policy that fails to evaluate is reported as a warning, not a block —
// a broken user policy must not brick the lab.
func (e *Engine) CheckPlan(ctx context.Context, input *engine.PlanInput) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var blocking []Violation
	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}

		violations, err := e.evaluate(ctx, p, input)
		if err != nil {
			e.logger.Warn().Err(err).Str("policy", p.Name).Msg("Policy evaluation failed")
			continue
		}
		for _, v := range violations {
			if v.Severity == SeverityError {
				blocking = append(blocking, v)
			} else {
				e.logger.Warn().Str("policy", v.Policy).Str("node", v.Node).Msg(v.Message)
			}
		}
	}

	if len(blocking) > 0 {
		return &ViolationError{Violations: blocking}
	}
	return nil
}

var packageRe = regexp.MustCompile(`(?m)^package\s+([a-zA-Z0-9_.]+)`)

func (e *Engine) evaluate(ctx context.Context, p *Policy, input *engine.PlanInput) ([]Violation, error) {
	match := packageRe.FindStringSubmatch(p.Rego)
	if match == nil {
		return nil, fmt.Errorf("policy %s has no package declaration", p.Name)
	}

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query("data."+match[1]+".deny"),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", p.Name, err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(p, d))
			}
		}
	}
	return violations, nil
}

func (e *Engine) toViolation(p *Policy, result interface{}) Violation {
	v := Violation{
		Policy:     p.Name,
		Severity:   p.Severity,
		Message:    fmt.Sprintf("%v", result),
		DetectedAt: time.Now(),
	}
	fields, ok := result.(map[string]interface{})
	if !ok {
		return v
	}
	if msg, ok := fields["message"].(string); ok {
		v.Message = msg
	}
	if sev, ok := fields["severity"].(string); ok {
		v.Severity = Severity(sev)
	}
	if node, ok := fields["node"].(string); ok {
		v.Node = node
	}
	return v
}
