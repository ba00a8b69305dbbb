// Package policy provides plan admission. Policies are Rego rules evaluated
// against the inspectable shape of a plan before it is applied; an error-
// severity violation blocks the apply. A small set of builtin policies ships
// with labforge, and labs can add their own under policies/.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity grades a violation.
type Severity string

const (
	// SeverityWarning violations are reported but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError violations block the plan.
	SeverityError Severity = "error"
)

// Policy is one admission rule with its Rego source.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `yaml:"name" json:"name"`

	// Description explains what the policy guards.
	Description string `yaml:"description" json:"description"`

	// Rego is the policy body. Its package must declare a `deny` set.
	Rego string `yaml:"rego" json:"rego"`

	// Severity applies to violations the rule itself does not grade.
	Severity Severity `yaml:"severity" json:"severity"`

	// Enabled gates evaluation.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Violation is one policy finding against a plan.
type Violation struct {
	Policy     string    `json:"policy"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	Node       string    `json:"node,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// ViolationError is returned when a plan is blocked by policy.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan blocked by %d policy violation(s):", len(e.Violations))
	for _, v := range e.Violations {
		fmt.Fprintf(&b, "\n  [%s] %s: %s", v.Severity, v.Policy, v.Message)
	}
	return b.String()
}
