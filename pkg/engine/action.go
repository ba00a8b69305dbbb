package engine

import "context"

// ActionKind tags what an action does, so plans stay inspectable (and policy
// can reason about them) without invoking anything.
type ActionKind string

const (
	ActionProvision ActionKind = "provision"
	ActionStart     ActionKind = "start"
	ActionStop      ActionKind = "stop"
	ActionRemove    ActionKind = "remove"
	ActionMount     ActionKind = "mount"
	ActionMetadata  ActionKind = "metadata"
	ActionArtifact  ActionKind = "artifact"
	ActionRecord    ActionKind = "record"
)

// Action is one planned operation: a human-readable description plus a
// pre-bound deferred call. Immutable once built; it carries no result until
// executed. Printing a plan never invokes anything.
type Action struct {
	// Kind tags the operation category.
	Kind ActionKind

	// Node is the logical node the action touches, if any.
	Node string

	// Description is shown in previews and failure reports.
	Description string

	run func(ctx context.Context) error
}

// NewAction builds an action with a pre-bound operation.
func NewAction(kind ActionKind, node, description string, run func(ctx context.Context) error) Action {
	return Action{Kind: kind, Node: node, Description: description, run: run}
}

// Invoke executes the bound operation.
func (a Action) Invoke(ctx context.Context) error {
	return a.run(ctx)
}

// Plan is an ordered sequence of not-yet-executed actions produced for one
// command invocation. Plans are built fresh per invocation, never cached or
// persisted, and are consumed by exactly one Execute (or discarded after a
// dry-run preview).
type Plan struct {
	// Command names the intent the plan serves ("up", "down", ...).
	Command string

	// Actions run in order; no action depends on another's result, only
	// on the state observed at build time.
	Actions []Action
}

// Empty reports whether there is nothing to do. Builders return empty plans
// for already-satisfied intents; callers treat that as success, not failure.
func (p *Plan) Empty() bool {
	return p == nil || len(p.Actions) == 0
}

func (p *Plan) append(action Action) {
	p.Actions = append(p.Actions, action)
}
