package engine

import (
	"context"

	"github.com/labforge/labforge/pkg/backends"
	"github.com/labforge/labforge/pkg/config"
	"github.com/labforge/labforge/pkg/lab"
	"github.com/rs/zerolog"
)

// PlanInput is the policy-facing view of a plan: enough structure to reason
// about what a plan will do without being able to invoke any of it.
type PlanInput struct {
	Lab       string            `json:"lab"`
	Command   string            `json:"command"`
	Protected bool              `json:"protected"`
	Actions   []PlanActionInput `json:"actions"`
}

// PlanActionInput is one action as seen by policy.
type PlanActionInput struct {
	Kind        string `json:"kind"`
	Node        string `json:"node,omitempty"`
	Description string `json:"description"`
}

// PolicyChecker admits or rejects a plan before it is applied. Implemented
// by pkg/policy; nil means no admission control.
type PolicyChecker interface {
	CheckPlan(ctx context.Context, input *PlanInput) error
}

// Orchestrator composes the planner and executor for one lab session. It is
// constructed from an explicit configuration struct — nothing in the core
// reads ambient process state — and owns the per-command entry points the
// CLI calls.
type Orchestrator struct {
	cfg      *config.Lab
	root     string
	builder  *Builder
	executor *Executor
	policy   PolicyChecker
	local    backends.NodeBackend
	shared   backends.NodeBackend
	logger   zerolog.Logger
}

// OrchestratorDeps carries the collaborators an Orchestrator is wired with.
// Journal, Git, and Policy may be nil.
type OrchestratorDeps struct {
	Local   backends.NodeBackend
	Shared  backends.NodeBackend
	Journal Journal
	Git     Committer
	Policy  PolicyChecker
	Logger  zerolog.Logger
}

// NewOrchestrator wires a lab session from explicit configuration and
// collaborators.
func NewOrchestrator(cfg *config.Lab, root string, deps OrchestratorDeps) *Orchestrator {
	builder := NewBuilder(deps.Local, deps.Shared, cfg, root, deps.Journal, deps.Git, deps.Logger)
	executor := NewExecutor(deps.Journal, cfg.Name, cfg.User, deps.Logger)
	return &Orchestrator{
		cfg:      cfg,
		root:     root,
		builder:  builder,
		executor: executor,
		policy:   deps.Policy,
		local:    deps.Local,
		shared:   deps.Shared,
		logger:   deps.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Executor exposes the executor for output redirection.
func (o *Orchestrator) Executor() *Executor {
	return o.executor
}

// AddNode plans and (unless dryRun) applies the addition of a node.
func (o *Orchestrator) AddNode(ctx context.Context, spec lab.NodeSpec, dryRun bool) error {
	plan, err := o.builder.AddNode(ctx, spec)
	if err != nil {
		return err
	}
	return o.run(ctx, plan, dryRun)
}

// RemoveNode plans and applies node removal.
func (o *Orchestrator) RemoveNode(ctx context.Context, name string, force, dryRun bool) error {
	plan, err := o.builder.RemoveNode(ctx, name, force)
	if err != nil {
		return err
	}
	return o.run(ctx, plan, dryRun)
}

// Up plans and applies a lab bring-up.
func (o *Orchestrator) Up(ctx context.Context, opts UpOptions, dryRun bool) error {
	plan, err := o.builder.Up(ctx, opts)
	if err != nil {
		return err
	}
	return o.run(ctx, plan, dryRun)
}

// Down plans and applies a lab teardown.
func (o *Orchestrator) Down(ctx context.Context, opts DownOptions, dryRun bool) error {
	plan, err := o.builder.Down(ctx, opts)
	if err != nil {
		return err
	}
	return o.run(ctx, plan, dryRun)
}

// NodeStatus is one row of a lab listing.
type NodeStatus struct {
	Name  string        `json:"name"`
	State lab.NodeState `json:"state"`
}

// List reports every node the lab's backend knows about, with states.
func (o *Orchestrator) List(ctx context.Context) ([]NodeStatus, error) {
	names, err := o.local.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make([]NodeStatus, 0, len(names))
	for _, name := range names {
		state, err := o.local.State(ctx, name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, NodeStatus{Name: name, State: state})
	}
	return statuses, nil
}

// Status reports one node's state.
func (o *Orchestrator) Status(ctx context.Context, name string) (lab.NodeState, error) {
	return o.local.State(ctx, name)
}

// CheckRequired reports which of the lab's declared shared dependencies are
// not currently running.
func (o *Orchestrator) CheckRequired(ctx context.Context) ([]string, error) {
	var missing []string
	for _, name := range o.cfg.RequiresNodes {
		state, err := o.shared.State(ctx, name)
		if err != nil {
			return nil, err
		}
		if state != lab.StateRunning {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// run applies plan admission, then hands the plan to the executor. Dry runs
// skip admission: a preview touches nothing, so there is nothing to admit.
func (o *Orchestrator) run(ctx context.Context, plan *Plan, dryRun bool) error {
	if !dryRun && o.policy != nil && !plan.Empty() {
		if err := o.policy.CheckPlan(ctx, o.planInput(plan)); err != nil {
			return err
		}
	}
	return o.executor.Execute(ctx, plan, dryRun)
}

func (o *Orchestrator) planInput(plan *Plan) *PlanInput {
	input := &PlanInput{
		Lab:       o.cfg.Name,
		Command:   plan.Command,
		Protected: o.cfg.Protected,
		Actions:   make([]PlanActionInput, 0, len(plan.Actions)),
	}
	for _, action := range plan.Actions {
		input.Actions = append(input.Actions, PlanActionInput{
			Kind:        string(action.Kind),
			Node:        action.Node,
			Description: action.Description,
		})
	}
	return input
}
