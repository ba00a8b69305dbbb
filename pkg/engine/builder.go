package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/labforge/labforge/pkg/backends"
	"github.com/labforge/labforge/pkg/config"
	"github.com/labforge/labforge/pkg/lab"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Committer records lab-directory changes in version control. Implementations
// are best-effort; a failed commit never fails the plan.
type Committer interface {
	Commit(ctx context.Context, message string) error
}

// Builder turns command intent plus observed backend state into plans. It is
// pure planning: it reads state through the backends but never mutates
// anything itself — all mutation is deferred into the returned actions.
//
// Local nodes go through the lab-scoped backend; required (shared) nodes go
// through a backend with an empty scope, since they live outside the lab's
// namespace.
type Builder struct {
	local  backends.NodeBackend
	shared backends.NodeBackend
	cfg    *config.Lab
	root   string

	journal Journal
	git     Committer
	logger  zerolog.Logger
}

// NewBuilder constructs a planner for one lab. journal and git may be nil.
func NewBuilder(local, shared backends.NodeBackend, cfg *config.Lab, root string, journal Journal, git Committer, logger zerolog.Logger) *Builder {
	return &Builder{
		local:   local,
		shared:  shared,
		cfg:     cfg,
		root:    root,
		journal: journal,
		git:     git,
		logger:  logger.With().Str("component", "builder").Logger(),
	}
}

func (b *Builder) nodesDir() string  { return filepath.Join(b.root, "nodes") }
func (b *Builder) sharedDir() string { return filepath.Join(b.root, "shared") }

// AddNode plans the provisioning of a new node plus its workspace artifacts.
// Steps are emitted unconditionally in a fixed order; none depends on another
// step's result, only on the declared spec.
func (b *Builder) AddNode(ctx context.Context, spec lab.NodeSpec) (*Plan, error) {
	plan := &Plan{Command: "add-node"}
	nodeDir := filepath.Join(b.nodesDir(), spec.Name)

	plan.append(NewAction(ActionProvision, spec.Name,
		fmt.Sprintf("Create %s %q from %q", spec.Type, spec.Name, spec.Image),
		func(ctx context.Context) error {
			return b.local.Provision(ctx, spec)
		}))

	plan.append(NewAction(ActionArtifact, spec.Name,
		fmt.Sprintf("Create directory %s", nodeDir),
		func(context.Context) error {
			return os.MkdirAll(nodeDir, 0o755)
		}))

	plan.append(NewAction(ActionArtifact, spec.Name,
		fmt.Sprintf("Generate %s/manifest.yaml", nodeDir),
		func(context.Context) error {
			return b.writeManifest(nodeDir, spec)
		}))

	plan.append(NewAction(ActionArtifact, spec.Name,
		fmt.Sprintf("Generate %s/README.md", nodeDir),
		func(context.Context) error {
			readme := fmt.Sprintf("# %s\n\n> Update this with purpose and usage\n", spec.Name)
			return os.WriteFile(filepath.Join(nodeDir, "README.md"), []byte(readme), 0o644)
		}))

	plan.append(NewAction(ActionMount, spec.Name,
		fmt.Sprintf("Mount %s into %s:/lab/node", nodeDir, spec.Name),
		func(ctx context.Context) error {
			return b.local.MountVolume(ctx, spec.Name, nodeDir, "/lab/node", false)
		}))

	if b.cfg.SharedStorage.Enabled {
		mountPoint := b.cfg.SharedStorage.MountPoint
		plan.append(NewAction(ActionMount, spec.Name,
			fmt.Sprintf("Mount %s into %s:%s", b.sharedDir(), spec.Name, mountPoint),
			func(ctx context.Context) error {
				return b.local.MountVolume(ctx, spec.Name, b.sharedDir(), mountPoint, false)
			}))
	}

	plan.append(NewAction(ActionMetadata, spec.Name,
		fmt.Sprintf("Tag %s with lab=%s", spec.Name, b.cfg.Name),
		func(ctx context.Context) error {
			return b.local.SetMetadata(ctx, spec.Name, backends.MetaLab, b.cfg.Name)
		}))

	plan.append(NewAction(ActionMetadata, spec.Name,
		fmt.Sprintf("Tag %s with managed-by=labforge", spec.Name),
		func(ctx context.Context) error {
			return b.local.SetMetadata(ctx, spec.Name, backends.MetaManagedBy, "labforge")
		}))

	plan.append(b.commitAction(fmt.Sprintf("labforge: added node %s", spec.Name)))

	return plan, nil
}

// nodeManifest is the human-facing descriptor written into each node
// directory. Its content is cosmetic; only "written after provisioning" is
// contractual.
type nodeManifest struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"node_type"`
	Image        string   `yaml:"image"`
	CPUs         int      `yaml:"cpus"`
	Memory       string   `yaml:"memory"`
	Disk         string   `yaml:"disk"`
	Purpose      string   `yaml:"purpose"`
	Role         string   `yaml:"role"`
	Tags         []string `yaml:"tags"`
	Environment  string   `yaml:"environment"`
	Owner        string   `yaml:"owner"`
	Lifecycle    string   `yaml:"lifecycle"`
	CreatedVia   string   `yaml:"created_via"`
	Dependencies []string `yaml:"dependencies"`
	Notes        string   `yaml:"notes"`
}

func (b *Builder) writeManifest(nodeDir string, spec lab.NodeSpec) error {
	owner := b.cfg.User
	if owner == "" {
		owner = "unknown"
	}
	manifest := nodeManifest{
		Name:         spec.Name,
		Type:         string(spec.Type),
		Image:        spec.Image,
		CPUs:         spec.CPUs,
		Memory:       spec.Memory,
		Disk:         spec.Disk,
		Purpose:      "Replace with purpose",
		Role:         "unknown",
		Tags:         []string{},
		Environment:  "development",
		Owner:        owner,
		Lifecycle:    "experimental",
		CreatedVia:   "labforge node add",
		Dependencies: []string{},
		Notes:        "Add usage notes, gotchas, maintenance tips here.\n",
	}
	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(nodeDir, "manifest.yaml"), data, 0o644)
}

// RemoveNode plans node removal. A missing node, or a running node without
// force, yields an empty plan — "already satisfied" or "refused", judged by
// the caller's presentation layer, never an error here.
func (b *Builder) RemoveNode(ctx context.Context, name string, force bool) (*Plan, error) {
	plan := &Plan{Command: "remove-node"}

	exists, err := b.local.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		b.logger.Warn().Str("node", name).Msg("Node not found")
		return plan, nil
	}

	state, err := b.local.State(ctx, name)
	if err != nil {
		return nil, err
	}
	if state == lab.StateRunning && !force {
		b.logger.Warn().Str("node", name).Msg("Node is running; use --force to stop and delete")
		return plan, nil
	}
	if state == lab.StateRunning {
		plan.append(NewAction(ActionStop, name,
			fmt.Sprintf("Stop node %s", name),
			func(ctx context.Context) error {
				return b.local.Stop(ctx, name)
			}))
	}

	plan.append(NewAction(ActionRemove, name,
		fmt.Sprintf("Remove node %s", name),
		func(ctx context.Context) error {
			return b.local.Remove(ctx, name)
		}))

	plan.append(b.commitAction(fmt.Sprintf("labforge: removed node %s", name)))

	return plan, nil
}

// UpOptions filter a lab bring-up.
type UpOptions struct {
	// Only restricts the bring-up to the named local nodes. Unknown names
	// are warned and skipped, not fatal. The filter does not apply to
	// required shared nodes.
	Only []string

	// SkipRequired leaves the lab's declared shared dependencies alone.
	// By default they are started first.
	SkipRequired bool
}

// Up plans a lab bring-up: required nodes first, then local nodes not
// already running. A record step trails the plan iff any start was emitted.
func (b *Builder) Up(ctx context.Context, opts UpOptions) (*Plan, error) {
	plan := &Plan{Command: "up"}

	localToStart, err := b.selectLocalNodes(ctx, opts.Only, lab.StateRunning)
	if err != nil {
		return nil, err
	}

	var requiredToStart []string
	if !opts.SkipRequired {
		for _, name := range b.cfg.RequiresNodes {
			state, err := b.shared.State(ctx, name)
			if err != nil {
				return nil, err
			}
			if state != lab.StateRunning {
				requiredToStart = append(requiredToStart, name)
			}
		}
	}

	for _, name := range requiredToStart {
		name := name
		plan.append(NewAction(ActionStart, name,
			fmt.Sprintf("Start required node %s", name),
			func(ctx context.Context) error {
				return b.shared.Start(ctx, name)
			}))
	}
	for _, name := range localToStart {
		name := name
		plan.append(NewAction(ActionStart, name,
			fmt.Sprintf("Start local node %s", name),
			func(ctx context.Context) error {
				return b.local.Start(ctx, name)
			}))
	}

	if !plan.Empty() {
		plan.append(b.recordAction("up", map[string]any{
			"nodes_started":    localToStart,
			"requires_started": requiredToStart,
			"filtered":         opts.Only,
		}))
	}
	return plan, nil
}

// DownOptions filter a lab teardown.
type DownOptions struct {
	// Only restricts the teardown to the named local nodes. Mutually
	// exclusive with SuspendRequired and ForceStopAll.
	Only []string

	// SuspendRequired also stops the lab's shared dependencies, except
	// those pinned against suspension.
	SuspendRequired bool

	// ForceStopAll overrides the pinned check when suspending.
	ForceStopAll bool
}

// Down plans a lab teardown, symmetric to Up. The flag combination is
// validated before any state is read: an invalid combination fails with a
// validation error and zero backend calls.
func (b *Builder) Down(ctx context.Context, opts DownOptions) (*Plan, error) {
	if len(opts.Only) > 0 && (opts.SuspendRequired || opts.ForceStopAll) {
		return nil, NewValidationError(
			"--only cannot be combined with --suspend-required or --force-stop-all", nil)
	}

	plan := &Plan{Command: "down"}

	localToStop, err := b.selectLocalNodes(ctx, opts.Only, lab.StateStopped)
	if err != nil {
		return nil, err
	}

	var requiredToSuspend []string
	if opts.SuspendRequired {
		for _, name := range b.cfg.RequiresNodes {
			state, err := b.shared.State(ctx, name)
			if err != nil {
				return nil, err
			}
			if state != lab.StateRunning {
				continue
			}
			if !opts.ForceStopAll {
				pinned, err := b.shared.GetMetadata(ctx, name, backends.MetaPinned)
				if err != nil {
					return nil, err
				}
				if pinned == "true" {
					b.logger.Info().Str("node", name).Msg("Skipping pinned required node")
					continue
				}
			}
			requiredToSuspend = append(requiredToSuspend, name)
		}
	}

	for _, name := range localToStop {
		name := name
		plan.append(NewAction(ActionStop, name,
			fmt.Sprintf("Stop local node %s", name),
			func(ctx context.Context) error {
				return b.local.Stop(ctx, name)
			}))
	}
	for _, name := range requiredToSuspend {
		name := name
		plan.append(NewAction(ActionStop, name,
			fmt.Sprintf("Suspend required node %s", name),
			func(ctx context.Context) error {
				return b.shared.Stop(ctx, name)
			}))
	}

	if !plan.Empty() {
		plan.append(b.recordAction("down", map[string]any{
			"nodes_stopped":      localToStop,
			"requires_suspended": requiredToSuspend,
			"filtered":           opts.Only,
		}))
	}
	return plan, nil
}

// selectLocalNodes returns the local nodes (directories under nodes/) whose
// state differs from skipState, honoring an optional only-filter. Unknown
// filter names are warned and skipped.
func (b *Builder) selectLocalNodes(ctx context.Context, only []string, skipState lab.NodeState) ([]string, error) {
	known, err := b.localNodeNames()
	if err != nil {
		return nil, err
	}

	candidates := known
	if len(only) > 0 {
		candidates = nil
		for _, name := range only {
			if !slices.Contains(known, name) {
				b.logger.Warn().Str("node", name).Msg("Node not found in nodes/ — skipping")
				continue
			}
			candidates = append(candidates, name)
		}
	}

	var selected []string
	for _, name := range candidates {
		state, err := b.local.State(ctx, name)
		if err != nil {
			return nil, err
		}
		// Down skips stopped-or-unknown nodes; up skips running ones.
		if skipState == lab.StateStopped && state != lab.StateRunning {
			continue
		}
		if skipState == lab.StateRunning && state == lab.StateRunning {
			continue
		}
		selected = append(selected, name)
	}
	return selected, nil
}

// localNodeNames lists the lab's local nodes from the nodes/ directory.
func (b *Builder) localNodeNames() ([]string, error) {
	entries, err := os.ReadDir(b.nodesDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read nodes dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// recordAction emits the trailing journal step for up/down plans.
func (b *Builder) recordAction(command string, details map[string]any) Action {
	return NewAction(ActionRecord, "",
		fmt.Sprintf("Record %s event", command),
		func(ctx context.Context) error {
			if b.journal == nil {
				b.logger.Info().Str("command", command).Fields(details).Msg("Lab event")
				return nil
			}
			return b.journal.RecordLabEvent(ctx, b.cfg.Name, command, time.Now(), details)
		})
}

// commitAction emits the best-effort git bookkeeping step. Commit failures
// (no repo, nothing to commit) are logged, never fatal.
func (b *Builder) commitAction(message string) Action {
	return NewAction(ActionRecord, "",
		"Commit lab changes to git",
		func(ctx context.Context) error {
			if b.git == nil {
				return nil
			}
			if err := b.git.Commit(ctx, message); err != nil {
				b.logger.Warn().Err(err).Msg("Git commit failed")
			}
			return nil
		})
}
