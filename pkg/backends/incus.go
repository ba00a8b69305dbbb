package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/labforge/labforge/pkg/lab"
	"github.com/rs/zerolog"
)

// IncusBackend drives nodes through the Incus CLI. It supports containers,
// VMs, and OCI instances, and is the only backend with template semantics:
// an image that names an existing instance is cloned instead of instantiated
// from an image catalog.
type IncusBackend struct {
	scope  lab.Scope
	runner Runner
	logger zerolog.Logger
}

// NewIncusBackend returns an Incus-backed NodeBackend scoped to the lab.
func NewIncusBackend(scope lab.Scope, runner Runner, logger zerolog.Logger) *IncusBackend {
	return &IncusBackend{
		scope:  scope,
		runner: runner,
		logger: logger.With().Str("component", "incus-backend").Logger(),
	}
}

// incusInstance is the subset of `incus list --format=json` output we read.
type incusInstance struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (b *IncusBackend) Provision(ctx context.Context, spec lab.NodeSpec) error {
	phys := b.scope.Physical(spec.Name)

	exists, err := b.instanceExists(ctx, phys)
	if err != nil {
		return err
	}
	if exists {
		// Replayed provision. Limits and passthrough config are applied
		// in a second call after creation, so a crash between the two
		// leaves an instance with default limits; converging them here
		// heals that on replay.
		b.logger.Debug().Str("node", spec.Name).Msg("Instance exists, converging limits")
		if err := b.applyLimits(ctx, phys, spec); err != nil {
			return err
		}
		return b.applyEnvironment(ctx, phys, spec)
	}

	// An image that names an existing instance is a template: clone it.
	isTemplate, err := b.instanceExists(ctx, spec.Image)
	if err != nil {
		return err
	}

	switch {
	case isTemplate:
		if _, err := b.runner.Run(ctx, "incus", "copy", spec.Image, phys); err != nil {
			return fmt.Errorf("clone %s from template %s: %w", phys, spec.Image, err)
		}
	case spec.Type == lab.NodeTypeVM:
		// VMs get their disk size at creation time, not as a later resize.
		args := []string{"init", spec.Image, phys, "--vm"}
		if spec.Disk != "" {
			args = append(args, "-d", "root,size="+spec.Disk)
		}
		if _, err := b.runner.Run(ctx, "incus", args...); err != nil {
			return fmt.Errorf("init vm %s: %w", phys, err)
		}
	default:
		if _, err := b.runner.Run(ctx, "incus", "init", spec.Image, phys); err != nil {
			return fmt.Errorf("init %s: %w", phys, err)
		}
	}

	if err := b.applyLimits(ctx, phys, spec); err != nil {
		return err
	}
	return b.applyEnvironment(ctx, phys, spec)
}

// applyLimits sets cpu/memory limits and passthrough config in a single
// config call. This is deliberately a separate step from creation.
func (b *IncusBackend) applyLimits(ctx context.Context, phys string, spec lab.NodeSpec) error {
	args := []string{"config", "set", phys,
		fmt.Sprintf("limits.cpu=%d", spec.CPUs),
		"limits.memory=" + spec.Memory,
	}
	for key, value := range spec.Config {
		args = append(args, key+"="+value)
	}
	if _, err := b.runner.Run(ctx, "incus", args...); err != nil {
		return fmt.Errorf("apply limits to %s: %w", phys, err)
	}
	return nil
}

// applyEnvironment sets environment variables as config keys. Containers
// only; incus has no environment surface for VMs.
func (b *IncusBackend) applyEnvironment(ctx context.Context, phys string, spec lab.NodeSpec) error {
	if spec.Type == lab.NodeTypeVM || len(spec.Environment) == 0 {
		return nil
	}
	for key, value := range spec.Environment {
		if _, err := b.runner.Run(ctx, "incus", "config", "set", phys,
			fmt.Sprintf("environment.%s=%s", key, value)); err != nil {
			return fmt.Errorf("set environment on %s: %w", phys, err)
		}
	}
	return nil
}

func (b *IncusBackend) Remove(ctx context.Context, name string) error {
	exists, err := b.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	if err := b.Stop(ctx, name); err != nil {
		return err
	}

	phys := b.scope.Physical(name)
	if _, err := b.runner.Run(ctx, "incus", "delete", phys); err != nil {
		return fmt.Errorf("delete %s: %w", phys, err)
	}
	return nil
}

func (b *IncusBackend) Start(ctx context.Context, name string) error {
	state, err := b.State(ctx, name)
	if err != nil {
		return err
	}
	if state == lab.StateRunning {
		return nil
	}

	phys := b.scope.Physical(name)
	if _, err := b.runner.Run(ctx, "incus", "start", phys); err != nil {
		return fmt.Errorf("start %s: %w", phys, err)
	}
	return nil
}

func (b *IncusBackend) Stop(ctx context.Context, name string) error {
	state, err := b.State(ctx, name)
	if err != nil {
		return err
	}
	if state != lab.StateRunning {
		return nil
	}

	phys := b.scope.Physical(name)
	if _, err := b.runner.Run(ctx, "incus", "stop", phys); err != nil {
		return fmt.Errorf("stop %s: %w", phys, err)
	}
	return nil
}

func (b *IncusBackend) State(ctx context.Context, name string) (lab.NodeState, error) {
	phys := b.scope.Physical(name)

	// `incus list` exits zero with an empty array for a missing instance,
	// so an error here means the control surface itself failed.
	res, err := b.runner.Run(ctx, "incus", "list", phys, "--format=json")
	if err != nil {
		return lab.StateUnknown, fmt.Errorf("query state of %s: %w", phys, err)
	}

	var instances []incusInstance
	if err := json.Unmarshal([]byte(res.Stdout), &instances); err != nil {
		return lab.StateUnknown, fmt.Errorf("parse incus list output: %w", err)
	}

	for _, inst := range instances {
		if inst.Name == phys {
			return mapIncusStatus(inst.Status), nil
		}
	}
	return lab.StateUnknown, nil
}

func mapIncusStatus(status string) lab.NodeState {
	switch strings.ToLower(status) {
	case "running":
		return lab.StateRunning
	case "frozen", "paused":
		return lab.StatePaused
	case "stopped":
		return lab.StateStopped
	default:
		return lab.StateStopped
	}
}

func (b *IncusBackend) ListActive(ctx context.Context) ([]string, error) {
	res, err := b.runner.Run(ctx, "incus", "list", "--format=json")
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	var instances []incusInstance
	if err := json.Unmarshal([]byte(res.Stdout), &instances); err != nil {
		return nil, fmt.Errorf("parse incus list output: %w", err)
	}

	names := []string{}
	for _, inst := range instances {
		if logical, ok := b.scope.Logical(inst.Name); ok {
			names = append(names, logical)
		}
	}
	return names, nil
}

func (b *IncusBackend) Exists(ctx context.Context, name string) (bool, error) {
	return b.instanceExists(ctx, b.scope.Physical(name))
}

// instanceExists probes an arbitrary physical instance name. Also used to
// test whether a spec's image is a live template.
func (b *IncusBackend) instanceExists(ctx context.Context, phys string) (bool, error) {
	res, err := b.runner.Run(ctx, "incus", "info", phys)
	if err != nil {
		// `incus info` exits non-zero for missing instances; the runner
		// surfaces that as an error with the exit code attached.
		if res.ExitCode != 0 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *IncusBackend) SetMetadata(ctx context.Context, name, key, value string) error {
	phys := b.scope.Physical(name)
	if _, err := b.runner.Run(ctx, "incus", "config", "set", phys,
		fmt.Sprintf("user.%s=%s", key, value)); err != nil {
		return fmt.Errorf("set metadata on %s: %w", phys, err)
	}
	return nil
}

func (b *IncusBackend) GetMetadata(ctx context.Context, name, key string) (string, error) {
	phys := b.scope.Physical(name)
	res, err := b.runner.Run(ctx, "incus", "config", "get", phys, "user."+key)
	if err != nil {
		// Missing instances exit non-zero and read as no metadata; any
		// other failure is the control surface and must surface.
		if res.ExitCode != 0 {
			return "", nil
		}
		return "", fmt.Errorf("get metadata %s of %s: %w", key, phys, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (b *IncusBackend) MountVolume(ctx context.Context, name, source, target string, readonly bool) error {
	phys := b.scope.Physical(name)
	device := "mount-" + sanitizeDeviceName(target)

	args := []string{"config", "device", "add", phys, device, "disk",
		"path=" + target,
		"source=" + source,
		fmt.Sprintf("readonly=%t", readonly),
	}
	if _, err := b.runner.Run(ctx, "incus", args...); err != nil {
		return fmt.Errorf("mount %s into %s: %w", source, phys, err)
	}
	return nil
}

// sanitizeDeviceName turns a mount target path into a stable incus device
// name, so re-mounting the same target is an update rather than a duplicate.
func sanitizeDeviceName(target string) string {
	s := strings.Trim(target, "/")
	s = strings.NewReplacer("/", "-", ".", "-", "_", "-").Replace(s)
	if s == "" {
		s = "root"
	}
	return s
}
