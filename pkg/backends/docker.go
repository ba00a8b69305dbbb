package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/labforge/labforge/pkg/lab"
	"github.com/rs/zerolog"
)

// DockerBackend drives container nodes through the Docker engine CLI.
//
// The engine cannot retag or remount a running container in place: labels and
// bind mounts are fixed at creation. SetMetadata and MountVolume therefore
// recreate the container from its inspected configuration plus the requested
// change, restoring the original run state afterwards. That is slower than
// the equivalent Incus operations but never a silent no-op.
type DockerBackend struct {
	scope  lab.Scope
	runner Runner
	logger zerolog.Logger
}

// NewDockerBackend returns a Docker-backed NodeBackend scoped to the lab.
func NewDockerBackend(scope lab.Scope, runner Runner, logger zerolog.Logger) *DockerBackend {
	return &DockerBackend{
		scope:  scope,
		runner: runner,
		logger: logger.With().Str("component", "docker-backend").Logger(),
	}
}

// dockerInspect is the subset of `docker inspect` output needed to recreate
// a container faithfully.
type dockerInspect struct {
	Config struct {
		Image  string            `json:"Image"`
		Env    []string          `json:"Env"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	HostConfig struct {
		Binds        []string `json:"Binds"`
		NetworkMode  string   `json:"NetworkMode"`
		Privileged   bool     `json:"Privileged"`
		NanoCpus     int64    `json:"NanoCpus"`
		Memory       int64    `json:"Memory"`
		PortBindings map[string][]struct {
			HostIP   string `json:"HostIp"`
			HostPort string `json:"HostPort"`
		} `json:"PortBindings"`
	} `json:"HostConfig"`
	State struct {
		Status string `json:"Status"`
	} `json:"State"`
}

func (b *DockerBackend) Provision(ctx context.Context, spec lab.NodeSpec) error {
	if spec.Type == lab.NodeTypeVM {
		return fmt.Errorf("docker backend cannot realize vm node %q", spec.Name)
	}

	phys := b.scope.Physical(spec.Name)

	exists, err := b.Exists(ctx, spec.Name)
	if err != nil {
		return err
	}
	if exists {
		// Same physical identifier, unchanged intent: no-op rather than a
		// duplicate-creation error.
		b.logger.Debug().Str("node", spec.Name).Msg("Container exists, provision is a no-op")
		return nil
	}

	args := []string{"run", "-d", "--name", phys,
		"--cpus", strconv.Itoa(spec.CPUs),
		"-m", spec.Memory,
	}
	for key, value := range spec.Environment {
		args = append(args, "-e", key+"="+value)
	}
	for _, port := range spec.Ports {
		args = append(args, "-p", port)
	}
	for _, volume := range spec.Volumes {
		args = append(args, "-v", volume)
	}
	args = append(args, b.expandConfig(spec.Config)...)
	args = append(args, spec.Image)

	if _, err := b.runner.Run(ctx, "docker", args...); err != nil {
		return fmt.Errorf("create container %s: %w", phys, err)
	}
	return nil
}

// expandConfig turns "docker."-namespaced passthrough keys into native engine
// flags. Keys outside the docker namespace are ignored here; they belong to
// other backends.
func (b *DockerBackend) expandConfig(config map[string]string) []string {
	var args []string
	for key, value := range config {
		opt, ok := strings.CutPrefix(key, "docker.")
		if !ok {
			continue
		}
		switch opt {
		case "privileged":
			if value == "true" {
				args = append(args, "--privileged")
			}
		case "network":
			args = append(args, "--network", value)
		case "user":
			args = append(args, "--user", value)
		default:
			b.logger.Debug().Str("key", key).Msg("Ignoring unsupported docker config key")
		}
	}
	return args
}

func (b *DockerBackend) Remove(ctx context.Context, name string) error {
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
	if _, err := b.runner.Run(ctx, "docker", "rm", "-f", phys); err != nil {
		return fmt.Errorf("remove container %s: %w", phys, err)
	}
	return nil
}

func (b *DockerBackend) Start(ctx context.Context, name string) error {
	state, err := b.State(ctx, name)
	if err != nil {
		return err
	}
	if state == lab.StateRunning {
		return nil
	}

	phys := b.scope.Physical(name)
	if _, err := b.runner.Run(ctx, "docker", "start", phys); err != nil {
		return fmt.Errorf("start container %s: %w", phys, err)
	}
	return nil
}

func (b *DockerBackend) Stop(ctx context.Context, name string) error {
	state, err := b.State(ctx, name)
	if err != nil {
		return err
	}
	if state != lab.StateRunning && state != lab.StatePaused {
		return nil
	}

	phys := b.scope.Physical(name)
	if _, err := b.runner.Run(ctx, "docker", "stop", phys); err != nil {
		return fmt.Errorf("stop container %s: %w", phys, err)
	}
	return nil
}

func (b *DockerBackend) State(ctx context.Context, name string) (lab.NodeState, error) {
	phys := b.scope.Physical(name)

	res, err := b.runner.Run(ctx, "docker", "inspect", "-f", "{{.State.Status}}", phys)
	if err != nil {
		// Missing containers exit non-zero and read as Unknown; a failure
		// without an exit code means the daemon itself is unreachable.
		if res.ExitCode != 0 {
			return lab.StateUnknown, nil
		}
		return lab.StateUnknown, fmt.Errorf("inspect container %s: %w", phys, err)
	}

	switch strings.TrimSpace(res.Stdout) {
	case "running":
		return lab.StateRunning, nil
	case "paused":
		return lab.StatePaused, nil
	case "exited", "created", "dead":
		return lab.StateStopped, nil
	default:
		return lab.StateStopped, nil
	}
}

func (b *DockerBackend) ListActive(ctx context.Context) ([]string, error) {
	res, err := b.runner.Run(ctx, "docker", "ps", "-a", "--format", "{{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	names := []string{}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if logical, ok := b.scope.Logical(line); ok {
			names = append(names, logical)
		}
	}
	return names, nil
}

func (b *DockerBackend) Exists(ctx context.Context, name string) (bool, error) {
	phys := b.scope.Physical(name)
	res, err := b.runner.Run(ctx, "docker", "inspect", phys)
	if err != nil {
		if res.ExitCode != 0 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *DockerBackend) SetMetadata(ctx context.Context, name, key, value string) error {
	return b.recreate(ctx, name, func(spec *recreateSpec) {
		spec.labels[key] = value
	})
}

func (b *DockerBackend) GetMetadata(ctx context.Context, name, key string) (string, error) {
	phys := b.scope.Physical(name)

	res, err := b.runner.Run(ctx, "docker", "inspect", "-f", "{{json .Config.Labels}}", phys)
	if err != nil {
		return "", nil
	}

	var labels map[string]string
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &labels); err != nil {
		return "", nil
	}
	return labels[key], nil
}

func (b *DockerBackend) MountVolume(ctx context.Context, name, source, target string, readonly bool) error {
	bind := source + ":" + target
	if readonly {
		bind += ":ro"
	}
	return b.recreate(ctx, name, func(spec *recreateSpec) {
		for _, existing := range spec.binds {
			if existing == bind {
				return
			}
		}
		spec.binds = append(spec.binds, bind)
	})
}

// recreateSpec is the mutable view of a container's creation-time
// configuration handed to recreate mutators.
type recreateSpec struct {
	labels map[string]string
	binds  []string
}

// recreate rebuilds a container with a mutated creation-time configuration,
// preserving image, environment, labels, binds, network mode, privilege, and
// resource limits, then restores the prior run state.
func (b *DockerBackend) recreate(ctx context.Context, name string, mutate func(*recreateSpec)) error {
	phys := b.scope.Physical(name)

	res, err := b.runner.Run(ctx, "docker", "inspect", phys)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", phys, err)
	}

	var inspected []dockerInspect
	if err := json.Unmarshal([]byte(res.Stdout), &inspected); err != nil || len(inspected) == 0 {
		return fmt.Errorf("parse inspect output for %s: %w", phys, err)
	}
	current := inspected[0]

	spec := &recreateSpec{
		labels: map[string]string{},
		binds:  append([]string{}, current.HostConfig.Binds...),
	}
	for k, v := range current.Config.Labels {
		spec.labels[k] = v
	}
	mutate(spec)

	wasRunning := current.State.Status == "running"
	if wasRunning {
		if _, err := b.runner.Run(ctx, "docker", "stop", phys); err != nil {
			return fmt.Errorf("stop %s for recreate: %w", phys, err)
		}
	}
	if _, err := b.runner.Run(ctx, "docker", "rm", phys); err != nil {
		return fmt.Errorf("remove %s for recreate: %w", phys, err)
	}

	args := []string{"create", "--name", phys}
	if current.HostConfig.NanoCpus > 0 {
		args = append(args, "--cpus", strconv.FormatInt(current.HostConfig.NanoCpus/1_000_000_000, 10))
	}
	if current.HostConfig.Memory > 0 {
		args = append(args, "-m", strconv.FormatInt(current.HostConfig.Memory, 10)+"b")
	}
	if current.HostConfig.Privileged {
		args = append(args, "--privileged")
	}
	if mode := current.HostConfig.NetworkMode; mode != "" && mode != "default" && mode != "bridge" {
		args = append(args, "--network", mode)
	}
	for _, env := range current.Config.Env {
		args = append(args, "-e", env)
	}
	for port, bindings := range current.HostConfig.PortBindings {
		for _, binding := range bindings {
			args = append(args, "-p", binding.HostPort+":"+strings.TrimSuffix(port, "/tcp"))
		}
	}
	for _, bind := range spec.binds {
		args = append(args, "-v", bind)
	}
	for k, v := range spec.labels {
		args = append(args, "--label", k+"="+v)
	}
	args = append(args, current.Config.Image)

	if _, err := b.runner.Run(ctx, "docker", args...); err != nil {
		return fmt.Errorf("recreate %s: %w", phys, err)
	}

	if wasRunning {
		if _, err := b.runner.Run(ctx, "docker", "start", phys); err != nil {
			return fmt.Errorf("restart %s after recreate: %w", phys, err)
		}
	}
	return nil
}
