package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labforge/labforge/pkg/lab"
	"github.com/rs/zerolog"
)

// QemuBackend realizes each node as a locally spawned qemu process plus a
// JSON sidecar descriptor and a PID file under a lab-scoped storage
// directory. There is no external daemon: this backend owns full
// process-lifetime responsibility, so it behaves like a small supervisor —
// exactly-once PID bookkeeping, safe double-stop, and self-healing recovery
// from stale PID files left by a crash.
type QemuBackend struct {
	scope      lab.Scope
	storageDir string
	runner     Runner
	logger     zerolog.Logger

	// signal delivers a signal to a PID. Overridable in tests.
	signal func(pid int, sig syscall.Signal) error

	// stopGrace is how long Stop waits for a graceful exit before
	// escalating to SIGKILL.
	stopGrace time.Duration
}

// NewQemuBackend returns a process-supervised NodeBackend storing its
// sidecar files under storageDir.
func NewQemuBackend(scope lab.Scope, storageDir string, runner Runner, logger zerolog.Logger) *QemuBackend {
	return &QemuBackend{
		scope:      scope,
		storageDir: storageDir,
		runner:     runner,
		logger:     logger.With().Str("component", "qemu-backend").Logger(),
		signal:     syscall.Kill,
		stopGrace:  5 * time.Second,
	}
}

// nodeDescriptor is the sidecar file holding everything needed to relaunch a
// node. It is the sole source of truth for this backend.
type nodeDescriptor struct {
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	CPUs     int               `json:"cpus"`
	Memory   string            `json:"memory"`
	Disk     string            `json:"disk"`
	Network  string            `json:"network"`
	Config   map[string]string `json:"config"`
	Metadata map[string]string `json:"metadata"`
	Volumes  []descriptorMount `json:"volumes"`
}

type descriptorMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Readonly bool   `json:"readonly"`
}

func (b *QemuBackend) descriptorPath(name string) string {
	return filepath.Join(b.storageDir, name+".json")
}

func (b *QemuBackend) pidPath(name string) string {
	return filepath.Join(b.storageDir, name+".pid")
}

func (b *QemuBackend) diskPath(name string) string {
	return filepath.Join(b.storageDir, name+".qcow2")
}

// Provision creates the disk image if absent and writes the descriptor. It
// does not start the process. Metadata and volumes recorded on an existing
// descriptor survive reprovisioning.
func (b *QemuBackend) Provision(ctx context.Context, spec lab.NodeSpec) error {
	if err := os.MkdirAll(b.storageDir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	disk := b.diskPath(spec.Name)
	if _, err := os.Stat(disk); os.IsNotExist(err) {
		if _, err := b.runner.Run(ctx, "qemu-img", "create", "-f", "qcow2", disk, spec.Disk); err != nil {
			return fmt.Errorf("create disk image for %s: %w", spec.Name, err)
		}
	}

	desc := nodeDescriptor{
		Name:     b.scope.Physical(spec.Name),
		Image:    spec.Image,
		CPUs:     spec.CPUs,
		Memory:   spec.Memory,
		Disk:     disk,
		Network:  "user",
		Config:   spec.Config,
		Metadata: map[string]string{},
		Volumes:  []descriptorMount{},
	}
	if existing, err := b.readDescriptor(spec.Name); err == nil {
		desc.Metadata = existing.Metadata
		desc.Volumes = existing.Volumes
	}

	return b.writeDescriptor(spec.Name, &desc)
}

func (b *QemuBackend) readDescriptor(name string) (*nodeDescriptor, error) {
	data, err := os.ReadFile(b.descriptorPath(name))
	if err != nil {
		return nil, err
	}
	var desc nodeDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("corrupt descriptor for %s: %w", name, err)
	}
	if desc.Metadata == nil {
		desc.Metadata = map[string]string{}
	}
	return &desc, nil
}

// writeDescriptor writes atomically (tmp + rename) so a crash mid-write
// never leaves a torn descriptor.
func (b *QemuBackend) writeDescriptor(name string, desc *nodeDescriptor) error {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	tmp := b.descriptorPath(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write descriptor for %s: %w", name, err)
	}
	return os.Rename(tmp, b.descriptorPath(name))
}

func (b *QemuBackend) Remove(ctx context.Context, name string) error {
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

	for _, path := range []string{b.descriptorPath(name), b.diskPath(name), b.pidPath(name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

func (b *QemuBackend) Start(ctx context.Context, name string) error {
	state, err := b.State(ctx, name)
	if err != nil {
		return err
	}
	if state == lab.StateRunning {
		return nil
	}
	if state == lab.StateUnknown {
		return fmt.Errorf("node %q has no descriptor; provision it first", name)
	}

	desc, err := b.readDescriptor(name)
	if err != nil {
		return err
	}

	memMiB, err := lab.MemoryMiB(desc.Memory)
	if err != nil {
		return fmt.Errorf("node %q: %w", name, err)
	}

	args := []string{
		"-name", desc.Name,
		"-m", strconv.Itoa(memMiB),
		"-smp", strconv.Itoa(desc.CPUs),
		"-drive", "file=" + desc.Disk + ",format=qcow2",
		"-cdrom", desc.Image,
		"-boot", "d",
		"-enable-kvm",
		"-nographic",
	}
	if desc.Network == "user" {
		args = append(args,
			"-netdev", "user,id=net0",
			"-device", "virtio-net-pci,netdev=net0")
	}
	for _, mount := range desc.Volumes {
		// QEMU rejects ids containing slashes, so the target path is
		// flattened the same way incus device names are.
		tag := sanitizeDeviceName(mount.Target)
		fsdev := fmt.Sprintf("local,id=fs-%s,path=%s,security_model=mapped", tag, mount.Source)
		if mount.Readonly {
			fsdev += ",readonly=on"
		}
		args = append(args,
			"-fsdev", fsdev,
			"-device", fmt.Sprintf("virtio-9p-pci,fsdev=fs-%s,mount_tag=%s", tag, tag))
	}

	pid, err := b.runner.Start(ctx, "qemu-system-x86_64", args...)
	if err != nil {
		return fmt.Errorf("launch %s: %w", desc.Name, err)
	}

	if err := os.WriteFile(b.pidPath(name), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		// The process is up but untracked; kill it rather than leak it.
		_ = b.signal(pid, syscall.SIGKILL)
		return fmt.Errorf("record pid for %s: %w", name, err)
	}

	b.logger.Info().Str("node", name).Int("pid", pid).Msg("Node started")
	return nil
}

func (b *QemuBackend) Stop(ctx context.Context, name string) error {
	pid, ok, err := b.readPID(name)
	if err != nil {
		return err
	}
	if !ok {
		// No PID file: already stopped. Double-stop is safe.
		return nil
	}

	if !b.processAlive(pid) {
		// Stale record from a crash; clean it up.
		return os.Remove(b.pidPath(name))
	}

	if err := b.signal(pid, syscall.SIGTERM); err == nil {
		deadline := time.Now().Add(b.stopGrace)
		for time.Now().Before(deadline) {
			if !b.processAlive(pid) {
				return os.Remove(b.pidPath(name))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	if err := b.signal(pid, syscall.SIGKILL); err != nil && b.processAlive(pid) {
		return fmt.Errorf("kill node %q (pid %d): %w", name, pid, err)
	}
	return os.Remove(b.pidPath(name))
}

func (b *QemuBackend) State(_ context.Context, name string) (lab.NodeState, error) {
	if _, err := os.Stat(b.descriptorPath(name)); os.IsNotExist(err) {
		return lab.StateUnknown, nil
	}

	pid, ok, err := b.readPID(name)
	if err != nil {
		return lab.StateUnknown, err
	}
	if !ok {
		return lab.StateStopped, nil
	}

	if !b.processAlive(pid) {
		// The process died behind our back; heal the stale PID file.
		_ = os.Remove(b.pidPath(name))
		return lab.StateStopped, nil
	}
	return lab.StateRunning, nil
}

// readPID returns (pid, true) when a well-formed PID file exists. A
// malformed PID file is treated as stale and removed.
func (b *QemuBackend) readPID(name string) (int, bool, error) {
	data, err := os.ReadFile(b.pidPath(name))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		_ = os.Remove(b.pidPath(name))
		return 0, false, nil
	}
	return pid, true, nil
}

// processAlive probes a PID with signal 0.
func (b *QemuBackend) processAlive(pid int) bool {
	return b.signal(pid, 0) == nil
}

func (b *QemuBackend) ListActive(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.storageDir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan storage dir: %w", err)
	}

	names := []string{}
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (b *QemuBackend) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(b.descriptorPath(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *QemuBackend) SetMetadata(_ context.Context, name, key, value string) error {
	desc, err := b.readDescriptor(name)
	if err != nil {
		return fmt.Errorf("node %q: %w", name, err)
	}
	desc.Metadata[key] = value
	return b.writeDescriptor(name, desc)
}

func (b *QemuBackend) GetMetadata(_ context.Context, name, key string) (string, error) {
	desc, err := b.readDescriptor(name)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return desc.Metadata[key], nil
}

func (b *QemuBackend) MountVolume(_ context.Context, name, source, target string, readonly bool) error {
	desc, err := b.readDescriptor(name)
	if err != nil {
		return fmt.Errorf("node %q: %w", name, err)
	}

	mount := descriptorMount{Source: source, Target: target, Readonly: readonly}
	for _, existing := range desc.Volumes {
		if existing == mount {
			return nil
		}
	}
	desc.Volumes = append(desc.Volumes, mount)
	return b.writeDescriptor(name, desc)
}
